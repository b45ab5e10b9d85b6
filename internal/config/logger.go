package config

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns JSON output in production and text elsewhere.
// level overrides the environment default when it names a slog level.
func NewLogger(env, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: env == "development",
		Level:     slog.LevelDebug,
	}

	var handler slog.Handler
	if env == "production" {
		opts.Level = slog.LevelInfo
		handler = slog.NewJSONHandler(os.Stdout, withLevel(opts, level))
	} else {
		handler = slog.NewTextHandler(os.Stdout, withLevel(opts, level))
	}

	return slog.New(handler).With(slog.String("service", "vigia"))
}

func withLevel(opts *slog.HandlerOptions, level string) *slog.HandlerOptions {
	var lvl slog.Level
	if level != "" && lvl.UnmarshalText([]byte(strings.ToUpper(level))) == nil {
		opts.Level = lvl
	}
	return opts
}
