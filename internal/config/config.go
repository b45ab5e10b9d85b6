package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	BackboneMemory = "memory"
	BackboneMQTT   = "mqtt"
	BackboneKafka  = "kafka"

	SequencerMemory   = "memory"
	SequencerPostgres = "postgres"

	AnalyzerHeuristic = "heuristic"
	AnalyzerHTTP      = "http"
)

type Config struct {
	// Server
	Port        int    `envconfig:"PORT" default:"3000"`
	Environment string `envconfig:"ENV" default:"development"`
	ReplicaID   string `envconfig:"REPLICA_ID" default:""`
	LogLevel    string `envconfig:"LOG_LEVEL"`

	// HTTP requests per minute per caller on /v1
	HTTPRateLimit int `envconfig:"HTTP_RATE_LIMIT" default:"600"`

	// Database (optional: empty runs without persistence)
	DatabaseURL string `envconfig:"DATABASE_URL"`

	// Batching
	BatchWindowSeconds int      `envconfig:"BATCH_WINDOW_SECONDS" default:"90"`
	BatchIdleSeconds   int      `envconfig:"BATCH_IDLE_SECONDS" default:"30"`
	BatchMaxDetections int      `envconfig:"BATCH_MAX_DETECTIONS" default:"50"`
	BatchTieBreak      string   `envconfig:"BATCH_TIEBREAK" default:"window_timeout"`
	FastPathEnabled    bool     `envconfig:"FASTPATH_ENABLED" default:"true"`
	FastPathClasses    []string `envconfig:"FASTPATH_CLASSES" default:"person,weapon,fire"`
	FastPathThreshold  float64  `envconfig:"FASTPATH_THRESHOLD" default:"0.90"`

	// Risk analysis
	AnalyzerType       string        `envconfig:"ANALYZER_TYPE" default:"heuristic"`
	AnalyzerURL        string        `envconfig:"ANALYZER_URL" default:"http://localhost:5005"`
	AnalyzerTimeout    time.Duration `envconfig:"ANALYZER_TIMEOUT" default:"20s"`
	AnalyzerRetryCount int           `envconfig:"ANALYZER_RETRY_COUNT" default:"2"`
	// Zero splits ANALYZER_TIMEOUT across the attempts.
	AnalyzerAttemptTimeout time.Duration `envconfig:"ANALYZER_ATTEMPT_TIMEOUT" default:"0s"`
	DegradedRiskScore      int           `envconfig:"DEGRADED_RISK_SCORE" default:"50"`
	AlertMinScore          int           `envconfig:"ALERT_MIN_SCORE" default:"70"`

	// Broadcast
	Backbone  string `envconfig:"BACKBONE" default:"memory"`
	Sequencer string `envconfig:"SEQUENCER" default:"memory"`

	MQTTBroker         string `envconfig:"MQTT_BROKER" default:"tcp://localhost:1883"`
	MQTTClientID       string `envconfig:"MQTT_CLIENT_ID" default:"vigia"`
	MQTTUsername       string `envconfig:"MQTT_USERNAME"`
	MQTTPassword       string `envconfig:"MQTT_PASSWORD"`
	MQTTBroadcastTopic string `envconfig:"MQTT_BROADCAST_PREFIX" default:"vigia/broadcast"`
	MQTTCameraTopic    string `envconfig:"MQTT_CAMERA_PREFIX" default:"vigia/cameras"`
	IngestEnabled      bool   `envconfig:"INGEST_ENABLED" default:"false"`

	KafkaBrokers     []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaTopicPrefix string   `envconfig:"KAFKA_TOPIC_PREFIX" default:"vigia."`

	// WebSocket
	WSIdleTimeoutSeconds  int      `envconfig:"WS_IDLE_TIMEOUT_SECONDS" default:"120"`
	WSPingIntervalSeconds int      `envconfig:"WS_PING_INTERVAL_SECONDS" default:"30"`
	WSSendBuffer          int      `envconfig:"WS_SEND_BUFFER" default:"256"`
	WSMaxInvalidMessages  int      `envconfig:"WS_MAX_INVALID_MESSAGES" default:"20"`
	WSConnectRateLimit    int      `envconfig:"WS_CONNECT_RATE_LIMIT" default:"30"`
	WSAPIKeyHashes        []string `envconfig:"WS_API_KEY_HASHES"`
	WSStoredKeys          bool     `envconfig:"WS_STORED_KEYS" default:"false"`
	JWTSecret             string   `envconfig:"JWT_SECRET"`
	JWTIssuer             string   `envconfig:"JWT_ISSUER" default:"vigia"`

	// Batch archive
	MinIOEndpoint  string `envconfig:"MINIO_ENDPOINT"`
	MinIOAccessKey string `envconfig:"MINIO_ACCESS_KEY"`
	MinIOSecretKey string `envconfig:"MINIO_SECRET_KEY"`
	MinIOBucket    string `envconfig:"MINIO_BUCKET" default:"vigia-batches"`
	MinIOUseSSL    bool   `envconfig:"MINIO_USE_SSL" default:"false"`

	// Background workers
	SystemStatusIntervalSeconds int     `envconfig:"SYSTEM_STATUS_INTERVAL_SECONDS" default:"15"`
	SummaryIntervalMinutes      int     `envconfig:"SUMMARY_INTERVAL_MINUTES" default:"60"`
	CPUAlertPercent             float64 `envconfig:"CPU_ALERT_PERCENT" default:"85"`
	MemoryAlertPercent          float64 `envconfig:"MEMORY_ALERT_PERCENT" default:"85"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	var errs []error

	if c.BatchWindowSeconds <= 0 || c.BatchIdleSeconds <= 0 {
		errs = append(errs, errors.New("batch window and idle seconds must be positive"))
	}
	if c.BatchMaxDetections <= 0 {
		errs = append(errs, errors.New("BATCH_MAX_DETECTIONS must be positive"))
	}
	if c.BatchTieBreak != "window_timeout" && c.BatchTieBreak != "idle_timeout" {
		errs = append(errs, fmt.Errorf("BATCH_TIEBREAK must be window_timeout or idle_timeout, got %q", c.BatchTieBreak))
	}
	if c.FastPathThreshold < 0 || c.FastPathThreshold > 1 {
		errs = append(errs, errors.New("FASTPATH_THRESHOLD must be between 0 and 1"))
	}
	if c.DegradedRiskScore < 0 || c.DegradedRiskScore > 100 {
		errs = append(errs, errors.New("DEGRADED_RISK_SCORE must be between 0 and 100"))
	}

	if c.AnalyzerAttemptTimeout < 0 || c.AnalyzerAttemptTimeout > c.AnalyzerTimeout {
		errs = append(errs, errors.New("ANALYZER_ATTEMPT_TIMEOUT must be between 0 and ANALYZER_TIMEOUT"))
	}
	if c.AnalyzerType != AnalyzerHeuristic && c.AnalyzerType != AnalyzerHTTP {
		errs = append(errs, fmt.Errorf("ANALYZER_TYPE must be heuristic or http, got %q", c.AnalyzerType))
	}

	switch c.Backbone {
	case BackboneMemory, BackboneMQTT, BackboneKafka:
	default:
		errs = append(errs, fmt.Errorf("unknown BACKBONE %q", c.Backbone))
	}

	switch c.Sequencer {
	case SequencerMemory:
		// a process-local counter cannot order messages published by several replicas
		if c.Backbone != BackboneMemory && c.IsProduction() {
			errs = append(errs, errors.New("SEQUENCER=postgres is required with a shared backbone in production"))
		}
	case SequencerPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("SEQUENCER=postgres requires DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown SEQUENCER %q", c.Sequencer))
	}

	if c.WSIdleTimeoutSeconds <= 0 || c.WSPingIntervalSeconds <= 0 {
		errs = append(errs, errors.New("websocket idle timeout and ping interval must be positive"))
	}
	if c.WSStoredKeys && !c.HasDatabase() {
		errs = append(errs, errors.New("WS_STORED_KEYS requires DATABASE_URL"))
	}
	if c.WSSendBuffer <= 0 {
		errs = append(errs, errors.New("WS_SEND_BUFFER must be positive"))
	}

	return errors.Join(errs...)
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) HasDatabase() bool {
	return c.DatabaseURL != ""
}

func (c *Config) HasArchive() bool {
	return c.MinIOEndpoint != ""
}

func (c *Config) AuthEnabled() bool {
	return len(c.WSAPIKeyHashes) > 0 || c.JWTSecret != "" || c.WSStoredKeys
}

func (c *Config) BatchWindow() time.Duration {
	return time.Duration(c.BatchWindowSeconds) * time.Second
}

func (c *Config) BatchIdle() time.Duration {
	return time.Duration(c.BatchIdleSeconds) * time.Second
}

func (c *Config) WSIdleTimeout() time.Duration {
	return time.Duration(c.WSIdleTimeoutSeconds) * time.Second
}

func (c *Config) WSPingInterval() time.Duration {
	return time.Duration(c.WSPingIntervalSeconds) * time.Second
}

// NormalizedFastPathClasses lowercases and trims the configured classes.
func (c *Config) NormalizedFastPathClasses() []string {
	out := make([]string, 0, len(c.FastPathClasses))
	for _, class := range c.FastPathClasses {
		class = strings.ToLower(strings.TrimSpace(class))
		if class != "" {
			out = append(out, class)
		}
	}
	return out
}
