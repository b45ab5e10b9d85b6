package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/saturnino-fabrica-de-software/vigia/internal/config"
	"github.com/saturnino-fabrica-de-software/vigia/internal/database"
	"github.com/saturnino-fabrica-de-software/vigia/internal/domain"
	"github.com/saturnino-fabrica-de-software/vigia/internal/repository"
	"github.com/saturnino-fabrica-de-software/vigia/internal/ws"
)

// Usage:
//
//	genkey [-env test] [-store -name wall]   new API key, optionally saved to DATABASE_URL
//	genkey token -sub wall [-channels events,system] [-ttl 24h]
//	genkey hash <api key>                     SHA256 for WS_API_KEY_HASHES
//	genkey list                               stored keys
//	genkey revoke <key id>
func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	_ = godotenv.Load()

	if len(args) > 0 {
		switch args[0] {
		case "token":
			return token(args[1:])
		case "hash":
			if len(args) < 2 {
				return fmt.Errorf("usage: genkey hash <api key>")
			}
			fmt.Println(domain.HashAPIKey(args[1]))
			return nil
		case "list":
			return list()
		case "revoke":
			if len(args) < 2 {
				return fmt.Errorf("usage: genkey revoke <key id>")
			}
			return revoke(args[1])
		}
	}
	return key(args)
}

func key(args []string) error {
	fs := flag.NewFlagSet("genkey", flag.ContinueOnError)
	env := fs.String("env", domain.EnvLive, "Key environment: live or test")
	store := fs.Bool("store", false, "Save the key hash to the database")
	name := fs.String("name", "", "Key name (required with -store)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	plain, hash, prefix, err := domain.GenerateAPIKey(*env)
	if err != nil {
		return err
	}

	if *store {
		if err := storeKey(*name, *env, hash, prefix); err != nil {
			return err
		}
	}

	fmt.Printf("KEY=%s\nHASH=%s\nPREFIX=%s\n", plain, hash, prefix)
	return nil
}

// withKeys opens the api_keys repository on DATABASE_URL for the duration of fn.
func withKeys(fn func(ctx context.Context, keys *repository.APIKeyRepository) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if !cfg.HasDatabase() {
		return fmt.Errorf("DATABASE_URL is required for stored keys")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := database.NewPool(ctx, database.DefaultPoolConfig(cfg.DatabaseURL))
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, repository.NewAPIKeyRepository(pool))
}

func storeKey(name, env, hash, prefix string) error {
	apiKey := &domain.APIKey{
		ID:          uuid.New(),
		Name:        name,
		KeyHash:     hash,
		KeyPrefix:   prefix,
		Environment: env,
		IsActive:    true,
	}
	if err := apiKey.Validate(); err != nil {
		return err
	}
	return withKeys(func(ctx context.Context, keys *repository.APIKeyRepository) error {
		return keys.Create(ctx, apiKey)
	})
}

func list() error {
	return withKeys(func(ctx context.Context, keys *repository.APIKeyRepository) error {
		stored, err := keys.List(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tPREFIX\tENV\tACTIVE\tLAST USED")
		for _, k := range stored {
			lastUsed := "never"
			if k.LastUsedAt != nil {
				lastUsed = k.LastUsedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n", k.ID, k.Name, k.KeyPrefix, k.Environment, k.IsActive, lastUsed)
		}
		return w.Flush()
	})
}

func revoke(raw string) error {
	id, err := uuid.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid key id: %w", err)
	}
	return withKeys(func(ctx context.Context, keys *repository.APIKeyRepository) error {
		if err := keys.Revoke(ctx, id); err != nil {
			return err
		}
		fmt.Printf("revoked %s\n", id)
		return nil
	})
}

func token(args []string) error {
	fs := flag.NewFlagSet("genkey token", flag.ContinueOnError)
	subject := fs.String("sub", "", "Token subject, usually the dashboard name")
	channels := fs.String("channels", "", "Comma separated channels, empty grants all")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return fmt.Errorf("-sub is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required to sign tokens")
	}

	var scope []string
	for _, ch := range strings.Split(*channels, ",") {
		if ch = strings.TrimSpace(ch); ch != "" {
			scope = append(scope, ch)
		}
	}

	signed, err := ws.NewTokenService(cfg.JWTSecret, cfg.JWTIssuer).GenerateToken(*subject, scope, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(signed)
	return nil
}
