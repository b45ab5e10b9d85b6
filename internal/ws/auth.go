package ws

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/saturnino-fabrica-de-software/vigia/internal/domain"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrChannelNotAllowed  = errors.New("channel not allowed for this credential")
)

const (
	AuthNone   = "none"
	AuthAPIKey = "api_key"
	AuthToken  = "token"
)

// Credentials are what a client presented on the upgrade request.
type Credentials struct {
	APIKey string
	Token  string
}

func (c Credentials) Empty() bool {
	return c.APIKey == "" && c.Token == ""
}

// Principal identifies an authenticated connection.
type Principal struct {
	Subject string `json:"subject"`
	Method  string `json:"method"`
}

// APIKeyLookup resolves stored dashboard keys by hash.
type APIKeyLookup interface {
	GetByHash(ctx context.Context, hash string) (*domain.APIKey, error)
}

// KeyUsageTracker records that a stored key was used.
type KeyUsageTracker interface {
	Enqueue(keyID uuid.UUID)
}

// Authenticator accepts any of its configured mechanisms. With none configured
// every connection is anonymous.
type Authenticator struct {
	hashes map[string]bool
	keys   APIKeyLookup
	usage  KeyUsageTracker
	tokens *TokenService
}

// NewAuthenticator builds an authenticator. keys, usage and tokens may be nil.
func NewAuthenticator(keyHashes []string, keys APIKeyLookup, usage KeyUsageTracker, tokens *TokenService) *Authenticator {
	set := make(map[string]bool, len(keyHashes))
	for _, h := range keyHashes {
		if h != "" {
			set[h] = true
		}
	}
	return &Authenticator{hashes: set, keys: keys, usage: usage, tokens: tokens}
}

func (a *Authenticator) Enabled() bool {
	return a != nil && (len(a.hashes) > 0 || a.keys != nil || a.tokens != nil)
}

// Authenticate checks credentials for a connection on channel.
func (a *Authenticator) Authenticate(ctx context.Context, channel string, creds Credentials) (*Principal, error) {
	if !a.Enabled() {
		return &Principal{Subject: "anonymous", Method: AuthNone}, nil
	}
	if creds.Empty() {
		return nil, ErrMissingCredentials
	}

	if creds.APIKey != "" {
		if p, err := a.authenticateKey(ctx, creds.APIKey); err == nil || creds.Token == "" {
			return p, err
		}
	}

	if creds.Token != "" && a.tokens != nil {
		claims, err := a.tokens.ValidateToken(creds.Token)
		if err != nil {
			return nil, err
		}
		if !claims.AllowsChannel(channel) {
			return nil, ErrChannelNotAllowed
		}
		return &Principal{Subject: claims.Subject, Method: AuthToken}, nil
	}

	return nil, ErrInvalidCredentials
}

func (a *Authenticator) authenticateKey(ctx context.Context, key string) (*Principal, error) {
	hash := domain.HashAPIKey(key)

	if a.hashes[hash] {
		return &Principal{Subject: "key:" + hash[:12], Method: AuthAPIKey}, nil
	}

	if a.keys == nil || !domain.IsValidFormat(key) {
		return nil, ErrInvalidCredentials
	}

	// Lookup errors and unknown keys look the same to the client.
	stored, err := a.keys.GetByHash(ctx, hash)
	if err != nil || stored == nil || !stored.IsActive {
		return nil, ErrInvalidCredentials
	}

	if a.usage != nil {
		a.usage.Enqueue(stored.ID)
	}
	return &Principal{Subject: stored.KeyPrefix, Method: AuthAPIKey}, nil
}
