package ws

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/saturnino-fabrica-de-software/vigia/internal/domain"
)

type MockAPIKeyLookup struct {
	mock.Mock
}

func (m *MockAPIKeyLookup) GetByHash(ctx context.Context, hash string) (*domain.APIKey, error) {
	args := m.Called(ctx, hash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.APIKey), args.Error(1)
}

type MockUsageTracker struct {
	mock.Mock
}

func (m *MockUsageTracker) Enqueue(keyID uuid.UUID) {
	m.Called(keyID)
}

func TestAuthenticator_Disabled(t *testing.T) {
	var nilAuth *Authenticator
	assert.False(t, nilAuth.Enabled())

	auth := NewAuthenticator(nil, nil, nil, nil)
	assert.False(t, auth.Enabled())

	p, err := auth.Authenticate(context.Background(), "events", Credentials{})
	require.NoError(t, err)
	assert.Equal(t, AuthNone, p.Method)
}

func TestAuthenticator_StaticKeyHash(t *testing.T) {
	key := "dashboard-secret"
	hash := domain.HashAPIKey(key)
	auth := NewAuthenticator([]string{hash}, nil, nil, nil)

	p, err := auth.Authenticate(context.Background(), "events", Credentials{APIKey: key})
	require.NoError(t, err)
	assert.Equal(t, AuthAPIKey, p.Method)
	assert.Equal(t, "key:"+hash[:12], p.Subject)

	_, err = auth.Authenticate(context.Background(), "events", Credentials{APIKey: "other"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = auth.Authenticate(context.Background(), "events", Credentials{})
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestAuthenticator_StoredKey(t *testing.T) {
	plain, hash, prefix, err := domain.GenerateAPIKey(domain.EnvLive)
	require.NoError(t, err)
	keyID := uuid.New()

	tests := []struct {
		name      string
		stored    *domain.APIKey
		lookupErr error
		wantErr   error
	}{
		{
			name:   "active key",
			stored: &domain.APIKey{ID: keyID, KeyPrefix: prefix, IsActive: true},
		},
		{
			name:    "revoked key",
			stored:  &domain.APIKey{ID: keyID, KeyPrefix: prefix, IsActive: false},
			wantErr: ErrInvalidCredentials,
		},
		{
			name:      "unknown key",
			lookupErr: domain.ErrAPIKeyNotFound,
			wantErr:   ErrInvalidCredentials,
		},
		{
			name:      "lookup failure",
			lookupErr: errors.New("connection refused"),
			wantErr:   ErrInvalidCredentials,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lookup := new(MockAPIKeyLookup)
			usage := new(MockUsageTracker)
			lookup.On("GetByHash", mock.Anything, hash).Return(tt.stored, tt.lookupErr)
			if tt.wantErr == nil {
				usage.On("Enqueue", keyID).Return()
			}

			auth := NewAuthenticator(nil, lookup, usage, nil)
			p, err := auth.Authenticate(context.Background(), "system", Credentials{APIKey: plain})

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, p)
				usage.AssertNotCalled(t, "Enqueue", mock.Anything)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, prefix, p.Subject)
			usage.AssertExpectations(t)
		})
	}
}

func TestAuthenticator_MalformedKeySkipsLookup(t *testing.T) {
	lookup := new(MockAPIKeyLookup)
	auth := NewAuthenticator(nil, lookup, nil, nil)

	_, err := auth.Authenticate(context.Background(), "events", Credentials{APIKey: "vg_prod_short"})

	assert.ErrorIs(t, err, ErrInvalidCredentials)
	lookup.AssertNotCalled(t, "GetByHash", mock.Anything, mock.Anything)
}

func TestAuthenticator_Token(t *testing.T) {
	tokens := NewTokenService("secret", "vigia")
	auth := NewAuthenticator(nil, nil, nil, tokens)

	scoped, err := tokens.GenerateToken("wall-display", []string{"events"}, time.Hour)
	require.NoError(t, err)

	p, err := auth.Authenticate(context.Background(), "events", Credentials{Token: scoped})
	require.NoError(t, err)
	assert.Equal(t, "wall-display", p.Subject)
	assert.Equal(t, AuthToken, p.Method)

	_, err = auth.Authenticate(context.Background(), "system", Credentials{Token: scoped})
	assert.ErrorIs(t, err, ErrChannelNotAllowed)

	_, err = auth.Authenticate(context.Background(), "events", Credentials{Token: "garbage"})
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticator_FallsBackToTokenWhenKeyFails(t *testing.T) {
	tokens := NewTokenService("secret", "vigia")
	auth := NewAuthenticator([]string{domain.HashAPIKey("right")}, nil, nil, tokens)

	token, err := tokens.GenerateToken("ops", nil, time.Hour)
	require.NoError(t, err)

	p, err := auth.Authenticate(context.Background(), "jobs", Credentials{APIKey: "wrong", Token: token})
	require.NoError(t, err)
	assert.Equal(t, "ops", p.Subject)
}
