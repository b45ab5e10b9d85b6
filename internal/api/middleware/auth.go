package middleware

import (
	"context"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/saturnino-fabrica-de-software/vigia/internal/domain"
	"github.com/saturnino-fabrica-de-software/vigia/internal/ws"
)

// LocalPrincipal is the key to retrieve the authenticated principal from context
const LocalPrincipal = "principal"

// Authenticator is satisfied by *ws.Authenticator; REST and streams share credentials.
type Authenticator interface {
	Enabled() bool
	Authenticate(ctx context.Context, channel string, creds ws.Credentials) (*ws.Principal, error)
}

type AuthDependencies struct {
	Authenticator Authenticator
	// Scope is the channel a token must grant to use these routes.
	Scope  string
	Logger *slog.Logger
}

// Auth accepts the same API keys and tokens as the websocket endpoints, via the
// Authorization header or the api_key / token query parameters.
func Auth(deps AuthDependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if deps.Authenticator == nil || !deps.Authenticator.Enabled() {
			c.Locals(LocalPrincipal, &ws.Principal{Subject: "anonymous", Method: ws.AuthNone})
			return c.Next()
		}

		creds := ws.CredentialsFromRequest(c)
		if key := c.Get("X-API-Key"); key != "" && creds.APIKey == "" {
			creds.APIKey = key
		}

		principal, err := deps.Authenticator.Authenticate(c.Context(), deps.Scope, creds)
		if err != nil {
			// Don't reveal which check failed
			if deps.Logger != nil {
				deps.Logger.Debug("request rejected", "path", c.Path(), "ip", c.IP(), "error", err)
			}
			return domain.ErrUnauthorized
		}

		c.Locals(LocalPrincipal, principal)
		return c.Next()
	}
}

// GetPrincipal retrieves the authenticated principal from Fiber context
func GetPrincipal(c *fiber.Ctx) (*ws.Principal, error) {
	p, ok := c.Locals(LocalPrincipal).(*ws.Principal)
	if !ok {
		return nil, domain.ErrUnauthorized
	}
	return p, nil
}
