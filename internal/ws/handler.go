package ws

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/saturnino-fabrica-de-software/vigia/internal/domain"
)

// Subprotocol is echoed back when the client offers it.
const Subprotocol = "vigia.v1"

const (
	localCredentials = "ws_credentials"
	localRemoteIP    = "ws_remote_ip"
)

// Handler upgrades the request and hands the socket to m. Use it behind
// UpgradeMiddleware, which captures credentials before the upgrade.
func Handler(m *Manager) fiber.Handler {
	cfg := websocket.Config{
		Subprotocols: []string{Subprotocol},
	}

	return websocket.New(func(c *websocket.Conn) {
		creds, _ := c.Locals(localCredentials).(Credentials)
		remoteIP, _ := c.Locals(localRemoteIP).(string)

		_ = m.Accept(context.Background(), c, AcceptRequest{
			Credentials: creds,
			RemoteIP:    remoteIP,
			JobID:       c.Params("id"),
		})
	}, cfg)
}

// UpgradeMiddleware rejects plain HTTP requests and stores what Accept needs.
func UpgradeMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		c.Locals(localCredentials, CredentialsFromRequest(c))
		c.Locals(localRemoteIP, c.IP())
		return c.Next()
	}
}

// CredentialsFromRequest reads the api_key or token query parameters, then the
// Sec-WebSocket-Protocol entries "key.<api key>" and "token.<jwt>", then a
// bearer Authorization header.
func CredentialsFromRequest(c *fiber.Ctx) Credentials {
	creds := Credentials{
		APIKey: c.Query("api_key"),
		Token:  c.Query("token"),
	}

	for _, proto := range strings.Split(c.Get("Sec-WebSocket-Protocol"), ",") {
		proto = strings.TrimSpace(proto)
		switch {
		case strings.HasPrefix(proto, "key.") && creds.APIKey == "":
			creds.APIKey = strings.TrimPrefix(proto, "key.")
		case strings.HasPrefix(proto, "token.") && creds.Token == "":
			creds.Token = strings.TrimPrefix(proto, "token.")
		}
	}

	if creds.Empty() {
		auth := c.Get(fiber.HeaderAuthorization)
		if parts := strings.SplitN(auth, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			token := strings.TrimSpace(parts[1])
			if strings.HasPrefix(token, domain.KeyScheme+"_") {
				creds.APIKey = token
			} else {
				creds.Token = token
			}
		}
	}

	return creds
}
