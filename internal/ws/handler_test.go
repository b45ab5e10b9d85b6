package ws

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialsFromRequest(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		headers map[string]string
		want    Credentials
	}{
		{
			name:   "query parameters",
			target: "/?api_key=abc&token=jwt",
			want:   Credentials{APIKey: "abc", Token: "jwt"},
		},
		{
			name:    "subprotocol entries",
			target:  "/",
			headers: map[string]string{"Sec-WebSocket-Protocol": "vigia.v1, key.abc, token.jwt"},
			want:    Credentials{APIKey: "abc", Token: "jwt"},
		},
		{
			name:    "query wins over subprotocol",
			target:  "/?api_key=fromquery",
			headers: map[string]string{"Sec-WebSocket-Protocol": "key.fromproto"},
			want:    Credentials{APIKey: "fromquery"},
		},
		{
			name:    "bearer api key",
			target:  "/",
			headers: map[string]string{"Authorization": "Bearer vg_live_abc"},
			want:    Credentials{APIKey: "vg_live_abc"},
		},
		{
			name:    "bearer token",
			target:  "/",
			headers: map[string]string{"Authorization": "Bearer eyJhbGciOi"},
			want:    Credentials{Token: "eyJhbGciOi"},
		},
		{
			name:    "bearer ignored when query present",
			target:  "/?token=jwt",
			headers: map[string]string{"Authorization": "Bearer vg_live_abc"},
			want:    Credentials{Token: "jwt"},
		},
		{
			name:    "basic auth ignored",
			target:  "/",
			headers: map[string]string{"Authorization": "Basic dXNlcjpwYXNz"},
			want:    Credentials{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := fiber.New()
			app.Get("/", func(c *fiber.Ctx) error {
				return c.JSON(CredentialsFromRequest(c))
			})

			req := httptest.NewRequest("GET", tt.target, nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			resp, err := app.Test(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			var got Credentials
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUpgradeMiddleware_RejectsPlainHTTP(t *testing.T) {
	app := fiber.New()
	app.Get("/v1/ws/events", UpgradeMiddleware(), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/v1/ws/events", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}

func TestUpgradeMiddleware_StoresCredentials(t *testing.T) {
	app := fiber.New()
	app.Get("/v1/ws/events", UpgradeMiddleware(), func(c *fiber.Ctx) error {
		creds, _ := c.Locals(localCredentials).(Credentials)
		return c.SendString(creds.APIKey)
	})

	req := httptest.NewRequest("GET", "/v1/ws/events?api_key=abc", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
