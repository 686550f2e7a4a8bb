package security

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newApp(cfg HeadersConfig) *fiber.App {
	app := fiber.New()
	app.Use(HeadersMiddleware(cfg), RequireJSON())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })
	app.Post("/", func(c *fiber.Ctx) error { return c.SendString("ok") })
	return app
}

func TestHeadersMiddleware(t *testing.T) {
	resp, err := newApp(HeadersConfig{}).Test(httptest.NewRequest(http.MethodGet, "/", nil), -1)
	require.NoError(t, err)

	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.NotEmpty(t, resp.Header.Get("Strict-Transport-Security"))
}

func TestHeadersMiddleware_DevelopmentSkipsHSTS(t *testing.T) {
	resp, err := newApp(HeadersConfig{IsDevelopment: true}).Test(httptest.NewRequest(http.MethodGet, "/", nil), -1)
	require.NoError(t, err)

	assert.Empty(t, resp.Header.Get("Strict-Transport-Security"))
}

func TestRequireJSON(t *testing.T) {
	tests := []struct {
		contentType string
		want        int
	}{
		{"application/json", fiber.StatusOK},
		{"application/json; charset=utf-8", fiber.StatusOK},
		{"text/plain", fiber.StatusUnsupportedMediaType},
		{"", fiber.StatusUnsupportedMediaType},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"disaster_type":"地震"}`))
		if tt.contentType != "" {
			req.Header.Set("Content-Type", tt.contentType)
		}
		resp, err := newApp(HeadersConfig{}).Test(req, -1)
		require.NoError(t, err)
		assert.Equal(t, tt.want, resp.StatusCode, tt.contentType)
	}
}
