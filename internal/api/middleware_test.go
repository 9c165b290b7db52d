package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/pontoon-chat/pontoon/internal/httputil"
)

func testKeyedApp(key string) *fiber.App {
	app := fiber.New()
	app.Use(RequireKey(key))
	app.Get("/ping", func(c *fiber.Ctx) error {
		return httputil.Success(c, fiber.Map{"pong": true})
	})
	return app
}

func TestRequireKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"valid key", "hunter2", fiber.StatusOK},
		{"wrong key", "hunter3", fiber.StatusUnauthorized},
		{"missing key", "", fiber.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			app := testKeyedApp("hunter2")

			req := httptest.NewRequest(http.MethodGet, "/ping", nil)
			if tt.header != "" {
				req.Header.Set("x-api-key", tt.header)
			}
			resp := doReq(t, app, req)
			body := readBody(t, resp)

			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantStatus == fiber.StatusUnauthorized {
				env := parseError(t, body)
				if env.Error.Code != string(httputil.Unauthorised) {
					t.Errorf("error code = %q, want %q", env.Error.Code, httputil.Unauthorised)
				}
			}
		})
	}
}
