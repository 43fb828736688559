package middleware

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/ChatCredits/app/models"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/accounts"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/usercontext"
)

type stubAuth map[string]*models.Account

func (s stubAuth) Authenticate(_ context.Context, raw string) (*models.Account, error) {
	switch raw {
	case "ck_disabled":
		return nil, accounts.ErrAccountDisabled
	case "ck_broken":
		return nil, errors.New("db down")
	}
	if a, ok := s[raw]; ok {
		return a, nil
	}
	return nil, accounts.ErrInvalidAPIKey
}

func newTestApp() *fiber.App {
	auth := stubAuth{
		"ck_user":  {ID: 7, Email: "u@example.com", Plan: models.PlanPlus},
		"ck_admin": {ID: 1, Email: "a@example.com", Plan: models.PlanFree, IsAdmin: true},
	}
	app := fiber.New()
	app.Use(APIKeyAuthMiddleware(auth))
	app.Get("/me", RequireAPIAuth, func(c *fiber.Ctx) error {
		return c.JSON(usercontext.Get(c))
	})
	app.Get("/admin", RequireAdmin, func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})
	return app
}

func TestAPIKeyAuthMiddleware(t *testing.T) {
	app := newTestApp()

	tests := []struct {
		name   string
		header string
		value  string
		path   string
		status int
	}{
		{"missing key", "", "", "/me", fiber.StatusUnauthorized},
		{"unknown key", "X-API-Key", "ck_nope", "/me", fiber.StatusUnauthorized},
		{"disabled account", "X-API-Key", "ck_disabled", "/me", fiber.StatusForbidden},
		{"lookup failure", "X-API-Key", "ck_broken", "/me", fiber.StatusInternalServerError},
		{"header key", "X-API-Key", "ck_user", "/me", fiber.StatusOK},
		{"bearer key", "Authorization", "Bearer ck_user", "/me", fiber.StatusOK},
		{"non admin", "X-API-Key", "ck_user", "/admin", fiber.StatusForbidden},
		{"admin", "X-API-Key", "ck_admin", "/admin", fiber.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(fiber.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			resp, err := app.Test(req, -1)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestRequireAPIAuthWithoutMiddleware(t *testing.T) {
	app := fiber.New()
	app.Get("/", RequireAPIAuth, func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })
	app.Get("/admin", RequireAdmin, func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	for _, path := range []string{"/", "/admin"} {
		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, path, nil), -1)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode, path)
	}
}
