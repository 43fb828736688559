package controllers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/ChatCredits/internal/pkg/ledger"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/referral"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/usage"
)

func errorResponse(t *testing.T, err error) (int, map[string]string) {
	t.Helper()
	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error { return respondError(c, err) })

	resp, testErr := app.Test(httptest.NewRequest(fiber.MethodGet, "/", nil), -1)
	require.NoError(t, testErr)
	defer resp.Body.Close()
	raw, readErr := io.ReadAll(resp.Body)
	require.NoError(t, readErr)

	body := map[string]string{}
	require.NoError(t, json.Unmarshal(raw, &body))
	return resp.StatusCode, body
}

func TestRespondError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"insufficient credits", fmt.Errorf("%w: balance 1, cost 3", usage.ErrInsufficientCredits), fiber.StatusPaymentRequired, "insufficient_credits"},
		{"plan restricted", usage.ErrPlanRestricted, fiber.StatusForbidden, "plan_restricted"},
		{"timeout", fmt.Errorf("%w: %w", usage.ErrOperationTimeout, errors.New("deadline")), fiber.StatusGatewayTimeout, "operation_timeout"},
		{"refund failure wins over the operation failure", fmt.Errorf("%w (%w: %v): %w", usage.ErrRefundFailed, usage.ErrOperationFailed, "boom", errors.New("db down")), fiber.StatusInternalServerError, "refund_pending"},
		{"already referred", referral.ErrAlreadyReferred, fiber.StatusConflict, "already_referred"},
		{"below minimum", fmt.Errorf("%w: 500 < 1000", referral.ErrBelowMinimumCashout), fiber.StatusUnprocessableEntity, "below_minimum_cashout"},
		{"contention", ledger.ErrLedgerContention, fiber.StatusServiceUnavailable, "ledger_contention"},
		{"not found", fmt.Errorf("load: %w", gorm.ErrRecordNotFound), fiber.StatusNotFound, "not_found"},
		{"unknown", errors.New("disk on fire"), fiber.StatusInternalServerError, "internal_server_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := errorResponse(t, tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, body["error"])
		})
	}
}

func TestUnknownErrorsAreHidden(t *testing.T) {
	_, body := errorResponse(t, errors.New("dsn user:password@tcp"))
	assert.Equal(t, "Internal error", body["message"])
}

func TestParseAndValidate(t *testing.T) {
	app := fiber.New()
	app.Post("/", func(c *fiber.Ctx) error {
		var req chatMessageRequest
		if ok, err := parseAndValidate(c, &req); !ok {
			return err
		}
		return c.JSON(req)
	})

	tests := []struct {
		name    string
		body    string
		status  int
		message string
	}{
		{"valid", `{"persona":"writer","message":"hello"}`, fiber.StatusOK, ""},
		{"not json", `persona=writer`, fiber.StatusBadRequest, "Request body must be JSON"},
		{"missing fields", `{}`, fiber.StatusBadRequest, "persona (required)"},
		{"too long persona", `{"persona":"` + strings.Repeat("p", 65) + `","message":"x"}`, fiber.StatusBadRequest, "persona (max)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(fiber.MethodPost, "/", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			resp, err := app.Test(req, -1)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.message != "" {
				raw, _ := io.ReadAll(resp.Body)
				assert.Contains(t, string(raw), tt.message)
			}
		})
	}
}
