package controllers

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ChatCredits/app/repository"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/accounts"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/billing"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/entitlements"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/ledger"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/referral"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/usage"
)

var validate = validator.New()

func apiError(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": code, "message": message})
}

// parseAndValidate decodes the JSON body into dst and runs its validate tags.
// It writes the 400 response itself and reports whether the handler may go on.
func parseAndValidate(c *fiber.Ctx, dst interface{}) (bool, error) {
	if err := c.BodyParser(dst); err != nil {
		return false, apiError(c, fiber.StatusBadRequest, "invalid_request", "Request body must be JSON")
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, strings.ToLower(fe.Field())+" ("+fe.Tag()+")")
			}
			return false, apiError(c, fiber.StatusBadRequest, "invalid_request", "Invalid fields: "+strings.Join(fields, ", "))
		}
		return false, apiError(c, fiber.StatusBadRequest, "invalid_request", err.Error())
	}
	return true, nil
}

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{usage.ErrRefundFailed, fiber.StatusInternalServerError, "refund_pending"},
	{usage.ErrInsufficientCredits, fiber.StatusPaymentRequired, "insufficient_credits"},
	{usage.ErrPlanRestricted, fiber.StatusForbidden, "plan_restricted"},
	{usage.ErrOperationTimeout, fiber.StatusGatewayTimeout, "operation_timeout"},
	{usage.ErrOperationFailed, fiber.StatusBadGateway, "operation_failed"},
	{usage.ErrAccountDisabled, fiber.StatusForbidden, "account_disabled"},
	{accounts.ErrAccountDisabled, fiber.StatusForbidden, "account_disabled"},
	{entitlements.ErrUnknownPersona, fiber.StatusNotFound, "unknown_persona"},
	{entitlements.ErrInvalidPersona, fiber.StatusBadRequest, "invalid_persona"},
	{referral.ErrAlreadyReferred, fiber.StatusConflict, "already_referred"},
	{referral.ErrSelfReferral, fiber.StatusBadRequest, "self_referral"},
	{referral.ErrNoEarnings, fiber.StatusUnprocessableEntity, "no_earnings"},
	{referral.ErrBelowMinimumCashout, fiber.StatusUnprocessableEntity, "below_minimum_cashout"},
	{referral.ErrInvalidPayout, fiber.StatusBadRequest, "invalid_payout"},
	{referral.ErrNotCashout, fiber.StatusNotFound, "not_found"},
	{accounts.ErrInvalidEmail, fiber.StatusBadRequest, "invalid_email"},
	{accounts.ErrInvalidReferralCode, fiber.StatusBadRequest, "invalid_referral_code"},
	{billing.ErrPlanNotPurchasable, fiber.StatusBadRequest, "plan_not_purchasable"},
	{billing.ErrInvalidPurchase, fiber.StatusBadRequest, "invalid_purchase"},
	{billing.ErrAlreadySubscribed, fiber.StatusConflict, "already_subscribed"},
	{billing.ErrNoSubscription, fiber.StatusConflict, "no_subscription"},
	{ledger.ErrNotPending, fiber.StatusConflict, "not_pending"},
	{ledger.ErrLedgerContention, fiber.StatusServiceUnavailable, "ledger_contention"},
	{ledger.ErrInvalidAmount, fiber.StatusBadRequest, "invalid_amount"},
}

// respondError maps domain errors to the JSON error shape. Unknown errors
// are logged and hidden behind a 500.
func respondError(c *fiber.Ctx, err error) error {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			if m.status >= fiber.StatusInternalServerError {
				log.Errorf("[API] %s %s: %v", c.Method(), c.Path(), err)
			}
			return apiError(c, m.status, m.code, err.Error())
		}
	}
	if repository.IsNotFound(err) {
		return apiError(c, fiber.StatusNotFound, "not_found", "Resource not found")
	}
	log.Errorf("[API] %s %s: %v", c.Method(), c.Path(), err)
	return apiError(c, fiber.StatusInternalServerError, "internal_server_error", "Internal error")
}
