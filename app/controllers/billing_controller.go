package controllers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/ChatCredits/internal/pkg/billing"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/usercontext"
)

// BillingController exposes the payment provider webhook and the outbound
// billing operations.
type BillingController struct {
	processor *billing.Processor
	service   *billing.Service
}

func NewBillingController(processor *billing.Processor, service *billing.Service) *BillingController {
	return &BillingController{processor: processor, service: service}
}

// HandleStripeWebhook applies one delivery. Only retryable failures answer
// 5xx so the provider redelivers.
func (bc *BillingController) HandleStripeWebhook(c *fiber.Ctx) error {
	// the body buffer is reused by fiber after the handler returns
	payload := append([]byte(nil), c.Body()...)
	outcome := bc.processor.Apply(c.UserContext(), payload, c.Get("Stripe-Signature"))

	response := fiber.Map{"status": outcome.Kind.String()}
	if outcome.Reason != "" {
		response["reason"] = outcome.Reason
	}
	return c.Status(outcome.HTTPStatus()).JSON(response)
}

type createSubscriptionRequest struct {
	Plan string `json:"plan" validate:"required,oneof=plus business PLUS BUSINESS"`
}

// HandleCreateSubscription starts a paid subscription.
func (bc *BillingController) HandleCreateSubscription(c *fiber.Ctx) error {
	var req createSubscriptionRequest
	if ok, err := parseAndValidate(c, &req); !ok {
		return err
	}
	checkout, err := bc.service.CreateSubscription(c.UserContext(), usercontext.AccountID(c), req.Plan)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(checkout)
}

// HandleCancelSubscription cancels at the end of the paid period.
func (bc *BillingController) HandleCancelSubscription(c *fiber.Ctx) error {
	if err := bc.service.CancelSubscription(c.UserContext(), usercontext.AccountID(c)); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"status": "cancel_at_period_end"})
}

type buyCreditsRequest struct {
	Credits    int64 `json:"credits" validate:"required,gt=0,lte=1000000"`
	PriceCents int64 `json:"price_cents" validate:"required,gt=0"`
}

// HandleBuyCredits starts a one-off credit purchase. Credits arrive with the
// payment succeeded webhook.
func (bc *BillingController) HandleBuyCredits(c *fiber.Ctx) error {
	var req buyCreditsRequest
	if ok, err := parseAndValidate(c, &req); !ok {
		return err
	}
	purchase, err := bc.service.BuyCredits(c.UserContext(), usercontext.AccountID(c), req.Credits, req.PriceCents)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(purchase)
}
