package controllers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/ChatCredits/internal/pkg/referral"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/usercontext"
)

type ReferralController struct {
	referrals *referral.Service
}

func NewReferralController(svc *referral.Service) *ReferralController {
	return &ReferralController{referrals: svc}
}

// HandleGetStats returns the caller's referral earnings.
func (rc *ReferralController) HandleGetStats(c *fiber.Ctx) error {
	stats, err := rc.referrals.Stats(c.UserContext(), usercontext.AccountID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(stats)
}

type cashoutRequest struct {
	Method      string `json:"method" validate:"required,max=32"`
	Destination string `json:"destination" validate:"required,max=255"`
}

// HandleRequestCashout reserves all available earnings for a payout.
func (rc *ReferralController) HandleRequestCashout(c *fiber.Ctx) error {
	var req cashoutRequest
	if ok, err := parseAndValidate(c, &req); !ok {
		return err
	}
	txn, err := rc.referrals.RequestCashout(c.UserContext(), usercontext.AccountID(c), referral.Payout{
		Method:      req.Method,
		Destination: req.Destination,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"id":           txn.PublicID,
		"status":       txn.Status,
		"amount_cents": -txn.CashDeltaCents,
		"method":       txn.PayoutMethod,
	})
}
