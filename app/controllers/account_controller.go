package controllers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/ChatCredits/app/models"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/accounts"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/entitlements"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/ledger"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/usercontext"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// AccountController serves signup and the caller's own account data.
type AccountController struct {
	accounts *accounts.Service
	ledger   *ledger.Ledger
	resolver *entitlements.Resolver
}

func NewAccountController(svc *accounts.Service, l *ledger.Ledger, resolver *entitlements.Resolver) *AccountController {
	return &AccountController{accounts: svc, ledger: l, resolver: resolver}
}

type signupRequest struct {
	Email        string `json:"email" validate:"required,email,max=200"`
	ReferralCode string `json:"referral_code" validate:"omitempty,alphanum,max=32"`
}

// HandleSignup creates an account. A retried signup answers 200 with the
// existing account and without a key.
func (ac *AccountController) HandleSignup(c *fiber.Ctx) error {
	var req signupRequest
	if ok, err := parseAndValidate(c, &req); !ok {
		return err
	}

	result, err := ac.accounts.Signup(c.UserContext(), accounts.SignupInput{
		Email:        req.Email,
		ReferralCode: req.ReferralCode,
	})
	if err != nil {
		return respondError(c, err)
	}

	status := fiber.StatusOK
	if result.Created {
		status = fiber.StatusCreated
	}
	response := fiber.Map{
		"account":          ac.accountJSON(result.Account),
		"created":          result.Created,
		"referral_applied": result.Referral != nil && result.Referral.Processed,
	}
	if result.APIKey != "" {
		response["api_key"] = result.APIKey
	}
	return c.Status(status).JSON(response)
}

// HandleGetAccount returns balance, plan and subscription state.
func (ac *AccountController) HandleGetAccount(c *fiber.Ctx) error {
	account, err := ac.ledger.Store().Accounts().GetByID(c.UserContext(), usercontext.AccountID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(ac.accountJSON(account))
}

// HandleListTransactions returns the caller's most recent ledger rows.
func (ac *AccountController) HandleListTransactions(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultHistoryLimit)
	if limit <= 0 || limit > maxHistoryLimit {
		return apiError(c, fiber.StatusBadRequest, "invalid_request", "limit must be between 1 and 200")
	}
	txns, err := ac.ledger.History(c.UserContext(), usercontext.AccountID(c), limit)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"transactions": txns})
}

// HandleRotateAPIKey issues a new key; the old one stops working.
func (ac *AccountController) HandleRotateAPIKey(c *fiber.Ctx) error {
	rawKey, err := ac.accounts.RotateAPIKey(c.UserContext(), usercontext.AccountID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"api_key": rawKey})
}

// HandleListPersonas lists every persona with its cost and whether the
// caller's plan unlocks it.
func (ac *AccountController) HandleListPersonas(c *fiber.Ctx) error {
	snap := ac.resolver.Snapshot()
	plan := entitlements.NormalizePlan(usercontext.Get(c).Plan)

	rules := snap.Personas()
	personas := make([]fiber.Map, 0, len(rules))
	for _, rule := range rules {
		personas = append(personas, fiber.Map{
			"name":     rule.Name,
			"cost":     rule.Cost,
			"min_plan": rule.MinPlan,
			"unlocked": snap.IsUnlocked(plan, rule.Name),
		})
	}
	return c.JSON(fiber.Map{
		"plan":      plan,
		"version":   snap.Version,
		"loaded_at": snap.LoadedAt.UTC().Format(time.RFC3339),
		"personas":  personas,
	})
}

func (ac *AccountController) accountJSON(account *models.Account) fiber.Map {
	plan := entitlements.NormalizePlan(account.Plan)
	return fiber.Map{
		"id":                  account.ID,
		"email":               account.Email,
		"credits":             account.Credits,
		"plan":                plan,
		"monthly_grant":       ac.resolver.MonthlyGrant(plan),
		"subscription_status": account.SubscriptionStatus,
		"referral_code":       account.ReferralCode,
		"api_key_prefix":      account.APIKeyPrefix,
		"is_admin":            account.IsAdmin,
		"created_at":          account.CreatedAt.UTC().Format(time.RFC3339),
	}
}
