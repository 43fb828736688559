package usercontext

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/ChatCredits/app/models"
)

// AccountContext represents the authenticated caller of a request.
type AccountContext struct {
	AccountID       uint   `json:"account_id"`
	Email           string `json:"email"`
	IsAuthenticated bool   `json:"is_authenticated"`
	IsAdmin         bool   `json:"is_admin"`
	Plan            string `json:"plan"`
}

// FromAccount builds the request context of an authenticated account.
func FromAccount(a *models.Account) AccountContext {
	return AccountContext{
		AccountID:       a.ID,
		Email:           a.Email,
		IsAuthenticated: true,
		IsAdmin:         a.IsAdmin,
		Plan:            a.Plan,
	}
}

// Set stores the account context on the request.
func Set(c *fiber.Ctx, ac AccountContext) {
	c.Locals(KeyAccountContext, ac)
	c.Locals(KeyAccountID, ac.AccountID)
	c.Locals(KeyIsAdmin, ac.IsAdmin)
}

// Get retrieves the account context from fiber context.
// Returns an anonymous context if none is set.
func Get(c *fiber.Ctx) AccountContext {
	if ac, ok := c.Locals(KeyAccountContext).(AccountContext); ok {
		return ac
	}
	return AccountContext{}
}

// IsAuthenticated checks if the request carried a valid API key
func IsAuthenticated(c *fiber.Ctx) bool {
	return Get(c).IsAuthenticated
}

// IsAdmin checks if the caller is an admin
func IsAdmin(c *fiber.Ctx) bool {
	return Get(c).IsAdmin
}

// AccountID returns the caller's account ID, or 0 if anonymous
func AccountID(c *fiber.Ctx) uint {
	return Get(c).AccountID
}
