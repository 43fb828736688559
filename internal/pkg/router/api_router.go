package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/ChatCredits/app/controllers"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/config"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/middleware"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/ratelimit"
)

// Controllers groups the HTTP handlers of the API.
type Controllers struct {
	Account  *controllers.AccountController
	Chat     *controllers.ChatController
	Billing  *controllers.BillingController
	Referral *controllers.ReferralController
	Admin    *controllers.AdminController
}

type ApiRouter struct {
	controllers    Controllers
	auth           middleware.Authenticator
	limiterStorage fiber.Storage
	limits         config.Limits
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	c := h.controllers

	// provider deliveries are signed, not API-key authenticated, and must
	// never be rate limited
	app.Post("/api/v1/webhooks/stripe", c.Billing.HandleStripeWebhook)

	api := app.Group("/api", ratelimit.New(h.limiterStorage, h.limits.API))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1")
	v1.Post("/signup", c.Account.HandleSignup)

	authed := v1.Group("", middleware.APIKeyAuthMiddleware(h.auth), middleware.RequireAPIAuth)
	paid := ratelimit.New(h.limiterStorage, h.limits.Chat)

	authed.Get("/account", c.Account.HandleGetAccount)
	authed.Get("/account/transactions", c.Account.HandleListTransactions)
	authed.Post("/account/api-key", c.Account.HandleRotateAPIKey)
	authed.Get("/personas", c.Account.HandleListPersonas)

	authed.Post("/chat/messages", paid, c.Chat.HandleSendMessage)

	authed.Post("/subscriptions", c.Billing.HandleCreateSubscription)
	authed.Delete("/subscriptions", c.Billing.HandleCancelSubscription)
	authed.Post("/credits/purchases", paid, c.Billing.HandleBuyCredits)

	authed.Get("/referrals", c.Referral.HandleGetStats)
	authed.Post("/referrals/cashouts", c.Referral.HandleRequestCashout)

	admin := authed.Group("/admin", middleware.RequireAdmin)
	admin.Put("/personas/:name", c.Admin.HandleUpsertPersona)
	admin.Post("/cashouts/:id/complete", c.Admin.HandleCompleteCashout)
	admin.Post("/cashouts/:id/fail", c.Admin.HandleFailCashout)
	admin.Post("/reconcile", c.Admin.HandleRunReconcile)
	admin.Get("/queue", c.Admin.HandleQueueStats)
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	return &ApiRouter{
		controllers:    deps.Controllers,
		auth:           deps.Auth,
		limiterStorage: deps.LimiterStorage,
		limits:         deps.Limits,
	}
}
