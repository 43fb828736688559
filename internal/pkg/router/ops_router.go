package router

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ManuelReschke/ChatCredits/internal/pkg/config"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/middleware"
)

// Dependencies is everything the routers need.
type Dependencies struct {
	Controllers    Controllers
	Auth           middleware.Authenticator
	LimiterStorage fiber.Storage
	Limits         config.Limits
	Gatherer       prometheus.Gatherer
	Admin          config.Admin
	HealthCheck    func(ctx context.Context) error
}

// OpsRouter serves /healthz, the prometheus /metrics endpoint and the
// fiber monitor page.
type OpsRouter struct {
	gatherer    prometheus.Gatherer
	admin       config.Admin
	healthCheck func(ctx context.Context) error
}

func NewOpsRouter(deps Dependencies) *OpsRouter {
	return &OpsRouter{gatherer: deps.Gatherer, admin: deps.Admin, healthCheck: deps.HealthCheck}
}

func (h OpsRouter) InstallRouter(app *fiber.App) {
	app.Get("/healthz", h.handleHealth)

	if h.gatherer == nil {
		return
	}
	if h.admin.MetricsUser == "" || h.admin.MetricsPassword == "" {
		log.Warn("[Router] ADMIN_METRICS_USER/PASSWORD not set, /metrics disabled")
		return
	}
	auth := basicauth.New(basicauth.Config{
		Users: map[string]string{
			h.admin.MetricsUser: h.admin.MetricsPassword,
		},
	})
	app.Get("/metrics", auth, adaptor.HTTPHandler(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	app.Get("/monitor", auth, monitor.New())
}

func (h OpsRouter) handleHealth(c *fiber.Ctx) error {
	if h.healthCheck != nil {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if err := h.healthCheck(ctx); err != nil {
			log.Errorf("[Router] Health check failed: %v", err)
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable"})
		}
	}
	return c.JSON(fiber.Map{"status": "ok"})
}
