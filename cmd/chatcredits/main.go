package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/ManuelReschke/ChatCredits/app/controllers"
	"github.com/ManuelReschke/ChatCredits/app/repository"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/accounts"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/billing"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/cache"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/config"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/database"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/entitlements"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/env"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/jobqueue"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/ledger"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/llm"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/metrics"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/ratelimit"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/referral"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/router"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/usage"
)

const shutdownTimeout = 15 * time.Second

// Application holds the HTTP server and the background workers it owns.
type Application struct {
	App    *fiber.App
	Config *config.Config
	Jobs   *jobqueue.Manager
	DB     *gorm.DB
	Cache  *redis.Client
	cancel context.CancelFunc
}

func main() {
	env.SetupEnvFile()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[Main] Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := NewApplication(ctx, cfg)
	if err != nil {
		log.Fatalf("[Main] Startup failed: %v", err)
	}

	go func() {
		<-ctx.Done()
		log.Info("[Main] Shutting down")
		if err := application.App.ShutdownWithTimeout(shutdownTimeout); err != nil {
			log.Errorf("[Main] HTTP shutdown: %v", err)
		}
	}()

	addr := fmt.Sprintf("%s:%s", cfg.App.Host, cfg.App.Port)
	if err := application.App.Listen(addr); err != nil {
		log.Errorf("[Main] Listen on %s: %v", addr, err)
	}
	application.Close()
}

// NewApplication connects the stores, wires the monetization services and
// starts the background workers.
func NewApplication(ctx context.Context, cfg *config.Config) (*Application, error) {
	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	rdb := cache.New(cfg.Cache)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	store := repository.NewStore(db)
	l := ledger.New(store, ledger.WithMaxRetries(cfg.Ledger.MaxRetries), ledger.WithMetrics(m))

	resolver := entitlements.NewResolver(store.Personas(), cfg.Grants, rdb)
	if err := resolver.Seed(ctx, entitlements.DefaultPersonas); err != nil {
		return nil, fmt.Errorf("seed personas: %w", err)
	}
	if _, err := resolver.Reload(ctx); err != nil {
		return nil, fmt.Errorf("load personas: %w", err)
	}

	processor := billing.NewProcessor(billing.NewStripeVerifier(cfg.Stripe.WebhookSecret), l, resolver, m)
	billingService := billing.NewService(l, billing.NewStripeProvider(cfg.Stripe.APIKey), processor, billing.Prices{
		entitlements.PlanPlus:     cfg.Stripe.PricePlus,
		entitlements.PlanBusiness: cfg.Stripe.PriceBusiness,
	}, cfg.Stripe.Currency)

	referrals := referral.NewService(l, referral.Config{
		BonusCredits:    cfg.Referral.BonusCredits,
		BonusCashCents:  cfg.Referral.BonusCashCents,
		MinCashoutCents: cfg.Referral.MinCashoutCents,
	})
	accountService := accounts.NewService(l, referrals, cfg.Grants)

	queue := jobqueue.NewQueue(rdb, cfg.Jobs.Workers,
		jobqueue.WithRefunder(l),
		jobqueue.WithReconciler(billingService),
		jobqueue.WithMetrics(m),
	)
	jobs := jobqueue.NewManager(queue, cfg.Jobs.ReconcileSchedule, cfg.Jobs.ReconcileAge)

	gate := usage.NewGate(l, resolver,
		usage.WithTimeout(cfg.Usage.OperationTimeout),
		usage.WithRefundScheduler(queue),
		usage.WithMetrics(m),
	)
	chat, err := llm.NewGeminiChatClient(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model)
	if err != nil {
		return nil, err
	}

	var limiterStorage fiber.Storage
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warnf("[Main] Cache unreachable, rate limits are per instance: %v", err)
	} else if limiterStorage, err = ratelimit.NewStorage(cfg.Cache); err != nil {
		return nil, err
	}

	app := fiber.New(fiber.Config{
		AppName:   "ChatCredits",
		BodyLimit: 1 << 20,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	router.InstallRouter(app, router.Dependencies{
		Controllers: router.Controllers{
			Account:  controllers.NewAccountController(accountService, l, resolver),
			Chat:     controllers.NewChatController(gate, chat),
			Billing:  controllers.NewBillingController(processor, billingService),
			Referral: controllers.NewReferralController(referrals),
			Admin:    controllers.NewAdminController(resolver, referrals, jobs),
		},
		Auth:           accountService,
		LimiterStorage: limiterStorage,
		Limits:         cfg.Limits,
		Gatherer:       registry,
		Admin:          cfg.Admin,
		HealthCheck: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	})

	workerCtx, cancel := context.WithCancel(ctx)
	go resolver.Watch(workerCtx, rdb)
	if err := jobs.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("job queue: %w", err)
	}

	return &Application{App: app, Config: cfg, Jobs: jobs, DB: db, Cache: rdb, cancel: cancel}, nil
}

// Close stops the workers and releases the connections.
func (a *Application) Close() {
	a.cancel()
	a.Jobs.Stop()
	if err := a.Cache.Close(); err != nil {
		log.Warnf("[Main] Closing cache: %v", err)
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
