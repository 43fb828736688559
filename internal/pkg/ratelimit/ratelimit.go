// Package ratelimit builds fiber limiter middlewares whose counters live in
// Redis, so every instance enforces the same budget.
package ratelimit

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/redis"

	"github.com/ManuelReschke/ChatCredits/internal/pkg/config"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/usercontext"
)

// StorageDatabase keeps limiter counters apart from the queue in DB 0.
const StorageDatabase = 3

// NewStorage connects the limiter storage to the cache server.
func NewStorage(cfg config.Cache) (fiber.Storage, error) {
	port, err := strconv.Atoi(cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: cache port %q: %w", cfg.Port, err)
	}
	return redis.New(redis.Config{
		Host:     cfg.Host,
		Port:     port,
		Password: cfg.Password,
		Database: StorageDatabase,
		Reset:    false,
	}), nil
}

// New returns a limiter allowing perMinute requests per caller. A nil
// storage keeps the counters in process memory.
func New(storage fiber.Storage, perMinute int) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:          perMinute,
		Expiration:   time.Minute,
		KeyGenerator: Key,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":   "rate_limited",
				"message": "Too many requests",
			})
		},
		Storage: storage,
	})
}

// Key identifies the caller by account when authenticated, by IP otherwise.
func Key(c *fiber.Ctx) string {
	if id := usercontext.AccountID(c); id != 0 {
		return "account:" + strconv.FormatUint(uint64(id), 10)
	}
	return "ip:" + c.IP()
}
