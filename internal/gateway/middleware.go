package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"engagesync/internal/models"
	"engagesync/internal/observability"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// contextMiddleware copies the request id into the user context so logs from
// deeper layers carry it as correlation id.
func contextMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if rid := requestID(c); rid != "" {
			c.SetUserContext(observability.WithCorrelationID(c.UserContext(), rid))
		}
		return c.Next()
	}
}

// structuredLogger logs one line per request after it has been handled.
func structuredLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		fields := []any{
			slog.Int("status", c.Response().StatusCode()),
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.String("ip", c.IP()),
			slog.Duration("latency", time.Since(start)),
			slog.String("request_id", requestID(c)),
		}
		if uid := userIDFrom(c); uid != "" {
			fields = append(fields, slog.String("user_id", uid))
		}

		if err != nil {
			fields = append(fields, slog.String("error", err.Error()))
			observability.GlobalLogger.ErrorContext(c.UserContext(), "request failed", fields...)
		} else {
			observability.GlobalLogger.DebugContext(c.UserContext(), "request processed", fields...)
		}
		return err
	}
}

// checkRateLimit counts one hit of id against resource in a fixed window and
// reports whether it is still within limit.
func checkRateLimit(ctx context.Context, rdb *redis.Client, resource, id string, limit int, window time.Duration) (bool, error) {
	key := fmt.Sprintf("rl:%s:%s", resource, id)

	cnt, err := rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if cnt == 1 {
		rdb.Expire(ctx, key, window)
	}
	return cnt <= int64(limit), nil
}

// rateLimit enforces limit requests per window per authenticated user (or IP)
// using Redis. Without Redis, or when Redis fails, requests pass.
func rateLimit(rdb *redis.Client, limit int, window time.Duration, resource string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if rdb == nil || limit <= 0 {
			return c.Next()
		}

		id := "ip:" + c.IP()
		if uid := userIDFrom(c); uid != "" {
			id = "user:" + uid
		}

		allowed, err := checkRateLimit(c.UserContext(), rdb, resource, id, limit, window)
		if err != nil {
			observability.GlobalLogger.WarnContext(c.UserContext(), "rate limit check failed, allowing request",
				slog.String("resource", resource), slog.String("error", err.Error()))
			return c.Next()
		}
		if !allowed {
			return c.Status(fiber.StatusTooManyRequests).JSON(models.ErrorResponse{
				Error: "rate limit exceeded",
				Code:  models.CodeMutationRejected,
			})
		}
		return c.Next()
	}
}
