package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// HeaderIdempotencyKey lets clients retry a mutation without applying it twice.
const HeaderIdempotencyKey = "Idempotency-Key"

const (
	dedupeKeyPrefix = "idem"
	maxIdemKeyLen   = 128
)

// RedisDeduper stores processed idempotency keys in Redis so all instances
// can avoid reprocessing the same request.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(scope, key string) string {
	return scope + ":" + dedupeKeyPrefix + ":" + key
}

// Add records the key if it does not already exist. It returns true when the
// key was newly added.
func (r *RedisDeduper) Add(ctx context.Context, scope, key string) (bool, error) {
	return r.client.SetNX(ctx, r.key(scope, key), 1, r.ttl).Result()
}

// Remove deletes a previously recorded key so the caller may retry.
func (r *RedisDeduper) Remove(ctx context.Context, scope, key string) error {
	return r.client.Del(ctx, r.key(scope, key)).Err()
}

// idempotencyMiddleware rejects a repeated Idempotency-Key of the same
// session with 409. The key is released again when the request fails so a
// retry can go through. Without a deduper the header is ignored; Redis
// errors let the request pass.
func idempotencyMiddleware(d Deduper, logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := strings.TrimSpace(c.Request().Header.Get(HeaderIdempotencyKey))
			if d == nil || key == "" {
				return next(c)
			}
			if len(key) > maxIdemKeyLen {
				return c.JSON(http.StatusBadRequest, errorResponse{Error: "idempotency key too long"})
			}
			sess, ok := sessionFrom(c)
			if !ok {
				return next(c)
			}
			ctx := c.Request().Context()
			scope := sess.Key()
			added, err := d.Add(ctx, scope, key)
			if err != nil {
				logger.WithError(err).Warn("idempotency check failed; processing request")
				return next(c)
			}
			if !added {
				return c.JSON(http.StatusConflict, errorResponse{Error: "duplicate request"})
			}

			err = next(c)
			if err != nil || c.Response().Status >= http.StatusBadRequest {
				if rmErr := d.Remove(context.WithoutCancel(ctx), scope, key); rmErr != nil {
					logger.WithError(rmErr).Warn("failed to release idempotency key")
				}
			}
			return err
		}
	}
}
