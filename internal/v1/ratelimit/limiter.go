// Package ratelimit implements C3: per-IP and per-identity rate limiting with
// fixed-window counters, using Redis or local memory as the counter store.
// Each limit admits a fixed number of events per period; there is no
// separate burst allowance.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/wqdsca/police-thief-core/internal/v1/apperr"
	"github.com/wqdsca/police-thief-core/internal/v1/auth"
	"github.com/wqdsca/police-thief-core/internal/v1/config"
	"github.com/wqdsca/police-thief-core/internal/v1/logging"
	"github.com/wqdsca/police-thief-core/internal/v1/metrics"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// RateLimiter holds the per-dimension limiter instances backing C3.
type RateLimiter struct {
	rpcGlobal      *limiter.Limiter
	rpcPublic      *limiter.Limiter
	rpcRooms       *limiter.Limiter
	rpcMessages    *limiter.Limiter
	streamIP       *limiter.Limiter
	streamIdentity *limiter.Limiter
	whitelist      map[string]struct{}
	store          limiter.Store
	redisClient    *redis.Client
}

// NewRateLimiter builds a RateLimiter from the configured rate formats,
// backed by Redis when a client is supplied or an in-process memory store
// otherwise (dev mode, or store degraded).
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	rpcGlobalRate, err := limiter.NewRateFromFormatted(cfg.RateLimitRPCGlobal)
	if err != nil {
		return nil, fmt.Errorf("invalid RPC global rate: %w", err)
	}

	rpcPublicRate, err := limiter.NewRateFromFormatted(cfg.RateLimitRPCPublic)
	if err != nil {
		return nil, fmt.Errorf("invalid RPC public rate: %w", err)
	}

	rpcRoomsRate, err := limiter.NewRateFromFormatted(cfg.RateLimitRPCRooms)
	if err != nil {
		return nil, fmt.Errorf("invalid RPC rooms rate: %w", err)
	}

	rpcMessagesRate, err := limiter.NewRateFromFormatted(cfg.RateLimitRPCMessages)
	if err != nil {
		return nil, fmt.Errorf("invalid RPC messages rate: %w", err)
	}

	streamIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitStreamIP)
	if err != nil {
		return nil, fmt.Errorf("invalid stream IP rate: %w", err)
	}

	streamIdentityRate, err := limiter.NewRateFromFormatted(cfg.RateLimitStreamIdentity)
	if err != nil {
		return nil, fmt.Errorf("invalid stream identity rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using memory store (redis disabled)")
	}

	whitelist := make(map[string]struct{}, len(cfg.RateLimitWhitelist))
	for _, ip := range cfg.RateLimitWhitelist {
		whitelist[ip] = struct{}{}
	}

	return &RateLimiter{
		rpcGlobal:      limiter.New(store, rpcGlobalRate),
		rpcPublic:      limiter.New(store, rpcPublicRate),
		rpcRooms:       limiter.New(store, rpcRoomsRate),
		rpcMessages:    limiter.New(store, rpcMessagesRate),
		streamIP:       limiter.New(store, streamIPRate),
		streamIdentity: limiter.New(store, streamIdentityRate),
		whitelist:      whitelist,
		store:          store,
		redisClient:    redisClient,
	}, nil
}

// GlobalMiddleware enforces the RPC-wide rate limit, keyed by identity when
// the caller authenticated and by IP otherwise.
func (rl *RateLimiter) GlobalMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		var limiterInstance *limiter.Limiter
		var key string
		var limitType string

		if identity, exists := c.Get("identity"); exists {
			id := identity.(auth.Identity)
			key = id.UserID
			limiterInstance = rl.rpcGlobal
			limitType = "identity"
		} else {
			key = c.ClientIP()
			limiterInstance = rl.rpcPublic
			limitType = "ip"
		}

		ctx := c.Request.Context()
		lctx, err := limiterInstance.Get(ctx, key)
		if err != nil {
			// Fail open: availability over strict enforcement when the store is down.
			logging.Error(ctx, "rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), limitType).Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}

// MiddlewareForEndpoint enforces an endpoint-specific rate limit (rooms,
// messages), falling back to the global identity limit for unknown types.
func (rl *RateLimiter) MiddlewareForEndpoint(endpointType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var limiterInstance *limiter.Limiter

		switch endpointType {
		case "rooms":
			limiterInstance = rl.rpcRooms
		case "messages":
			limiterInstance = rl.rpcMessages
		default:
			limiterInstance = rl.rpcGlobal
		}

		var key string
		if identity, exists := c.Get("identity"); exists {
			id := identity.(auth.Identity)
			key = id.UserID
		} else {
			key = c.ClientIP()
		}

		ctx := c.Request.Context()
		lctx, err := limiterInstance.Get(ctx, key)
		if err != nil {
			logging.Error(ctx, "rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), endpointType).Inc()
			c.Header("X-RateLimit-Retry-After", strconv.FormatInt(lctx.Reset, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}

// CheckStreamConnect enforces the per-IP admission limit on a new framed-stream
// connection, before a hello frame has been authenticated.
func (rl *RateLimiter) CheckStreamConnect(ctx context.Context, ip string) error {
	// Whitelisted addresses bypass the per-address dimension, not the
	// per-identity one.
	if _, ok := rl.whitelist[ip]; ok {
		return nil
	}

	ipCtx, err := rl.streamIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "stream rate limiter store failed (ip)", zap.Error(err))
		return nil // fail open
	}

	if ipCtx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("stream_connect", "ip").Inc()
		return fmt.Errorf("rate limit exceeded for ip %s", ip)
	}

	return nil
}

// CheckStreamIdentity enforces the per-identity frame-rate limit once a
// connection has authenticated. Exceeding it is an Admission-kind error per
// the error taxonomy, not a Protocol error.
func (rl *RateLimiter) CheckStreamIdentity(ctx context.Context, userID string) error {
	idCtx, err := rl.streamIdentity.Get(ctx, userID)
	if err != nil {
		logging.Error(ctx, "stream rate limiter store failed (identity)", zap.Error(err))
		return nil // fail open
	}

	if idCtx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("stream_frame", "identity").Inc()
		return apperr.New(apperr.KindAdmission, "rate_limited", "rate limit exceeded for identity")
	}

	return nil
}

// StandardMiddleware exposes the raw ulule/limiter gin middleware for
// callers that don't need the identity/IP dual-keying above.
func (rl *RateLimiter) StandardMiddleware() gin.HandlerFunc {
	return mgin.NewMiddleware(rl.rpcPublic)
}
