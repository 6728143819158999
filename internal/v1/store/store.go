// Package store implements C4: a typed adapter over the keyed store described
// in spec §6.3, backed by Redis with a circuit breaker and bounded retry for
// transient failures.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wqdsca/police-thief-core/internal/v1/config"
	"github.com/wqdsca/police-thief-core/internal/v1/logging"
	"github.com/wqdsca/police-thief-core/internal/v1/metrics"
	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrUnavailable is returned once the retry policy is exhausted against a
// transiently failing store, matching the "Transient store" error kind from
// the error taxonomy (surfaced as Unavailable per spec §7).
var ErrUnavailable = errors.New("store: unavailable")

// Store is the keyed adapter C5/C8 use to read and write room and user
// records. All operations are safe for concurrent use.
type Store struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
	retry  retryPolicy
}

type retryPolicy struct {
	attempts int
	base     time.Duration
	cap      time.Duration
}

// New builds a Store from validated configuration, verifying connectivity
// immediately so startup fails fast on an unreachable store.
func New(cfg *config.Config) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     cfg.StorePoolSize,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to store: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "store",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("store").Set(stateVal)
		},
	}

	return &Store{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
		retry: retryPolicy{
			attempts: cfg.StoreRetryAttempts,
			base:     cfg.StoreRetryBase,
			cap:      cfg.StoreRetryCap,
		},
	}, nil
}

// Client exposes the underlying Redis client for collaborators that share
// the connection pool (the rate limiter's counter store).
func (s *Store) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks store connectivity, used by the health endpoints.
func (s *Store) Ping(ctx context.Context) error {
	return s.withRetry(ctx, "ping", func() error {
		return s.client.Ping(ctx).Err()
	})
}

// Get reads a string value.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := s.withRetry(ctx, "get", func() error {
		v, err := s.client.Get(ctx, key).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		val = v
		return nil
	})
	return val, err
}

// Set writes a string value, optionally with an expiry (0 means no expiry).
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.withRetry(ctx, "set", func() error {
		return s.client.Set(ctx, key, value, ttl).Err()
	})
}

// Del removes one or more keys.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	return s.withRetry(ctx, "del", func() error {
		return s.client.Del(ctx, keys...).Err()
	})
}

// HSet writes fields into a hash record (e.g. room:list:{room_id}).
func (s *Store) HSet(ctx context.Context, key string, fields map[string]interface{}) error {
	return s.withRetry(ctx, "hset", func() error {
		return s.client.HSet(ctx, key, fields).Err()
	})
}

// HGetAll reads an entire hash record.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var val map[string]string
	err := s.withRetry(ctx, "hgetall", func() error {
		v, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		val = v
		return nil
	})
	return val, err
}

// HGet reads a single hash field, returning "" for a missing field.
func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	var val string
	err := s.withRetry(ctx, "hget", func() error {
		v, err := s.client.HGet(ctx, key, field).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		val = v
		return nil
	})
	return val, err
}

// HDel removes fields from a hash record.
func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	return s.withRetry(ctx, "hdel", func() error {
		return s.client.HDel(ctx, key, fields...).Err()
	})
}

// SAdd adds members to a set record (e.g. room:user:{room_id}).
func (s *Store) SAdd(ctx context.Context, key string, members ...interface{}) error {
	return s.withRetry(ctx, "sadd", func() error {
		return s.client.SAdd(ctx, key, members...).Err()
	})
}

// SRem removes members from a set record.
func (s *Store) SRem(ctx context.Context, key string, members ...interface{}) error {
	return s.withRetry(ctx, "srem", func() error {
		return s.client.SRem(ctx, key, members...).Err()
	})
}

// SMembers reads all members of a set record.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	var val []string
	err := s.withRetry(ctx, "smembers", func() error {
		v, err := s.client.SMembers(ctx, key).Result()
		if err != nil {
			return err
		}
		val = v
		return nil
	})
	return val, err
}

// ZAdd adds a scored member to a sorted-set record (e.g. room:list:time).
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.withRetry(ctx, "zadd", func() error {
		return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	})
}

// ZRem removes a member from a sorted-set record.
func (s *Store) ZRem(ctx context.Context, key string, member string) error {
	return s.withRetry(ctx, "zrem", func() error {
		return s.client.ZRem(ctx, key, member).Err()
	})
}

// ZRange reads a range of members from a sorted-set record by rank.
func (s *Store) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var val []string
	err := s.withRetry(ctx, "zrange", func() error {
		v, err := s.client.ZRange(ctx, key, start, stop).Result()
		if err != nil {
			return err
		}
		val = v
		return nil
	})
	return val, err
}

// ZRangeByScoreWithScores reads members whose score falls in [min, max],
// lowest score first, up to count entries. min/max use the store's interval
// syntax, so "(42" means exclusive. Used for cursor-based room listing.
func (s *Store) ZRangeByScoreWithScores(ctx context.Context, key, min, max string, count int64) ([]redis.Z, error) {
	var val []redis.Z
	err := s.withRetry(ctx, "zrangebyscore", func() error {
		v, err := s.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
			Min:   min,
			Max:   max,
			Count: count,
		}).Result()
		if err != nil {
			return err
		}
		val = v
		return nil
	})
	return val, err
}

// Incr atomically increments a counter record (e.g. room:seq).
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	var val int64
	err := s.withRetry(ctx, "incr", func() error {
		v, err := s.client.Incr(ctx, key).Result()
		if err != nil {
			return err
		}
		val = v
		return nil
	})
	return val, err
}

// Pipeline executes fn against a pipeline that is flushed in a single round
// trip, wrapped in the same circuit breaker and retry policy as other ops.
func (s *Store) Pipeline(ctx context.Context, fn func(redis.Pipeliner) error) error {
	return s.withRetry(ctx, "pipeline", func() error {
		pipe := s.client.Pipeline()
		if err := fn(pipe); err != nil {
			return err
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

// WithRetry runs an arbitrary caller-supplied operation under the same
// circuit breaker and retry policy as the built-in operations. The name
// labels metrics and logs.
func (s *Store) WithRetry(ctx context.Context, name string, op func() error) error {
	return s.withRetry(ctx, name, op)
}

// withRetry runs op through the circuit breaker, retrying transient
// failures with exponential backoff up to the configured attempt count.
// Once the circuit breaker is open, it fails immediately without retrying
// so a downed store doesn't pile up blocked goroutines.
func (s *Store) withRetry(ctx context.Context, operation string, op func() error) error {
	start := time.Now()
	defer func() {
		metrics.StoreOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}()

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if attempt > 1 {
			metrics.StoreRetries.WithLabelValues(operation).Inc()
		}

		_, cbErr := s.cb.Execute(func() (interface{}, error) {
			return nil, op()
		})

		if cbErr == gobreaker.ErrOpenState {
			return struct{}{}, backoff.Permanent(cbErr)
		}
		if cbErr != nil {
			return struct{}{}, cbErr
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(func() *backoff.ExponentialBackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = s.retry.base
			b.MaxInterval = s.retry.cap
			return b
		}()),
		backoff.WithMaxTries(uint(s.retry.attempts)),
	)

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("store").Inc()
			logging.Warn(ctx, "store circuit breaker open, failing fast", zap.String("operation", operation))
		} else {
			logging.Error(ctx, "store operation failed after retries", zap.String("operation", operation), zap.Error(err))
		}
		metrics.StoreOperationsTotal.WithLabelValues(operation, "error").Inc()
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, operation, err)
	}

	metrics.StoreOperationsTotal.WithLabelValues(operation, "ok").Inc()
	return nil
}
