// Package substrate wraps the shared key/value + pub/sub store every
// component coordinates through. All cross-node state lives here.
package substrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/cosimlabs/cosim/backend/go/internal/v1/faults"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/metrics"
)

// Service handles all interaction with the substrate cluster.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client. Needed by the gateway's
// limiter store, which manages its own keys.
func (s *Service) Client() *redis.Client {
	return s.client
}

// NewService creates a robust substrate connection. Unlike optional
// caches, the substrate is required: callers must treat a connection
// failure as fatal (exit code 2 at startup).
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to substrate: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "substrate",
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
			metrics.CircuitBreakerState.WithLabelValues("substrate").Set(stateVal)
		},
	}

	slog.Info("Connected to substrate", "addr", addr)
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// execute funnels an operation through the circuit breaker and converts
// breaker/transport failures into the shared taxonomy.
func (s *Service) execute(op string, fn func() (interface{}, error)) (interface{}, error) {
	res, err := s.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerFailures.WithLabelValues("substrate").Inc()
			return nil, faults.Wrap(faults.KindUnavailable, "substrate circuit open: "+op, err)
		}
		return nil, faults.Wrap(faults.KindUnavailable, "substrate "+op+" failed", err)
	}
	return res, nil
}

// --- KV with TTL ---

// Get returns the value for key. A missing key returns ("", false, nil).
func (s *Service) Get(ctx context.Context, key string) (string, bool, error) {
	res, err := s.execute("get", func() (interface{}, error) {
		val, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return val, nil
	})
	if err != nil {
		return "", false, err
	}
	if res == nil {
		return "", false, nil
	}
	return res.(string), true, nil
}

// Set writes key=value. ttl <= 0 means no expiry.
func (s *Service) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.execute("set", func() (interface{}, error) {
		return nil, s.client.Set(ctx, key, value, maxDuration(ttl, 0)).Err()
	})
	return err
}

// Del removes keys. Missing keys are not an error.
func (s *Service) Del(ctx context.Context, keys ...string) error {
	_, err := s.execute("del", func() (interface{}, error) {
		return nil, s.client.Del(ctx, keys...).Err()
	})
	return err
}

// Exists reports whether key is present.
func (s *Service) Exists(ctx context.Context, key string) (bool, error) {
	res, err := s.execute("exists", func() (interface{}, error) {
		return s.client.Exists(ctx, key).Result()
	})
	if err != nil {
		return false, err
	}
	return res.(int64) > 0, nil
}

// --- Hash ---

// HSet writes fields into a hash, optionally bounding the whole key
// with a TTL (per-server heartbeats rely on this).
func (s *Service) HSet(ctx context.Context, key string, fields map[string]interface{}, ttl time.Duration) error {
	_, err := s.execute("hset", func() (interface{}, error) {
		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, key, fields)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	return err
}

// HGet reads one hash field. Missing field returns ("", false, nil).
func (s *Service) HGet(ctx context.Context, key, field string) (string, bool, error) {
	res, err := s.execute("hget", func() (interface{}, error) {
		val, err := s.client.HGet(ctx, key, field).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return val, nil
	})
	if err != nil {
		return "", false, err
	}
	if res == nil {
		return "", false, nil
	}
	return res.(string), true, nil
}

// HGetAll reads a whole hash. Missing key returns an empty map.
func (s *Service) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	res, err := s.execute("hgetall", func() (interface{}, error) {
		return s.client.HGetAll(ctx, key).Result()
	})
	if err != nil {
		return nil, err
	}
	return res.(map[string]string), nil
}

// HDel removes fields from a hash.
func (s *Service) HDel(ctx context.Context, key string, fields ...string) error {
	_, err := s.execute("hdel", func() (interface{}, error) {
		return nil, s.client.HDel(ctx, key, fields...).Err()
	})
	return err
}

// --- Set ---

// SetAdd adds a member to a set. Used for distributed state management.
func (s *Service) SetAdd(ctx context.Context, key string, member string) error {
	_, err := s.execute("sadd", func() (interface{}, error) {
		return nil, s.client.SAdd(ctx, key, member).Err()
	})
	return err
}

// SetRem removes a member from a set.
func (s *Service) SetRem(ctx context.Context, key string, member string) error {
	_, err := s.execute("srem", func() (interface{}, error) {
		return nil, s.client.SRem(ctx, key, member).Err()
	})
	return err
}

// SetMembers retrieves all members of a set. When the circuit is open
// it degrades to an empty list so local operation can continue.
func (s *Service) SetMembers(ctx context.Context, key string) ([]string, error) {
	res, err := s.execute("smembers", func() (interface{}, error) {
		return s.client.SMembers(ctx, key).Result()
	})
	if err != nil {
		if faults.Is(err, faults.KindUnavailable) {
			slog.Warn("Substrate unavailable: returning empty set members", "key", key)
			return nil, nil
		}
		return nil, err
	}
	return res.([]string), nil
}

// SetCard returns the cardinality of a set.
func (s *Service) SetCard(ctx context.Context, key string) (int64, error) {
	res, err := s.execute("scard", func() (interface{}, error) {
		return s.client.SCard(ctx, key).Result()
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// --- Atomic counter ---

// IncrWindow atomically increments key and starts its TTL window on the
// first hit. Returns the post-increment count. Token buckets and login
// throttles are built on this primitive.
func (s *Service) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	res, err := s.execute("incr", func() (interface{}, error) {
		count, err := s.client.Incr(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		if count == 1 {
			if err := s.client.Expire(ctx, key, window).Err(); err != nil {
				return nil, err
			}
		}
		return count, nil
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// --- Multi-op ---

// Tx runs fn inside a MULTI/EXEC pipeline so multi-key mutations that
// must not tear (e.g. register client = room set + client hash) commit
// atomically.
func (s *Service) Tx(ctx context.Context, fn func(pipe redis.Pipeliner)) error {
	_, err := s.execute("tx", func() (interface{}, error) {
		pipe := s.client.TxPipeline()
		fn(pipe)
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	return err
}

// Ping checks substrate connectivity. Used by health checks.
func (s *Service) Ping(ctx context.Context) error {
	_, err := s.execute("ping", func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return err
}

// Close gracefully shuts down the substrate connection.
func (s *Service) Close() error {
	return s.client.Close()
}

func maxDuration(d, floor time.Duration) time.Duration {
	if d < floor {
		return floor
	}
	return d
}
