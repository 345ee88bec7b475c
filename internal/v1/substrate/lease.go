package substrate

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Leases grant TTL-bounded exclusive ownership (one control loop per
// session cluster-wide). Semantics: SET NX with an owner token; renew
// and release verify the token so a node that lost its lease cannot
// clobber the next holder.

// AcquireLease attempts to take key for owner with the given TTL.
// Returns true when this call won the lease. Re-acquiring a lease this
// owner already holds succeeds (acquisition is idempotent).
func (s *Service) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	res, err := s.execute("lease-acquire", func() (interface{}, error) {
		ok, err := s.client.SetNX(ctx, key, owner, ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return true, nil
		}
		current, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			// Holder vanished between SETNX and GET; next attempt wins it.
			return false, nil
		}
		if err != nil {
			return nil, err
		}
		if current == owner {
			// Already ours; refresh the clock.
			return true, s.client.Expire(ctx, key, ttl).Err()
		}
		return false, nil
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// RenewLease extends the TTL iff owner still holds the lease. Returns
// false when the lease was lost (expired or taken by another node); the
// caller must stop the work the lease guards.
func (s *Service) RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	res, err := s.execute("lease-renew", func() (interface{}, error) {
		current, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		if err != nil {
			return nil, err
		}
		if current != owner {
			return false, nil
		}
		return true, s.client.Expire(ctx, key, ttl).Err()
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// ReleaseLease drops the lease iff owner still holds it.
func (s *Service) ReleaseLease(ctx context.Context, key, owner string) error {
	_, err := s.execute("lease-release", func() (interface{}, error) {
		current, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if current == owner {
			return nil, s.client.Del(ctx, key).Err()
		}
		return nil, nil
	})
	return err
}
