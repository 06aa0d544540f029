// Package store is the Redis-backed state store. Every durable fact in
// talond — stream records, seen rings, follower baselines, quota
// counters, poll locks — goes through here, so a restart (or a second
// replica pointed at the same Redis) picks up exactly where the last
// process stopped.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/talonhq/talon/internal/circuitbreaker"
	"github.com/talonhq/talon/internal/config"
	"github.com/talonhq/talon/internal/faults"
	"github.com/talonhq/talon/internal/metrics"
)

// releaseScript deletes the lock only when the caller still owns it.
// Returns 1 when the key was deleted, 0 when the token did not match.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// Store wraps a Redis client behind a circuit breaker and maps Redis
// failures onto the talon fault taxonomy.
type Store struct {
	client  *redis.Client
	breaker *circuitbreaker.Breaker
	logger  *zap.Logger
	keyTTL  time.Duration
}

// New connects to Redis and verifies the connection before returning.
func New(cfg config.StoreConfig, logger *zap.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	bcfg := circuitbreaker.DefaultConfig()
	bcfg.IsFailure = func(err error) bool {
		return err != nil && !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled)
	}
	s := &Store{
		client:  client,
		breaker: circuitbreaker.New("redis", bcfg, logger),
		logger:  logger,
		keyTTL:  cfg.KeyTTL,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}

	logger.Info("State store connected", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return s, nil
}

// DefaultTTL is the configured lifetime applied to state keys on write.
func (s *Store) DefaultTTL() time.Duration { return s.keyTTL }

// Ping checks liveness. Used by the health manager.
func (s *Store) Ping(ctx context.Context) error {
	err := s.breaker.Execute(func() error {
		return s.client.Ping(ctx).Err()
	})
	return s.fail("ping", err)
}

// Close releases the underlying client.
func (s *Store) Close() error { return s.client.Close() }

// Get unmarshals the JSON value at key into out. Missing keys return a
// KindNotFound failure.
func (s *Store) Get(ctx context.Context, key string, out interface{}) error {
	var raw []byte
	err := s.breaker.Execute(func() error {
		b, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		raw = b
		return nil
	})
	s.record("get", err)
	if err != nil {
		return s.fail("get", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return faults.Wrap(faults.KindStateStore, "get", fmt.Errorf("corrupt value at %s: %w", key, err))
	}
	return nil
}

// Set marshals val as JSON and writes it at key. A zero ttl persists
// the key with no expiry.
func (s *Store) Set(ctx context.Context, key string, val interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return faults.Wrap(faults.KindValidation, "set", err)
	}
	err = s.breaker.Execute(func() error {
		return s.client.Set(ctx, key, raw, ttl).Err()
	})
	s.record("set", err)
	return s.fail("set", err)
}

// SetNX writes the value only when the key does not exist yet. Used for
// the (kind, target) uniqueness markers.
func (s *Store) SetNX(ctx context.Context, key, val string, ttl time.Duration) (bool, error) {
	var ok bool
	err := s.breaker.Execute(func() error {
		res, err := s.client.SetNX(ctx, key, val, ttl).Result()
		if err != nil {
			return err
		}
		ok = res
		return nil
	})
	s.record("setnx", err)
	return ok, s.fail("setnx", err)
}

// GetString reads a plain string value. Missing keys return ("", nil).
func (s *Store) GetString(ctx context.Context, key string) (string, error) {
	var val string
	err := s.breaker.Execute(func() error {
		res, err := s.client.Get(ctx, key).Result()
		if err != nil {
			return err
		}
		val = res
		return nil
	})
	s.record("get", err)
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, s.fail("get", err)
}

// Del removes the given keys. Deleting a missing key is not an error.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	err := s.breaker.Execute(func() error {
		return s.client.Del(ctx, keys...).Err()
	})
	s.record("del", err)
	return s.fail("del", err)
}

// Exists reports whether the key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := s.breaker.Execute(func() error {
		res, err := s.client.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		n = res
		return nil
	})
	s.record("exists", err)
	return n > 0, s.fail("exists", err)
}

// PushCapped prepends vals to the list at key and trims it to at most
// max entries. The key's TTL is refreshed on every write so abandoned
// rings age out.
func (s *Store) PushCapped(ctx context.Context, key string, max int64, vals ...string) error {
	if len(vals) == 0 {
		return nil
	}
	args := make([]interface{}, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	err := s.breaker.Execute(func() error {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LPush(ctx, key, args...)
			pipe.LTrim(ctx, key, 0, max-1)
			if s.keyTTL > 0 {
				pipe.Expire(ctx, key, s.keyTTL)
			}
			return nil
		})
		return err
	})
	s.record("push_capped", err)
	return s.fail("push_capped", err)
}

// Range returns list entries between start and stop, inclusive.
func (s *Store) Range(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var vals []string
	err := s.breaker.Execute(func() error {
		res, err := s.client.LRange(ctx, key, start, stop).Result()
		if err != nil {
			return err
		}
		vals = res
		return nil
	})
	s.record("range", err)
	return vals, s.fail("range", err)
}

// SetAdd adds members to the set at key, refreshing its TTL, and
// returns how many were newly added.
func (s *Store) SetAdd(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	var added int64
	err := s.breaker.Execute(func() error {
		res, err := s.client.SAdd(ctx, key, args...).Result()
		if err != nil {
			return err
		}
		added = res
		if s.keyTTL > 0 {
			return s.client.Expire(ctx, key, s.keyTTL).Err()
		}
		return nil
	})
	s.record("set_add", err)
	return added, s.fail("set_add", err)
}

// SetRem removes members from the set at key and returns how many were
// actually present.
func (s *Store) SetRem(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	var removed int64
	err := s.breaker.Execute(func() error {
		res, err := s.client.SRem(ctx, key, args...).Result()
		if err != nil {
			return err
		}
		removed = res
		return nil
	})
	s.record("set_rem", err)
	return removed, s.fail("set_rem", err)
}

// SetMembers returns all members of the set at key.
func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	var members []string
	err := s.breaker.Execute(func() error {
		res, err := s.client.SMembers(ctx, key).Result()
		if err != nil {
			return err
		}
		members = res
		return nil
	})
	s.record("set_members", err)
	return members, s.fail("set_members", err)
}

// SetDiff returns members of set a that are not in set b.
func (s *Store) SetDiff(ctx context.Context, a, b string) ([]string, error) {
	var members []string
	err := s.breaker.Execute(func() error {
		res, err := s.client.SDiff(ctx, a, b).Result()
		if err != nil {
			return err
		}
		members = res
		return nil
	})
	s.record("set_diff", err)
	return members, s.fail("set_diff", err)
}

// SetCard returns the cardinality of the set at key.
func (s *Store) SetCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.breaker.Execute(func() error {
		res, err := s.client.SCard(ctx, key).Result()
		if err != nil {
			return err
		}
		n = res
		return nil
	})
	s.record("set_card", err)
	return n, s.fail("set_card", err)
}

// Rename atomically replaces dst with src. Renaming a missing source is
// a KindNotFound failure.
func (s *Store) Rename(ctx context.Context, src, dst string) error {
	err := s.breaker.Execute(func() error {
		err := s.client.Rename(ctx, src, dst).Err()
		// go-redis surfaces a missing source as a generic error, not
		// redis.Nil, so normalize it here.
		if err != nil && err.Error() == "ERR no such key" {
			return redis.Nil
		}
		return err
	})
	s.record("rename", err)
	return s.fail("rename", err)
}

// Incr increments the counter at key and returns the new value. On the
// first increment the key's TTL is set so stale counters expire.
func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var val int64
	err := s.breaker.Execute(func() error {
		res, err := s.client.Incr(ctx, key).Result()
		if err != nil {
			return err
		}
		val = res
		if res == 1 && ttl > 0 {
			return s.client.Expire(ctx, key, ttl).Err()
		}
		return nil
	})
	s.record("incr", err)
	return val, s.fail("incr", err)
}

// GetInt reads an integer counter. Missing keys read as zero.
func (s *Store) GetInt(ctx context.Context, key string) (int64, error) {
	var val int64
	err := s.breaker.Execute(func() error {
		res, err := s.client.Get(ctx, key).Int64()
		if err != nil {
			return err
		}
		val = res
		return nil
	})
	s.record("get_int", err)
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, s.fail("get_int", err)
}

// AcquireLock takes the lock at key with SET NX. The token fences the
// release so a holder whose lock expired cannot delete a successor's.
func (s *Store) AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	var ok bool
	err := s.breaker.Execute(func() error {
		res, err := s.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return err
		}
		ok = res
		return nil
	})
	s.record("lock", err)
	if err == nil && !ok {
		metrics.StoreLockContention.Inc()
	}
	return ok, s.fail("lock", err)
}

// ReleaseLock deletes the lock only if token still owns it. Returns
// false when the lock had already expired and been re-acquired.
func (s *Store) ReleaseLock(ctx context.Context, key, token string) (bool, error) {
	var released bool
	err := s.breaker.Execute(func() error {
		res, err := s.client.Eval(ctx, releaseScript, []string{key}, token).Int64()
		if err != nil {
			return err
		}
		released = res == 1
		return nil
	})
	s.record("unlock", err)
	return released, s.fail("unlock", err)
}

// fail maps a raw client error onto the fault taxonomy.
func (s *Store) fail(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return faults.New(faults.KindNotFound, op, "key not found")
	case errors.Is(err, context.Canceled):
		return err
	default:
		return faults.Wrap(faults.KindStateStore, op, err)
	}
}

func (s *Store) record(op string, err error) {
	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, redis.Nil):
		status = "miss"
	default:
		status = "error"
	}
	metrics.StoreOps.WithLabelValues(op, status).Inc()
}
