package walletlock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/ruteri/compute-wallet-billing/interfaces"
)

const (
	// DefaultLockTTL bounds how long a crashed holder can block a wallet.
	DefaultLockTTL = 2 * time.Minute
	// LockTTLMargin covers the store writes and RPC reads made under a lock
	// between its bounded external calls.
	LockTTLMargin = 30 * time.Second
	// DefaultRetryInterval is the polling interval while waiting for a lock.
	DefaultRetryInterval = 50 * time.Millisecond

	keyPrefix = "walletlock:"
)

// releaseScript deletes the key only if it still holds our token.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

type redisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Redis is a WalletLocker shared by all replicas connected to one Redis.
// Locks expire after TTL so a crashed holder cannot wedge a wallet forever.
// TTL must exceed HoldBound, or a live holder can lose its lock mid-debit.
type Redis struct {
	client        redisClient
	ttl           time.Duration
	retryInterval time.Duration
	log           *slog.Logger
}

// HoldBound is the longest a wallet lock is held by a live operation: a debit
// and its refund each waiting up to confirmTimeout, plus every other bounded
// external call made under the lock.
func HoldBound(confirmTimeout time.Duration, callTimeouts ...time.Duration) time.Duration {
	bound := 2 * confirmTimeout
	for _, d := range callTimeouts {
		bound += d
	}
	return bound
}

// LockTTL validates a configured lock TTL against bound. Zero selects
// bound plus LockTTLMargin.
func LockTTL(configured, bound time.Duration) (time.Duration, error) {
	if configured == 0 {
		return bound + LockTTLMargin, nil
	}
	if configured <= bound {
		return 0, fmt.Errorf("%w: lock ttl %s does not exceed the longest lock hold %s", interfaces.ErrValidation, configured, bound)
	}
	return configured, nil
}

// NewRedis creates a Redis-backed locker. Zero durations select defaults.
func NewRedis(client redisClient, ttl, retryInterval time.Duration, log *slog.Logger) *Redis {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	if retryInterval <= 0 {
		retryInterval = DefaultRetryInterval
	}
	return &Redis{
		client:        client,
		ttl:           ttl,
		retryInterval: retryInterval,
		log:           log,
	}
}

// Lock polls SET NX until the key is acquired or ctx is done.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := keyPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(r.retryInterval)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: acquire lock: %v", interfaces.ErrLockTimeout, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", interfaces.ErrLockTimeout, ctx.Err())
		case <-ticker.C:
		}
	}

	r.log.Debug("Wallet lock acquired", slog.String("key", key))

	released := false
	return func() {
		if released {
			return
		}
		released = true

		// The caller's ctx may already be cancelled; release must still run.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		n, err := r.client.Eval(releaseCtx, releaseScript, []string{redisKey}, token).Int()
		if err != nil {
			r.log.Error("Failed to release wallet lock", "err", err, slog.String("key", key))
			return
		}
		if n == 0 {
			r.log.Warn("Wallet lock expired before release", slog.String("key", key))
		}
	}, nil
}
