package walletlock

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ruteri/compute-wallet-billing/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestLocalMutualExclusion(t *testing.T) {
	locker := NewLocal()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		inside  int
		maxSeen int
		mu      sync.Mutex
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(ctx, "wallet-1")
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()

			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, 0, locker.size(), "idle keys must be dropped")
}

func TestLocalIndependentKeys(t *testing.T) {
	locker := NewLocal()
	ctx := context.Background()

	unlockA, err := locker.Lock(ctx, "a")
	require.NoError(t, err)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB, err := locker.Lock(ctx, "b")
		if err == nil {
			unlockB()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestLocalContextCancel(t *testing.T) {
	locker := NewLocal()

	unlock, err := locker.Lock(context.Background(), "w")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "w")
	assert.ErrorIs(t, err, interfaces.ErrLockTimeout)

	unlock()
	unlock() // second call is a no-op
	assert.Equal(t, 0, locker.size())

	unlock2, err := locker.Lock(context.Background(), "w")
	require.NoError(t, err)
	unlock2()
}

type mockRedis struct {
	mock.Mock
}

func (m *mockRedis) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	args := m.Called(key, expiration)
	return redis.NewBoolResult(args.Bool(0), args.Error(1))
}

func (m *mockRedis) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	called := m.Called(keys)
	return redis.NewCmdResult(called.Get(0), called.Error(1))
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRedisLockAcquireAndRelease(t *testing.T) {
	client := new(mockRedis)
	client.On("SetNX", "walletlock:user-1", time.Minute).Return(false, nil).Once()
	client.On("SetNX", "walletlock:user-1", time.Minute).Return(true, nil).Once()
	client.On("Eval", []string{"walletlock:user-1"}).Return(int64(1), nil).Once()

	locker := NewRedis(client, time.Minute, time.Millisecond, testLogger())
	unlock, err := locker.Lock(context.Background(), "user-1")
	require.NoError(t, err)

	unlock()
	unlock()
	client.AssertExpectations(t)
	client.AssertNumberOfCalls(t, "Eval", 1)
}

func TestRedisLockContextDone(t *testing.T) {
	client := new(mockRedis)
	client.On("SetNX", "walletlock:user-1", DefaultLockTTL).Return(false, nil)

	locker := NewRedis(client, 0, time.Millisecond, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := locker.Lock(ctx, "user-1")
	assert.ErrorIs(t, err, interfaces.ErrLockTimeout)
}

func TestRedisLockBackendError(t *testing.T) {
	client := new(mockRedis)
	client.On("SetNX", "walletlock:user-1", DefaultLockTTL).Return(false, errors.New("connection refused"))

	locker := NewRedis(client, 0, 0, testLogger())
	_, err := locker.Lock(context.Background(), "user-1")
	assert.ErrorIs(t, err, interfaces.ErrLockTimeout)
	client.AssertNotCalled(t, "Eval", mock.Anything)
}

func TestHoldBound(t *testing.T) {
	assert.Equal(t, 2*time.Minute, HoldBound(time.Minute))
	assert.Equal(t, 2*time.Minute+70*time.Second, HoldBound(time.Minute, 10*time.Second, 30*time.Second, 30*time.Second))
}

func TestLockTTL(t *testing.T) {
	bound := HoldBound(time.Minute, 10*time.Second)

	ttl, err := LockTTL(0, bound)
	require.NoError(t, err)
	assert.Equal(t, bound+LockTTLMargin, ttl)
	assert.Greater(t, ttl, bound)

	ttl, err = LockTTL(10*time.Minute, bound)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, ttl)

	_, err = LockTTL(bound, bound)
	assert.ErrorIs(t, err, interfaces.ErrValidation)

	// The old fixed TTL is too short for a five minute confirmation window.
	_, err = LockTTL(DefaultLockTTL, HoldBound(5*time.Minute))
	assert.ErrorIs(t, err, interfaces.ErrValidation)
}

func TestRedisLockUsesConfiguredTTL(t *testing.T) {
	ttl, err := LockTTL(0, HoldBound(5*time.Minute, 30*time.Second))
	require.NoError(t, err)

	client := new(mockRedis)
	client.On("SetNX", "walletlock:user-1", ttl).Return(true, nil).Once()
	client.On("Eval", []string{"walletlock:user-1"}).Return(int64(1), nil).Once()

	locker := NewRedis(client, ttl, time.Millisecond, testLogger())
	unlock, err := locker.Lock(context.Background(), "user-1")
	require.NoError(t, err)
	unlock()
	client.AssertExpectations(t)
}
