package distlock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client, mr
}

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
}

// =============================================================================
// REDIS LOCK
// =============================================================================

func TestRedisLock_ExclusiveUntilReleased(t *testing.T) {
	client, _ := setupTestRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "signing-tables", time.Minute)
	b := NewRedisLock(client, "signing-tables", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second owner must not acquire a held lock")

	require.NoError(t, a.Release(ctx))

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLock_ReleaseByNonOwnerIsNoop(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	owner := NewRedisLock(client, "k", time.Minute)
	other := NewRedisLock(client, "k", time.Minute)

	ok, err := owner.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, other.Release(ctx))
	assert.True(t, mr.Exists("mailrice:lock:k"), "non-owner released the lock")

	require.NoError(t, owner.Release(ctx))
	assert.False(t, mr.Exists("mailrice:lock:k"))
}

func TestRedisLock_ExpiresAfterTTL(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "k", time.Second)
	ok, _ := a.Acquire(ctx)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	b := NewRedisLock(client, "k", time.Second)
	ok, err := b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.ErrorIs(t, a.Refresh(ctx), errLockLost, "expired owner must not refresh")
	require.NoError(t, a.Release(ctx))
	assert.True(t, mr.Exists("mailrice:lock:k"), "expired owner released the successor's lease")
	assert.NoError(t, b.Refresh(ctx))
}

func TestRedisLock_RefreshExtendsLease(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "k", 2*time.Second)
	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(1500 * time.Millisecond)
	require.NoError(t, a.Refresh(ctx))
	mr.FastForward(1500 * time.Millisecond)
	assert.True(t, mr.Exists("mailrice:lock:k"))
}

// =============================================================================
// LOCAL LOCK
// =============================================================================

func TestLocalLock_ExcludesSecondHolder(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	a := NewLocalLock(dir, "tables")
	b := NewLocalLock(dir, "tables")

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, b.Release(ctx))
}

func TestWithLock_SerialisesCriticalSections(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	policy := RetryPolicy{MaxAttempts: 200, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WithLock(ctx, NewLocalLock(dir, "section"), policy, nil, func() error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

// =============================================================================
// RETRY
// =============================================================================

type neverLock struct{ attempts int }

func (l *neverLock) Acquire(context.Context) (bool, error) { l.attempts++; return false, nil }
func (l *neverLock) Release(context.Context) error          { return nil }

func TestAcquireWithRetry_ExhaustsAttempts(t *testing.T) {
	l := &neverLock{}
	var retries int

	err := AcquireWithRetry(context.Background(), l, fastPolicy(4), func(int) { retries++ })

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotAcquired))
	assert.Equal(t, 4, l.attempts)
	assert.Equal(t, 3, retries)
}

func TestAcquireWithRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := AcquireWithRetry(ctx, &neverLock{}, fastPolicy(10), nil)
	assert.True(t, errors.Is(err, ErrNotAcquired))
}

func TestRetryPolicy_DelayIsCapped(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, BaseDelay: 10 * time.Millisecond, MaxDelay: 100 * time.Millisecond}
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.Delay(attempt)
		assert.LessOrEqual(t, d, 100*time.Millisecond)
		assert.Greater(t, d, time.Duration(0))
	}
}

// =============================================================================
// POSTGRES ADVISORY LOCK
// =============================================================================

func TestPGAdvisoryLock_UsesSameConnection(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewPGAdvisoryLock(db, "signing-tables")

	mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).
		WithArgs(l.lockID).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec(`SELECT pg_advisory_unlock\(\$1\)`).
		WithArgs(l.lockID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := l.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, l.Release(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewFactory_Backends(t *testing.T) {
	client, _ := setupTestRedis(t)

	f, err := NewFactory(Options{Backend: BackendRedis, Redis: client})
	require.NoError(t, err)
	assert.IsType(t, &RedisLock{}, f("x"))

	f, err = NewFactory(Options{LockDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &LocalLock{}, f("x"))

	_, err = NewFactory(Options{Backend: BackendPostgres})
	assert.Error(t, err)

	_, err = NewFactory(Options{Backend: "zookeeper"})
	assert.Error(t, err)
}
