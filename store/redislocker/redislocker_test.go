package redislocker_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rent-engine/billing"
	"github.com/warp/rent-engine/store/redislocker"
)

// Runs against a real server when REDIS_ADDR is set, e.g. REDIS_ADDR=localhost:6379.
func newLocker(t *testing.T, opts ...redislocker.Option) *redislocker.Locker {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client, err := redislocker.Connect(context.Background(), addr, "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return redislocker.New(client, opts...)
}

func TestLocker_HeldKey_NotObtained(t *testing.T) {
	// GIVEN: A key held by one caller
	locker := newLocker(t, redislocker.WithRetry(10*time.Millisecond, 3))
	key := "test:" + uuid.NewString()
	release, err := locker.Obtain(context.Background(), key)
	require.NoError(t, err)

	// WHEN: A second caller tries the same key
	_, err = locker.Obtain(context.Background(), key)

	// THEN: Refused, then granted after release
	assert.ErrorIs(t, err, billing.ErrLockNotObtained)
	release()
	again, err := locker.Obtain(context.Background(), key)
	require.NoError(t, err)
	again()
}

func TestLocker_ExpiresAfterTTL(t *testing.T) {
	locker := newLocker(t, redislocker.WithTTL(50*time.Millisecond), redislocker.WithRetry(20*time.Millisecond, 10))
	key := "test:" + uuid.NewString()

	_, err := locker.Obtain(context.Background(), key)
	require.NoError(t, err)

	release, err := locker.Obtain(context.Background(), key)
	require.NoError(t, err)
	release()
}
