// Package redislocker implements billing.Locker over Redis so that several
// engine processes sharing one database also share their period and
// adjustment locks.
package redislocker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/warp/rent-engine/billing"
)

const (
	DefaultTTL        = 30 * time.Second
	DefaultRetryDelay = 100 * time.Millisecond
	DefaultRetries    = 50
	keyPrefix         = "rent-engine:lock:"
)

type Locker struct {
	client     *redislock.Client
	ttl        time.Duration
	retryDelay time.Duration
	retries    int
	log        logrus.FieldLogger
}

var _ billing.Locker = (*Locker)(nil)

type Option func(*Locker)

// WithTTL sets how long a lock lives if its holder never releases it.
func WithTTL(ttl time.Duration) Option {
	return func(l *Locker) { l.ttl = ttl }
}

// WithRetry sets the linear backoff used while a key is held elsewhere.
func WithRetry(delay time.Duration, retries int) Option {
	return func(l *Locker) {
		l.retryDelay = delay
		l.retries = retries
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(l *Locker) { l.log = log }
}

func New(client redis.UniversalClient, opts ...Option) *Locker {
	l := &Locker{
		client:     redislock.New(client),
		ttl:        DefaultTTL,
		retryDelay: DefaultRetryDelay,
		retries:    DefaultRetries,
		log:        logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Connect opens a client for addr and checks it answers before returning.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect redis at %s: %w", addr, err)
	}
	return client, nil
}

// Obtain blocks until key is acquired, the retries run out or ctx is done.
func (l *Locker) Obtain(ctx context.Context, key string) (func(), error) {
	lock, err := l.client.Obtain(ctx, keyPrefix+key, l.ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(l.retryDelay), l.retries),
	})
	if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return nil, fmt.Errorf("%w: %s", billing.ErrLockNotObtained, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to obtain lock %s: %w", key, err)
	}

	return func() {
		// Release must not depend on the caller's context, which may be done.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.log.WithFields(logrus.Fields{"key": key}).WithError(err).Warn("failed to release redis lock")
		}
	}, nil
}
