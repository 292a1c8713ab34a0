// Package lock provides a Redis-backed mutual exclusion lock used to
// serialize agent work per user across processes. Only one init,
// reinit, or reply job may hold a user's lock at a time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout is returned when the lock could not be acquired
// within the configured retry budget.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// releaseScript deletes the key only if it still holds our token, so a
// lease that expired and was re-acquired elsewhere is never released
// by the old holder.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Options tune lock acquisition. Zero values fall back to defaults.
type Options struct {
	TTL        time.Duration // lease lifetime, default 5s
	RetryCount int           // attempts before giving up, default 20
	RetryDelay time.Duration // pause between attempts, default 200ms
}

// Locker acquires leases against a shared Redis instance.
type Locker struct {
	client     *redis.Client
	ttl        time.Duration
	retryCount int
	retryDelay time.Duration
}

// Connect parses a Redis URL, verifies the connection, and returns a
// Locker over it.
func Connect(ctx context.Context, url string, opts Options) (*Locker, error) {
	parsed, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(parsed)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return New(client, opts), nil
}

// New creates a Locker over an existing client.
func New(client *redis.Client, opts Options) *Locker {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Second
	}
	if opts.RetryCount <= 0 {
		opts.RetryCount = 20
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 200 * time.Millisecond
	}
	return &Locker{
		client:     client,
		ttl:        opts.TTL,
		retryCount: opts.RetryCount,
		retryDelay: opts.RetryDelay,
	}
}

// Close releases the underlying Redis connection.
func (l *Locker) Close() error {
	return l.client.Close()
}

// UserKey is the lock key serializing all agent work for one user.
func UserKey(fid int64) string {
	return fmt.Sprintf("lock:user:%d", fid)
}

// Lease is a held lock. It expires on its own after the TTL if not
// released, so a crashed holder cannot block others forever.
type Lease struct {
	client *redis.Client
	key    string
	token  string
}

// Acquire takes the lock for key, retrying with a fixed delay until it
// succeeds or the retry budget runs out.
func (l *Locker) Acquire(ctx context.Context, key string) (*Lease, error) {
	token := uuid.New().String()
	for attempt := 0; attempt < l.retryCount; attempt++ {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquiring lock %s: %w", key, err)
		}
		if ok {
			return &Lease{client: l.client, key: key, token: token}, nil
		}
		if attempt == l.retryCount-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retryDelay):
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
}

// Release frees the lease. Releasing an already expired or re-acquired
// lease is a no-op.
func (le *Lease) Release(ctx context.Context) error {
	err := releaseScript.Run(ctx, le.client, []string{le.key}, le.token).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("releasing lock %s: %w", le.key, err)
	}
	return nil
}

// WithUserLock runs fn while holding the user's lock, releasing it on
// the way out regardless of fn's outcome.
func (l *Locker) WithUserLock(ctx context.Context, fid int64, fn func(context.Context) error) error {
	lease, err := l.Acquire(ctx, UserKey(fid))
	if err != nil {
		return err
	}
	defer lease.Release(context.WithoutCancel(ctx))
	return fn(ctx)
}
