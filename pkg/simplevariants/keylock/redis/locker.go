// Package redis provides a simplevariants.KeyLocker shared across processes
// through Redis SET NX.
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const (
	DefaultTTL          = 2 * time.Minute
	DefaultPollInterval = 50 * time.Millisecond
	defaultPrefix       = "lock:"
)

// Locker holds keys with a random token and a TTL so a crashed holder does not
// block the key forever. The TTL must exceed the longest generation unit.
type Locker struct {
	client       goredis.UniversalClient
	script       *goredis.Script
	ttl          time.Duration
	pollInterval time.Duration
	prefix       string
}

type Option func(*Locker)

func WithTTL(ttl time.Duration) Option {
	return func(l *Locker) { l.ttl = ttl }
}

func WithPollInterval(d time.Duration) Option {
	return func(l *Locker) { l.pollInterval = d }
}

func WithPrefix(prefix string) Option {
	return func(l *Locker) { l.prefix = prefix }
}

func New(client goredis.UniversalClient, opts ...Option) (*Locker, error) {
	if client == nil {
		return nil, errors.New("lock client not configured")
	}
	l := &Locker{
		client:       client,
		script:       goredis.NewScript(lockReleaseScript),
		ttl:          DefaultTTL,
		pollInterval: DefaultPollInterval,
		prefix:       defaultPrefix,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.ttl <= 0 {
		return nil, errors.New("lock ttl must be positive")
	}
	if l.pollInterval <= 0 {
		l.pollInterval = DefaultPollInterval
	}
	return l, nil
}

// TryLock makes one attempt. ok is false when another holder has the key.
func (l *Locker) TryLock(ctx context.Context, key string) (token string, ok bool, err error) {
	if key == "" {
		return "", false, errors.New("lock key is empty")
	}
	token = uuid.NewString()
	ok, err = l.client.SetNX(ctx, l.prefix+key, token, l.ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// Release deletes the key only if it still holds token.
func (l *Locker) Release(ctx context.Context, key, token string) error {
	if key == "" || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{l.prefix + key}, token).Err()
}

// Lock polls until the key is acquired or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		token, ok, err := l.TryLock(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return func() {
				// Release must run even when the caller's ctx is already cancelled.
				rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				_ = l.Release(rctx, key, token)
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
