// Package lock elects a single holder for periodic work across instances.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/techswap/marketplace/internal/idgen"
)

const keyPrefix = "techswap:lock:"

// Unlock releases a held lock.
type Unlock func(ctx context.Context) error

// Locker acquires named, expiring locks. TryLock does not wait: it reports
// acquired=false when another holder has the lock.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (unlock Unlock, acquired bool, err error)
}

// releaseScript deletes the key only if it still holds our token, so an
// expired lock re-acquired by another instance is never released by us.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX and a token-checked release.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker creates a Redis-backed locker.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (r *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (Unlock, bool, error) {
	key := keyPrefix + name
	token := idgen.New()

	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, r.client, []string{key}, token).Err()
	}, true, nil
}

// LocalLocker implements Locker within one process.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]time.Time
	now   func() time.Time
	token uint64
	owner map[string]uint64
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		held:  make(map[string]time.Time),
		owner: make(map[string]uint64),
		now:   time.Now,
	}
}

func (l *LocalLocker) TryLock(_ context.Context, name string, ttl time.Duration) (Unlock, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if until, ok := l.held[name]; ok && now.Before(until) {
		return nil, false, nil
	}
	l.token++
	token := l.token
	l.held[name] = now.Add(ttl)
	l.owner[name] = token

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.owner[name] == token {
			delete(l.held, name)
			delete(l.owner, name)
		}
		return nil
	}, true, nil
}

var (
	_ Locker = (*RedisLocker)(nil)
	_ Locker = (*LocalLocker)(nil)
)
