// Package lock provides the lease that keeps scheduler iterations from
// overlapping across replicas.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Release and Renew when the lease expired or was
// taken over.
var ErrNotHeld = errors.New("lock: lease not held")

// Lease is a held lock. Renew restarts its expiry and fails with ErrNotHeld
// once the lease has been lost.
type Lease interface {
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
}

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript restarts the expiry only while the key still carries our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a single-key lease stored with SET NX PX.
type Redis struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

func NewRedis(rdb *redis.Client, key string, ttl time.Duration) *Redis {
	return &Redis{rdb: rdb, key: key, ttl: ttl}
}

// TryAcquire returns ok=false without error when another holder owns the key.
func (r *Redis) TryAcquire(ctx context.Context) (Lease, bool, error) {
	token := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, r.key, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire %s: %w", r.key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLease{rdb: r.rdb, key: r.key, token: token, ttl: r.ttl}, true, nil
}

type redisLease struct {
	rdb   *redis.Client
	key   string
	token string
	ttl   time.Duration
}

func (l *redisLease) Renew(ctx context.Context) error {
	n, err := renewScript.Run(ctx, l.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("renew %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Local is an in-process lease for single-replica deployments. Every
// acquisition gets a new generation, so a stale lease cannot act for the
// current holder.
type Local struct {
	mu   sync.Mutex
	held bool
	gen  uint64
}

func NewLocal() *Local {
	return &Local{}
}

func (l *Local) TryAcquire(context.Context) (Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil, false, nil
	}
	l.held = true
	l.gen++
	return &localLease{owner: l, gen: l.gen}, true, nil
}

type localLease struct {
	owner *Local
	gen   uint64
}

func (l *localLease) holds() bool {
	return l.owner.held && l.owner.gen == l.gen
}

// Renew only checks the lease is still held; local leases do not expire.
func (l *localLease) Renew(context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	if !l.holds() {
		return ErrNotHeld
	}
	return nil
}

func (l *localLease) Release(context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	if !l.holds() {
		return ErrNotHeld
	}
	l.owner.held = false
	return nil
}
