package lock

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestLocal(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()

	lease, ok, err := l.TryAcquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := l.TryAcquire(ctx); ok {
		t.Fatalf("second acquire must fail while held")
	}
	if err := lease.Renew(ctx); err != nil {
		t.Fatalf("renew held lease: %v", err)
	}
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := lease.Release(ctx); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld on double release, got %v", err)
	}
	if err := lease.Renew(ctx); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld on renew after release, got %v", err)
	}
	next, ok, _ := l.TryAcquire(ctx)
	if !ok {
		t.Fatalf("acquire after release must succeed")
	}
	if err := lease.Renew(ctx); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("stale lease renewed the new holder's lease: %v", err)
	}
	if err := next.Renew(ctx); err != nil {
		t.Fatalf("renew current lease: %v", err)
	}
}

func TestRedis(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR is not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: os.Getenv("REDIS_USER"),
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	defer rdb.Close()

	key := "payout-test-lease"
	rdb.Del(ctx, key)

	a := NewRedis(rdb, key, 5*time.Second)
	b := NewRedis(rdb, key, 5*time.Second)

	lease, ok, err := a.TryAcquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if _, ok, err := b.TryAcquire(ctx); err != nil || ok {
		t.Fatalf("competing acquire: ok=%v err=%v", ok, err)
	}
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := lease.Release(ctx); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld, got %v", err)
	}

	second, ok, err := b.TryAcquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
	_ = second.Release(ctx)
}

func TestRedisRenew(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR is not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: os.Getenv("REDIS_USER"),
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	defer rdb.Close()

	key := "payout-test-lease-renew"
	rdb.Del(ctx, key)

	l := NewRedis(rdb, key, 300*time.Millisecond)
	lease, ok, err := l.TryAcquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	// Renewing past the original expiry keeps the lease alive.
	for i := 0; i < 4; i++ {
		time.Sleep(150 * time.Millisecond)
		if err := lease.Renew(ctx); err != nil {
			t.Fatalf("renew %d: %v", i, err)
		}
	}
	if _, ok, _ := NewRedis(rdb, key, time.Second).TryAcquire(ctx); ok {
		t.Fatalf("renewed lease was taken over")
	}

	// Once expired and taken by someone else, renewal must not steal it back.
	time.Sleep(400 * time.Millisecond)
	other, ok, err := NewRedis(rdb, key, 5*time.Second).TryAcquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire after expiry: ok=%v err=%v", ok, err)
	}
	if err := lease.Renew(ctx); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld, got %v", err)
	}
	ttl, err := rdb.PTTL(ctx, key).Result()
	if err != nil || ttl < 4*time.Second {
		t.Fatalf("stale renew touched the new holder's expiry: ttl=%v err=%v", ttl, err)
	}
	_ = other.Release(ctx)
}
