package joblock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestLeaseIsExclusiveUntilReleased(t *testing.T) {
	redis := miniredis.RunT(t)
	locker, err := NewLocker(redis.Addr(), "", "test:joblock", time.Minute)
	if err != nil {
		t.Fatalf("new locker: %v", err)
	}
	ctx := context.Background()

	lease, ok, err := locker.TryAcquire(ctx, "overdue-sweep")
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := locker.TryAcquire(ctx, "overdue-sweep"); ok {
		t.Fatalf("second acquire should fail while lease is held")
	}
	if _, ok, _ := locker.TryAcquire(ctx, "due-notifications"); !ok {
		t.Fatalf("other job names are independent")
	}
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok, _ := locker.TryAcquire(ctx, "overdue-sweep"); !ok {
		t.Fatalf("acquire after release should succeed")
	}
}

func TestLeaseExpiresAndCannotBeReleasedByStaleHolder(t *testing.T) {
	redis := miniredis.RunT(t)
	locker, _ := NewLocker(redis.Addr(), "", "test:joblock", time.Second)
	ctx := context.Background()

	stale, ok, _ := locker.TryAcquire(ctx, "sweep")
	if !ok {
		t.Fatalf("acquire")
	}
	redis.FastForward(2 * time.Second)

	fresh, ok, _ := locker.TryAcquire(ctx, "sweep")
	if !ok {
		t.Fatalf("expired lease should be re-acquirable")
	}
	if err := stale.Release(ctx); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld for stale holder, got %v", err)
	}
	if err := stale.Extend(ctx); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld on extend, got %v", err)
	}
	if err := fresh.Extend(ctx); err != nil {
		t.Fatalf("extend: %v", err)
	}
	if err := fresh.Release(ctx); err != nil {
		t.Fatalf("release fresh lease: %v", err)
	}
}

func TestLockerRequiresAddrAndTTL(t *testing.T) {
	if _, err := NewLocker("", "", "", time.Second); err == nil {
		t.Fatalf("expected error for empty addr")
	}
	if _, err := NewLocker("127.0.0.1:6379", "", "", 0); err == nil {
		t.Fatalf("expected error for zero ttl")
	}
}

func TestTryAcquireForUsesGivenTTL(t *testing.T) {
	redis := miniredis.RunT(t)
	locker, _ := NewLocker(redis.Addr(), "", "test:joblock", time.Minute)
	ctx := context.Background()

	if _, ok, err := locker.TryAcquireFor(ctx, "sweep:20240615T000000Z", 3*time.Hour); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if got := redis.TTL("test:joblock:sweep:20240615T000000Z"); got != 3*time.Hour {
		t.Fatalf("expected 3h ttl, got %v", got)
	}
	if _, _, err := locker.TryAcquireFor(ctx, "sweep", 0); err == nil {
		t.Fatalf("expected error for zero ttl")
	}
	if locker.TTL() != time.Minute {
		t.Fatalf("unexpected default ttl %v", locker.TTL())
	}
}
