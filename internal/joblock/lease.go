// Package joblock serializes periodic jobs across service instances with a
// Redis lease.
package joblock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"libraryapi/internal/util"
)

var ErrNotHeld = errors.New("lease not held")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Locker hands out exclusive, expiring leases keyed by job name.
type Locker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// Lease is a held lock. Release it when the job finishes; if the holder dies
// the key expires after the TTL.
type Lease struct {
	locker *Locker
	key    string
	token  string
}

func NewLocker(addr, password, prefix string, ttl time.Duration) (*Locker, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("job lock redis addr is required")
	}
	return NewLockerWithClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	}), prefix, ttl)
}

func NewLockerWithClient(client *redis.Client, prefix string, ttl time.Duration) (*Locker, error) {
	if client == nil {
		return nil, errors.New("job lock redis client is required")
	}
	if ttl <= 0 {
		return nil, errors.New("job lock requires positive ttl")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "library:joblock"
	}
	return &Locker{client: client, prefix: prefix, ttl: ttl}, nil
}

// TTL is the lifetime of a lease taken with TryAcquire and of each Extend.
func (l *Locker) TTL() time.Duration {
	return l.ttl
}

// TryAcquire takes the lease for job. ok is false when another holder has it.
func (l *Locker) TryAcquire(ctx context.Context, job string) (*Lease, bool, error) {
	return l.TryAcquireFor(ctx, job, l.ttl)
}

// TryAcquireFor is TryAcquire with an explicit lifetime. Leases that mark a
// finished period are taken this way and left to expire.
func (l *Locker) TryAcquireFor(ctx context.Context, job string, ttl time.Duration) (*Lease, bool, error) {
	if ttl <= 0 {
		return nil, false, errors.New("lease ttl must be positive")
	}
	key := l.prefix + ":" + job
	token := util.NewID()
	acquired, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !acquired {
		return nil, false, nil
	}
	return &Lease{locker: l, key: key, token: token}, true, nil
}

// Extend pushes the expiry out by another TTL while the lease is still ours.
func (l *Lease) Extend(ctx context.Context) error {
	res, err := extendScript.Run(ctx, l.locker.client, []string{l.key}, l.token, l.locker.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrNotHeld
	}
	return nil
}

// Release drops the lease only if it still belongs to this holder.
func (l *Lease) Release(ctx context.Context) error {
	res, err := releaseScript.Run(ctx, l.locker.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrNotHeld
	}
	return nil
}
