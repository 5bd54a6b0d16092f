package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
)

// ErrLeaseHeld means an unexpired lease exists: another sweep is in flight.
var ErrLeaseHeld = errors.New("sweep lease already held")

// Token proves current ownership of the lease. Release succeeds only while
// the token still matches the holder, so a slow sweep whose lease expired and
// was re-acquired elsewhere cannot release the new owner's lease.
type Token struct {
	Owner string
	lock  *redislock.Lock
}

// Lease is a time-bounded ownership primitive backed by a single atomic
// compare-and-set, never an in-process mutex: scheduler replicas run in
// separate processes.
type Lease interface {
	Acquire(ctx context.Context, owner string, ttl time.Duration) (*Token, error)
	Release(ctx context.Context, token *Token) error
}

type redisLease struct {
	locker *redislock.Client
	key    string
}

// NewRedisLease returns the production lease on top of redislock. The lease
// expires naturally after its TTL if the holder crashes.
func NewRedisLease(locker *redislock.Client, key string) Lease {
	return &redisLease{locker: locker, key: key}
}

func (l *redisLease) Acquire(ctx context.Context, owner string, ttl time.Duration) (*Token, error) {
	lock, err := l.locker.Obtain(ctx, l.key, ttl, &redislock.Options{
		Metadata: owner,
	})
	if err == redislock.ErrNotObtained {
		return nil, ErrLeaseHeld
	}
	if err != nil {
		return nil, err
	}
	return &Token{Owner: owner, lock: lock}, nil
}

func (l *redisLease) Release(ctx context.Context, token *Token) error {
	if token == nil || token.lock == nil {
		return nil
	}
	err := token.lock.Release(ctx)
	if err == redislock.ErrLockNotHeld {
		// Lease expired and possibly changed hands; nothing of ours to release.
		return nil
	}
	return err
}
