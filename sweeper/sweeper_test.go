package sweeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/timeclock_backend/utils"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLease is an in-process stand-in with the same single-holder semantics
// as the Redis lease.
type fakeLease struct {
	mu     sync.Mutex
	holder string
}

func (l *fakeLease) Acquire(_ context.Context, owner string, _ time.Duration) (*Token, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder != "" {
		return nil, ErrLeaseHeld
	}
	l.holder = owner
	return &Token{Owner: owner}, nil
}

func (l *fakeLease) Release(_ context.Context, token *Token) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder == token.Owner {
		l.holder = ""
	}
	return nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestSweepOnceRefusesWhenLeaseHeld(t *testing.T) {
	lease := &fakeLease{}
	_, err := lease.Acquire(context.Background(), "other-sweep", time.Minute)
	require.NoError(t, err)

	s := &Sweeper{
		Logger:           quietLogger(),
		Lease:            lease,
		MaxShiftDuration: 12 * time.Hour,
		LeaseTTL:         5 * time.Minute,
		Now:              func() time.Time { return time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC) },
	}

	_, err = s.SweepOnce(context.Background(), false)
	require.Error(t, err)
	apiErr := utils.AsApiError(err)
	assert.Equal(t, utils.ErrorCodeResourceExhausted, apiErr.Code)
	assert.True(t, utils.IsRetriable(err))
}

func TestLeaseSingleHolder(t *testing.T) {
	lease := &fakeLease{}
	ctx := context.Background()

	first, err := lease.Acquire(ctx, "a", time.Minute)
	require.NoError(t, err)

	_, err = lease.Acquire(ctx, "b", time.Minute)
	require.ErrorIs(t, err, ErrLeaseHeld)

	require.NoError(t, lease.Release(ctx, first))

	second, err := lease.Acquire(ctx, "b", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "b", second.Owner)
}

func TestLeaseReleaseIgnoresStaleToken(t *testing.T) {
	lease := &fakeLease{}
	ctx := context.Background()

	stale, err := lease.Acquire(ctx, "a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx, stale))

	current, err := lease.Acquire(ctx, "b", time.Minute)
	require.NoError(t, err)

	// A stale token from a previous holder must not evict the current one.
	require.NoError(t, lease.Release(ctx, stale))
	_, err = lease.Acquire(ctx, "c", time.Minute)
	require.ErrorIs(t, err, ErrLeaseHeld)

	require.NoError(t, lease.Release(ctx, current))
}
