package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrLockTimeout = errors.New("lock wait timed out")

// Lock is a held SET-NX lock. The TTL bounds how long a crashed holder can
// block others.
type Lock struct {
	c     Coordinator
	key   string
	token string
}

// Acquire busy-polls SET-NX on lock:<name> until it succeeds, wait elapses or
// ctx is done. A zero wait polls until ctx is done.
func Acquire(ctx context.Context, c Coordinator, name string, ttl, wait, poll time.Duration) (*Lock, error) {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	key := "lock:" + name
	token := uuid.NewString()
	var deadline time.Time
	if wait > 0 {
		deadline = time.Now().Add(wait)
	}
	for {
		ok, err := c.SetIfAbsent(ctx, key, token, ttl)
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return &Lock{c: c, key: key, token: token}, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, fmt.Errorf("%s: %w", key, ErrLockTimeout)
		}
		if err := sleepWithContext(ctx, poll); err != nil {
			return nil, err
		}
	}
}

// Release deletes the lock only if this holder still owns it.
func (l *Lock) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	_, err := l.c.CompareAndDelete(ctx, l.key, l.token)
	return err
}

func (l *Lock) Key() string { return l.key }

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
