// Package leases serializes lifecycle runs of one indexer across processes.
// A lease is a named, expiring ownership row; the holder renews it while it
// works and releases it when done.
package leases

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidInput = errors.New("leases: invalid input")
	ErrHeld         = errors.New("leases: held by another owner")
	ErrLost         = errors.New("leases: lease lost")
)

type Lease struct {
	Name      string
	Owner     string
	ExpiresAt time.Time
}

// Store is a compare-and-swap lease API.
//
// TryAcquire succeeds if the lease is absent or expired. Renew reports false
// unless owner still holds the lease. Release deletes the lease only for its
// owner and is otherwise a no-op.
type Store interface {
	TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Renew(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, name, owner string) error
}

// LifecycleName is the lease guarding relationship and index changes of an
// indexer.
func LifecycleName(indexer string) string { return indexer + ":lifecycle" }

// Hold runs fn while owning the named lease, renewing it every ttl/3. It
// returns ErrHeld without calling fn when another owner holds the lease. If a
// renewal fails, fn's context is cancelled and Hold returns ErrLost.
func Hold(ctx context.Context, s Store, name, owner string, ttl time.Duration, fn func(context.Context) error) error {
	if s == nil || fn == nil {
		return fmt.Errorf("%w: nil store or func", ErrInvalidInput)
	}
	l, ok, err := s.TryAcquire(ctx, name, owner, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s owned by %s until %s", ErrHeld, name, l.Owner, l.ExpiresAt.UTC().Format(time.RFC3339))
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		t := time.NewTicker(renewEvery(ttl))
		defer t.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-t.C:
				_, ok, err := s.Renew(runCtx, name, owner, ttl)
				if ok && err == nil {
					continue
				}
				if runCtx.Err() != nil {
					return
				}
				if err == nil {
					err = errors.New("owned by someone else")
				}
				cancel(fmt.Errorf("%w: %s: %v", ErrLost, name, err))
				return
			}
		}
	}()

	fnErr := fn(runCtx)
	lost := context.Cause(runCtx)
	cancel(nil)
	<-renewDone

	relCtx, relCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer relCancel()
	relErr := s.Release(relCtx, name, owner)

	if errors.Is(lost, ErrLost) {
		return lost
	}
	if fnErr != nil {
		return fnErr
	}
	return relErr
}

func renewEvery(ttl time.Duration) time.Duration {
	if d := ttl / 3; d > 0 {
		return d
	}
	return time.Millisecond
}

func validate(name, owner string, ttl time.Duration) error {
	if name == "" || owner == "" || ttl <= 0 {
		return fmt.Errorf("%w: name/owner must be non-empty and ttl must be > 0", ErrInvalidInput)
	}
	return nil
}
