package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/storage"
)

// Settler applies the side effects of a completed ride exactly once.
type Settler interface {
	SettleCompletion(ctx context.Context, rideID string) (bool, error)
}

// SettleWithRetry retries transient settlement failures with doubling delay.
// A ride that is unknown or not COMPLETED fails immediately.
func SettleWithRetry(ctx context.Context, s Settler, rideID string, attempts int, base time.Duration) (bool, error) {
	var applied bool
	err := retry(ctx, attempts, base, func(ctx context.Context) error {
		var err error
		applied, err = s.SettleCompletion(ctx, rideID)
		return err
	})
	return applied, err
}

func retry(ctx context.Context, attempts int, base time.Duration, fn func(context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	delay := base
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrConditionFailed) {
			return err
		}
		if i == attempts-1 {
			break
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
	}
	return err
}
