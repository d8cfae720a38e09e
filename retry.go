package regtest

import (
	"context"
	"fmt"
	"time"
)

// Retry runs op until it succeeds, returns a non-transient error, or the
// policy runs out of attempts. It sleeps p.Delay between attempts.
func Retry(ctx context.Context, p RetryPolicy, op func() error) error {
	attempts := max(p.Attempts, 1)

	var err error
	for i := 0; i < attempts; i++ {
		if err = op(); err == nil || !IsTransient(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		if err := sleep(ctx, p.Delay); err != nil {
			return err
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", attempts, err)
}

// retry is Retry with a log line per transient failure.
func (rt *Regtest) retry(ctx context.Context, what string, op func() error) error {
	attempt := 0
	return Retry(ctx, rt.backoff, func() error {
		attempt++
		err := op()
		if IsTransient(err) {
			rt.log.Debug().Err(err).Int("attempt", attempt).Msgf("%s: transient error, retrying", what)
		}
		return err
	})
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
