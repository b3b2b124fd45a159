package relationship

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DEFAULT_MAX_ATTEMPTS   = 3
	DEFAULT_BASE_DELAY     = 50 * time.Millisecond
	DEFAULT_MAX_DELAY      = 400 * time.Millisecond
	DEFAULT_TIMEOUT        = 2 * time.Second
	DEFAULT_LEDGER_TIMEOUT = 500 * time.Millisecond
)

type Options struct {
	MaxAttempts int           // attempts per read or write, including the first one
	BaseDelay   time.Duration // first backoff interval
	MaxDelay    time.Duration
	Timeout     time.Duration // whole operation
	// LedgerTimeout bounds appending a ledger entry after the writes gave up
	LedgerTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DEFAULT_MAX_ATTEMPTS
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DEFAULT_BASE_DELAY
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = DEFAULT_MAX_DELAY
		if o.MaxDelay < o.BaseDelay {
			o.MaxDelay = o.BaseDelay
		}
	}
	if o.Timeout <= 0 {
		o.Timeout = DEFAULT_TIMEOUT
	}
	if o.LedgerTimeout <= 0 {
		o.LedgerTimeout = DEFAULT_LEDGER_TIMEOUT
	}
	return o
}

// retry runs op until it succeeds, returns ErrNotFound, the attempts are
// exhausted or ctx is done.
func (o Options) retry(ctx context.Context, op func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.BaseDelay
	b.MaxInterval = o.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()

	var lastErr error
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(o.MaxAttempts-1)), ctx)
	err := backoff.Retry(func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	if err != nil && lastErr != nil && !errors.Is(err, lastErr) {
		// ctx expired between attempts; keep the store error visible too
		return errors.Join(lastErr, err)
	}
	return err
}
