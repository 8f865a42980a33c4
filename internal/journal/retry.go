package journal

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// permanent marks err as not worth retrying.
func permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// isPermanent classifies errors that retrying cannot fix.
func isPermanent(err error) bool {
	return errors.Is(err, ErrPartialWrite) ||
		errors.Is(err, ErrRecordTooLarge) ||
		errors.Is(err, ErrClosed) ||
		errors.Is(err, ErrPrivilege) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// retry runs fn up to attempts times, waiting interval between tries.
// Every journal I/O path goes through here so that transient failures are
// treated the same way everywhere.
func retry(ctx context.Context, logger *log.Entry, op string, attempts int, interval time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var b backoff.BackOff = backoff.NewConstantBackOff(interval)
	b = backoff.WithMaxRetries(b, uint64(attempts-1))
	b = backoff.WithContext(b, ctx)

	try := 0
	return backoff.RetryNotify(func() error {
		try++
		err := fn()
		if err != nil && isPermanent(err) {
			return permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		logger.WithFields(log.Fields{
			"op":      op,
			"attempt": try,
			"of":      attempts,
			"wait":    wait,
		}).WithError(err).Warn("journal operation failed, request will be retried")
	})
}
