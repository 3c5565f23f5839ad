package update

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/fault"
	"github.com/rs/zerolog"
)

// fetch retries transient fetch failures with exponential backoff. The last
// failure is returned with its command output.
func (o *Orchestrator) fetch(ctx context.Context, logger zerolog.Logger) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = o.fetchBackoff
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0
	policy.Reset()

	attempt := 0
	op := func() error {
		attempt++
		err := o.git.fetch(ctx, o.cfg.Remote, o.cfg.Branch)
		if err != nil {
			logger.Warn().Err(err).Int("attempt", attempt).Msg("fetch failed")
		}
		return err
	}

	retries := uint64(o.fetchAttempts - 1)
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, retries), ctx)); err != nil {
		if fault.KindOf(err) == fault.ExternalCommand {
			return err
		}
		return fault.Wrap(fault.ExternalCommand, "fetch", err)
	}
	return nil
}
