package submitter

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"airdrop/internal/chain"
)

// retry runs fn until it succeeds, fails permanently, or MaxRetries transient failures pass.
func (s *Submitter) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.cfg.MaxRetries)), ctx)

	return backoff.RetryNotify(func() error {
		err := fn(ctx)
		if err == nil || chain.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy, func(err error, wait time.Duration) {
		s.logger.Warn(op+" failed, retrying", zap.Error(err), zap.Duration("backoff", wait))
	})
}
