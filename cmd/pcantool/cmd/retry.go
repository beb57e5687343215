package cmd

import (
	"context"
	"errors"

	"github.com/avast/retry-go"
	"github.com/roffe/pcanrs"
	"go.uber.org/zap"
)

// issue sends cmd and retries it up to cfg.Retries times while the adapter
// does not answer. NAKs and invalid arguments are final.
func issue(ctx context.Context, d *pcanrs.Driver, cmd pcanrs.Command) (pcanrs.Reply, error) {
	var reply pcanrs.Reply
	err := retry.Do(
		func() error {
			var err error
			reply, err = d.Issue(ctx, cmd)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(cfg.Retries+1),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, pcanrs.ErrTimeout)
		}),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("retrying", zap.Stringer("command", cmd.Kind()), zap.Uint("attempt", n+1), zap.Error(err))
		}),
		retry.LastErrorOnly(true),
	)
	return reply, err
}
