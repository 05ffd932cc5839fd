package link

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Retrying wraps a Sender and retries payloads whose peer was unreachable.
// Delivery failures after a connection was made are not retried, since the
// peer may already have read the payload.
type Retrying struct {
	Next            Sender
	MaxRetries      uint64
	InitialInterval time.Duration
	Logger          *zap.Logger
}

// Send implements Sender.
func (r *Retrying) Send(ctx context.Context, addr string, payload []byte) error {
	exp := backoff.NewExponentialBackOff()
	if r.InitialInterval > 0 {
		exp.InitialInterval = r.InitialInterval
	}
	exp.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(exp, r.MaxRetries), ctx)

	var lastErr error
	op := func() error {
		err := r.Next.Send(ctx, addr, payload)
		if err != nil && !errors.Is(err, ErrPeerUnreachable) {
			return backoff.Permanent(err)
		}
		lastErr = err
		return err
	}
	notify := func(err error, next time.Duration) {
		if r.Logger != nil {
			r.Logger.Info("peer unreachable, retrying send",
				zap.String("addr", addr), zap.Duration("next", next), zap.Error(err))
		}
	}

	err := backoff.RetryNotify(op, b, notify)
	if err != nil && ctx.Err() != nil && lastErr != nil && !errors.Is(err, ErrPeerUnreachable) {
		return fmt.Errorf("%w (%v)", lastErr, err)
	}
	return err
}
