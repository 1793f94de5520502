package registry

import (
	"context"
	"errors"
	"time"

	"github.com/colorfulnotion/certchain/certerrors"
	"github.com/colorfulnotion/certchain/log"
)

// Retry runs fn at most 1+retries times. Each attempt gets its own timeout
// when timeout > 0. Only chain failures are retried; NotFound and validation
// errors return immediately.
func Retry[T any](ctx context.Context, retries int, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var (
		out T
		err error
	)
	for attempt := 0; attempt <= retries; attempt++ {
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		out, err = fn(callCtx)
		cancel()
		if err == nil || !errors.Is(err, certerrors.ErrChain) || ctx.Err() != nil {
			return out, err
		}
		log.Debug(log.ChainMonitoring, "chain call failed", "attempt", attempt+1, "err", err)
	}
	return out, err
}
