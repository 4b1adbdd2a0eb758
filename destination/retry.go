package destination

import (
	"context"
	"io"
	"math/rand"
	"time"

	"github.com/scrat-backup/scrat/errs"
)

// withRetry runs op up to policy.MaxAttempts times, retrying only when op
// returns a *errs.TransientIOError or a *errs.DestinationError with
// Retryable set (see isTransient), with exponential backoff plus jitter.
func withRetry(ctx context.Context, policy RetryPolicy, op func() error) error {
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		var transient *errs.TransientIOError
		if !isTransient(lastErr, &transient) {
			return lastErr
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}
		delay := policy.delayFor(attempt)
		jitter := time.Duration(rand.Int63n(int64(delay) / 4))
		select {
		case <-time.After(delay + jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func isTransient(err error, target **errs.TransientIOError) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if t, ok := err.(*errs.TransientIOError); ok {
			*target = t
			return true
		}
		if d, ok := err.(*errs.DestinationError); ok {
			return d.Retryable
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// retrying wraps a Destination so every network round trip goes through
// withRetry/DefaultRetryPolicy. Local is never wrapped: disk failures
// aren't the transient, retry-worthy kind this policy targets.
type retrying struct {
	Destination
	policy RetryPolicy
}

func withRetryPolicy(d Destination, policy RetryPolicy) Destination {
	return &retrying{Destination: d, policy: policy}
}

func (r *retrying) Connect(ctx context.Context) error {
	return withRetry(ctx, r.policy, func() error { return r.Destination.Connect(ctx) })
}

func (r *retrying) PutStream(ctx context.Context, key string, rd io.Reader) error {
	return withRetry(ctx, r.policy, func() error { return r.Destination.PutStream(ctx, key, rd) })
}

func (r *retrying) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	var out io.ReadCloser
	err := withRetry(ctx, r.policy, func() error {
		rc, err := r.Destination.GetStream(ctx, key)
		if err != nil {
			return err
		}
		out = rc
		return nil
	})
	return out, err
}

func (r *retrying) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	err := withRetry(ctx, r.policy, func() error {
		keys, err := r.Destination.List(ctx, prefix)
		if err != nil {
			return err
		}
		out = keys
		return nil
	})
	return out, err
}

func (r *retrying) Delete(ctx context.Context, key string) error {
	return withRetry(ctx, r.policy, func() error { return r.Destination.Delete(ctx, key) })
}

func (r *retrying) Stat(ctx context.Context, key string) (Info, error) {
	var out Info
	err := withRetry(ctx, r.policy, func() error {
		info, err := r.Destination.Stat(ctx, key)
		if err != nil {
			return err
		}
		out = info
		return nil
	})
	return out, err
}
