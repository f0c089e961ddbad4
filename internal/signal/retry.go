package signal

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aegisstack/aegis-ir/internal/utils"
)

// RetryingSource wraps a Source with exponential backoff on transient
// failures. Non-transient errors are returned immediately.
type RetryingSource struct {
	next       Source
	maxRetries uint64
}

// NewRetryingSource wraps next with up to maxRetries retries per call.
func NewRetryingSource(next Source, maxRetries int) *RetryingSource {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &RetryingSource{next: next, maxRetries: uint64(maxRetries)}
}

// QueryRange retries the wrapped QueryRange on transient failures.
func (r *RetryingSource) QueryRange(ctx context.Context, query string, start, end time.Time, step time.Duration) ([]Sample, error) {
	var samples []Sample
	err := backoff.Retry(func() error {
		var err error
		samples, err = r.next.QueryRange(ctx, query, start, end, step)
		return permanentUnlessTransient(err)
	}, r.policy(ctx))
	if err != nil {
		return nil, err
	}
	return samples, nil
}

// Logs retries the wrapped Logs on transient failures.
func (r *RetryingSource) Logs(ctx context.Context, service string, start, end time.Time) ([]LogEntry, error) {
	var entries []LogEntry
	err := backoff.Retry(func() error {
		var err error
		entries, err = r.next.Logs(ctx, service, start, end)
		return permanentUnlessTransient(err)
	}, r.policy(ctx))
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Traces retries the wrapped Traces on transient failures.
func (r *RetryingSource) Traces(ctx context.Context, service string, start, end time.Time) ([]TraceSpan, error) {
	var spans []TraceSpan
	err := backoff.Retry(func() error {
		var err error
		spans, err = r.next.Traces(ctx, service, start, end)
		return permanentUnlessTransient(err)
	}, r.policy(ctx))
	if err != nil {
		return nil, err
	}
	return spans, nil
}

func (r *RetryingSource) policy(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, r.maxRetries), ctx)
}

func permanentUnlessTransient(err error) error {
	if err == nil {
		return nil
	}
	if utils.IsTransient(err) {
		return err
	}
	return backoff.Permanent(err)
}
