package reasoning

import (
	"context"
	"time"
)

// TimeoutCapability bounds every completion with a deadline so a slow
// provider cannot stall a pipeline stage.
type TimeoutCapability struct {
	next    Capability
	timeout time.Duration
}

// WithTimeout wraps next with a per-call deadline.
func WithTimeout(next Capability, timeout time.Duration) *TimeoutCapability {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TimeoutCapability{next: next, timeout: timeout}
}

// Complete delegates with a bounded context.
func (t *TimeoutCapability) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.Complete(ctx, systemPrompt, userPrompt)
}
