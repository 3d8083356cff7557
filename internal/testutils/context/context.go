package context

import (
	"context"
	"testing"
	"time"
)

// WithTest bounds ctx by the test's own deadline, minus one second so
// that cleanup still has time to run.
func WithTest(ctx context.Context, t *testing.T) (context.Context, func()) {
	if deadline, ok := t.Deadline(); ok {
		return context.WithDeadline(ctx, deadline.Add(-time.Second))
	}
	return ctx, func() {}
}
