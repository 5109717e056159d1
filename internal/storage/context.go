package storage

import (
	"context"
	"time"
)

// DefaultQueryTimeout bounds every store query that arrives without a
// caller-supplied deadline.
const DefaultQueryTimeout = 5 * time.Second

// withQueryTimeout attaches the default query deadline unless the caller
// already set one. Request-scoped contexts from the HTTP layer carry their
// own timeouts and pass through untouched.
func withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultQueryTimeout)
}
