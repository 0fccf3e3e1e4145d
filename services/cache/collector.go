package cache

import (
	"context"
	"errors"
)

// Collector fetches inventory records for a single host. Implementations are
// backend-specific and opaque to the cache; the orchestrator imposes the
// timeout budget through ctx and treats a deadline error as a distinct
// terminal outcome.
type Collector interface {
	Collect(ctx context.Context, hostID, level string) ([]Record, error)
}

// CollectorFunc adapts a function to the Collector interface.
type CollectorFunc func(ctx context.Context, hostID, level string) ([]Record, error)

// Collect implements Collector.
func (f CollectorFunc) Collect(ctx context.Context, hostID, level string) ([]Record, error) {
	return f(ctx, hostID, level)
}

// isTimeout classifies a collector failure as "reachable but slow" rather
// than a generic error.
func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
