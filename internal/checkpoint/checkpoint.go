// Package checkpoint persists the last fully reconciled Gmail history id per
// user.
package checkpoint

import (
	"context"
	"errors"
	"time"
)

// ErrStorageUnavailable wraps every backend failure.
var ErrStorageUnavailable = errors.New("checkpoint storage unavailable")

const defaultCallTimeout = 10 * time.Second

// Store reads and writes checkpoints. Put overwrites and the last writer
// wins. Advance only ever raises the stored value and Seed only writes when
// nothing is stored; both are single conditional writes in the backend, so
// processes sharing a backend cannot move a checkpoint backwards.
type Store interface {
	Get(ctx context.Context, userEmail string) (checkpoint uint64, ok bool, err error)
	Put(ctx context.Context, userEmail string, checkpoint uint64) error
	// Advance stores checkpoint unless a greater or equal value is stored.
	Advance(ctx context.Context, userEmail string, checkpoint uint64) error
	// Seed stores checkpoint if the user has none and reports whether it wrote.
	Seed(ctx context.Context, userEmail string, checkpoint uint64) (bool, error)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = defaultCallTimeout
	}
	return context.WithTimeout(ctx, d)
}
