// Package ledger records security-sensitive attempts append-only and answers
// sliding-window failure counts for the recovery flow's rate limit.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Ledger is the attempt ledger consumed by the recovery flow. Record must be
// atomic and must complete before the caller learns the outcome of the
// attempt it describes: a crash between check and log must never leave an
// uncounted attempt behind.
type Ledger interface {
	Record(ctx context.Context, userID uuid.UUID, outcome bool) error
	CountRecentFailures(ctx context.Context, userID uuid.UUID, window time.Duration) (int, error)
}
