package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresLedger persists attempts to the append-only security_attempts
// table. Used when no Redis is configured, mirroring the dual wiring of the
// session store.
type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// Record is a single INSERT; the row is visible before the caller is told
// the outcome.
func (l *PostgresLedger) Record(ctx context.Context, userID uuid.UUID, outcome bool) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO security_attempts (id, user_id, outcome, created_at)
		VALUES ($1, $2, $3, NOW())
	`, uuid.NewString(), userID.String(), outcome)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

func (l *PostgresLedger) CountRecentFailures(ctx context.Context, userID uuid.UUID, window time.Duration) (int, error) {
	var count int
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM security_attempts
		WHERE user_id = $1 AND outcome = FALSE AND created_at > NOW() - $2::interval
	`, userID.String(), fmt.Sprintf("%d seconds", int(window.Seconds()))).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count failures: %w", err)
	}
	return count, nil
}
