package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func TestPostgresLedgerRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	userID := uuid.New()
	mock.ExpectExec("INSERT INTO security_attempts").
		WithArgs(sqlmock.AnyArg(), userID.String(), false).
		WillReturnResult(sqlmock.NewResult(0, 1))

	l := NewPostgresLedger(db)
	if err := l.Record(context.Background(), userID, false); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresLedgerCount(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	userID := uuid.New()
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM security_attempts").
		WithArgs(userID.String(), "900 seconds").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	l := NewPostgresLedger(db)
	count, err := l.CountRecentFailures(context.Background(), userID, 15*time.Minute)
	if err != nil {
		t.Fatalf("CountRecentFailures failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
