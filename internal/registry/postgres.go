package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"lorebook/api/internal/policy"
)

// Postgres answers ownership and role lookups from the primary database.
// Every query runs under the configured timeout so a stalled store surfaces
// as a retryable lookup failure instead of an open-ended block.
type Postgres struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgres(db *sql.DB, timeout time.Duration) *Postgres {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Postgres{db: db, timeout: timeout}
}

func (r *Postgres) OwnerOf(ctx context.Context, entity policy.Entity, id uuid.UUID) (uuid.UUID, error) {
	query, ok := ownerQueries[entity]
	if !ok {
		return uuid.Nil, fmt.Errorf("owner of %s: %w", entity, policy.ErrNotFound)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var owner string
	err := r.db.QueryRowContext(ctx, query, id.String()).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("owner of %s %s: %w", entity, id, policy.ErrNotFound)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return uuid.Nil, fmt.Errorf("owner of %s %s: %w", entity, id, policy.ErrLookupTimeout)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("owner of %s %s: %w", entity, id, err)
	}

	parsed, err := uuid.Parse(owner)
	if err != nil {
		return uuid.Nil, fmt.Errorf("owner of %s %s: malformed owner id: %w", entity, id, err)
	}
	return parsed, nil
}

func (r *Postgres) RoleOf(ctx context.Context, userID uuid.UUID) (policy.Role, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var role string
	err := r.db.QueryRowContext(ctx, `SELECT role FROM profiles WHERE id = $1`, userID.String()).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("role of %s: %w", userID, policy.ErrNotFound)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "", fmt.Errorf("role of %s: %w", userID, policy.ErrLookupTimeout)
	}
	if err != nil {
		return "", fmt.Errorf("role of %s: %w", userID, err)
	}
	return policy.NormalizeRole(role), nil
}

// ownerQueries resolves the direct owner for root entities and joins through
// the parent notebook for child entities. Chat messages key their session by
// the notebook id, matching the session model of the chat tables.
var ownerQueries = map[policy.Entity]string{
	policy.EntityProfile:  `SELECT id FROM profiles WHERE id = $1`,
	policy.EntityNotebook: `SELECT owner_id FROM notebooks WHERE id = $1`,
	policy.EntityNote:     `SELECT owner_id FROM notes WHERE id = $1`,
	policy.EntitySource: `
		SELECT n.owner_id FROM sources s
		JOIN notebooks n ON n.id = s.notebook_id
		WHERE s.id = $1`,
	policy.EntityChatMessage: `
		SELECT n.owner_id FROM chat_messages m
		JOIN notebooks n ON n.id = m.session_id
		WHERE m.id = $1`,
	policy.EntityDocument: `
		SELECT n.owner_id FROM documents d
		JOIN notebooks n ON n.id = d.notebook_id
		WHERE d.id = $1`,
	policy.EntityStorageObject: `
		SELECT n.owner_id FROM storage_objects o
		JOIN notebooks n ON n.id = o.notebook_id
		WHERE o.id = $1`,
	policy.EntitySecurityAttempt: `SELECT user_id FROM security_attempts WHERE id = $1`,
}
