package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---------------------------------------------------------------------------
// Profiles

func (s *PostgresStore) CreateProfile(ctx context.Context, p Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, display_name, email, password_hash, role, security_question, security_answer_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, p.ID, p.DisplayName, p.Email, p.PasswordHash, p.Role, p.SecurityQuestion, p.SecurityAnswerHash)
	if err != nil {
		return fmt.Errorf("insert profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, id string) (Profile, error) {
	const query = `
		SELECT id, display_name, email, password_hash, role, security_question, security_answer_hash, created_at, updated_at
		FROM profiles WHERE id = $1`
	var p Profile
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&p.ID, &p.DisplayName, &p.Email, &p.PasswordHash, &p.Role,
		&p.SecurityQuestion, &p.SecurityAnswerHash, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Profile{}, err
	}
	return p, nil
}

func (s *PostgresStore) GetProfileByEmail(ctx context.Context, email string) (Profile, error) {
	const query = `
		SELECT id, display_name, email, password_hash, role, security_question, security_answer_hash, created_at, updated_at
		FROM profiles WHERE email = $1`
	var p Profile
	err := s.db.QueryRowContext(ctx, query, strings.ToLower(strings.TrimSpace(email))).Scan(
		&p.ID, &p.DisplayName, &p.Email, &p.PasswordHash, &p.Role,
		&p.SecurityQuestion, &p.SecurityAnswerHash, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Profile{}, err
	}
	return p, nil
}

func (s *PostgresStore) ListProfiles(ctx context.Context) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, email, role, created_at, updated_at
		FROM profiles ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var profiles []Profile
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.Email, &p.Role, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

func (s *PostgresStore) UpdateProfile(ctx context.Context, id, displayName string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE profiles SET display_name = $2, updated_at = NOW() WHERE id = $1
	`, id, displayName)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateProfileRole(ctx context.Context, id, role string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE profiles SET role = $2, updated_at = NOW() WHERE id = $1
	`, id, role)
	if err != nil {
		return fmt.Errorf("update profile role: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateProfilePassword(ctx context.Context, id, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE profiles SET password_hash = $2, updated_at = NOW() WHERE id = $1
	`, id, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetSecurityQuestion(ctx context.Context, id, question, answerHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE profiles SET security_question = $2, security_answer_hash = $3, updated_at = NOW()
		WHERE id = $1
	`, id, question, answerHash)
	if err != nil {
		return fmt.Errorf("set security question: %w", err)
	}
	return nil
}

// DeleteProfile removes a profile; notebooks, notes and attempts cascade.
func (s *PostgresStore) DeleteProfile(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Notebooks

func (s *PostgresStore) CreateNotebook(ctx context.Context, n Notebook) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notebooks (id, owner_id, title, description, icon, color, generation_status, example_questions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, n.ID, n.OwnerID, n.Title, n.Description, n.Icon, n.Color, n.GenerationStatus, pq.Array(n.ExampleQuestions))
	if err != nil {
		return fmt.Errorf("insert notebook: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetNotebook(ctx context.Context, id string) (Notebook, error) {
	const query = `
		SELECT id, owner_id, title, description, icon, color, generation_status, example_questions, created_at, updated_at
		FROM notebooks WHERE id = $1`
	var n Notebook
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&n.ID, &n.OwnerID, &n.Title, &n.Description, &n.Icon, &n.Color,
		&n.GenerationStatus, pq.Array(&n.ExampleQuestions), &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return Notebook{}, err
	}
	return n, nil
}

func (s *PostgresStore) ListNotebooks(ctx context.Context) ([]Notebook, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, title, description, icon, color, generation_status, example_questions, created_at, updated_at
		FROM notebooks ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list notebooks: %w", err)
	}
	defer rows.Close()

	var notebooks []Notebook
	for rows.Next() {
		var n Notebook
		if err := rows.Scan(&n.ID, &n.OwnerID, &n.Title, &n.Description, &n.Icon, &n.Color,
			&n.GenerationStatus, pq.Array(&n.ExampleQuestions), &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, err
		}
		notebooks = append(notebooks, n)
	}
	return notebooks, rows.Err()
}

func (s *PostgresStore) UpdateNotebook(ctx context.Context, n Notebook) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notebooks
		SET title = $2, description = $3, icon = $4, color = $5, generation_status = $6, example_questions = $7, updated_at = NOW()
		WHERE id = $1
	`, n.ID, n.Title, n.Description, n.Icon, n.Color, n.GenerationStatus, pq.Array(n.ExampleQuestions))
	if err != nil {
		return fmt.Errorf("update notebook: %w", err)
	}
	return nil
}

// ReassignNotebookOwner is the only path that changes a notebook's owner.
func (s *PostgresStore) ReassignNotebookOwner(ctx context.Context, id, newOwnerID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notebooks SET owner_id = $2, updated_at = NOW() WHERE id = $1
	`, id, newOwnerID)
	if err != nil {
		return fmt.Errorf("reassign notebook: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteNotebook(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM notebooks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete notebook: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Sources

func (s *PostgresStore) CreateSource(ctx context.Context, src Source) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sources (id, notebook_id, title, type, content, url, file_path, file_size, processing_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, src.ID, src.NotebookID, src.Title, src.Type, src.Content, src.URL, src.FilePath, src.FileSize, src.ProcessingStatus)
	if err != nil {
		return fmt.Errorf("insert source: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSource(ctx context.Context, id string) (Source, error) {
	const query = `
		SELECT id, notebook_id, title, type, content, url, file_path, file_size, processing_status, created_at, updated_at
		FROM sources WHERE id = $1`
	var src Source
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&src.ID, &src.NotebookID, &src.Title, &src.Type, &src.Content, &src.URL,
		&src.FilePath, &src.FileSize, &src.ProcessingStatus, &src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		return Source{}, err
	}
	return src, nil
}

func (s *PostgresStore) ListSources(ctx context.Context, notebookID string) ([]Source, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, notebook_id, title, type, content, url, file_path, file_size, processing_status, created_at, updated_at
		FROM sources WHERE notebook_id = $1 ORDER BY created_at`, notebookID)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var sources []Source
	for rows.Next() {
		var src Source
		if err := rows.Scan(&src.ID, &src.NotebookID, &src.Title, &src.Type, &src.Content, &src.URL,
			&src.FilePath, &src.FileSize, &src.ProcessingStatus, &src.CreatedAt, &src.UpdatedAt); err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

func (s *PostgresStore) UpdateSource(ctx context.Context, src Source) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sources
		SET title = $2, content = $3, url = $4, file_path = $5, file_size = $6, processing_status = $7, updated_at = NOW()
		WHERE id = $1
	`, src.ID, src.Title, src.Content, src.URL, src.FilePath, src.FileSize, src.ProcessingStatus)
	if err != nil {
		return fmt.Errorf("update source: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateSourceStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sources SET processing_status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("update source status: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteSource(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sources WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Notes

func (s *PostgresStore) CreateNote(ctx context.Context, n Note) error {
	notebookID := sql.NullString{String: n.NotebookID, Valid: n.NotebookID != ""}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notes (id, notebook_id, owner_id, title, content, source_type)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, n.ID, notebookID, n.OwnerID, n.Title, n.Content, n.SourceType)
	if err != nil {
		return fmt.Errorf("insert note: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetNote(ctx context.Context, id string) (Note, error) {
	const query = `
		SELECT id, COALESCE(notebook_id::text, ''), owner_id, title, content, source_type, created_at, updated_at
		FROM notes WHERE id = $1`
	var n Note
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&n.ID, &n.NotebookID, &n.OwnerID, &n.Title, &n.Content, &n.SourceType, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return Note{}, err
	}
	return n, nil
}

func (s *PostgresStore) ListNotesByOwner(ctx context.Context, ownerID string) ([]Note, error) {
	return s.listNotes(ctx, `
		SELECT id, COALESCE(notebook_id::text, ''), owner_id, title, content, source_type, created_at, updated_at
		FROM notes WHERE owner_id = $1 ORDER BY updated_at DESC`, ownerID)
}

func (s *PostgresStore) ListNotesByNotebook(ctx context.Context, notebookID string) ([]Note, error) {
	return s.listNotes(ctx, `
		SELECT id, COALESCE(notebook_id::text, ''), owner_id, title, content, source_type, created_at, updated_at
		FROM notes WHERE notebook_id = $1 ORDER BY updated_at DESC`, notebookID)
}

func (s *PostgresStore) listNotes(ctx context.Context, query, arg string) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.NotebookID, &n.OwnerID, &n.Title, &n.Content, &n.SourceType, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

func (s *PostgresStore) UpdateNote(ctx context.Context, n Note) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notes SET title = $2, content = $3, updated_at = NOW() WHERE id = $1
	`, n.ID, n.Title, n.Content)
	if err != nil {
		return fmt.Errorf("update note: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteNote(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Chat history

func (s *PostgresStore) AppendChatMessage(ctx context.Context, m ChatMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, session_id, message)
		VALUES ($1, $2, $3)
	`, m.ID, m.SessionID, []byte(m.Message))
	if err != nil {
		return fmt.Errorf("append chat message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListChatMessages(ctx context.Context, sessionID string) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, message, created_at
		FROM chat_messages WHERE session_id = $1 ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()

	var messages []ChatMessage
	for rows.Next() {
		var m ChatMessage
		var raw []byte
		if err := rows.Scan(&m.ID, &m.SessionID, &raw, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Message = raw
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// DeleteChatHistory wipes a session; reachable only by the service principal
// or cascade.
func (s *PostgresStore) DeleteChatHistory(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("delete chat history: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Documents (ingested chunks with embeddings)

func (s *PostgresStore) InsertDocument(ctx context.Context, d Document) error {
	sourceID := sql.NullString{String: d.SourceID, Valid: d.SourceID != ""}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, notebook_id, source_id, content, embedding)
		VALUES ($1, $2, $3, $4, $5::vector)
	`, d.ID, d.NotebookID, sourceID, d.Content, vectorLiteral(d.Embedding))
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// SimilarDocuments is the single nearest-neighbour query behind chat
// grounding: cosine distance, smallest first.
func (s *PostgresStore) SimilarDocuments(ctx context.Context, notebookID string, embedding []float32, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, notebook_id, COALESCE(source_id::text, ''), content, created_at
		FROM documents
		WHERE notebook_id = $1
		ORDER BY embedding <=> $2::vector
		LIMIT $3
	`, notebookID, vectorLiteral(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("similar documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.NotebookID, &d.SourceID, &d.Content, &d.CreatedAt); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (s *PostgresStore) DeleteDocumentsBySource(ctx context.Context, sourceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE source_id = $1`, sourceID)
	if err != nil {
		return fmt.Errorf("delete documents: %w", err)
	}
	return nil
}

func vectorLiteral(embedding []float32) string {
	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = fmt.Sprintf("%g", v)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// ---------------------------------------------------------------------------
// Storage objects

func (s *PostgresStore) InsertStorageObject(ctx context.Context, o StorageObject) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO storage_objects (id, notebook_id, object_key, content_type, size)
		VALUES ($1, $2, $3, $4, $5)
	`, o.ID, o.NotebookID, o.ObjectKey, o.ContentType, o.Size)
	if err != nil {
		return fmt.Errorf("insert storage object: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetStorageObject(ctx context.Context, id string) (StorageObject, error) {
	const query = `
		SELECT id, notebook_id, object_key, content_type, size, created_at
		FROM storage_objects WHERE id = $1`
	var o StorageObject
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&o.ID, &o.NotebookID, &o.ObjectKey, &o.ContentType, &o.Size, &o.CreatedAt)
	if err != nil {
		return StorageObject{}, err
	}
	return o, nil
}

func (s *PostgresStore) ListStorageObjects(ctx context.Context, notebookID string) ([]StorageObject, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, notebook_id, object_key, content_type, size, created_at
		FROM storage_objects WHERE notebook_id = $1 ORDER BY created_at`, notebookID)
	if err != nil {
		return nil, fmt.Errorf("list storage objects: %w", err)
	}
	defer rows.Close()

	var objects []StorageObject
	for rows.Next() {
		var o StorageObject
		if err := rows.Scan(&o.ID, &o.NotebookID, &o.ObjectKey, &o.ContentType, &o.Size, &o.CreatedAt); err != nil {
			return nil, err
		}
		objects = append(objects, o)
	}
	return objects, rows.Err()
}

func (s *PostgresStore) DeleteStorageObject(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM storage_objects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete storage object: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Permission denial audit

func (s *PostgresStore) InsertPermissionDenial(ctx context.Context, d PermissionDenial) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO permission_denials (actor_id, action, entity_type, entity_id, reason, path, method)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, d.ActorID, d.Action, d.EntityType, d.EntityID, d.Reason, d.Path, d.Method)
	if err != nil {
		return fmt.Errorf("insert permission denial: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Refresh sessions (Postgres fallback when Redis is not configured)

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

// LookupRefreshSession resolves a refresh token hash to the owning user ID.
// The profile is re-read afterwards so role changes take effect on refresh.
func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	const query = `
		SELECT user_id FROM refresh_sessions
		WHERE token_hash = $1
			AND revoked_at IS NULL
			AND expires_at > NOW()
	`
	var userID string
	if err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&userID); err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, expiresAt)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti = $1 AND expires_at > NOW())
	`, jti).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return exists, nil
}

// IsUniqueViolation reports whether err is a unique-constraint failure, used
// to map duplicate signups to a conflict response.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// NewUUID returns a canonical hyphenated UUID string.
func NewUUID() string {
	return uuid.NewString()
}
