package store

import (
	"encoding/json"
	"time"
)

type Profile struct {
	ID                 string
	DisplayName        string
	Email              string
	PasswordHash       string
	Role               string
	SecurityQuestion   string
	SecurityAnswerHash string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type Notebook struct {
	ID               string
	OwnerID          string
	Title            string
	Description      string
	Icon             string
	Color            string
	GenerationStatus string
	ExampleQuestions []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Source struct {
	ID               string
	NotebookID       string
	Title            string
	Type             string
	Content          string
	URL              string
	FilePath         string
	FileSize         int64
	ProcessingStatus string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Note struct {
	ID         string
	NotebookID string
	OwnerID    string
	Title      string
	Content    string
	SourceType string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ChatMessage rows are append-only; the session id is the notebook the
// conversation belongs to.
type ChatMessage struct {
	ID        string
	SessionID string
	Message   json.RawMessage
	CreatedAt time.Time
}

type Document struct {
	ID         string
	NotebookID string
	SourceID   string
	Content    string
	Embedding  []float32
	CreatedAt  time.Time
}

type StorageObject struct {
	ID          string
	NotebookID  string
	ObjectKey   string
	ContentType string
	Size        int64
	CreatedAt   time.Time
}

// SecurityAttempt rows are append-only; see the ledger package for the
// sliding-window reads.
type SecurityAttempt struct {
	ID        string
	UserID    string
	Outcome   bool
	CreatedAt time.Time
}

// PermissionDenial is the audit record written whenever the policy engine
// denies a request.
type PermissionDenial struct {
	ID         int64
	ActorID    string
	Action     string
	EntityType string
	EntityID   string
	Reason     string
	Path       string
	Method     string
	CreatedAt  time.Time
}

// NoteRevision is a snapshot kept in the notebook archive.
type NoteRevision struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}
