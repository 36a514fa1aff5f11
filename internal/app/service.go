package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lorebook/api/internal/auth"
	"lorebook/api/internal/authpw"
	"lorebook/api/internal/config"
	"lorebook/api/internal/gitrepo"
	"lorebook/api/internal/objstore"
	"lorebook/api/internal/policy"
	"lorebook/api/internal/search"
	"lorebook/api/internal/store"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	GetProfile(ctx context.Context, id string) (store.Profile, error)
	GetProfileByEmail(ctx context.Context, email string) (store.Profile, error)
	ListProfiles(ctx context.Context) ([]store.Profile, error)
	UpdateProfile(ctx context.Context, id, displayName string) error
	UpdateProfileRole(ctx context.Context, id, role string) error
	DeleteProfile(ctx context.Context, id string) error

	CreateNotebook(ctx context.Context, n store.Notebook) error
	GetNotebook(ctx context.Context, id string) (store.Notebook, error)
	ListNotebooks(ctx context.Context) ([]store.Notebook, error)
	UpdateNotebook(ctx context.Context, n store.Notebook) error
	ReassignNotebookOwner(ctx context.Context, id, newOwnerID string) error
	DeleteNotebook(ctx context.Context, id string) error

	CreateSource(ctx context.Context, src store.Source) error
	GetSource(ctx context.Context, id string) (store.Source, error)
	ListSources(ctx context.Context, notebookID string) ([]store.Source, error)
	UpdateSource(ctx context.Context, src store.Source) error
	DeleteSource(ctx context.Context, id string) error

	CreateNote(ctx context.Context, n store.Note) error
	GetNote(ctx context.Context, id string) (store.Note, error)
	ListNotesByOwner(ctx context.Context, ownerID string) ([]store.Note, error)
	ListNotesByNotebook(ctx context.Context, notebookID string) ([]store.Note, error)
	UpdateNote(ctx context.Context, n store.Note) error
	DeleteNote(ctx context.Context, id string) error

	AppendChatMessage(ctx context.Context, m store.ChatMessage) error
	ListChatMessages(ctx context.Context, sessionID string) ([]store.ChatMessage, error)
	DeleteChatHistory(ctx context.Context, sessionID string) error

	InsertDocument(ctx context.Context, d store.Document) error
	SimilarDocuments(ctx context.Context, notebookID string, embedding []float32, limit int) ([]store.Document, error)
	DeleteDocumentsBySource(ctx context.Context, sourceID string) error

	InsertStorageObject(ctx context.Context, o store.StorageObject) error
	GetStorageObject(ctx context.Context, id string) (store.StorageObject, error)
	ListStorageObjects(ctx context.Context, notebookID string) ([]store.StorageObject, error)
	DeleteStorageObject(ctx context.Context, id string) error

	InsertPermissionDenial(ctx context.Context, d store.PermissionDenial) error
	Ping(ctx context.Context) error
}

// SessionStore is implemented by both the Redis store and the Postgres
// fallback.
type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

type noteArchive interface {
	CommitSnapshot(noteID string, snap gitrepo.Snapshot, author, message string) (store.NoteRevision, error)
	History(noteID string, limit int) ([]store.NoteRevision, error)
	SnapshotAt(noteID, hash string) (gitrepo.Snapshot, error)
	Remove(noteID string) error
}

// mailer sends best-effort account notifications; nil disables them.
type mailer interface {
	SendWelcome(to, displayName string) error
	SendPasswordChanged(to, displayName string) error
}

type objectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	PresignedGetURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions SessionStore
	engine   *policy.Engine
	resolver *auth.Resolver
	accounts *authpw.Service
	search   *search.Service
	objects  objectStore
	archive  noteArchive
	mail     mailer
	log      *logrus.Logger
}

type Deps struct {
	Store    dataStore
	Sessions SessionStore
	Engine   *policy.Engine
	Resolver *auth.Resolver
	Accounts *authpw.Service
	Search   *search.Service
	Objects  objectStore
	Archive  noteArchive
	Mailer   mailer
	Log      *logrus.Logger
}

func New(cfg config.Config, deps Deps) *Service {
	if deps.Log == nil {
		deps.Log = logrus.New()
	}
	return &Service{
		cfg:      cfg,
		store:    deps.Store,
		sessions: deps.Sessions,
		engine:   deps.Engine,
		resolver: deps.Resolver,
		accounts: deps.Accounts,
		search:   deps.Search,
		objects:  deps.Objects,
		archive:  deps.Archive,
		mail:     deps.Mailer,
		log:      deps.Log,
	}
}

// Bootstrap runs startup work that needs the full stack: rebuilding the
// search indexes from Postgres when Meilisearch is reachable.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.search != nil {
		s.search.ReindexAllFromPG(ctx)
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ---------------------------------------------------------------------------
// Identity and sessions

// Identify resolves a bearer credential into a principal and, for user
// tokens, a session snapshot. An empty credential yields the anonymous
// principal without error.
func (s *Service) Identify(ctx context.Context, credential string) (policy.Principal, Session, error) {
	principal, err := s.resolver.Resolve(ctx, credential)
	if err != nil {
		return policy.Principal{}, Session{}, err
	}
	if principal.IsService || principal.IsAnonymous() {
		return principal, Session{}, nil
	}

	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), credential)
	if err != nil {
		return policy.Principal{}, Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return policy.Principal{}, Session{}, err
	}
	if revoked {
		return policy.Principal{}, Session{}, auth.ErrInvalidToken
	}

	profile, err := s.store.GetProfile(ctx, principal.ID.String())
	if err != nil {
		return policy.Principal{}, Session{}, err
	}

	return principal, Session{
		Token:     credential,
		UserID:    profile.ID,
		UserName:  profile.DisplayName,
		Role:      string(principal.Role),
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	profile, err := s.accounts.SignUp(ctx, req)
	if err != nil {
		return Session{}, err
	}
	if s.mail != nil {
		go func() {
			if err := s.mail.SendWelcome(profile.Email, profile.DisplayName); err != nil {
				s.log.WithError(err).Warn("send welcome mail")
			}
		}()
	}
	return s.issueSession(ctx, profile)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	profile, err := s.accounts.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, profile)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	userID, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// Re-read the profile so a role change lands on the next access token.
	profile, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, profile)
}

func (s *Service) issueSession(ctx context.Context, profile store.Profile) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := uuid.NewString()

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  profile.ID,
		Role: profile.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := uuid.NewString() + uuid.NewString()
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), profile.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       profile.ID,
		UserName:     profile.DisplayName,
		Role:         profile.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Account recovery

func (s *Service) SecurityQuestion(ctx context.Context, email string) (string, error) {
	return s.accounts.SecurityQuestion(ctx, email)
}

func (s *Service) SetSecurityQuestion(ctx context.Context, p policy.Principal, question, answer string) error {
	if p.IsAnonymous() || p.IsService {
		return errForbidden()
	}
	return s.accounts.SetSecurityQuestion(ctx, p.ID.String(), question, answer)
}

func (s *Service) RecoverPassword(ctx context.Context, email, answer, newPassword string) error {
	if err := s.accounts.ResetPasswordWithAnswer(ctx, email, answer, newPassword); err != nil {
		return err
	}
	if s.mail != nil {
		if profile, err := s.store.GetProfileByEmail(ctx, email); err == nil {
			go func() {
				if err := s.mail.SendPasswordChanged(profile.Email, profile.DisplayName); err != nil {
					s.log.WithError(err).Warn("send password-changed mail")
				}
			}()
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Authorization plumbing

// authorize runs the policy engine and translates the outcome. Denials are
// recorded in the audit table and surfaced as a generic 403; a registry
// outage is a 503, never a deny.
func (s *Service) authorize(ctx context.Context, p policy.Principal, action policy.Action, entity policy.Entity, ref policy.Ref) error {
	decision, err := s.engine.Evaluate(ctx, p, action, entity, ref)
	if err != nil {
		if errors.Is(err, policy.ErrLookupTimeout) {
			return domainError(503, "AUTHZ_UNAVAILABLE", "Authorization temporarily unavailable", nil)
		}
		return err
	}
	if !decision.Allowed {
		s.recordDenial(ctx, p, action, entity, ref, decision.Reason)
		return errForbidden()
	}
	return nil
}

func (s *Service) recordDenial(ctx context.Context, p policy.Principal, action policy.Action, entity policy.Entity, ref policy.Ref, reason policy.Reason) {
	actorID := ""
	if !p.IsAnonymous() {
		actorID = p.ID.String()
	}
	entityID := ""
	if ref.ID != uuid.Nil {
		entityID = ref.ID.String()
	}
	if err := s.store.InsertPermissionDenial(ctx, store.PermissionDenial{
		ActorID:    actorID,
		Action:     string(action),
		EntityType: string(entity),
		EntityID:   entityID,
		Reason:     string(reason),
	}); err != nil {
		s.log.WithError(err).Warn("record permission denial")
	}
}

func parseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, domainError(422, "VALIDATION_ERROR", "invalid id", nil)
	}
	return id, nil
}

// ---------------------------------------------------------------------------
// Notebooks

func (s *Service) ListNotebooks(ctx context.Context, p policy.Principal) ([]map[string]any, error) {
	if err := s.authorize(ctx, p, policy.ActionSelect, policy.EntityNotebook, policy.Ref{}); err != nil {
		return nil, err
	}
	notebooks, err := s.store.ListNotebooks(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(notebooks))
	for _, n := range notebooks {
		items = append(items, notebookPayload(n))
	}
	return items, nil
}

func (s *Service) GetNotebook(ctx context.Context, p policy.Principal, notebookID string) (map[string]any, error) {
	id, err := parseID(notebookID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, p, policy.ActionSelect, policy.EntityNotebook, policy.Ref{ID: id}); err != nil {
		return nil, err
	}
	notebook, err := s.store.GetNotebook(ctx, id.String())
	if err != nil {
		return nil, err
	}
	return notebookPayload(notebook), nil
}

func (s *Service) CreateNotebook(ctx context.Context, p policy.Principal, title, description, icon, color string) (map[string]any, error) {
	if strings.TrimSpace(title) == "" {
		return nil, domainError(422, "VALIDATION_ERROR", "title is required", nil)
	}
	ref := policy.Ref{OwnerID: p.ID}
	if err := s.authorize(ctx, p, policy.ActionInsert, policy.EntityNotebook, ref); err != nil {
		return nil, err
	}

	notebook := store.Notebook{
		ID:               uuid.NewString(),
		OwnerID:          p.ID.String(),
		Title:            strings.TrimSpace(title),
		Description:      description,
		Icon:             icon,
		Color:            color,
		GenerationStatus: "idle",
	}
	if err := s.store.CreateNotebook(ctx, notebook); err != nil {
		return nil, err
	}
	return notebookPayload(notebook), nil
}

func (s *Service) UpdateNotebook(ctx context.Context, p policy.Principal, notebookID string, apply func(*store.Notebook)) (map[string]any, error) {
	id, err := parseID(notebookID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, p, policy.ActionUpdate, policy.EntityNotebook, policy.Ref{ID: id}); err != nil {
		return nil, err
	}
	notebook, err := s.store.GetNotebook(ctx, id.String())
	if err != nil {
		return nil, err
	}
	apply(&notebook)
	if err := s.store.UpdateNotebook(ctx, notebook); err != nil {
		return nil, err
	}
	return notebookPayload(notebook), nil
}

// ReassignNotebookOwner moves a notebook to a new owner. Ordinary owners
// cannot do this; the entity rule table has no owner-side update of owner_id,
// so it effectively requires the admin or service short-circuit.
func (s *Service) ReassignNotebookOwner(ctx context.Context, p policy.Principal, notebookID, newOwnerID string) error {
	id, err := parseID(notebookID)
	if err != nil {
		return err
	}
	ownerID, err := parseID(newOwnerID)
	if err != nil {
		return err
	}
	if !p.IsService && !p.IsAdmin() {
		s.recordDenial(ctx, p, policy.ActionUpdate, policy.EntityNotebook, policy.Ref{ID: id}, policy.ReasonNotAuthorized)
		return errForbidden()
	}
	if _, err := s.store.GetProfile(ctx, ownerID.String()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(422, "VALIDATION_ERROR", "new owner does not exist", nil)
		}
		return err
	}
	return s.store.ReassignNotebookOwner(ctx, id.String(), ownerID.String())
}

func (s *Service) DeleteNotebook(ctx context.Context, p policy.Principal, notebookID string) error {
	id, err := parseID(notebookID)
	if err != nil {
		return err
	}
	if err := s.authorize(ctx, p, policy.ActionDelete, policy.EntityNotebook, policy.Ref{ID: id}); err != nil {
		return err
	}
	if err := s.store.DeleteNotebook(ctx, id.String()); err != nil {
		return err
	}
	if s.objects != nil {
		if err := s.objects.DeletePrefix(ctx, id.String()); err != nil {
			s.log.WithError(err).WithField("notebook", id).Warn("purge notebook objects")
		}
	}
	return nil
}

func notebookPayload(n store.Notebook) map[string]any {
	return map[string]any{
		"id":               n.ID,
		"ownerId":          n.OwnerID,
		"title":            n.Title,
		"description":      n.Description,
		"icon":             n.Icon,
		"color":            n.Color,
		"generationStatus": n.GenerationStatus,
		"exampleQuestions": n.ExampleQuestions,
		"createdAt":        n.CreatedAt,
		"updatedAt":        n.UpdatedAt,
	}
}

// ---------------------------------------------------------------------------
// Sources

func (s *Service) ListSources(ctx context.Context, p policy.Principal, notebookID string) ([]map[string]any, error) {
	id, err := parseID(notebookID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, p, policy.ActionSelect, policy.EntitySource, policy.Ref{NotebookID: id}); err != nil {
		return nil, err
	}
	sources, err := s.store.ListSources(ctx, id.String())
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(sources))
	for _, src := range sources {
		items = append(items, sourcePayload(src))
	}
	return items, nil
}

func (s *Service) GetSource(ctx context.Context, p policy.Principal, sourceID string) (map[string]any, error) {
	id, err := parseID(sourceID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, p, policy.ActionSelect, policy.EntitySource, policy.Ref{ID: id}); err != nil {
		return nil, err
	}
	src, err := s.store.GetSource(ctx, id.String())
	if err != nil {
		return nil, err
	}
	return sourcePayload(src), nil
}

type SourceInput struct {
	Title   string `json:"title"`
	Type    string `json:"type"`
	Content string `json:"content"`
	URL     string `json:"url"`
}

func (s *Service) CreateSource(ctx context.Context, p policy.Principal, notebookID string, input SourceInput) (map[string]any, error) {
	id, err := parseID(notebookID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(input.Title) == "" {
		return nil, domainError(422, "VALIDATION_ERROR", "title is required", nil)
	}
	if err := s.authorize(ctx, p, policy.ActionInsert, policy.EntitySource, policy.Ref{NotebookID: id}); err != nil {
		return nil, err
	}

	src := store.Source{
		ID:               uuid.NewString(),
		NotebookID:       id.String(),
		Title:            strings.TrimSpace(input.Title),
		Type:             input.Type,
		Content:          input.Content,
		URL:              input.URL,
		ProcessingStatus: "pending",
	}
	if err := s.store.CreateSource(ctx, src); err != nil {
		return nil, err
	}
	if s.search != nil {
		s.search.IndexSource(search.SourceRecord{
			ID:         src.ID,
			Title:      src.Title,
			Content:    src.Content,
			Type:       src.Type,
			NotebookID: src.NotebookID,
		})
	}
	return sourcePayload(src), nil
}

func (s *Service) UpdateSource(ctx context.Context, p policy.Principal, sourceID string, input SourceInput) (map[string]any, error) {
	id, err := parseID(sourceID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, p, policy.ActionUpdate, policy.EntitySource, policy.Ref{ID: id}); err != nil {
		return nil, err
	}
	src, err := s.store.GetSource(ctx, id.String())
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(input.Title) != "" {
		src.Title = strings.TrimSpace(input.Title)
	}
	if input.Content != "" {
		src.Content = input.Content
	}
	if input.URL != "" {
		src.URL = input.URL
	}
	if err := s.store.UpdateSource(ctx, src); err != nil {
		return nil, err
	}
	if s.search != nil {
		s.search.IndexSource(search.SourceRecord{
			ID:         src.ID,
			Title:      src.Title,
			Content:    src.Content,
			Type:       src.Type,
			NotebookID: src.NotebookID,
		})
	}
	return sourcePayload(src), nil
}

func (s *Service) DeleteSource(ctx context.Context, p policy.Principal, sourceID string) error {
	id, err := parseID(sourceID)
	if err != nil {
		return err
	}
	if err := s.authorize(ctx, p, policy.ActionDelete, policy.EntitySource, policy.Ref{ID: id}); err != nil {
		return err
	}
	if err := s.store.DeleteDocumentsBySource(ctx, id.String()); err != nil {
		return err
	}
	if err := s.store.DeleteSource(ctx, id.String()); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteSource(id.String())
	}
	return nil
}

func sourcePayload(src store.Source) map[string]any {
	return map[string]any{
		"id":               src.ID,
		"notebookId":       src.NotebookID,
		"title":            src.Title,
		"type":             src.Type,
		"content":          src.Content,
		"url":              src.URL,
		"fileSize":         src.FileSize,
		"processingStatus": src.ProcessingStatus,
		"createdAt":        src.CreatedAt,
		"updatedAt":        src.UpdatedAt,
	}
}

// ---------------------------------------------------------------------------
// Notes

func (s *Service) ListNotes(ctx context.Context, p policy.Principal, notebookID string) ([]map[string]any, error) {
	// Notes are owner-private, so listing never needs a per-row check: the
	// query is scoped to the principal.
	if p.IsAnonymous() {
		s.recordDenial(ctx, p, policy.ActionSelect, policy.EntityNote, policy.Ref{}, policy.ReasonNotAuthorized)
		return nil, errForbidden()
	}
	var (
		notes []store.Note
		err   error
	)
	if notebookID != "" {
		id, idErr := parseID(notebookID)
		if idErr != nil {
			return nil, idErr
		}
		notes, err = s.store.ListNotesByNotebook(ctx, id.String())
	} else {
		notes, err = s.store.ListNotesByOwner(ctx, p.ID.String())
	}
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(notes))
	for _, n := range notes {
		// Per-notebook listings still hide other owners' notes.
		if !p.IsService && !p.IsAdmin() && n.OwnerID != p.ID.String() {
			continue
		}
		items = append(items, notePayload(n))
	}
	return items, nil
}

func (s *Service) GetNote(ctx context.Context, p policy.Principal, noteID string) (map[string]any, error) {
	id, err := parseID(noteID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, p, policy.ActionSelect, policy.EntityNote, policy.Ref{ID: id}); err != nil {
		return nil, err
	}
	note, err := s.store.GetNote(ctx, id.String())
	if err != nil {
		return nil, err
	}
	return notePayload(note), nil
}

type NoteInput struct {
	NotebookID string `json:"notebookId"`
	Title      string `json:"title"`
	Content    string `json:"content"`
	SourceType string `json:"sourceType"`
}

func (s *Service) CreateNote(ctx context.Context, p policy.Principal, input NoteInput) (map[string]any, error) {
	if strings.TrimSpace(input.Title) == "" {
		return nil, domainError(422, "VALIDATION_ERROR", "title is required", nil)
	}
	ref := policy.Ref{OwnerID: p.ID}
	if err := s.authorize(ctx, p, policy.ActionInsert, policy.EntityNote, ref); err != nil {
		return nil, err
	}

	note := store.Note{
		ID:         uuid.NewString(),
		NotebookID: input.NotebookID,
		OwnerID:    p.ID.String(),
		Title:      strings.TrimSpace(input.Title),
		Content:    input.Content,
		SourceType: input.SourceType,
	}
	if err := s.store.CreateNote(ctx, note); err != nil {
		return nil, err
	}
	s.archiveNote(note, "create note")
	if s.search != nil {
		s.search.IndexNote(noteRecord(note))
	}
	return notePayload(note), nil
}

func (s *Service) UpdateNote(ctx context.Context, p policy.Principal, noteID, title, content string) (map[string]any, error) {
	id, err := parseID(noteID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, p, policy.ActionUpdate, policy.EntityNote, policy.Ref{ID: id}); err != nil {
		return nil, err
	}
	note, err := s.store.GetNote(ctx, id.String())
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(title) != "" {
		note.Title = strings.TrimSpace(title)
	}
	note.Content = content
	if err := s.store.UpdateNote(ctx, note); err != nil {
		return nil, err
	}
	s.archiveNote(note, "edit note")
	if s.search != nil {
		s.search.IndexNote(noteRecord(note))
	}
	return notePayload(note), nil
}

func (s *Service) DeleteNote(ctx context.Context, p policy.Principal, noteID string) error {
	id, err := parseID(noteID)
	if err != nil {
		return err
	}
	if err := s.authorize(ctx, p, policy.ActionDelete, policy.EntityNote, policy.Ref{ID: id}); err != nil {
		return err
	}
	if err := s.store.DeleteNote(ctx, id.String()); err != nil {
		return err
	}
	if s.archive != nil {
		if err := s.archive.Remove(id.String()); err != nil {
			s.log.WithError(err).WithField("note", id).Warn("remove note archive")
		}
	}
	if s.search != nil {
		s.search.DeleteNote(id.String())
	}
	return nil
}

func (s *Service) NoteHistory(ctx context.Context, p policy.Principal, noteID string, limit int) ([]map[string]any, error) {
	id, err := parseID(noteID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, p, policy.ActionSelect, policy.EntityNote, policy.Ref{ID: id}); err != nil {
		return nil, err
	}
	if s.archive == nil {
		return []map[string]any{}, nil
	}
	revisions, err := s.archive.History(id.String(), limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(revisions))
	for _, rev := range revisions {
		items = append(items, map[string]any{
			"hash":      rev.Hash,
			"message":   strings.TrimSpace(rev.Message),
			"author":    rev.Author,
			"createdAt": rev.CreatedAt,
		})
	}
	return items, nil
}

func (s *Service) NoteRevision(ctx context.Context, p policy.Principal, noteID, hash string) (map[string]any, error) {
	id, err := parseID(noteID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, p, policy.ActionSelect, policy.EntityNote, policy.Ref{ID: id}); err != nil {
		return nil, err
	}
	if s.archive == nil {
		return nil, domainError(404, "NOT_FOUND", "Not found", nil)
	}
	snap, err := s.archive.SnapshotAt(id.String(), hash)
	if err != nil {
		return nil, domainError(404, "NOT_FOUND", "Not found", nil)
	}
	return map[string]any{
		"hash":    hash,
		"title":   snap.Title,
		"content": snap.Content,
	}, nil
}

func (s *Service) archiveNote(note store.Note, message string) {
	if s.archive == nil {
		return
	}
	if _, err := s.archive.CommitSnapshot(note.ID, gitrepo.Snapshot{
		Title:   note.Title,
		Content: note.Content,
	}, note.OwnerID, message); err != nil {
		s.log.WithError(err).WithField("note", note.ID).Warn("archive note revision")
	}
}

func noteRecord(n store.Note) search.NoteRecord {
	return search.NoteRecord{
		ID:         n.ID,
		Title:      n.Title,
		Content:    n.Content,
		NotebookID: n.NotebookID,
		OwnerID:    n.OwnerID,
	}
}

func notePayload(n store.Note) map[string]any {
	return map[string]any{
		"id":         n.ID,
		"notebookId": n.NotebookID,
		"ownerId":    n.OwnerID,
		"title":      n.Title,
		"content":    n.Content,
		"sourceType": n.SourceType,
		"createdAt":  n.CreatedAt,
		"updatedAt":  n.UpdatedAt,
	}
}

// ---------------------------------------------------------------------------
// Chat history

// ChatHistory returns the conversation for a notebook session. Sessions are
// keyed by notebook, and only the notebook owner (or admin/service) may read
// or append.
func (s *Service) ChatHistory(ctx context.Context, p policy.Principal, sessionID string) ([]map[string]any, error) {
	id, err := parseID(sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, p, policy.ActionSelect, policy.EntityChatMessage, policy.Ref{NotebookID: id}); err != nil {
		return nil, err
	}
	messages, err := s.store.ListChatMessages(ctx, id.String())
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		items = append(items, map[string]any{
			"id":        m.ID,
			"sessionId": m.SessionID,
			"message":   json.RawMessage(m.Message),
			"createdAt": m.CreatedAt,
		})
	}
	return items, nil
}

func (s *Service) AppendChatMessage(ctx context.Context, p policy.Principal, sessionID string, message json.RawMessage) (map[string]any, error) {
	id, err := parseID(sessionID)
	if err != nil {
		return nil, err
	}
	if len(message) == 0 || !json.Valid(message) {
		return nil, domainError(422, "VALIDATION_ERROR", "message must be a JSON object", nil)
	}
	if err := s.authorize(ctx, p, policy.ActionInsert, policy.EntityChatMessage, policy.Ref{NotebookID: id}); err != nil {
		return nil, err
	}

	msg := store.ChatMessage{
		ID:        uuid.NewString(),
		SessionID: id.String(),
		Message:   message,
	}
	if err := s.store.AppendChatMessage(ctx, msg); err != nil {
		return nil, err
	}
	return map[string]any{"id": msg.ID, "sessionId": msg.SessionID}, nil
}

func (s *Service) ClearChatHistory(ctx context.Context, p policy.Principal, sessionID string) error {
	id, err := parseID(sessionID)
	if err != nil {
		return err
	}
	if err := s.authorize(ctx, p, policy.ActionDelete, policy.EntityChatMessage, policy.Ref{ID: id, NotebookID: id}); err != nil {
		return err
	}
	return s.store.DeleteChatHistory(ctx, id.String())
}

// ---------------------------------------------------------------------------
// Documents (ingestion and similarity)

type DocumentInput struct {
	SourceID  string    `json:"sourceId"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"embedding"`
}

// IngestDocument stores an embedded chunk. The rule table grants no roles
// insert on documents, so this is reachable only by the ingestion service or
// an admin.
func (s *Service) IngestDocument(ctx context.Context, p policy.Principal, notebookID string, input DocumentInput) (map[string]any, error) {
	id, err := parseID(notebookID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(input.Content) == "" {
		return nil, domainError(422, "VALIDATION_ERROR", "content is required", nil)
	}
	if err := s.authorize(ctx, p, policy.ActionInsert, policy.EntityDocument, policy.Ref{NotebookID: id}); err != nil {
		return nil, err
	}

	doc := store.Document{
		ID:         uuid.NewString(),
		NotebookID: id.String(),
		SourceID:   input.SourceID,
		Content:    input.Content,
		Embedding:  input.Embedding,
	}
	if err := s.store.InsertDocument(ctx, doc); err != nil {
		return nil, err
	}
	return map[string]any{"id": doc.ID, "notebookId": doc.NotebookID}, nil
}

func (s *Service) SimilarDocuments(ctx context.Context, p policy.Principal, notebookID string, embedding []float32, limit int) ([]map[string]any, error) {
	id, err := parseID(notebookID)
	if err != nil {
		return nil, err
	}
	if len(embedding) == 0 {
		return nil, domainError(422, "VALIDATION_ERROR", "embedding is required", nil)
	}
	if err := s.authorize(ctx, p, policy.ActionSelect, policy.EntityDocument, policy.Ref{NotebookID: id}); err != nil {
		return nil, err
	}
	docs, err := s.store.SimilarDocuments(ctx, id.String(), embedding, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(docs))
	for _, d := range docs {
		items = append(items, map[string]any{
			"id":         d.ID,
			"notebookId": d.NotebookID,
			"sourceId":   d.SourceID,
			"content":    d.Content,
		})
	}
	return items, nil
}

// ---------------------------------------------------------------------------
// Storage objects

func (s *Service) UploadObject(ctx context.Context, p policy.Principal, notebookID, filename, contentType string, body io.Reader, size int64) (map[string]any, error) {
	id, err := parseID(notebookID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, p, policy.ActionInsert, policy.EntityStorageObject, policy.Ref{NotebookID: id}); err != nil {
		return nil, err
	}

	obj := store.StorageObject{
		ID:          uuid.NewString(),
		NotebookID:  id.String(),
		ContentType: contentType,
		Size:        size,
	}
	obj.ObjectKey = objstore.ObjectKey(obj.NotebookID, obj.ID)
	if filename != "" {
		obj.ObjectKey += "/" + filename
	}

	if err := s.objects.Put(ctx, obj.ObjectKey, body, size, contentType); err != nil {
		return nil, err
	}
	if err := s.store.InsertStorageObject(ctx, obj); err != nil {
		// The metadata row failed; do not leave the blob orphaned.
		if delErr := s.objects.Delete(ctx, obj.ObjectKey); delErr != nil {
			s.log.WithError(delErr).WithField("key", obj.ObjectKey).Warn("rollback object upload")
		}
		return nil, err
	}
	return map[string]any{
		"id":          obj.ID,
		"notebookId":  obj.NotebookID,
		"objectKey":   obj.ObjectKey,
		"contentType": obj.ContentType,
		"size":        obj.Size,
	}, nil
}

func (s *Service) ObjectDownloadURL(ctx context.Context, p policy.Principal, objectID string) (map[string]any, error) {
	id, err := parseID(objectID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, p, policy.ActionSelect, policy.EntityStorageObject, policy.Ref{ID: id}); err != nil {
		return nil, err
	}
	obj, err := s.store.GetStorageObject(ctx, id.String())
	if err != nil {
		return nil, err
	}
	url, err := s.objects.PresignedGetURL(ctx, obj.ObjectKey, 15*time.Minute)
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": obj.ID, "url": url, "contentType": obj.ContentType, "size": obj.Size}, nil
}

func (s *Service) ListObjects(ctx context.Context, p policy.Principal, notebookID string) ([]map[string]any, error) {
	id, err := parseID(notebookID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, p, policy.ActionSelect, policy.EntityStorageObject, policy.Ref{NotebookID: id}); err != nil {
		return nil, err
	}
	objects, err := s.store.ListStorageObjects(ctx, id.String())
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(objects))
	for _, obj := range objects {
		items = append(items, map[string]any{
			"id":          obj.ID,
			"notebookId":  obj.NotebookID,
			"objectKey":   obj.ObjectKey,
			"contentType": obj.ContentType,
			"size":        obj.Size,
			"createdAt":   obj.CreatedAt,
		})
	}
	return items, nil
}

func (s *Service) DeleteObject(ctx context.Context, p policy.Principal, objectID string) error {
	id, err := parseID(objectID)
	if err != nil {
		return err
	}
	if err := s.authorize(ctx, p, policy.ActionDelete, policy.EntityStorageObject, policy.Ref{ID: id}); err != nil {
		return err
	}
	obj, err := s.store.GetStorageObject(ctx, id.String())
	if err != nil {
		return err
	}
	if err := s.store.DeleteStorageObject(ctx, id.String()); err != nil {
		return err
	}
	if err := s.objects.Delete(ctx, obj.ObjectKey); err != nil {
		s.log.WithError(err).WithField("key", obj.ObjectKey).Warn("delete stored object")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Profiles

func (s *Service) MyProfile(ctx context.Context, p policy.Principal) (map[string]any, error) {
	if p.IsAnonymous() || p.IsService {
		return nil, errForbidden()
	}
	if err := s.authorize(ctx, p, policy.ActionSelect, policy.EntityProfile, policy.Ref{ID: p.ID}); err != nil {
		return nil, err
	}
	profile, err := s.store.GetProfile(ctx, p.ID.String())
	if err != nil {
		return nil, err
	}
	return profilePayload(profile), nil
}

func (s *Service) GetProfile(ctx context.Context, p policy.Principal, profileID string) (map[string]any, error) {
	id, err := parseID(profileID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, p, policy.ActionSelect, policy.EntityProfile, policy.Ref{ID: id}); err != nil {
		return nil, err
	}
	profile, err := s.store.GetProfile(ctx, id.String())
	if err != nil {
		return nil, err
	}
	return profilePayload(profile), nil
}

func (s *Service) UpdateMyProfile(ctx context.Context, p policy.Principal, displayName string) (map[string]any, error) {
	if p.IsAnonymous() || p.IsService {
		return nil, errForbidden()
	}
	if strings.TrimSpace(displayName) == "" {
		return nil, domainError(422, "VALIDATION_ERROR", "displayName is required", nil)
	}
	if err := s.authorize(ctx, p, policy.ActionUpdate, policy.EntityProfile, policy.Ref{ID: p.ID}); err != nil {
		return nil, err
	}
	if err := s.store.UpdateProfile(ctx, p.ID.String(), strings.TrimSpace(displayName)); err != nil {
		return nil, err
	}
	profile, err := s.store.GetProfile(ctx, p.ID.String())
	if err != nil {
		return nil, err
	}
	return profilePayload(profile), nil
}

func (s *Service) ListProfiles(ctx context.Context, p policy.Principal) ([]map[string]any, error) {
	if !p.IsService && !p.IsAdmin() {
		s.recordDenial(ctx, p, policy.ActionSelect, policy.EntityProfile, policy.Ref{}, policy.ReasonNotAuthorized)
		return nil, errForbidden()
	}
	profiles, err := s.store.ListProfiles(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(profiles))
	for _, profile := range profiles {
		items = append(items, profilePayload(profile))
	}
	return items, nil
}

// UpdateProfileRole changes a user's role. The self-protection rule in the
// engine blocks admins from changing their own role.
func (s *Service) UpdateProfileRole(ctx context.Context, p policy.Principal, profileID, role string) error {
	id, err := parseID(profileID)
	if err != nil {
		return err
	}
	normalized := policy.NormalizeRole(role)
	if normalized == policy.RoleAnonymous {
		return domainError(422, "VALIDATION_ERROR", "role must be user or admin", nil)
	}
	ref := policy.Ref{ID: id, RoleChange: true}
	if err := s.authorize(ctx, p, policy.ActionUpdate, policy.EntityProfile, ref); err != nil {
		return err
	}
	return s.store.UpdateProfileRole(ctx, id.String(), string(normalized))
}

// DeleteProfile removes an account. The engine denies self-deletion for
// everyone, admins included.
func (s *Service) DeleteProfile(ctx context.Context, p policy.Principal, profileID string) error {
	id, err := parseID(profileID)
	if err != nil {
		return err
	}
	if err := s.authorize(ctx, p, policy.ActionDelete, policy.EntityProfile, policy.Ref{ID: id}); err != nil {
		return err
	}
	return s.store.DeleteProfile(ctx, id.String())
}

func profilePayload(p store.Profile) map[string]any {
	return map[string]any{
		"id":          p.ID,
		"displayName": p.DisplayName,
		"email":       p.Email,
		"role":        p.Role,
		"createdAt":   p.CreatedAt,
		"updatedAt":   p.UpdatedAt,
	}
}

// ---------------------------------------------------------------------------
// Search

func (s *Service) Search(ctx context.Context, p policy.Principal, text, filterType, notebookID string, limit, offset int) (search.Response, error) {
	q := search.Query{
		Text:             text,
		FilterType:       search.ResultType(filterType),
		FilterNotebookID: notebookID,
		Limit:            limit,
		Offset:           offset,
	}
	if !p.IsAnonymous() && !p.IsService {
		q.OwnerID = p.ID.String()
	}
	return s.search.Search(q), nil
}
