package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"lorebook/api/internal/auth"
	"lorebook/api/internal/authpw"
	"lorebook/api/internal/config"
	"lorebook/api/internal/gitrepo"
	"lorebook/api/internal/ledger"
	"lorebook/api/internal/policy"
	"lorebook/api/internal/search"
	"lorebook/api/internal/session"
	"lorebook/api/internal/store"
)

// fakeStore is an in-memory stand-in for the Postgres store, shared by the
// service and the account layer.
type fakeStore struct {
	mu        sync.Mutex
	profiles  map[string]store.Profile
	notebooks map[string]store.Notebook
	sources   map[string]store.Source
	notes     map[string]store.Note
	chat      map[string][]store.ChatMessage
	documents map[string]store.Document
	objects   map[string]store.StorageObject
	denials   []store.PermissionDenial
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		profiles:  map[string]store.Profile{},
		notebooks: map[string]store.Notebook{},
		sources:   map[string]store.Source{},
		notes:     map[string]store.Note{},
		chat:      map[string][]store.ChatMessage{},
		documents: map[string]store.Document{},
		objects:   map[string]store.StorageObject{},
	}
}

func (f *fakeStore) GetProfile(_ context.Context, id string) (store.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[id]
	if !ok {
		return store.Profile{}, sql.ErrNoRows
	}
	return p, nil
}

func (f *fakeStore) GetProfileByEmail(_ context.Context, email string) (store.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.profiles {
		if p.Email == email {
			return p, nil
		}
	}
	return store.Profile{}, sql.ErrNoRows
}

func (f *fakeStore) CreateProfile(_ context.Context, p store.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.profiles {
		if existing.Email == p.Email {
			return &duplicateErr{}
		}
	}
	f.profiles[p.ID] = p
	return nil
}

type duplicateErr struct{}

func (*duplicateErr) Error() string { return "duplicate email" }

func (f *fakeStore) ListProfiles(_ context.Context) ([]store.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Profile, 0, len(f.profiles))
	for _, p := range f.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) UpdateProfile(_ context.Context, id, displayName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[id]
	if !ok {
		return sql.ErrNoRows
	}
	p.DisplayName = displayName
	f.profiles[id] = p
	return nil
}

func (f *fakeStore) UpdateProfileRole(_ context.Context, id, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[id]
	if !ok {
		return sql.ErrNoRows
	}
	p.Role = role
	f.profiles[id] = p
	return nil
}

func (f *fakeStore) UpdateProfilePassword(_ context.Context, id, passwordHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[id]
	if !ok {
		return sql.ErrNoRows
	}
	p.PasswordHash = passwordHash
	f.profiles[id] = p
	return nil
}

func (f *fakeStore) SetSecurityQuestion(_ context.Context, id, question, answerHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[id]
	if !ok {
		return sql.ErrNoRows
	}
	p.SecurityQuestion = question
	p.SecurityAnswerHash = answerHash
	f.profiles[id] = p
	return nil
}

func (f *fakeStore) DeleteProfile(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.profiles, id)
	return nil
}

func (f *fakeStore) CreateNotebook(_ context.Context, n store.Notebook) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notebooks[n.ID] = n
	return nil
}

func (f *fakeStore) GetNotebook(_ context.Context, id string) (store.Notebook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.notebooks[id]
	if !ok {
		return store.Notebook{}, sql.ErrNoRows
	}
	return n, nil
}

func (f *fakeStore) ListNotebooks(_ context.Context) ([]store.Notebook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Notebook, 0, len(f.notebooks))
	for _, n := range f.notebooks {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) UpdateNotebook(_ context.Context, n store.Notebook) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.notebooks[n.ID]; !ok {
		return sql.ErrNoRows
	}
	f.notebooks[n.ID] = n
	return nil
}

func (f *fakeStore) ReassignNotebookOwner(_ context.Context, id, newOwnerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.notebooks[id]
	if !ok {
		return sql.ErrNoRows
	}
	n.OwnerID = newOwnerID
	f.notebooks[id] = n
	return nil
}

func (f *fakeStore) DeleteNotebook(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.notebooks, id)
	return nil
}

func (f *fakeStore) CreateSource(_ context.Context, src store.Source) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources[src.ID] = src
	return nil
}

func (f *fakeStore) GetSource(_ context.Context, id string) (store.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src, ok := f.sources[id]
	if !ok {
		return store.Source{}, sql.ErrNoRows
	}
	return src, nil
}

func (f *fakeStore) ListSources(_ context.Context, notebookID string) ([]store.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Source
	for _, src := range f.sources {
		if src.NotebookID == notebookID {
			out = append(out, src)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateSource(_ context.Context, src store.Source) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sources[src.ID]; !ok {
		return sql.ErrNoRows
	}
	f.sources[src.ID] = src
	return nil
}

func (f *fakeStore) DeleteSource(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sources, id)
	return nil
}

func (f *fakeStore) CreateNote(_ context.Context, n store.Note) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes[n.ID] = n
	return nil
}

func (f *fakeStore) GetNote(_ context.Context, id string) (store.Note, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.notes[id]
	if !ok {
		return store.Note{}, sql.ErrNoRows
	}
	return n, nil
}

func (f *fakeStore) ListNotesByOwner(_ context.Context, ownerID string) ([]store.Note, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Note
	for _, n := range f.notes {
		if n.OwnerID == ownerID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeStore) ListNotesByNotebook(_ context.Context, notebookID string) ([]store.Note, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Note
	for _, n := range f.notes {
		if n.NotebookID == notebookID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateNote(_ context.Context, n store.Note) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.notes[n.ID]; !ok {
		return sql.ErrNoRows
	}
	f.notes[n.ID] = n
	return nil
}

func (f *fakeStore) DeleteNote(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.notes, id)
	return nil
}

func (f *fakeStore) AppendChatMessage(_ context.Context, m store.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chat[m.SessionID] = append(f.chat[m.SessionID], m)
	return nil
}

func (f *fakeStore) ListChatMessages(_ context.Context, sessionID string) ([]store.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.ChatMessage(nil), f.chat[sessionID]...), nil
}

func (f *fakeStore) DeleteChatHistory(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.chat, sessionID)
	return nil
}

func (f *fakeStore) InsertDocument(_ context.Context, d store.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.documents[d.ID] = d
	return nil
}

func (f *fakeStore) SimilarDocuments(_ context.Context, notebookID string, _ []float32, limit int) ([]store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Document
	for _, d := range f.documents {
		if d.NotebookID == notebookID {
			out = append(out, d)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) DeleteDocumentsBySource(_ context.Context, sourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, d := range f.documents {
		if d.SourceID == sourceID {
			delete(f.documents, id)
		}
	}
	return nil
}

func (f *fakeStore) InsertStorageObject(_ context.Context, o store.StorageObject) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[o.ID] = o
	return nil
}

func (f *fakeStore) GetStorageObject(_ context.Context, id string) (store.StorageObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[id]
	if !ok {
		return store.StorageObject{}, sql.ErrNoRows
	}
	return o, nil
}

func (f *fakeStore) ListStorageObjects(_ context.Context, notebookID string) ([]store.StorageObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.StorageObject
	for _, o := range f.objects {
		if o.NotebookID == notebookID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteStorageObject(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, id)
	return nil
}

func (f *fakeStore) InsertPermissionDenial(_ context.Context, d store.PermissionDenial) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.denials = append(f.denials, d)
	return nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) denialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.denials)
}

func (f *fakeStore) lastDenial() store.PermissionDenial {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.denials) == 0 {
		return store.PermissionDenial{}
	}
	return f.denials[len(f.denials)-1]
}

// fakeRegistry answers ownership and role lookups straight from the fake
// store, so rows created through the API are immediately visible to the
// policy engine.
type fakeRegistry struct {
	store   *fakeStore
	timeout bool
}

func (r *fakeRegistry) OwnerOf(_ context.Context, entity policy.Entity, id uuid.UUID) (uuid.UUID, error) {
	if r.timeout {
		return uuid.Nil, policy.ErrLookupTimeout
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	switch entity {
	case policy.EntityNotebook, policy.EntityChatMessage:
		if n, ok := r.store.notebooks[id.String()]; ok {
			return uuid.Parse(n.OwnerID)
		}
	case policy.EntityNote:
		if n, ok := r.store.notes[id.String()]; ok {
			return uuid.Parse(n.OwnerID)
		}
	case policy.EntitySource:
		if src, ok := r.store.sources[id.String()]; ok {
			if n, ok := r.store.notebooks[src.NotebookID]; ok {
				return uuid.Parse(n.OwnerID)
			}
		}
	case policy.EntityStorageObject:
		if o, ok := r.store.objects[id.String()]; ok {
			if n, ok := r.store.notebooks[o.NotebookID]; ok {
				return uuid.Parse(n.OwnerID)
			}
		}
	}
	return uuid.Nil, policy.ErrNotFound
}

func (r *fakeRegistry) RoleOf(_ context.Context, userID uuid.UUID) (policy.Role, error) {
	if r.timeout {
		return "", policy.ErrLookupTimeout
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	p, ok := r.store.profiles[userID.String()]
	if !ok {
		return "", policy.ErrNotFound
	}
	return policy.NormalizeRole(p.Role), nil
}

// fakeBlobs is an in-memory object store.
type fakeBlobs struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{blobs: map[string][]byte{}}
}

func (b *fakeBlobs) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[key] = data
	return nil
}

func (b *fakeBlobs) Get(_ context.Context, key string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.blobs[key]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *fakeBlobs) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blobs, key)
	return nil
}

func (b *fakeBlobs) DeletePrefix(_ context.Context, prefix string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key := range b.blobs {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(b.blobs, key)
		}
	}
	return nil
}

func (b *fakeBlobs) PresignedGetURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://objects.local/" + key, nil
}

func (b *fakeBlobs) has(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.blobs[key]
	return ok
}

const (
	testSecret     = "test-secret"
	testServiceKey = "service-key-for-tests"
)

type testApp struct {
	handler http.Handler
	store   *fakeStore
	reg     *fakeRegistry
	blobs   *fakeBlobs
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	log := logrus.New()
	log.SetOutput(io.Discard)

	fs := newFakeStore()
	reg := &fakeRegistry{store: fs}
	blobs := newFakeBlobs()

	cfg := config.Config{
		JWTSecret:  testSecret,
		ServiceKey: testServiceKey,
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
		CORSOrigin: "*",
	}

	svc := New(cfg, Deps{
		Store:    fs,
		Sessions: session.NewRedisStoreWithClient(client),
		Engine:   policy.NewEngine(reg),
		Resolver: auth.NewResolver(testSecret, testServiceKey, reg),
		Accounts: authpw.NewService(fs, ledger.NewRedisLedgerWithClient(client), 3, time.Hour),
		Search:   search.NewService(nil, nil, log),
		Objects:  blobs,
		Archive:  gitrepo.New(t.TempDir()),
		Log:      log,
	})

	server := NewHTTPServer(svc, cfg.CORSOrigin, log)
	return &testApp{handler: server.Handler(), store: fs, reg: reg, blobs: blobs}
}

// seedUser inserts a profile and mints an access token for it.
func (a *testApp) seedUser(t *testing.T, role string) (uuid.UUID, string) {
	t.Helper()
	id := uuid.New()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter22"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	a.store.mu.Lock()
	a.store.profiles[id.String()] = store.Profile{
		ID:           id.String(),
		DisplayName:  "user-" + id.String()[:8],
		Email:        id.String()[:8] + "@example.com",
		PasswordHash: string(hash),
		Role:         role,
	}
	a.store.mu.Unlock()
	return id, a.tokenFor(t, id, role)
}

func (a *testApp) tokenFor(t *testing.T, id uuid.UUID, role string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), auth.Claims{
		Sub:  id.String(),
		Role: role,
		JTI:  uuid.NewString(),
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (a *testApp) seedNotebook(ownerID uuid.UUID) store.Notebook {
	n := store.Notebook{
		ID:      uuid.NewString(),
		OwnerID: ownerID.String(),
		Title:   "Field Guide",
	}
	a.store.mu.Lock()
	a.store.notebooks[n.ID] = n
	a.store.mu.Unlock()
	return n
}

func (a *testApp) seedNote(ownerID uuid.UUID, notebookID string) store.Note {
	n := store.Note{
		ID:         uuid.NewString(),
		NotebookID: notebookID,
		OwnerID:    ownerID.String(),
		Title:      "Draft",
		Content:    "first pass",
	}
	a.store.mu.Lock()
	a.store.notes[n.ID] = n
	a.store.mu.Unlock()
	return n
}

func (a *testApp) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, req)
	return rr
}

func (a *testApp) upload(t *testing.T, path, token, filename, contents string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte(contents)); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return payload
}
