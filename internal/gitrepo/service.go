// Package gitrepo keeps a per-note revision archive backed by plain git
// repositories, so note history survives edits and deletions in Postgres.
package gitrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"lorebook/api/internal/store"
)

// Snapshot is the revisioned payload written to each commit.
type Snapshot struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// CommitSnapshot records a new revision for a note, initializing the
// repository on first use.
func (s *Service) CommitSnapshot(noteID string, snap Snapshot, author, message string) (store.NoteRevision, error) {
	lock := s.noteLock(noteID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(noteID)
	if err != nil {
		return store.NoteRevision{}, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return store.NoteRevision{}, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return store.NoteRevision{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	root := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(root, "note.json"), append(payload, '\n'), 0o644); err != nil {
		return store.NoteRevision{}, fmt.Errorf("write snapshot: %w", err)
	}
	if _, err := worktree.Add("note.json"); err != nil {
		return store.NoteRevision{}, fmt.Errorf("git add snapshot: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.lorebook.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return store.NoteRevision{}, fmt.Errorf("commit snapshot: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.NoteRevision{}, fmt.Errorf("read commit object: %w", err)
	}
	return toRevision(commitObj), nil
}

// History lists revisions for a note, newest first.
func (s *Service) History(noteID string, limit int) ([]store.NoteRevision, error) {
	lock := s.noteLock(noteID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(noteID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []store.NoteRevision{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	revisions := make([]store.NoteRevision, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		revisions = append(revisions, toRevision(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return revisions, nil
}

// SnapshotAt reads the note content as of a revision hash.
func (s *Service) SnapshotAt(noteID, hash string) (Snapshot, error) {
	lock := s.noteLock(noteID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(noteID))
	if err != nil {
		return Snapshot{}, fmt.Errorf("open repo: %w", err)
	}

	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return Snapshot{}, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readSnapshot(commitObj)
}

// Remove deletes a note's archive entirely.
func (s *Service) Remove(noteID string) error {
	lock := s.noteLock(noteID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(s.repoPath(noteID)); err != nil {
		return fmt.Errorf("remove repo: %w", err)
	}
	return nil
}

func (s *Service) openOrInit(noteID string) (*git.Repository, error) {
	path := s.repoPath(noteID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(noteID string) string {
	return filepath.Join(s.baseDir, noteID)
}

func (s *Service) noteLock(noteID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[noteID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[noteID] = lock
	return lock
}

func readSnapshot(commitObj *object.Commit) (Snapshot, error) {
	file, err := commitObj.File("note.json")
	if err != nil {
		return Snapshot{}, fmt.Errorf("load note.json from commit: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Snapshot{}, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot bytes: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func toRevision(commitObj *object.Commit) store.NoteRevision {
	return store.NoteRevision{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
