package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"lorebook/api/internal/policy"
)

type subjectKey struct {
	entity policy.Entity
	id     uuid.UUID
}

// Memory is a map-backed registry used by tests and by single-process
// deployments without a database. Child entities registered with a parent
// notebook resolve their owner through it, mirroring the transitive SQL
// joins of the Postgres registry.
type Memory struct {
	mu      sync.RWMutex
	owners  map[subjectKey]uuid.UUID
	parents map[subjectKey]uuid.UUID
	roles   map[uuid.UUID]policy.Role
}

func NewMemory() *Memory {
	return &Memory{
		owners:  make(map[subjectKey]uuid.UUID),
		parents: make(map[subjectKey]uuid.UUID),
		roles:   make(map[uuid.UUID]policy.Role),
	}
}

// PutOwner registers a directly-owned row.
func (m *Memory) PutOwner(entity policy.Entity, id, owner uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[subjectKey{entity, id}] = owner
}

// PutChild registers a row owned through a parent notebook.
func (m *Memory) PutChild(entity policy.Entity, id, notebookID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parents[subjectKey{entity, id}] = notebookID
}

// PutRole registers a user's role.
func (m *Memory) PutRole(userID uuid.UUID, role policy.Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[userID] = role
}

// Remove drops a row, simulating deletion.
func (m *Memory) Remove(entity policy.Entity, id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.owners, subjectKey{entity, id})
	delete(m.parents, subjectKey{entity, id})
}

func (m *Memory) OwnerOf(ctx context.Context, entity policy.Entity, id uuid.UUID) (uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return uuid.Nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := subjectKey{entity, id}
	if owner, ok := m.owners[key]; ok {
		return owner, nil
	}
	if parent, ok := m.parents[key]; ok {
		if owner, ok := m.owners[subjectKey{policy.EntityNotebook, parent}]; ok {
			return owner, nil
		}
		return uuid.Nil, fmt.Errorf("owner of %s %s: parent notebook %s: %w", entity, id, parent, policy.ErrNotFound)
	}
	return uuid.Nil, fmt.Errorf("owner of %s %s: %w", entity, id, policy.ErrNotFound)
}

func (m *Memory) RoleOf(ctx context.Context, userID uuid.UUID) (policy.Role, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	role, ok := m.roles[userID]
	if !ok {
		return "", fmt.Errorf("role of %s: %w", userID, policy.ErrNotFound)
	}
	return role, nil
}
