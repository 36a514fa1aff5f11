// Package registry resolves row ownership and user roles for the policy
// engine and the principal resolver. Lookups are point reads against the
// backing store; child entities resolve transitively through their parent
// notebook.
package registry

import (
	"context"

	"github.com/google/uuid"

	"lorebook/api/internal/policy"
)

// Registry is the full subject registry surface. The policy engine consumes
// only OwnerOf; RoleOf is used once per request by the principal resolver.
type Registry interface {
	OwnerOf(ctx context.Context, entity policy.Entity, id uuid.UUID) (uuid.UUID, error)
	RoleOf(ctx context.Context, userID uuid.UUID) (policy.Role, error)
}
