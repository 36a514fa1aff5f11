package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"lorebook/api/internal/policy"
)

// ErrAuthentication wraps every credential failure. Callers treat it as
// "anonymous", never as a crash.
var ErrAuthentication = errors.New("authentication failed")

// RoleLookup is the slice of the subject registry the resolver needs. The
// role is resolved here, exactly once per request, so the policy engine never
// queries the profiles table it protects.
type RoleLookup interface {
	RoleOf(ctx context.Context, userID uuid.UUID) (policy.Role, error)
}

// Resolver turns a request credential into a Principal. It distinguishes
// three identity classes: anonymous (no valid token), authenticated user
// (valid token plus profile role), and service (the backend-only key).
type Resolver struct {
	secret     []byte
	serviceKey []byte
	roles      RoleLookup
}

func NewResolver(secret, serviceKey string, roles RoleLookup) *Resolver {
	return &Resolver{
		secret:     []byte(secret),
		serviceKey: []byte(serviceKey),
		roles:      roles,
	}
}

// Resolve maps a credential to a principal. An empty credential resolves to
// the anonymous principal without error; a malformed or expired one returns
// ErrAuthentication so the caller can decide whether anonymous access is
// acceptable for the route.
func (r *Resolver) Resolve(ctx context.Context, credential string) (policy.Principal, error) {
	if credential == "" {
		return policy.Anonymous(), nil
	}

	if len(r.serviceKey) > 0 &&
		subtle.ConstantTimeCompare([]byte(credential), r.serviceKey) == 1 {
		return policy.Service(), nil
	}

	claims, err := ParseToken(r.secret, credential)
	if err != nil {
		return policy.Anonymous(), fmt.Errorf("%w: %w", ErrAuthentication, err)
	}

	userID, err := uuid.Parse(claims.Sub)
	if err != nil {
		return policy.Anonymous(), fmt.Errorf("%w: %w", ErrAuthentication, ErrInvalidToken)
	}

	role, err := r.roles.RoleOf(ctx, userID)
	if err != nil {
		if errors.Is(err, policy.ErrNotFound) {
			// Token for a profile that no longer exists.
			return policy.Anonymous(), fmt.Errorf("%w: unknown subject", ErrAuthentication)
		}
		return policy.Anonymous(), err
	}

	return policy.Principal{ID: userID, Role: role}, nil
}
