// Package policy implements the row-level authorization core: a data-driven
// table of per-entity, per-action rules evaluated by a single pure engine.
package policy

import (
	"github.com/google/uuid"
)

// Role is the workspace-level role carried by a resolved principal.
type Role string

const (
	RoleAnonymous Role = "anonymous"
	RoleUser      Role = "user"
	RoleAdmin     Role = "admin"
)

// NormalizeRole maps unknown role strings to the least-privileged role.
func NormalizeRole(role string) Role {
	switch Role(role) {
	case RoleUser, RoleAdmin:
		return Role(role)
	default:
		return RoleAnonymous
	}
}

// Principal is the resolved identity making a request. It is immutable for
// the duration of the request; the role is resolved once by the resolver and
// never re-queried during evaluation.
type Principal struct {
	ID        uuid.UUID
	Role      Role
	IsService bool
}

// Anonymous returns the principal used when no valid credential is presented.
func Anonymous() Principal {
	return Principal{Role: RoleAnonymous}
}

// Service returns the non-interactive backend principal. It carries no human
// identity and bypasses role and ownership checks entirely.
func Service() Principal {
	return Principal{IsService: true}
}

func (p Principal) IsAnonymous() bool {
	return !p.IsService && p.ID == uuid.Nil
}

func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// Entity identifies a protected row type.
type Entity string

const (
	EntityNotebook        Entity = "notebook"
	EntitySource          Entity = "source"
	EntityNote            Entity = "note"
	EntityChatMessage     Entity = "chat_message"
	EntityDocument        Entity = "document"
	EntityStorageObject   Entity = "storage_object"
	EntityProfile         Entity = "profile"
	EntitySecurityAttempt Entity = "security_attempt"
)

// Action is a row operation.
type Action string

const (
	ActionSelect Action = "select"
	ActionInsert Action = "insert"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Ref locates the row under evaluation. For existing rows ID is set and the
// engine resolves ownership through the registry. For inserts ID is zero and
// OwnerID/NotebookID carry the values the caller intends to write.
type Ref struct {
	ID         uuid.UUID
	OwnerID    uuid.UUID
	NotebookID uuid.UUID

	// RoleChange marks a profile update that touches the role column. The
	// self-protection invariant keys off it.
	RoleChange bool
}

// Reason classifies a decision for callers that need to surface a precise
// message. Denials other than self-protection stay generic so the engine
// never leaks whether a row exists.
type Reason string

const (
	ReasonService        Reason = "service_bypass"
	ReasonAdmin          Reason = "admin"
	ReasonGranted        Reason = "granted"
	ReasonNotAuthorized  Reason = "not_authorized"
	ReasonSelfProtection Reason = "self_protection"
	ReasonAppendOnly     Reason = "append_only"
)

// Decision is the outcome of an evaluation.
type Decision struct {
	Allowed bool
	Reason  Reason
}

func allow(reason Reason) Decision {
	return Decision{Allowed: true, Reason: reason}
}

func deny(reason Reason) Decision {
	return Decision{Allowed: false, Reason: reason}
}
