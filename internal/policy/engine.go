package policy

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned by registries when the referenced row does not
	// exist. The engine maps it to a deny, never to a crash or an allow.
	ErrNotFound = errors.New("subject not found")

	// ErrLookupTimeout is returned when the backing store could not answer in
	// time. It is distinct from a deny: callers must be able to tell
	// "not authorized" apart from "could not determine", and retry.
	ErrLookupTimeout = errors.New("subject lookup timed out")

	// ErrMissingPrincipal is a hard caller error: evaluation without a
	// principal is a programming mistake, not a deniable request.
	ErrMissingPrincipal = errors.New("missing principal")
)

// OwnerLookup is the slice of the subject registry the engine consumes. It
// resolves ownership transitively: asking for the owner of a source resolves
// through the parent notebook. Roles are deliberately absent — a principal's
// role is fixed at resolution time and never re-queried here, which is what
// keeps the profile rules from recursing into the table they protect.
type OwnerLookup interface {
	OwnerOf(ctx context.Context, entity Entity, id uuid.UUID) (uuid.UUID, error)
}

// Engine evaluates (principal, action, entity, ref) tuples against a rule
// set. It holds no mutable state and is safe for unrestricted concurrent use.
type Engine struct {
	rules RuleSet
	reg   OwnerLookup
}

// NewEngine builds an engine over the default rule table.
func NewEngine(reg OwnerLookup) *Engine {
	return NewEngineWithRules(reg, DefaultRules())
}

// NewEngineWithRules builds an engine over a caller-supplied rule table.
func NewEngineWithRules(reg OwnerLookup, rules RuleSet) *Engine {
	return &Engine{rules: rules, reg: reg}
}

// Evaluate applies the evaluation order from the policy model, short-
// circuiting on the first match:
//
//  1. service principal: allow everything
//  2. self-protection and append-only invariants: deny regardless of role
//  3. admin: allow
//  4. entity/action clause from the rule table
//  5. default deny
//
// Registry failures never escape as anything but a deny or ErrLookupTimeout.
func (e *Engine) Evaluate(ctx context.Context, p Principal, action Action, entity Entity, ref Ref) (Decision, error) {
	if !p.IsService && p.Role == "" {
		return Decision{}, ErrMissingPrincipal
	}
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	if p.IsService {
		return allow(ReasonService), nil
	}

	// Self-protection holds for every principal, admin included: no principal
	// may change its own role or delete its own profile.
	if entity == EntityProfile && p.ID != uuid.Nil && ref.ID == p.ID {
		if action == ActionUpdate && ref.RoleChange {
			return deny(ReasonSelfProtection), nil
		}
		if action == ActionDelete {
			return deny(ReasonSelfProtection), nil
		}
	}

	// Security attempts are append-only for every human principal.
	if entity == EntitySecurityAttempt && (action == ActionUpdate || action == ActionDelete) {
		return deny(ReasonAppendOnly), nil
	}

	if p.IsAdmin() {
		return allow(ReasonAdmin), nil
	}

	actions, ok := e.rules[entity]
	if !ok {
		return deny(ReasonNotAuthorized), nil
	}
	clause, ok := actions[action]
	if !ok {
		return deny(ReasonNotAuthorized), nil
	}

	return e.applyClause(ctx, p, entity, clause, ref)
}

func (e *Engine) applyClause(ctx context.Context, p Principal, entity Entity, clause Clause, ref Ref) (Decision, error) {
	switch clause {
	case ClauseAllowAll:
		return allow(ReasonGranted), nil

	case ClauseDenyAll:
		return deny(ReasonNotAuthorized), nil

	case ClauseOwner:
		if p.ID == uuid.Nil || ref.ID == uuid.Nil {
			return deny(ReasonNotAuthorized), nil
		}
		owner, err := e.ownerOf(ctx, entity, ref.ID)
		if err != nil {
			return e.lookupFailure(err)
		}
		if owner == p.ID {
			return allow(ReasonGranted), nil
		}
		return deny(ReasonNotAuthorized), nil

	case ClauseOwnerInsert:
		if p.ID != uuid.Nil && ref.OwnerID == p.ID {
			return allow(ReasonGranted), nil
		}
		return deny(ReasonNotAuthorized), nil

	case ClauseParentOwner:
		if p.ID == uuid.Nil {
			return deny(ReasonNotAuthorized), nil
		}
		var owner uuid.UUID
		var err error
		if ref.NotebookID != uuid.Nil {
			owner, err = e.ownerOf(ctx, EntityNotebook, ref.NotebookID)
		} else if ref.ID != uuid.Nil {
			owner, err = e.ownerOf(ctx, entity, ref.ID)
		} else {
			return deny(ReasonNotAuthorized), nil
		}
		if err != nil {
			return e.lookupFailure(err)
		}
		if owner == p.ID {
			return allow(ReasonGranted), nil
		}
		return deny(ReasonNotAuthorized), nil

	case ClauseSelf:
		if p.ID == uuid.Nil {
			return deny(ReasonNotAuthorized), nil
		}
		// On insert the row carries the identity it is being created for.
		target := ref.ID
		if target == uuid.Nil {
			target = ref.OwnerID
		}
		if target == p.ID {
			return allow(ReasonGranted), nil
		}
		return deny(ReasonNotAuthorized), nil

	default:
		return deny(ReasonNotAuthorized), nil
	}
}

func (e *Engine) ownerOf(ctx context.Context, entity Entity, id uuid.UUID) (uuid.UUID, error) {
	owner, err := e.reg.OwnerOf(ctx, entity, id)
	if err != nil {
		return uuid.Nil, err
	}
	return owner, nil
}

// lookupFailure maps registry errors onto the failure semantics of the
// model: timeouts stay retryable, cancellation propagates, and everything
// else — a missing row included — fails closed.
func (e *Engine) lookupFailure(err error) (Decision, error) {
	switch {
	case errors.Is(err, context.Canceled):
		return Decision{}, err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrLookupTimeout):
		return Decision{}, ErrLookupTimeout
	default:
		return deny(ReasonNotAuthorized), nil
	}
}
