package policy_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"lorebook/api/internal/policy"
	"lorebook/api/internal/registry"
)

var (
	userOne  = uuid.MustParse("11111111-1111-4111-8111-111111111111")
	userTwo  = uuid.MustParse("22222222-2222-4222-8222-222222222222")
	adminOne = uuid.MustParse("aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa")
	bookOne  = uuid.MustParse("b0000000-0000-4000-8000-000000000001")
	noteOne  = uuid.MustParse("10000000-0000-4000-8000-00000000000e")
	chatOne  = uuid.MustParse("c0000000-0000-4000-8000-000000000001")
	missing  = uuid.MustParse("deadbeef-dead-4ead-8ead-deadbeefdead")
)

func newFixture(t *testing.T) (*policy.Engine, *registry.Memory) {
	t.Helper()
	reg := registry.NewMemory()
	reg.PutRole(userOne, policy.RoleUser)
	reg.PutRole(userTwo, policy.RoleUser)
	reg.PutRole(adminOne, policy.RoleAdmin)
	reg.PutOwner(policy.EntityProfile, userOne, userOne)
	reg.PutOwner(policy.EntityProfile, userTwo, userTwo)
	reg.PutOwner(policy.EntityProfile, adminOne, adminOne)
	reg.PutOwner(policy.EntityNotebook, bookOne, userOne)
	reg.PutOwner(policy.EntityNote, noteOne, userOne)
	reg.PutChild(policy.EntityChatMessage, chatOne, bookOne)
	return policy.NewEngine(reg), reg
}

func user(id uuid.UUID) policy.Principal {
	return policy.Principal{ID: id, Role: policy.RoleUser}
}

func admin(id uuid.UUID) policy.Principal {
	return policy.Principal{ID: id, Role: policy.RoleAdmin}
}

func TestEvaluateTable(t *testing.T) {
	engine, _ := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name      string
		principal policy.Principal
		action    policy.Action
		entity    policy.Entity
		ref       policy.Ref
		allow     bool
		reason    policy.Reason
	}{
		{
			name:      "service bypasses everything",
			principal: policy.Service(),
			action:    policy.ActionDelete,
			entity:    policy.EntityChatMessage,
			ref:       policy.Ref{ID: chatOne},
			allow:     true,
			reason:    policy.ReasonService,
		},
		{
			name:      "anonymous reads notebook",
			principal: policy.Anonymous(),
			action:    policy.ActionSelect,
			entity:    policy.EntityNotebook,
			ref:       policy.Ref{ID: bookOne},
			allow:     true,
		},
		{
			name:      "user reads notebook",
			principal: user(userTwo),
			action:    policy.ActionSelect,
			entity:    policy.EntityNotebook,
			ref:       policy.Ref{ID: bookOne},
			allow:     true,
		},
		{
			name:      "admin reads notebook",
			principal: admin(adminOne),
			action:    policy.ActionSelect,
			entity:    policy.EntityNotebook,
			ref:       policy.Ref{ID: bookOne},
			allow:     true,
		},
		{
			name:      "user cannot delete notebook",
			principal: user(userOne),
			action:    policy.ActionDelete,
			entity:    policy.EntityNotebook,
			ref:       policy.Ref{ID: bookOne},
			allow:     false,
		},
		{
			name:      "admin deletes notebook",
			principal: admin(adminOne),
			action:    policy.ActionDelete,
			entity:    policy.EntityNotebook,
			ref:       policy.Ref{ID: bookOne},
			allow:     true,
			reason:    policy.ReasonAdmin,
		},
		{
			name:      "owner inserts note for self",
			principal: user(userOne),
			action:    policy.ActionInsert,
			entity:    policy.EntityNote,
			ref:       policy.Ref{OwnerID: userOne},
			allow:     true,
		},
		{
			name:      "user cannot insert note owned by someone else",
			principal: user(userOne),
			action:    policy.ActionInsert,
			entity:    policy.EntityNote,
			ref:       policy.Ref{OwnerID: userTwo},
			allow:     false,
		},
		{
			name:      "owner reads own note",
			principal: user(userOne),
			action:    policy.ActionSelect,
			entity:    policy.EntityNote,
			ref:       policy.Ref{ID: noteOne},
			allow:     true,
		},
		{
			name:      "non-owner cannot read note",
			principal: user(userTwo),
			action:    policy.ActionSelect,
			entity:    policy.EntityNote,
			ref:       policy.Ref{ID: noteOne},
			allow:     false,
		},
		{
			name:      "non-owner cannot update note",
			principal: user(userTwo),
			action:    policy.ActionUpdate,
			entity:    policy.EntityNote,
			ref:       policy.Ref{ID: noteOne},
			allow:     false,
		},
		{
			name:      "non-owner cannot delete note",
			principal: user(userTwo),
			action:    policy.ActionDelete,
			entity:    policy.EntityNote,
			ref:       policy.Ref{ID: noteOne},
			allow:     false,
		},
		{
			name:      "admin reads another user's note",
			principal: admin(adminOne),
			action:    policy.ActionSelect,
			entity:    policy.EntityNote,
			ref:       policy.Ref{ID: noteOne},
			allow:     true,
			reason:    policy.ReasonAdmin,
		},
		{
			name:      "notebook owner reads chat history",
			principal: user(userOne),
			action:    policy.ActionSelect,
			entity:    policy.EntityChatMessage,
			ref:       policy.Ref{ID: chatOne, NotebookID: bookOne},
			allow:     true,
		},
		{
			name:      "non-owner cannot read chat history",
			principal: user(userTwo),
			action:    policy.ActionSelect,
			entity:    policy.EntityChatMessage,
			ref:       policy.Ref{ID: chatOne, NotebookID: bookOne},
			allow:     false,
		},
		{
			name:      "chat update is denied even for its owner",
			principal: user(userOne),
			action:    policy.ActionUpdate,
			entity:    policy.EntityChatMessage,
			ref:       policy.Ref{ID: chatOne, NotebookID: bookOne},
			allow:     false,
		},
		{
			name:      "chat delete is service-only",
			principal: user(userOne),
			action:    policy.ActionDelete,
			entity:    policy.EntityChatMessage,
			ref:       policy.Ref{ID: chatOne, NotebookID: bookOne},
			allow:     false,
		},
		{
			name:      "user reads own profile",
			principal: user(userOne),
			action:    policy.ActionSelect,
			entity:    policy.EntityProfile,
			ref:       policy.Ref{ID: userOne},
			allow:     true,
		},
		{
			name:      "user cannot read another profile",
			principal: user(userOne),
			action:    policy.ActionSelect,
			entity:    policy.EntityProfile,
			ref:       policy.Ref{ID: userTwo},
			allow:     false,
		},
		{
			name:      "user updates own profile without role change",
			principal: user(userOne),
			action:    policy.ActionUpdate,
			entity:    policy.EntityProfile,
			ref:       policy.Ref{ID: userOne},
			allow:     true,
		},
		{
			name:      "user cannot change own role",
			principal: user(userOne),
			action:    policy.ActionUpdate,
			entity:    policy.EntityProfile,
			ref:       policy.Ref{ID: userOne, RoleChange: true},
			allow:     false,
			reason:    policy.ReasonSelfProtection,
		},
		{
			name:      "admin cannot change own role",
			principal: admin(adminOne),
			action:    policy.ActionUpdate,
			entity:    policy.EntityProfile,
			ref:       policy.Ref{ID: adminOne, RoleChange: true},
			allow:     false,
			reason:    policy.ReasonSelfProtection,
		},
		{
			name:      "admin changes another user's role",
			principal: admin(adminOne),
			action:    policy.ActionUpdate,
			entity:    policy.EntityProfile,
			ref:       policy.Ref{ID: userOne, RoleChange: true},
			allow:     true,
			reason:    policy.ReasonAdmin,
		},
		{
			name:      "admin cannot delete own profile",
			principal: admin(adminOne),
			action:    policy.ActionDelete,
			entity:    policy.EntityProfile,
			ref:       policy.Ref{ID: adminOne},
			allow:     false,
			reason:    policy.ReasonSelfProtection,
		},
		{
			name:      "admin deletes another user's profile",
			principal: admin(adminOne),
			action:    policy.ActionDelete,
			entity:    policy.EntityProfile,
			ref:       policy.Ref{ID: userOne},
			allow:     true,
			reason:    policy.ReasonAdmin,
		},
		{
			name:      "user cannot delete any profile",
			principal: user(userOne),
			action:    policy.ActionDelete,
			entity:    policy.EntityProfile,
			ref:       policy.Ref{ID: userTwo},
			allow:     false,
		},
		{
			name:      "admin cannot update a security attempt",
			principal: admin(adminOne),
			action:    policy.ActionUpdate,
			entity:    policy.EntitySecurityAttempt,
			ref:       policy.Ref{ID: missing},
			allow:     false,
			reason:    policy.ReasonAppendOnly,
		},
		{
			name:      "service deletes security attempts",
			principal: policy.Service(),
			action:    policy.ActionDelete,
			entity:    policy.EntitySecurityAttempt,
			ref:       policy.Ref{ID: missing},
			allow:     true,
		},
		{
			name:      "anonymous cannot insert note",
			principal: policy.Anonymous(),
			action:    policy.ActionInsert,
			entity:    policy.EntityNote,
			ref:       policy.Ref{},
			allow:     false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decision, err := engine.Evaluate(ctx, tc.principal, tc.action, tc.entity, tc.ref)
			if err != nil {
				t.Fatalf("Evaluate returned error: %v", err)
			}
			if decision.Allowed != tc.allow {
				t.Fatalf("Evaluate = %v, want allow=%v (reason %s)", decision.Allowed, tc.allow, decision.Reason)
			}
			if tc.reason != "" && decision.Reason != tc.reason {
				t.Fatalf("reason = %s, want %s", decision.Reason, tc.reason)
			}
		})
	}
}

func TestMissingParentDenies(t *testing.T) {
	engine, _ := newFixture(t)

	decision, err := engine.Evaluate(context.Background(), user(userOne), policy.ActionInsert, policy.EntityChatMessage, policy.Ref{NotebookID: missing})
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	if decision.Allowed {
		t.Fatal("missing parent notebook must deny, not allow")
	}
}

func TestMissingRowDenies(t *testing.T) {
	engine, _ := newFixture(t)

	decision, err := engine.Evaluate(context.Background(), user(userOne), policy.ActionSelect, policy.EntityNote, policy.Ref{ID: missing})
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	if decision.Allowed {
		t.Fatal("missing note must deny")
	}
}

func TestUnknownEntityDefaultDeny(t *testing.T) {
	engine, _ := newFixture(t)

	for _, action := range []policy.Action{policy.ActionSelect, policy.ActionInsert, policy.ActionUpdate, policy.ActionDelete} {
		decision, err := engine.Evaluate(context.Background(), user(userOne), action, policy.Entity("widget"), policy.Ref{ID: noteOne})
		if err != nil {
			t.Fatalf("Evaluate(%s) returned error: %v", action, err)
		}
		if decision.Allowed {
			t.Fatalf("unknown entity must default-deny %s", action)
		}
	}
}

func TestMissingPrincipalIsHardError(t *testing.T) {
	engine, _ := newFixture(t)

	_, err := engine.Evaluate(context.Background(), policy.Principal{}, policy.ActionSelect, policy.EntityNotebook, policy.Ref{ID: bookOne})
	if !errors.Is(err, policy.ErrMissingPrincipal) {
		t.Fatalf("err = %v, want ErrMissingPrincipal", err)
	}
}

func TestEvaluateIsIdempotent(t *testing.T) {
	engine, _ := newFixture(t)
	ctx := context.Background()

	first, err := engine.Evaluate(ctx, user(userTwo), policy.ActionSelect, policy.EntityNote, policy.Ref{ID: noteOne})
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := engine.Evaluate(ctx, user(userTwo), policy.ActionSelect, policy.EntityNote, policy.Ref{ID: noteOne})
		if err != nil {
			t.Fatalf("Evaluate returned error: %v", err)
		}
		if again != first {
			t.Fatalf("decision drifted between calls: %+v then %+v", first, again)
		}
	}
}

func TestOwnershipChangeVisibleToNextEvaluation(t *testing.T) {
	engine, reg := newFixture(t)
	ctx := context.Background()

	decision, err := engine.Evaluate(ctx, user(userTwo), policy.ActionSelect, policy.EntityNote, policy.Ref{ID: noteOne})
	if err != nil || decision.Allowed {
		t.Fatalf("want deny before reassignment, got %+v err=%v", decision, err)
	}

	reg.PutOwner(policy.EntityNote, noteOne, userTwo)

	decision, err = engine.Evaluate(ctx, user(userTwo), policy.ActionSelect, policy.EntityNote, policy.Ref{ID: noteOne})
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	if !decision.Allowed {
		t.Fatal("registry write must be visible to subsequent evaluations")
	}
}

func TestLookupTimeoutIsNotADeny(t *testing.T) {
	engine := policy.NewEngine(slowRegistry{})

	_, err := engine.Evaluate(context.Background(), user(userOne), policy.ActionSelect, policy.EntityNote, policy.Ref{ID: noteOne})
	if !errors.Is(err, policy.ErrLookupTimeout) {
		t.Fatalf("err = %v, want ErrLookupTimeout", err)
	}
}

func TestCancellationAborts(t *testing.T) {
	engine, _ := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Evaluate(ctx, user(userOne), policy.ActionSelect, policy.EntityNote, policy.Ref{ID: noteOne})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

// slowRegistry simulates a backing store that cannot answer in time.
type slowRegistry struct{}

func (slowRegistry) OwnerOf(ctx context.Context, entity policy.Entity, id uuid.UUID) (uuid.UUID, error) {
	return uuid.Nil, policy.ErrLookupTimeout
}
