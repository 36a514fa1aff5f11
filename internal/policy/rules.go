package policy

// Clause is the ownership/visibility check applied at step 3 of evaluation,
// after the service and admin short-circuits. The engine interprets clauses;
// the table below is plain data and can be swapped without touching the
// algorithm.
type Clause string

const (
	// ClauseAllowAll grants the action to every principal (global read).
	ClauseAllowAll Clause = "allow_all"
	// ClauseDenyAll denies the action for non-admin, non-service principals.
	// Admin-only and service-only actions both reduce to this clause because
	// the privileged paths short-circuit before the table is consulted.
	ClauseDenyAll Clause = "deny_all"
	// ClauseOwner requires the existing row's owner to equal the principal.
	ClauseOwner Clause = "owner"
	// ClauseOwnerInsert requires the declared owner of a new row to equal
	// the principal.
	ClauseOwnerInsert Clause = "owner_insert"
	// ClauseParentOwner requires the parent notebook to exist and be owned
	// by the principal. A missing parent denies, never allows.
	ClauseParentOwner Clause = "parent_owner"
	// ClauseSelf requires the profile row to be the principal's own.
	ClauseSelf Clause = "self"
)

// RuleSet maps entity type and action to the clause evaluated for
// unprivileged principals. Entities or actions absent from the set deny by
// default.
type RuleSet map[Entity]map[Action]Clause

// DefaultRules returns the shipped rule table.
//
// Notebooks, sources and documents are globally readable; their mutation is
// reserved for admins (notebooks, sources) or the service principal
// (document content updates performed by ingestion). Notes and security
// attempts are visible to their owner only. Chat history is reachable only
// through a notebook the principal owns: the permissive exists-only read rule
// that shipped in one of the original migrations is treated as a defect and
// not replicated here.
func DefaultRules() RuleSet {
	return RuleSet{
		EntityNotebook: {
			ActionSelect: ClauseAllowAll,
			ActionInsert: ClauseDenyAll,
			ActionUpdate: ClauseDenyAll,
			ActionDelete: ClauseDenyAll,
		},
		EntitySource: {
			ActionSelect: ClauseAllowAll,
			ActionInsert: ClauseDenyAll,
			ActionUpdate: ClauseDenyAll,
			ActionDelete: ClauseDenyAll,
		},
		EntityNote: {
			ActionSelect: ClauseOwner,
			ActionInsert: ClauseOwnerInsert,
			ActionUpdate: ClauseOwner,
			ActionDelete: ClauseOwner,
		},
		EntityChatMessage: {
			ActionSelect: ClauseParentOwner,
			ActionInsert: ClauseParentOwner,
			// Append-only: no update clause. Deletion is service-only.
			ActionUpdate: ClauseDenyAll,
			ActionDelete: ClauseDenyAll,
		},
		EntityDocument: {
			ActionSelect: ClauseAllowAll,
			ActionInsert: ClauseDenyAll,
			ActionUpdate: ClauseDenyAll,
			ActionDelete: ClauseDenyAll,
		},
		EntityStorageObject: {
			ActionSelect: ClauseParentOwner,
			ActionInsert: ClauseParentOwner,
			ActionUpdate: ClauseParentOwner,
			ActionDelete: ClauseParentOwner,
		},
		EntityProfile: {
			ActionSelect: ClauseSelf,
			ActionInsert: ClauseSelf,
			ActionUpdate: ClauseSelf,
			ActionDelete: ClauseDenyAll,
		},
		EntitySecurityAttempt: {
			ActionSelect: ClauseOwner,
			ActionInsert: ClauseOwnerInsert,
			ActionUpdate: ClauseDenyAll,
			ActionDelete: ClauseDenyAll,
		},
	}
}
