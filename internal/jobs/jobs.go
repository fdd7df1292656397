// Package jobs declares the typed job arguments exchanged between the
// engine (which only enqueues) and the worker (which executes). It has no
// dependencies so both sides can import it.
package jobs

// Args is the minimal contract a job payload satisfies. It matches River's
// JobArgs interface so the same structs insert into River unchanged.
type Args interface {
	Kind() string
}

// CascadeRemovalArgs asks the worker to remove every link of a user that is
// scoped beneath a sub-unit of the given organization. Enqueued by the link
// store when an org_user link is removed; applied eventually, not inline.
type CascadeRemovalArgs struct {
	UserID string `json:"user_id"`
	OrgID  string `json:"org_id"`
}

// Kind returns the unique job type identifier.
func (CascadeRemovalArgs) Kind() string { return "link_cascade_removal" }

// DeferredLinkArgs replays a link mutation that lost an optimistic-write
// race. Op is "upsert" or "remove". State carries the upsert patch.
type DeferredLinkArgs struct {
	Op         string         `json:"op"`
	SubjectID  string         `json:"subject_id"`
	TargetKind string         `json:"target_kind"`
	TargetID   string         `json:"target_id"`
	LinkType   string         `json:"link_type"`
	State      map[string]any `json:"state,omitempty"`
}

// Kind returns the unique job type identifier.
func (DeferredLinkArgs) Kind() string { return "link_deferred_mutation" }

// NotifyArgs describes a relationship event whose delivery (email, push) is
// owned by an external collaborator; the worker here only hands it off.
type NotifyArgs struct {
	Event  string `json:"event"`
	UserID string `json:"user_id"`
	OrgID  string `json:"org_id,omitempty"`
}

// Kind returns the unique job type identifier.
func (NotifyArgs) Kind() string { return "relationship_notify" }
