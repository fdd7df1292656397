package perm

import "sort"

// Capability names one thing a viewer may do to a target.
type Capability string

const (
	CapViewExistence       Capability = "view_existence"
	CapView                Capability = "view"
	CapViewDetailed        Capability = "view_detailed"
	CapViewWordMap         Capability = "view_word_map"
	CapViewDeletedBoards   Capability = "view_deleted_boards"
	CapEdit                Capability = "edit"
	CapEditBoards          Capability = "edit_boards"
	CapSetGoals            Capability = "set_goals"
	CapModel               Capability = "model"
	CapSupervise           Capability = "supervise"
	CapManageSupervision   Capability = "manage_supervision"
	CapSupportActions      Capability = "support_actions"
	CapAdminSupportActions Capability = "admin_support_actions"

	// Organization-settings capabilities (rule 8's separate map).
	CapManage Capability = "manage"
)

// Set is an effective permission set: capability flags plus the viewer's
// id. It is computed per resolution and never persisted.
type Set struct {
	UserID string
	caps   map[Capability]bool
}

// NewSet returns an empty set attributed to the viewer ("" for anonymous).
func NewSet(viewerID string) *Set {
	return &Set{UserID: viewerID, caps: map[Capability]bool{}}
}

// Grant adds capabilities. Grants only ever add; the billing downgrade is
// the single subtractive step and goes through Strip.
func (s *Set) Grant(caps ...Capability) {
	for _, c := range caps {
		s.caps[c] = true
	}
}

// Strip removes capabilities.
func (s *Set) Strip(caps ...Capability) {
	for _, c := range caps {
		delete(s.caps, c)
	}
}

// Allows reports whether the capability is granted. Unknown capabilities
// are denied.
func (s *Set) Allows(c Capability) bool { return s.caps[c] }

// Names returns the granted capability names, sorted, for logging and tests.
func (s *Set) Names() []string {
	out := make([]string, 0, len(s.caps))
	for c := range s.caps {
		out = append(out, string(c))
	}
	sort.Strings(out)
	return out
}
