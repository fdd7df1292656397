// Package perm computes effective permission sets for (viewer, target)
// pairs. Resolution is a pure read: grant rules union capabilities, the
// billing downgrade subtracts last, and unknown combinations fail closed.
package perm

import (
	"context"
	"log/slog"
	"time"

	"github.com/d9705996/gatekeep/internal/billing"
	"github.com/d9705996/gatekeep/internal/link"
	"github.com/d9705996/gatekeep/internal/model"
	"github.com/d9705996/gatekeep/internal/observability"
	"github.com/d9705996/gatekeep/internal/org"
	"go.opentelemetry.io/otel/metric"
)

// editTier is the capability bundle of an edit-mode supervisor; an
// organization-mediated manager receives it too.
var editTier = []Capability{
	CapEdit, CapManageSupervision, CapEditBoards, CapSetGoals,
	CapViewDeletedBoards, CapViewWordMap, CapViewDetailed, CapSupportActions,
}

// modelingDowngrade is what a modeling-only viewer loses from rules 4–5.
var modelingDowngrade = []Capability{
	CapEdit, CapSupervise, CapManageSupervision, CapSetGoals, CapViewDeletedBoards,
}

// Resolver computes effective permission sets.
type Resolver struct {
	links  *link.Store
	orgs   *org.Service
	policy billing.Policy
	log    *slog.Logger
	now    func() time.Time

	resolutions metric.Int64Counter
}

// NewResolver builds a Resolver. The billing policy controls the
// modeling-only downgrade windows.
func NewResolver(links *link.Store, orgs *org.Service, policy billing.Policy, log *slog.Logger) *Resolver {
	counter, err := observability.Meter().Int64Counter("gatekeep.permission.resolutions")
	if err != nil {
		log.Warn("permission resolution counter unavailable", "err", err)
	}
	return &Resolver{
		links:       links,
		orgs:        orgs,
		policy:      policy,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
		resolutions: counter,
	}
}

// PermissionsFor computes the viewer's capabilities over the target user.
// Either side may be nil: the result is then the public/existence-only set,
// never an error.
func (r *Resolver) PermissionsFor(ctx context.Context, target, viewer *model.User) (*Set, error) {
	viewerID := ""
	if viewer != nil {
		viewerID = viewer.ID
	}
	set := NewSet(viewerID)
	if r.resolutions != nil {
		r.resolutions.Add(ctx, 1)
	}

	if target == nil || target.Deleted {
		// Deleted targets answer existence checks only.
		return set, nil
	}
	set.Grant(CapViewExistence)

	// Rule 2: self.
	if viewer != nil && viewer.ID == target.ID {
		if viewer.Valet {
			set.Grant(CapViewDetailed, CapModel)
			return set, nil
		}
		set.Grant(CapView, CapViewDetailed, CapViewWordMap, CapViewDeletedBoards,
			CapEdit, CapEditBoards, CapSetGoals, CapModel, CapManageSupervision)
		return set, nil
	}

	// Rule 3: public profile, anonymous included.
	if target.Public {
		set.Grant(CapView, CapViewDetailed)
	}
	if viewer == nil {
		return set, nil
	}

	// Rule 4: direct peer supervision.
	if err := r.grantPeerSupervision(ctx, set, viewer, target); err != nil {
		return nil, err
	}

	// Rule 5: organization-mediated authority. Pending memberships never
	// confer authority on the permission path.
	managerFor, err := r.orgs.ManagerFor(ctx, viewer.ID, target.ID, true)
	if err != nil {
		return nil, err
	}
	if managerFor {
		set.Grant(CapSupervise, CapModel)
		set.Grant(editTier...)
		admin, err := r.orgs.AdminManager(ctx, viewer.ID)
		if err != nil {
			return nil, err
		}
		if admin {
			set.Grant(CapAdminSupportActions)
		}
	}

	// Rule 7: billing downgrade, applied last, regardless of grant origin.
	if billing.Classify(viewer, r.now(), r.policy) == billing.ModelingOnly {
		set.Strip(modelingDowngrade...)
	}
	return set, nil
}

func (r *Resolver) grantPeerSupervision(ctx context.Context, set *Set, viewer, target *model.User) error {
	l, err := r.links.Get(ctx, viewer.ID, link.UserRef(target.ID), link.TypePeerSupervisor)
	if err != nil {
		return err
	}
	if l == nil {
		return nil
	}
	if pending, _ := l.State["pending"].(bool); pending {
		// A pending supervisor holds nothing until accepted.
		return nil
	}
	st := link.PeerSupervisorStateOf(l.State)
	switch st.Mode {
	case link.ModeModelingOnly:
		set.Grant(CapModel)
	case link.ModeReadOnly:
		set.Grant(CapSupervise, CapModel, CapViewWordMap, CapViewDetailed)
	default: // edit
		set.Grant(CapSupervise, CapModel)
		set.Grant(editTier...)
	}
	return nil
}

// OrgSettingsPermissionsFor computes the viewer's capabilities over the
// organization itself (rule 8): any manager, assistant, or non-pending
// supervisor may view, as may anyone when the organization is public; only
// full managers edit and manage.
func (r *Resolver) OrgSettingsPermissionsFor(ctx context.Context, o *model.Organization, viewer *model.User) (*Set, error) {
	viewerID := ""
	if viewer != nil {
		viewerID = viewer.ID
	}
	set := NewSet(viewerID)
	if o == nil {
		return set, nil
	}
	if o.Public {
		set.Grant(CapView)
	}
	if viewer == nil {
		return set, nil
	}

	assistant, err := r.orgs.IsAssistant(ctx, viewer.ID, o.ID)
	if err != nil {
		return nil, err
	}
	supervisor, err := r.orgs.IsSupervisor(ctx, viewer.ID, o.ID)
	if err != nil {
		return nil, err
	}
	if assistant || supervisor {
		set.Grant(CapView)
	}

	manager, err := r.orgs.IsManager(ctx, viewer.ID, o.ID)
	if err != nil {
		return nil, err
	}
	if manager {
		set.Grant(CapView, CapEdit, CapManage)
	}
	return set, nil
}
