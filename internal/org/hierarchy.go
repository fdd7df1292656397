// Package org implements the organization hierarchy: cycle-safe tree
// walks, membership predicates, and the transitive manager-authority check.
package org

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/d9705996/gatekeep/internal/link"
	"github.com/d9705996/gatekeep/internal/model"
	"gorm.io/gorm"
)

// ErrNoLicenses is returned when adding a sponsored user or premium
// supervisor would exceed the organization's license allowance.
var ErrNoLicenses = errors.New("no licenses available")

// InvalidUserError reports a mutation against a user that does not exist.
// The message text is surfaced verbatim by calling layers.
type InvalidUserError struct {
	Name string
}

func (e *InvalidUserError) Error() string { return "invalid user, " + e.Name }

// Service provides hierarchy queries and membership mutations.
type Service struct {
	db    *gorm.DB
	links *link.Store
	log   *slog.Logger

	// children caches HasChildren keyed on (org ID, UpdatedAt); a stale
	// stamp misses and refreshes.
	children sync.Map
}

type childEntry struct {
	stamp time.Time
	has   bool
}

// NewService builds a Service over the database and link store.
func NewService(db *gorm.DB, links *link.Store, log *slog.Logger) *Service {
	return &Service{db: db, links: links, log: log}
}

// Get loads an organization by id.
func (s *Service) Get(ctx context.Context, orgID string) (*model.Organization, error) {
	var o model.Organization
	if err := s.db.WithContext(ctx).First(&o, "id = ?", orgID).Error; err != nil {
		return nil, fmt.Errorf("load organization %s: %w", orgID, err)
	}
	return &o, nil
}

// UpstreamOrgs walks parent pointers upward and returns every ancestor.
// A node already visited is not revisited, so a cycle terminates with
// every other node on the cycle as the result. An unknown starting org is
// an empty read, not an error.
func (s *Service) UpstreamOrgs(ctx context.Context, orgID string) ([]model.Organization, error) {
	visited := map[string]bool{orgID: true}
	var out []model.Organization

	cur, err := s.Get(ctx, orgID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for cur.ParentID != nil {
		if visited[*cur.ParentID] {
			break
		}
		parent, err := s.Get(ctx, *cur.ParentID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		visited[parent.ID] = true
		out = append(out, *parent)
		cur = parent
	}
	return out, nil
}

// DownstreamOrgs returns every organization whose ancestor chain includes
// the given one, breadth-first, with the same cycle guard as UpstreamOrgs.
func (s *Service) DownstreamOrgs(ctx context.Context, orgID string) ([]model.Organization, error) {
	visited := map[string]bool{orgID: true}
	frontier := []string{orgID}
	var out []model.Organization

	for len(frontier) > 0 {
		var children []model.Organization
		if err := s.db.WithContext(ctx).
			Where("parent_id IN ?", frontier).
			Order("created_at").
			Find(&children).Error; err != nil {
			return nil, fmt.Errorf("load child organizations: %w", err)
		}
		frontier = frontier[:0]
		for _, child := range children {
			if visited[child.ID] {
				continue
			}
			visited[child.ID] = true
			out = append(out, child)
			frontier = append(frontier, child.ID)
		}
	}
	return out, nil
}

// HasChildren reports whether any organization names this one as parent.
// The answer is cached against the organization's UpdatedAt stamp, which
// SetParent bumps on the new parent.
func (s *Service) HasChildren(ctx context.Context, org *model.Organization) (bool, error) {
	if v, ok := s.children.Load(org.ID); ok {
		if e := v.(childEntry); e.stamp.Equal(org.UpdatedAt) {
			return e.has, nil
		}
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.Organization{}).
		Where("parent_id = ?", org.ID).
		Count(&n).Error; err != nil {
		return false, fmt.Errorf("count children: %w", err)
	}
	s.children.Store(org.ID, childEntry{stamp: org.UpdatedAt, has: n > 0})
	return n > 0, nil
}

// SetParent repoints the organization's parent and touches both ends of
// the move — the former parent may have lost its last child, the new one
// gained one — so stale HasChildren cache entries miss. parentID may be
// nil to detach. Cycles are legal; walks guard against them.
func (s *Service) SetParent(ctx context.Context, orgID string, parentID *string) error {
	cur, err := s.Get(ctx, orgID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).Model(&model.Organization{}).
		Where("id = ?", orgID).
		Updates(map[string]any{"parent_id": parentID, "updated_at": now}).Error; err != nil {
		return fmt.Errorf("set parent: %w", err)
	}
	touched := map[string]bool{}
	for _, p := range []*string{cur.ParentID, parentID} {
		if p == nil || touched[*p] {
			continue
		}
		touched[*p] = true
		if err := s.db.WithContext(ctx).Model(&model.Organization{}).
			Where("id = ?", *p).
			UpdateColumn("updated_at", now).Error; err != nil {
			return fmt.Errorf("touch parent: %w", err)
		}
	}
	return nil
}

// ---- Membership predicates ----------------------------------------------

// IsManager reports whether the user is a full manager of the organization.
func (s *Service) IsManager(ctx context.Context, userID, orgID string) (bool, error) {
	l, err := s.links.Get(ctx, userID, link.OrgRef(orgID), link.TypeOrgManager)
	if err != nil || l == nil {
		return false, err
	}
	return link.OrgManagerStateOf(l.State).FullManager, nil
}

// IsAssistant reports whether the user holds any manager link to the
// organization. Every full manager is also an assistant.
func (s *Service) IsAssistant(ctx context.Context, userID, orgID string) (bool, error) {
	l, err := s.links.Get(ctx, userID, link.OrgRef(orgID), link.TypeOrgManager)
	if err != nil {
		return false, err
	}
	return l != nil, nil
}

// IsSupervisor reports a non-pending org supervisor link.
func (s *Service) IsSupervisor(ctx context.Context, userID, orgID string) (bool, error) {
	l, err := s.links.Get(ctx, userID, link.OrgRef(orgID), link.TypeOrgSupervisor)
	if err != nil || l == nil {
		return false, err
	}
	return !link.OrgSupervisorStateOf(l.State).Pending, nil
}

// IsPendingSupervisor reports a pending org supervisor link.
func (s *Service) IsPendingSupervisor(ctx context.Context, userID, orgID string) (bool, error) {
	l, err := s.links.Get(ctx, userID, link.OrgRef(orgID), link.TypeOrgSupervisor)
	if err != nil || l == nil {
		return false, err
	}
	return link.OrgSupervisorStateOf(l.State).Pending, nil
}

// IsUser reports a non-pending org user link.
func (s *Service) IsUser(ctx context.Context, userID, orgID string) (bool, error) {
	l, err := s.links.Get(ctx, userID, link.OrgRef(orgID), link.TypeOrgUser)
	if err != nil || l == nil {
		return false, err
	}
	return !link.OrgUserStateOf(l.State).Pending, nil
}

// IsPendingUser reports a pending org user link.
func (s *Service) IsPendingUser(ctx context.Context, userID, orgID string) (bool, error) {
	l, err := s.links.Get(ctx, userID, link.OrgRef(orgID), link.TypeOrgUser)
	if err != nil || l == nil {
		return false, err
	}
	return link.OrgUserStateOf(l.State).Pending, nil
}

// IsSponsoredUser reports a non-pending sponsored org user link.
func (s *Service) IsSponsoredUser(ctx context.Context, userID, orgID string) (bool, error) {
	l, err := s.links.Get(ctx, userID, link.OrgRef(orgID), link.TypeOrgUser)
	if err != nil || l == nil {
		return false, err
	}
	st := link.OrgUserStateOf(l.State)
	return st.Sponsored && !st.Pending, nil
}

// ManagerFor reports whether the candidate holds full-manager authority
// over the target user: directly over an organization the user belongs to,
// transitively over any ancestor of such an organization, or globally via
// an admin-flagged organization. excludePending controls whether the
// target's pending memberships count; callers pass it explicitly.
func (s *Service) ManagerFor(ctx context.Context, candidateID, targetUserID string, excludePending bool) (bool, error) {
	managed, admin, err := s.managedOrgs(ctx, candidateID)
	if err != nil {
		return false, err
	}
	if admin {
		return true, nil
	}
	if len(managed) == 0 {
		return false, nil
	}

	memberships, err := s.membershipOrgIDs(ctx, targetUserID, excludePending)
	if err != nil {
		return false, err
	}
	for _, orgID := range memberships {
		if managed[orgID] {
			return true, nil
		}
		ancestors, err := s.UpstreamOrgs(ctx, orgID)
		if err != nil {
			return false, err
		}
		for _, a := range ancestors {
			if managed[a.ID] {
				return true, nil
			}
		}
	}
	return false, nil
}

// AdminManager reports whether the user is a full manager of any
// admin-flagged organization (global authority).
func (s *Service) AdminManager(ctx context.Context, userID string) (bool, error) {
	_, admin, err := s.managedOrgs(ctx, userID)
	return admin, err
}

// managedOrgs returns the set of org IDs the user fully manages, and
// whether any of them is admin-flagged.
func (s *Service) managedOrgs(ctx context.Context, userID string) (map[string]bool, bool, error) {
	views, err := s.links.LinksFor(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	managed := map[string]bool{}
	for _, v := range views {
		if v.Type != link.TypeOrgManager {
			continue
		}
		if !link.OrgManagerStateOf(v.State).FullManager {
			continue
		}
		ref, ok := parseRecordCode(v.RecordCode)
		if !ok || ref.Kind != link.TargetOrganization {
			continue
		}
		managed[ref.ID] = true
	}
	if len(managed) == 0 {
		return managed, false, nil
	}
	ids := make([]string, 0, len(managed))
	for id := range managed {
		ids = append(ids, id)
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.Organization{}).
		Where("id IN ? AND admin", ids).
		Count(&n).Error; err != nil {
		return nil, false, fmt.Errorf("count admin orgs: %w", err)
	}
	return managed, n > 0, nil
}

func (s *Service) membershipOrgIDs(ctx context.Context, userID string, excludePending bool) ([]string, error) {
	views, err := s.links.LinksFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, v := range views {
		if v.Type != link.TypeOrgUser {
			continue
		}
		if excludePending && link.OrgUserStateOf(v.State).Pending {
			continue
		}
		ref, ok := parseRecordCode(v.RecordCode)
		if !ok || ref.Kind != link.TargetOrganization {
			continue
		}
		out = append(out, ref.ID)
	}
	return out, nil
}

func parseRecordCode(code string) (link.TargetRef, bool) {
	for i := 0; i < len(code); i++ {
		if code[i] == ':' {
			return link.TargetRef{Kind: link.TargetKind(code[:i]), ID: code[i+1:]}, true
		}
	}
	return link.TargetRef{}, false
}
