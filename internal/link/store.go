// Package link implements the relationship link store: the ledger of
// directed, typed relationship records between a user and a target record
// (another user or an organization).
package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/d9705996/gatekeep/internal/jobs"
	"github.com/d9705996/gatekeep/internal/model"
	"gorm.io/gorm"
)

// TargetKind discriminates the target side of a link.
type TargetKind string

const (
	TargetUser         TargetKind = "user"
	TargetOrganization TargetKind = "organization"
)

// TargetRef is a tagged reference to a user or an organization.
type TargetRef struct {
	Kind TargetKind
	ID   string
}

// UserRef builds a TargetRef for a user.
func UserRef(id string) TargetRef { return TargetRef{Kind: TargetUser, ID: id} }

// OrgRef builds a TargetRef for an organization.
func OrgRef(id string) TargetRef { return TargetRef{Kind: TargetOrganization, ID: id} }

// RecordCode is the stable string form of the reference, e.g.
// "organization:f3a0…".
func (r TargetRef) RecordCode() string { return string(r.Kind) + ":" + r.ID }

// Status reports whether a mutation was applied or deferred to the queue.
type Status int

const (
	StatusApplied Status = iota
	StatusDeferred
)

// View is the plain projection of a link returned by LinksFor.
type View struct {
	UserID     string         `json:"user_id"`
	RecordCode string         `json:"record_code"`
	Type       string         `json:"type"`
	State      map[string]any `json:"state"`
}

// Enqueuer hands job descriptions to the async collaborator. The store only
// enqueues; it never executes jobs itself.
type Enqueuer interface {
	Enqueue(ctx context.Context, args jobs.Args) error
}

// Store is the relationship link store.
type Store struct {
	db    *gorm.DB
	queue Enqueuer
	log   *slog.Logger
	now   func() time.Time
}

// NewStore builds a Store over the given database and job queue.
func NewStore(db *gorm.DB, queue Enqueuer, log *slog.Logger) *Store {
	return &Store{
		db:    db,
		queue: queue,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Upsert merges patch into the state of the (subject, target, linkType)
// link, creating it with an added_at stamp when absent. A lost optimistic
// write is not retried inline: the patch is enqueued for async replay and
// StatusDeferred is returned with the stale link.
func (s *Store) Upsert(ctx context.Context, subjectID string, target TargetRef, linkType string, patch map[string]any) (*model.Link, Status, error) {
	existing, err := s.find(ctx, subjectID, target, linkType)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, StatusApplied, err
	}

	if existing == nil {
		created, createErr := s.create(ctx, subjectID, target, linkType, patch)
		if createErr == nil {
			s.touch(ctx, subjectID, target)
			s.notify(ctx, "link_added", subjectID, target)
			return created, StatusApplied, nil
		}
		// A concurrent create won the unique index; merge into that row.
		existing, err = s.find(ctx, subjectID, target, linkType)
		if err != nil {
			return nil, StatusApplied, createErr
		}
	}

	merged := make(model.JSONMap, len(existing.State)+len(patch))
	for k, v := range existing.State {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}

	res := s.db.WithContext(ctx).
		Model(&model.Link{}).
		Where("id = ? AND version = ?", existing.ID, existing.Version).
		Select("state", "version", "updated_at").
		Updates(model.Link{State: merged, Version: existing.Version + 1, UpdatedAt: s.now()})
	if res.Error != nil {
		return nil, StatusApplied, fmt.Errorf("update link: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Concurrent writer moved the version; defer the patch rather than
		// clobbering their state.
		if err := s.queue.Enqueue(ctx, jobs.DeferredLinkArgs{
			Op:         "upsert",
			SubjectID:  subjectID,
			TargetKind: string(target.Kind),
			TargetID:   target.ID,
			LinkType:   linkType,
			State:      patch,
		}); err != nil {
			return nil, StatusApplied, fmt.Errorf("defer link upsert: %w", err)
		}
		s.log.Debug("link upsert deferred", "subject", subjectID, "target", target.RecordCode(), "type", linkType)
		return existing, StatusDeferred, nil
	}

	existing.State = merged
	existing.Version++
	s.touch(ctx, subjectID, target)
	return existing, StatusApplied, nil
}

// Remove deletes the (subject, target, linkType) link. A missing link is a
// successful no-op. Removing an org_user link enqueues the sub-unit cascade;
// the caller may observe the sub-unit links until the job runs.
func (s *Store) Remove(ctx context.Context, subjectID string, target TargetRef, linkType string) error {
	existing, err := s.find(ctx, subjectID, target, linkType)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.db.WithContext(ctx).Delete(&model.Link{}, "id = ?", existing.ID).Error; err != nil {
		return fmt.Errorf("delete link: %w", err)
	}
	s.touch(ctx, subjectID, target)
	s.notify(ctx, "link_removed", subjectID, target)

	if linkType == TypeOrgUser && target.Kind == TargetOrganization {
		if err := s.queue.Enqueue(ctx, jobs.CascadeRemovalArgs{UserID: subjectID, OrgID: target.ID}); err != nil {
			return fmt.Errorf("enqueue cascade removal: %w", err)
		}
	}
	return nil
}

// LinksFor returns every link where the user is the subject, reduced to the
// plain View projection.
func (s *Store) LinksFor(ctx context.Context, userID string) ([]View, error) {
	var rows []model.Link
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load links: %w", err)
	}
	views := make([]View, 0, len(rows))
	for _, row := range rows {
		ref := TargetRef{Kind: TargetKind(row.TargetType), ID: row.TargetID}
		views = append(views, View{
			UserID:     row.UserID,
			RecordCode: ref.RecordCode(),
			Type:       row.LinkType,
			State:      row.State,
		})
	}
	return views, nil
}

// LinksForTarget returns every link pointing at the target, optionally
// filtered to the given link types. Used for organization license and
// membership accounting.
func (s *Store) LinksForTarget(ctx context.Context, target TargetRef, types ...string) ([]model.Link, error) {
	q := s.db.WithContext(ctx).
		Where("target_type = ? AND target_id = ?", target.Kind, target.ID)
	if len(types) > 0 {
		q = q.Where("link_type IN ?", types)
	}
	var rows []model.Link
	if err := q.Order("created_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load target links: %w", err)
	}
	return rows, nil
}

// Get returns the link for (subject, target, linkType), or nil when absent.
func (s *Store) Get(ctx context.Context, subjectID string, target TargetRef, linkType string) (*model.Link, error) {
	l, err := s.find(ctx, subjectID, target, linkType)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return l, err
}

// CascadeRemove deletes every link of the user scoped beneath a sub-unit of
// the organization. Executed by the worker; safe to re-apply.
func (s *Store) CascadeRemove(ctx context.Context, userID, orgID string) error {
	res := s.db.WithContext(ctx).
		Where("user_id = ? AND scope_org_id = ?", userID, orgID).
		Delete(&model.Link{})
	if res.Error != nil {
		return fmt.Errorf("cascade remove: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.log.Info("sub-unit links removed", "user", userID, "org", orgID, "count", res.RowsAffected)
		s.touchUser(ctx, userID)
	}
	return nil
}

// ApplyDeferred replays a link mutation that was deferred by a version
// conflict. Executed by the worker; a second conflict defers again.
func (s *Store) ApplyDeferred(ctx context.Context, args jobs.DeferredLinkArgs) error {
	target := TargetRef{Kind: TargetKind(args.TargetKind), ID: args.TargetID}
	switch args.Op {
	case "upsert":
		_, _, err := s.Upsert(ctx, args.SubjectID, target, args.LinkType, args.State)
		return err
	case "remove":
		return s.Remove(ctx, args.SubjectID, target, args.LinkType)
	default:
		return fmt.Errorf("unknown deferred link op %q", args.Op)
	}
}

func (s *Store) find(ctx context.Context, subjectID string, target TargetRef, linkType string) (*model.Link, error) {
	var l model.Link
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND target_type = ? AND target_id = ? AND link_type = ?",
			subjectID, target.Kind, target.ID, linkType).
		First(&l).Error
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *Store) create(ctx context.Context, subjectID string, target TargetRef, linkType string, patch map[string]any) (*model.Link, error) {
	state := make(model.JSONMap, len(patch)+1)
	for k, v := range patch {
		state[k] = v
	}
	state[keyAddedAt] = s.now().Format(time.RFC3339)

	l := model.Link{
		UserID:     subjectID,
		TargetType: string(target.Kind),
		TargetID:   target.ID,
		LinkType:   linkType,
		State:      state,
	}
	if scope, ok := patch["scope_org_id"].(string); ok && scope != "" {
		l.ScopeOrgID = &scope
	}
	if err := s.db.WithContext(ctx).Create(&l).Error; err != nil {
		return nil, err
	}
	return &l, nil
}

// touch bumps the permission-cache invalidation timestamps: always the
// subject user's, and the organization's when the target is one.
func (s *Store) touch(ctx context.Context, subjectID string, target TargetRef) {
	s.touchUser(ctx, subjectID)
	if target.Kind == TargetOrganization {
		if err := s.db.WithContext(ctx).Model(&model.Organization{}).
			Where("id = ?", target.ID).
			UpdateColumn("updated_at", s.now()).Error; err != nil {
			s.log.Warn("touch organization", "org", target.ID, "err", err)
		}
	}
}

func (s *Store) touchUser(ctx context.Context, userID string) {
	if err := s.db.WithContext(ctx).Model(&model.User{}).
		Where("id = ?", userID).
		UpdateColumn("updated_at", s.now()).Error; err != nil {
		s.log.Warn("touch user", "user", userID, "err", err)
	}
}

func (s *Store) notify(ctx context.Context, event, subjectID string, target TargetRef) {
	args := jobs.NotifyArgs{Event: event, UserID: subjectID}
	if target.Kind == TargetOrganization {
		args.OrgID = target.ID
	}
	if err := s.queue.Enqueue(ctx, args); err != nil {
		// Notification loss is tolerable; relationship state is not.
		s.log.Warn("enqueue notify", "event", event, "err", err)
	}
}
