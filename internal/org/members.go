package org

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/d9705996/gatekeep/internal/link"
	"github.com/d9705996/gatekeep/internal/model"
	"gorm.io/gorm"
)

// UserOptions shapes an org_user link created by AddUser.
type UserOptions struct {
	Sponsored bool
	Pending   bool
	Eval      bool
}

// AddManager links the user as a manager of the organization. full grants
// the full-manager bit; without it the user is an assistant only. The user
// key may be an id or a user name; an unknown key fails with
// "invalid user, <key>".
func (s *Service) AddManager(ctx context.Context, orgID, userKey string, full bool) error {
	u, err := s.lookupUser(ctx, userKey)
	if err != nil {
		return err
	}
	if _, err := s.Get(ctx, orgID); err != nil {
		return err
	}
	_, _, err = s.links.Upsert(ctx, u.ID, link.OrgRef(orgID), link.TypeOrgManager,
		link.OrgManagerState{FullManager: full}.Map())
	return err
}

// RemoveManager unlinks the user as a manager. Removing an absent link
// succeeds; an unknown user fails.
func (s *Service) RemoveManager(ctx context.Context, orgID, userKey string) error {
	u, err := s.lookupUser(ctx, userKey)
	if err != nil {
		return err
	}
	return s.links.Remove(ctx, u.ID, link.OrgRef(orgID), link.TypeOrgManager)
}

// AddSupervisor links the user as an org supervisor. A premium supervisor
// consumes a license; the add fails with ErrNoLicenses when none remain.
func (s *Service) AddSupervisor(ctx context.Context, orgID, userKey string, premium, pending bool) error {
	u, err := s.lookupUser(ctx, userKey)
	if err != nil {
		return err
	}
	o, err := s.Get(ctx, orgID)
	if err != nil {
		return err
	}
	if premium {
		if err := s.checkLicense(ctx, o, u.ID); err != nil {
			return err
		}
	}
	if _, _, err := s.links.Upsert(ctx, u.ID, link.OrgRef(orgID), link.TypeOrgSupervisor,
		link.OrgSupervisorState{Premium: premium, Pending: pending}.Map()); err != nil {
		return err
	}
	if premium && !pending {
		return s.markUser(ctx, u.ID, map[string]any{"org_supporter": true, "role_pref": model.RoleSupporter})
	}
	return nil
}

// RemoveSupervisor unlinks the user as an org supervisor.
func (s *Service) RemoveSupervisor(ctx context.Context, orgID, userKey string) error {
	u, err := s.lookupUser(ctx, userKey)
	if err != nil {
		return err
	}
	if err := s.links.Remove(ctx, u.ID, link.OrgRef(orgID), link.TypeOrgSupervisor); err != nil {
		return err
	}
	return s.markUser(ctx, u.ID, map[string]any{"org_supporter": false})
}

// AddUser links the user as an org member. A sponsored membership consumes
// a license.
func (s *Service) AddUser(ctx context.Context, orgID, userKey string, opts UserOptions) error {
	u, err := s.lookupUser(ctx, userKey)
	if err != nil {
		return err
	}
	o, err := s.Get(ctx, orgID)
	if err != nil {
		return err
	}
	if opts.Sponsored {
		if err := s.checkLicense(ctx, o, u.ID); err != nil {
			return err
		}
	}
	st := link.OrgUserState{Sponsored: opts.Sponsored, Pending: opts.Pending, Eval: opts.Eval}
	if _, _, err := s.links.Upsert(ctx, u.ID, link.OrgRef(orgID), link.TypeOrgUser, st.Map()); err != nil {
		return err
	}
	if opts.Sponsored && !opts.Pending {
		return s.markUser(ctx, u.ID, map[string]any{"sponsored": true})
	}
	return nil
}

// RemoveUser unlinks the user as an org member. The link store enqueues the
// sub-unit cascade; sub-unit links disappear eventually, not inline.
func (s *Service) RemoveUser(ctx context.Context, orgID, userKey string) error {
	u, err := s.lookupUser(ctx, userKey)
	if err != nil {
		return err
	}
	if err := s.links.Remove(ctx, u.ID, link.OrgRef(orgID), link.TypeOrgUser); err != nil {
		return err
	}
	return s.markUser(ctx, u.ID, map[string]any{"sponsored": false})
}

// UpdateSettings merges patch into the organization's settings map through
// a read-copy-patch write conditioned on the version column. A lost race
// retries against the fresh row; settings merges are commutative enough
// that last-writer-per-key is acceptable.
func (s *Service) UpdateSettings(ctx context.Context, orgID string, patch map[string]any) error {
	for attempt := 0; attempt < 5; attempt++ {
		o, err := s.Get(ctx, orgID)
		if err != nil {
			return err
		}
		merged := make(model.JSONMap, len(o.Settings)+len(patch))
		for k, v := range o.Settings {
			merged[k] = v
		}
		for k, v := range patch {
			merged[k] = v
		}
		res := s.db.WithContext(ctx).Model(&model.Organization{}).
			Where("id = ? AND version = ?", o.ID, o.Version).
			Select("settings", "version", "updated_at").
			Updates(model.Organization{Settings: merged, Version: o.Version + 1, UpdatedAt: time.Now().UTC()})
		if res.Error != nil {
			return fmt.Errorf("update settings: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return nil
		}
	}
	return fmt.Errorf("update settings: organization %s kept changing", orgID)
}

// checkLicense fails with ErrNoLicenses when every license is consumed by a
// sponsored user or premium supervisor other than the candidate (re-adding
// an already-licensed user does not double-count).
func (s *Service) checkLicense(ctx context.Context, o *model.Organization, userID string) error {
	rows, err := s.links.LinksForTarget(ctx, link.OrgRef(o.ID), link.TypeOrgUser, link.TypeOrgSupervisor)
	if err != nil {
		return err
	}
	used := 0
	for _, row := range rows {
		if row.UserID == userID {
			return nil
		}
		switch row.LinkType {
		case link.TypeOrgUser:
			if link.OrgUserStateOf(row.State).Sponsored {
				used++
			}
		case link.TypeOrgSupervisor:
			if link.OrgSupervisorStateOf(row.State).Premium {
				used++
			}
		}
	}
	if used >= o.Licenses+o.Extras {
		return ErrNoLicenses
	}
	return nil
}

// markUser flips subscription marker columns set by membership changes.
func (s *Service) markUser(ctx context.Context, userID string, cols map[string]any) error {
	cols["updated_at"] = time.Now().UTC()
	if err := s.db.WithContext(ctx).Model(&model.User{}).
		Where("id = ?", userID).
		Updates(cols).Error; err != nil {
		return fmt.Errorf("mark user %s: %w", userID, err)
	}
	return nil
}

// lookupUser resolves a user by id, then by name. Mutating operations
// surface the fixed "invalid user, <key>" message for unknown users.
func (s *Service) lookupUser(ctx context.Context, key string) (*model.User, error) {
	var u model.User
	err := s.db.WithContext(ctx).First(&u, "id = ?", key).Error
	if err == nil {
		return &u, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load user %s: %w", key, err)
	}
	err = s.db.WithContext(ctx).First(&u, "name = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &InvalidUserError{Name: key}
	}
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", key, err)
	}
	return &u, nil
}
