package activation

import (
	"context"
	"errors"
	"fmt"

	"github.com/d9705996/gatekeep/internal/link"
	"github.com/d9705996/gatekeep/internal/model"
	"github.com/d9705996/gatekeep/internal/org"
	"gorm.io/gorm"
)

// Redeem decodes the code and, when it is still redeemable, counts the
// usage and applies the enrollment side effects for the redeeming user.
// A disabled, expired, or exhausted code returns a Disabled result and
// mutates nothing. Usage counting goes through the owner-row version
// guard, so concurrent redemptions never exceed the limit. A user who
// already redeemed the code re-applies the side effects without taking a
// second slot, so exhaustion never blocks a re-redemption; an explicit
// revoke or expiry still does.
func (c *Codec) Redeem(ctx context.Context, code string, user *model.User) (*Result, error) {
	dec, err := c.Decode(ctx, code)
	if err != nil {
		return nil, err
	}
	if dec == nil {
		return nil, ErrUnknownCode
	}
	result := &Result{UserType: dec.UserType, Owner: dec.Owner}

	already, err := c.alreadyRedeemed(ctx, user.ID, code)
	if err != nil {
		return nil, err
	}
	tookSlot := false
	if already {
		if dec.Settings.Disabled || dec.Settings.expired(c.now()) {
			result.Disabled = true
			return result, nil
		}
	} else {
		if dec.Disabled {
			result.Disabled = true
			return result, nil
		}
		counted := false
		err = c.mutateEntry(ctx, dec.Owner, dec.Key, func(entry map[string]any) (map[string]any, bool) {
			counted = false
			s := settingsFromMap(entry)
			// Revalidate against fresh state: another redeemer may have
			// taken the last slot between Decode and here.
			if s.Disabled || s.expired(c.now()) || s.exhausted() {
				return entry, false
			}
			entry["used_count"] = s.UsedCount + 1
			counted = true
			return entry, true
		})
		if err != nil {
			return nil, err
		}
		if !counted {
			result.Disabled = true
			return result, nil
		}
		tookSlot = true
	}

	if err := c.enroll(ctx, dec, user); err != nil {
		// A failed enrollment must not burn the slot: the caller may fix
		// the cause (say, free a license) and retry.
		if tookSlot {
			c.releaseSlot(ctx, dec)
		}
		return nil, err
	}
	if err := c.applyDefaults(ctx, dec, user); err != nil {
		return nil, err
	}
	if err := c.record(ctx, user.ID, code); err != nil {
		return nil, err
	}
	return result, nil
}

// releaseSlot hands back a usage slot taken by a redemption whose
// enrollment failed.
func (c *Codec) releaseSlot(ctx context.Context, dec *Decoded) {
	err := c.mutateEntry(ctx, dec.Owner, dec.Key, func(entry map[string]any) (map[string]any, bool) {
		s := settingsFromMap(entry)
		if s.UsedCount == 0 {
			return entry, false
		}
		entry["used_count"] = s.UsedCount - 1
		return entry, true
	})
	if err != nil {
		c.log.Warn("release usage slot", "key", dec.Key, "err", err)
	}
}

// enroll creates the relationship the code stands for.
func (c *Codec) enroll(ctx context.Context, dec *Decoded, user *model.User) error {
	s := dec.Settings
	switch {
	case dec.Owner.Kind == link.TargetOrganization && s.UserType == UserTypeSupervisor:
		return c.orgs.AddSupervisor(ctx, dec.Owner.ID, user.ID, s.Premium, false)
	case dec.Owner.Kind == link.TargetOrganization:
		err := c.orgs.AddUser(ctx, dec.Owner.ID, user.ID, org.UserOptions{Sponsored: s.Sponsored})
		if err != nil {
			return err
		}
	default:
		// Personal code: the redeemer becomes a supervisor of the owner.
		_, _, err := c.links.Upsert(ctx, user.ID, link.UserRef(dec.Owner.ID),
			link.TypePeerSupervisor, link.PeerSupervisorState{Mode: link.ModeEdit}.Map())
		if err != nil {
			return err
		}
	}

	// Stored supervisor list: each listed user supervises the redeemer.
	for _, supID := range s.Supervisors {
		if supID == user.ID {
			continue
		}
		if _, _, err := c.links.Upsert(ctx, supID, link.UserRef(user.ID),
			link.TypePeerSupervisor, link.PeerSupervisorState{Mode: link.ModeEdit}.Map()); err != nil {
			return fmt.Errorf("attach supervisor %s: %w", supID, err)
		}
	}
	return nil
}

// applyDefaults writes the code's stored preference defaults onto the
// redeeming user. Locale and symbol library only fill blanks; the role
// preference follows the code's user type. A referenced home board is
// copied only when the user has none, and only if the board is currently
// permitted for copying from the owner's authorized set.
func (c *Codec) applyDefaults(ctx context.Context, dec *Decoded, user *model.User) error {
	s := dec.Settings
	cols := map[string]any{"updated_at": c.now()}

	if s.UserType == UserTypeSupervisor {
		cols["role_pref"] = model.RoleSupporter
	} else {
		cols["role_pref"] = model.RoleCommunicator
	}
	if user.Locale == "" && s.Locale != "" {
		cols["locale"] = s.Locale
	}
	if user.SymbolLibrary == "" && s.SymbolLibrary != "" {
		cols["symbol_library"] = s.SymbolLibrary
	}
	if user.HomeBoardID == "" && s.HomeBoard != "" && c.boards.Permitted(ctx, s.HomeBoard, dec.Owner) {
		boardID, err := c.boards.Copy(ctx, s.HomeBoard, user.ID)
		if err != nil {
			// The enrollment stands even when the copy collaborator fails.
			c.log.Warn("home board copy failed", "board", s.HomeBoard, "user", user.ID, "err", err)
		} else {
			cols["home_board_id"] = boardID
		}
	}

	if err := c.db.WithContext(ctx).Model(&model.User{}).
		Where("id = ?", user.ID).
		Updates(cols).Error; err != nil {
		return fmt.Errorf("apply enrollment defaults: %w", err)
	}
	return nil
}

func (c *Codec) alreadyRedeemed(ctx context.Context, userID, code string) (bool, error) {
	var r model.Redemption
	err := c.db.WithContext(ctx).First(&r, "user_id = ? AND code = ?", userID, code).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup redemption: %w", err)
	}
	return true, nil
}

func (c *Codec) record(ctx context.Context, userID, code string) error {
	r := model.Redemption{UserID: userID, Code: code}
	if err := c.db.WithContext(ctx).Create(&r).Error; err != nil {
		// The unique (user, code) pair already existing is the idempotent
		// re-redemption case, not a failure.
		var existing model.Redemption
		if lookupErr := c.db.WithContext(ctx).First(&existing, "user_id = ? AND code = ?", userID, code).Error; lookupErr == nil {
			return nil
		}
		return fmt.Errorf("record redemption: %w", err)
	}
	return nil
}
