// Package activation issues and redeems bounded-use enrollment codes. A
// code references an entry in its owner's activation settings map; redeeming
// creates relationship links and applies the stored preference defaults.
package activation

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/d9705996/gatekeep/internal/link"
	"github.com/d9705996/gatekeep/internal/model"
	"github.com/d9705996/gatekeep/internal/org"
	"gorm.io/gorm"
)

// Custom code validation failures, surfaced verbatim to the caller.
var (
	ErrCodeTooShort    = errors.New("code is too short")
	ErrCodeLetterStart = errors.New("code must start with a letter")
	ErrCodeTaken       = errors.New("code is taken")
)

// ErrUnknownCode is returned by Redeem when the code resolves to nothing.
var ErrUnknownCode = errors.New("invalid code")

const (
	minCustomLen = 6
	suffixDigits = 7

	// Discriminator prefixes of index-backed codes.
	discOrgUser       = "1"
	discOrgSupervisor = "2"
	discPersonal      = "9"
)

// User types an entry can enroll.
const (
	UserTypeCommunicator = "communicator"
	UserTypeSupervisor   = "supervisor"
)

// Options shapes a code at issue time.
type Options struct {
	ProposedCode  string
	UserType      string
	Locale        string
	SymbolLibrary string
	HomeBoard     string
	ExpiresAt     time.Time
	Limit         int
	Sponsored     bool
	Premium       bool
	Supervisors   []string
}

// Decoded is the result of resolving a code to its stored entry.
type Decoded struct {
	Owner    link.TargetRef
	UserType string
	Key      string
	Disabled bool
	Settings Settings
}

// Result reports a redemption. Disabled redemptions mutate nothing.
type Result struct {
	Disabled bool
	UserType string
	Owner    link.TargetRef
}

// BoardCopier is the external collaborator that copies a referenced home
// board. Permitted must check the board against the owner's current
// authorized set.
type BoardCopier interface {
	Permitted(ctx context.Context, boardID string, owner link.TargetRef) bool
	Copy(ctx context.Context, boardID, userID string) (string, error)
}

// NoopBoards denies all copies; the default when no board subsystem is wired.
type NoopBoards struct{}

// Permitted always reports false.
func (NoopBoards) Permitted(context.Context, string, link.TargetRef) bool { return false }

// Copy never runs; it returns an error if called anyway.
func (NoopBoards) Copy(context.Context, string, string) (string, error) {
	return "", errors.New("board copying not available")
}

// Codec issues, decodes, redeems, and revokes activation codes.
type Codec struct {
	db     *gorm.DB
	links  *link.Store
	orgs   *org.Service
	boards BoardCopier
	log    *slog.Logger
	now    func() time.Time
}

// NewCodec builds a Codec. boards may be nil; NoopBoards is used then.
func NewCodec(db *gorm.DB, links *link.Store, orgs *org.Service, boards BoardCopier, log *slog.Logger) *Codec {
	if boards == nil {
		boards = NoopBoards{}
	}
	return &Codec{
		db:     db,
		links:  links,
		orgs:   orgs,
		boards: boards,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Issue creates a code owned by a user or organization. With a proposed
// code the text is validated and persisted as a custom record; otherwise a
// discriminator-prefixed random code is generated. Returns the code text.
func (c *Codec) Issue(ctx context.Context, owner link.TargetRef, opts Options) (string, error) {
	settings := Settings{
		UserType:      opts.UserType,
		Locale:        opts.Locale,
		SymbolLibrary: opts.SymbolLibrary,
		HomeBoard:     opts.HomeBoard,
		ExpiresAt:     opts.ExpiresAt,
		Limit:         opts.Limit,
		Sponsored:     opts.Sponsored,
		Premium:       opts.Premium,
		Supervisors:   opts.Supervisors,
	}
	if settings.UserType == "" {
		settings.UserType = UserTypeCommunicator
	}

	if opts.ProposedCode != "" {
		return c.issueCustom(ctx, owner, opts.ProposedCode, settings)
	}
	return c.issueRandom(ctx, owner, settings)
}

func (c *Codec) issueCustom(ctx context.Context, owner link.TargetRef, proposed string, settings Settings) (string, error) {
	if len(proposed) < minCustomLen {
		return "", ErrCodeTooShort
	}
	first := proposed[0]
	if !(first >= 'a' && first <= 'z' || first >= 'A' && first <= 'Z') {
		return "", ErrCodeLetterStart
	}

	rec := model.ActivationCode{
		Code:      proposed,
		OwnerType: string(owner.Kind),
		OwnerID:   owner.ID,
		Custom:    true,
	}
	if err := c.db.WithContext(ctx).Create(&rec).Error; err != nil {
		// The unique code index is the global collision guard.
		var existing model.ActivationCode
		if lookupErr := c.db.WithContext(ctx).First(&existing, "code = ?", proposed).Error; lookupErr == nil {
			return "", ErrCodeTaken
		}
		return "", fmt.Errorf("create custom code: %w", err)
	}

	key := "a" + strconv.FormatInt(rec.ID, 10)
	if err := c.storeEntry(ctx, owner, key, settings.toMap()); err != nil {
		return "", err
	}
	return proposed, nil
}

func (c *Codec) issueRandom(ctx context.Context, owner link.TargetRef, settings Settings) (string, error) {
	disc := discPersonal
	if owner.Kind == link.TargetOrganization {
		disc = discOrgUser
		if settings.UserType == UserTypeSupervisor {
			disc = discOrgSupervisor
		}
	}

	for attempt := 0; attempt < 10; attempt++ {
		code := disc + randomDigits(suffixDigits)
		rec := model.ActivationCode{
			Code:      code,
			OwnerType: string(owner.Kind),
			OwnerID:   owner.ID,
		}
		if err := c.db.WithContext(ctx).Create(&rec).Error; err != nil {
			var existing model.ActivationCode
			if lookupErr := c.db.WithContext(ctx).First(&existing, "code = ?", code).Error; lookupErr == nil {
				continue // suffix collision, roll again
			}
			return "", fmt.Errorf("create code record: %w", err)
		}
		if err := c.storeEntry(ctx, owner, code, settings.toMap()); err != nil {
			return "", err
		}
		return code, nil
	}
	return "", errors.New("could not generate a unique code")
}

// Decode resolves a code to its stored settings entry. An unknown code or a
// missing entry yields (nil, nil); errors are reserved for storage failures.
func (c *Codec) Decode(ctx context.Context, code string) (*Decoded, error) {
	rec, err := c.lookup(ctx, code)
	if err != nil || rec == nil {
		return nil, err
	}
	owner := link.TargetRef{Kind: link.TargetKind(rec.OwnerType), ID: rec.OwnerID}
	key := code
	if rec.Custom {
		key = "a" + strconv.FormatInt(rec.ID, 10)
	}

	entries, _, err := c.loadEntries(ctx, owner)
	if err != nil {
		return nil, err
	}
	raw, ok := entries[key].(map[string]any)
	if !ok {
		return nil, nil
	}
	settings := settingsFromMap(raw)
	return &Decoded{
		Owner:    owner,
		UserType: settings.UserType,
		Key:      key,
		Disabled: settings.Disabled || settings.expired(c.now()) || settings.exhausted(),
		Settings: settings,
	}, nil
}

// Revoke marks the entry behind the code disabled. Returns false when the
// code does not resolve to an entry owned by owner.
func (c *Codec) Revoke(ctx context.Context, owner link.TargetRef, code string) (bool, error) {
	rec, err := c.lookup(ctx, code)
	if err != nil {
		return false, err
	}
	if rec == nil || rec.OwnerType != string(owner.Kind) || rec.OwnerID != owner.ID {
		return false, nil
	}
	key := code
	if rec.Custom {
		key = "a" + strconv.FormatInt(rec.ID, 10)
	}
	found := false
	err = c.mutateEntry(ctx, owner, key, func(entry map[string]any) (map[string]any, bool) {
		found = true
		entry["disabled"] = true
		return entry, true
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

func (c *Codec) lookup(ctx context.Context, code string) (*model.ActivationCode, error) {
	if code == "" {
		return nil, nil
	}
	var rec model.ActivationCode
	err := c.db.WithContext(ctx).First(&rec, "code = ?", code).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup code: %w", err)
	}
	return &rec, nil
}

// ---- owner settings map access -------------------------------------------

// loadEntries returns the owner's activation settings map and the owner
// row version guarding it.
func (c *Codec) loadEntries(ctx context.Context, owner link.TargetRef) (model.JSONMap, int64, error) {
	if owner.Kind == link.TargetOrganization {
		var o model.Organization
		if err := c.db.WithContext(ctx).First(&o, "id = ?", owner.ID).Error; err != nil {
			return nil, 0, fmt.Errorf("load code owner: %w", err)
		}
		return o.ActivationSettings, o.Version, nil
	}
	var u model.User
	if err := c.db.WithContext(ctx).First(&u, "id = ?", owner.ID).Error; err != nil {
		return nil, 0, fmt.Errorf("load code owner: %w", err)
	}
	entries, _ := u.Settings["activation_settings"].(map[string]any)
	return entries, u.Version, nil
}

// storeEntry writes a fresh settings entry under key.
func (c *Codec) storeEntry(ctx context.Context, owner link.TargetRef, key string, entry map[string]any) error {
	return c.mutateEntries(ctx, owner, func(entries model.JSONMap) bool {
		entries[key] = entry
		return true
	})
}

// mutateEntry applies fn to the entry under key through the versioned
// write loop. fn returns the updated entry and whether to write; a false
// proceed leaves the owner untouched. Missing entries are skipped.
func (c *Codec) mutateEntry(ctx context.Context, owner link.TargetRef, key string, fn func(map[string]any) (map[string]any, bool)) error {
	return c.mutateEntries(ctx, owner, func(entries model.JSONMap) bool {
		raw, ok := entries[key].(map[string]any)
		if !ok {
			return false
		}
		updated, proceed := fn(raw)
		if !proceed {
			return false
		}
		entries[key] = updated
		return true
	})
}

// mutateEntries is the read-copy-patch loop over the owner's settings map,
// conditioned on the owner row version. Concurrent redemptions serialize
// here: a lost race rereads and revalidates against fresh state.
func (c *Codec) mutateEntries(ctx context.Context, owner link.TargetRef, fn func(model.JSONMap) bool) error {
	for attempt := 0; attempt < 25; attempt++ {
		entries, version, err := c.loadEntries(ctx, owner)
		if err != nil {
			return err
		}
		copied := make(model.JSONMap, len(entries)+1)
		for k, v := range entries {
			copied[k] = v
		}
		if !fn(copied) {
			return nil
		}

		applied, err := c.writeEntries(ctx, owner, copied, version)
		if err != nil {
			return err
		}
		if applied {
			return nil
		}
	}
	return fmt.Errorf("activation settings for %s kept changing", owner.RecordCode())
}

func (c *Codec) writeEntries(ctx context.Context, owner link.TargetRef, entries model.JSONMap, version int64) (bool, error) {
	now := c.now()
	if owner.Kind == link.TargetOrganization {
		res := c.db.WithContext(ctx).Model(&model.Organization{}).
			Where("id = ? AND version = ?", owner.ID, version).
			Select("activation_settings", "version", "updated_at").
			Updates(model.Organization{ActivationSettings: entries, Version: version + 1, UpdatedAt: now})
		return res.RowsAffected == 1, res.Error
	}

	var u model.User
	if err := c.db.WithContext(ctx).First(&u, "id = ?", owner.ID).Error; err != nil {
		return false, fmt.Errorf("load code owner: %w", err)
	}
	if u.Version != version {
		return false, nil
	}
	settings := make(model.JSONMap, len(u.Settings)+1)
	for k, v := range u.Settings {
		settings[k] = v
	}
	settings["activation_settings"] = map[string]any(entries)
	res := c.db.WithContext(ctx).Model(&model.User{}).
		Where("id = ? AND version = ?", owner.ID, version).
		Select("settings", "version", "updated_at").
		Updates(model.User{Settings: settings, Version: version + 1, UpdatedAt: now})
	return res.RowsAffected == 1, res.Error
}

func randomDigits(n int) string {
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		d, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			// crypto/rand failure means the process is in real trouble.
			panic(err)
		}
		b.WriteByte(byte('0' + d.Int64()))
	}
	return b.String()
}
