// Package model contains GORM model definitions shared across packages.
// All models are driver-agnostic: they work with both PostgreSQL and SQLite.
package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JSONMap is a map[string]any that GORM serialises as JSON for both SQLite
// and PostgreSQL (TEXT column).
type JSONMap map[string]any

// RolePreference is a user's self-declared account role.
type RolePreference string

const (
	RoleCommunicator RolePreference = "communicator"
	RoleSupporter    RolePreference = "supporter"
)

// User is the GORM model for the users table. Subscription fields are flat
// columns rather than a child table: the billing classifier reads them as a
// unit and no other consumer exists.
type User struct {
	ID       string         `gorm:"type:text;primaryKey"`
	Name     string         `gorm:"type:text;not null;default:''"`
	RolePref RolePreference `gorm:"type:text;not null;default:'communicator'"`
	Public   bool           `gorm:"not null;default:false"`
	Deleted  bool           `gorm:"not null;default:false"`
	// Valet marks the restricted session mode: the account acting as itself
	// but with most self-capabilities withheld.
	Valet bool `gorm:"not null;default:false"`

	// Subscription record.
	PlanID       string `gorm:"type:text;not null;default:''"`
	ExpiresAt    *time.Time
	NeverExpires bool `gorm:"not null;default:false"`
	FreePremium  bool `gorm:"not null;default:false"`
	ModelingOnly bool `gorm:"not null;default:false"`
	EvalAccount  bool `gorm:"not null;default:false"`
	Sponsored    bool `gorm:"not null;default:false"`
	OrgSupporter bool `gorm:"not null;default:false"`

	// Preference defaults applied by activation-code redemption.
	Locale        string `gorm:"type:text;not null;default:''"`
	SymbolLibrary string `gorm:"type:text;not null;default:''"`
	HomeBoardID   string `gorm:"type:text;not null;default:''"`

	// Settings holds the free-form per-user settings map, including the
	// activation_settings entries for personal enrollment codes.
	Settings JSONMap `gorm:"type:text;not null;default:'{}';serializer:json"`

	Version   int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (u *User) BeforeCreate(_ *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return nil
}

// Organization is the GORM model for the organizations table.
// ParentID is mutable and may form cycles; hierarchy walks guard for that.
type Organization struct {
	ID   string `gorm:"type:text;primaryKey"`
	Name string `gorm:"type:text;not null"`
	// Admin marks a global-admin organization: its full managers hold
	// authority over every user in the system.
	Admin    bool    `gorm:"not null;default:false"`
	ParentID *string `gorm:"type:text;index"`
	Public   bool    `gorm:"not null;default:false"`

	// License accounting: sponsored users and premium supervisors each
	// consume one of Licenses+Extras.
	Licenses int `gorm:"not null;default:0"`
	Extras   int `gorm:"not null;default:0"`

	// Settings is the free-form organization settings map, mutated only
	// through the versioned merge operation.
	Settings JSONMap `gorm:"type:text;not null;default:'{}';serializer:json"`

	// ActivationSettings maps a code key (e.g. "1483920" or "a12") to the
	// enrollment settings object stored at issue time.
	ActivationSettings JSONMap `gorm:"type:text;not null;default:'{}';serializer:json"`

	Version   int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (o *Organization) BeforeCreate(_ *gorm.DB) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	return nil
}

// Link is a directed relationship record between a subject user and a
// target record (a user or an organization). At most one link of a given
// type exists per (subject, target) pair; upserts merge into it.
type Link struct {
	ID         string `gorm:"type:text;primaryKey"`
	UserID     string `gorm:"type:text;not null;index;uniqueIndex:uniq_link,priority:1"`
	TargetType string `gorm:"type:text;not null;uniqueIndex:uniq_link,priority:2"`
	TargetID   string `gorm:"type:text;not null;index;uniqueIndex:uniq_link,priority:3"`
	LinkType   string `gorm:"type:text;not null;uniqueIndex:uniq_link,priority:4"`

	// State is the per-type payload (sponsored/pending/full_manager/...).
	State JSONMap `gorm:"type:text;not null;default:'{}';serializer:json"`

	// ScopeOrgID is set on links scoped beneath an organizational sub-unit
	// so that removing the org_user link can cascade over them.
	ScopeOrgID *string `gorm:"type:text;index"`

	Version   int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (l *Link) BeforeCreate(_ *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	return nil
}

// ActivationCode is the lookup record behind an issued code. Every code
// gets a row (the decode path resolves the owner through it); custom codes
// additionally contribute their numeric ID as the settings key "a"+ID, and
// the unique Code column enforces global uniqueness of the chosen text.
type ActivationCode struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Code      string `gorm:"type:text;not null;uniqueIndex"`
	OwnerType string `gorm:"type:text;not null"`
	OwnerID   string `gorm:"type:text;not null;index"`
	Custom    bool   `gorm:"not null;default:false"`
	CreatedAt time.Time
}

// Redemption records one user redeeming one code. The unique pair makes
// re-redemption idempotent: side effects re-merge, usage counts once.
type Redemption struct {
	ID        string `gorm:"type:text;primaryKey"`
	UserID    string `gorm:"type:text;not null;uniqueIndex:uniq_redemption,priority:1"`
	Code      string `gorm:"type:text;not null;uniqueIndex:uniq_redemption,priority:2"`
	CreatedAt time.Time
}

// BeforeCreate generates a UUID primary key if not set.
func (r *Redemption) BeforeCreate(_ *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

// All lists every model for AutoMigrate.
func All() []any {
	return []any{
		&User{},
		&Organization{},
		&Link{},
		&ActivationCode{},
		&Redemption{},
	}
}
