package org_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/d9705996/gatekeep/internal/config"
	"github.com/d9705996/gatekeep/internal/db"
	"github.com/d9705996/gatekeep/internal/jobs"
	"github.com/d9705996/gatekeep/internal/link"
	"github.com/d9705996/gatekeep/internal/model"
	"github.com/d9705996/gatekeep/internal/org"
	"github.com/d9705996/gatekeep/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*org.Service, *link.Store, *gorm.DB) {
	t.Helper()
	ctx := context.Background()
	gormDB, _, err := db.New(ctx, &config.DBConfig{
		Driver: "sqlite",
		File:   filepath.Join(t.TempDir(), "gatekeep.db"),
	})
	require.NoError(t, err)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	var links *link.Store
	queue, err := worker.New(ctx, nil, "sqlite", 1, worker.Handlers{
		Cascade: func(ctx context.Context, args jobs.CascadeRemovalArgs) error {
			return links.CascadeRemove(ctx, args.UserID, args.OrgID)
		},
		Deferred: func(ctx context.Context, args jobs.DeferredLinkArgs) error {
			return links.ApplyDeferred(ctx, args)
		},
	}, log)
	require.NoError(t, err)
	links = link.NewStore(gormDB, queue, log)

	return org.NewService(gormDB, links, log), links, gormDB
}

func seedUser(t *testing.T, gormDB *gorm.DB, id string) *model.User {
	t.Helper()
	u := model.User{ID: id, Name: "name-" + id}
	require.NoError(t, gormDB.Create(&u).Error)
	return &u
}

func seedOrg(t *testing.T, gormDB *gorm.DB, o model.Organization) *model.Organization {
	t.Helper()
	require.NoError(t, gormDB.Create(&o).Error)
	return &o
}

func ptr(s string) *string { return &s }

func TestUpstreamOrgs_Chain(t *testing.T) {
	svc, _, gormDB := newTestService(t)
	ctx := context.Background()
	seedOrg(t, gormDB, model.Organization{ID: "root", Name: "root"})
	seedOrg(t, gormDB, model.Organization{ID: "mid", Name: "mid", ParentID: ptr("root")})
	seedOrg(t, gormDB, model.Organization{ID: "leaf", Name: "leaf", ParentID: ptr("mid")})

	out, err := svc.UpstreamOrgs(ctx, "leaf")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "mid", out[0].ID)
	assert.Equal(t, "root", out[1].ID)
}

func TestUpstreamOrgs_CycleYieldsEveryOtherNode(t *testing.T) {
	svc, _, gormDB := newTestService(t)
	ctx := context.Background()
	// a -> b -> c -> a
	seedOrg(t, gormDB, model.Organization{ID: "a", Name: "a", ParentID: ptr("b")})
	seedOrg(t, gormDB, model.Organization{ID: "b", Name: "b", ParentID: ptr("c")})
	seedOrg(t, gormDB, model.Organization{ID: "c", Name: "c", ParentID: ptr("a")})

	out, err := svc.UpstreamOrgs(ctx, "a")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "b", out[0].ID)
	assert.Equal(t, "c", out[1].ID)
}

func TestUpstreamOrgs_SelfCycleTerminates(t *testing.T) {
	svc, _, gormDB := newTestService(t)
	ctx := context.Background()
	seedOrg(t, gormDB, model.Organization{ID: "a", Name: "a", ParentID: ptr("a")})

	out, err := svc.UpstreamOrgs(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestDownstreamOrgs_CycleYieldsEveryOtherNode(t *testing.T) {
	svc, _, gormDB := newTestService(t)
	ctx := context.Background()
	seedOrg(t, gormDB, model.Organization{ID: "a", Name: "a", ParentID: ptr("c")})
	seedOrg(t, gormDB, model.Organization{ID: "b", Name: "b", ParentID: ptr("a")})
	seedOrg(t, gormDB, model.Organization{ID: "c", Name: "c", ParentID: ptr("b")})

	out, err := svc.DownstreamOrgs(ctx, "a")
	require.NoError(t, err)
	ids := make([]string, len(out))
	for i, o := range out {
		ids[i] = o.ID
	}
	assert.ElementsMatch(t, []string{"b", "c"}, ids)
}

func TestDownstreamOrgs_Tree(t *testing.T) {
	svc, _, gormDB := newTestService(t)
	ctx := context.Background()
	seedOrg(t, gormDB, model.Organization{ID: "root", Name: "root"})
	seedOrg(t, gormDB, model.Organization{ID: "c1", Name: "c1", ParentID: ptr("root")})
	seedOrg(t, gormDB, model.Organization{ID: "c2", Name: "c2", ParentID: ptr("root")})
	seedOrg(t, gormDB, model.Organization{ID: "gc", Name: "gc", ParentID: ptr("c1")})
	seedOrg(t, gormDB, model.Organization{ID: "other", Name: "other"})

	out, err := svc.DownstreamOrgs(ctx, "root")
	require.NoError(t, err)
	ids := make([]string, len(out))
	for i, o := range out {
		ids[i] = o.ID
	}
	assert.ElementsMatch(t, []string{"c1", "c2", "gc"}, ids)
}

func TestUpstreamOrgs_UnknownOrgIsEmpty(t *testing.T) {
	svc, _, _ := newTestService(t)

	out, err := svc.UpstreamOrgs(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestHasChildren_CacheRefreshesOnReparent(t *testing.T) {
	svc, _, gormDB := newTestService(t)
	ctx := context.Background()
	seedOrg(t, gormDB, model.Organization{ID: "old", Name: "old"})
	seedOrg(t, gormDB, model.Organization{ID: "new", Name: "new"})
	seedOrg(t, gormDB, model.Organization{ID: "c", Name: "c"})

	require.NoError(t, svc.SetParent(ctx, "c", ptr("old")))
	oldParent, err := svc.Get(ctx, "old")
	require.NoError(t, err)
	has, err := svc.HasChildren(ctx, oldParent)
	require.NoError(t, err)
	require.True(t, has)

	// Moving the child touches the former parent too, so its cached true
	// misses and recounts to false.
	require.NoError(t, svc.SetParent(ctx, "c", ptr("new")))
	oldParent, err = svc.Get(ctx, "old")
	require.NoError(t, err)
	has, err = svc.HasChildren(ctx, oldParent)
	require.NoError(t, err)
	assert.False(t, has)

	newParent, err := svc.Get(ctx, "new")
	require.NoError(t, err)
	has, err = svc.HasChildren(ctx, newParent)
	require.NoError(t, err)
	assert.True(t, has)

	// Detaching touches the parent being left as well.
	require.NoError(t, svc.SetParent(ctx, "c", nil))
	newParent, err = svc.Get(ctx, "new")
	require.NoError(t, err)
	has, err = svc.HasChildren(ctx, newParent)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestHasChildren_CacheRefreshesOnSetParent(t *testing.T) {
	svc, _, gormDB := newTestService(t)
	ctx := context.Background()
	seedOrg(t, gormDB, model.Organization{ID: "p", Name: "p"})
	seedOrg(t, gormDB, model.Organization{ID: "c", Name: "c"})

	parent, err := svc.Get(ctx, "p")
	require.NoError(t, err)
	has, err := svc.HasChildren(ctx, parent)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, svc.SetParent(ctx, "c", ptr("p")))

	// SetParent bumps the parent's stamp, so the cached false misses.
	parent, err = svc.Get(ctx, "p")
	require.NoError(t, err)
	has, err = svc.HasChildren(ctx, parent)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestManagerFor_TransitiveOverAncestors(t *testing.T) {
	svc, _, gormDB := newTestService(t)
	ctx := context.Background()
	seedUser(t, gormDB, "boss")
	seedUser(t, gormDB, "member")
	seedOrg(t, gormDB, model.Organization{ID: "o1", Name: "o1"})
	seedOrg(t, gormDB, model.Organization{ID: "o2", Name: "o2", ParentID: ptr("o1")})
	seedOrg(t, gormDB, model.Organization{ID: "o3", Name: "o3", ParentID: ptr("o2")})

	require.NoError(t, svc.AddManager(ctx, "o1", "boss", true))
	require.NoError(t, svc.AddUser(ctx, "o3", "member", org.UserOptions{}))

	ok, err := svc.ManagerFor(ctx, "boss", "member", true)
	require.NoError(t, err)
	assert.True(t, ok, "root manager governs members of descendant orgs")

	require.NoError(t, svc.RemoveManager(ctx, "o1", "boss"))
	ok, err = svc.ManagerFor(ctx, "boss", "member", true)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManagerFor_PendingMembership(t *testing.T) {
	svc, _, gormDB := newTestService(t)
	ctx := context.Background()
	seedUser(t, gormDB, "boss")
	seedUser(t, gormDB, "member")
	seedOrg(t, gormDB, model.Organization{ID: "o1", Name: "o1"})

	require.NoError(t, svc.AddManager(ctx, "o1", "boss", true))
	require.NoError(t, svc.AddUser(ctx, "o1", "member", org.UserOptions{Pending: true}))

	ok, err := svc.ManagerFor(ctx, "boss", "member", true)
	require.NoError(t, err)
	assert.False(t, ok, "pending membership confers nothing when excluded")

	ok, err = svc.ManagerFor(ctx, "boss", "member", false)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestManagerFor_AdminOrgIsGlobal(t *testing.T) {
	svc, _, gormDB := newTestService(t)
	ctx := context.Background()
	seedUser(t, gormDB, "root-admin")
	seedUser(t, gormDB, "stranger")
	seedOrg(t, gormDB, model.Organization{ID: "hq", Name: "hq", Admin: true})

	require.NoError(t, svc.AddManager(ctx, "hq", "root-admin", true))

	ok, err := svc.ManagerFor(ctx, "root-admin", "stranger", true)
	require.NoError(t, err)
	assert.True(t, ok, "admin-org managers govern users with no membership at all")

	admin, err := svc.AdminManager(ctx, "root-admin")
	require.NoError(t, err)
	assert.True(t, admin)
}

func TestManagerFor_AssistantHasNoAuthority(t *testing.T) {
	svc, _, gormDB := newTestService(t)
	ctx := context.Background()
	seedUser(t, gormDB, "helper")
	seedUser(t, gormDB, "member")
	seedOrg(t, gormDB, model.Organization{ID: "o1", Name: "o1"})

	require.NoError(t, svc.AddManager(ctx, "o1", "helper", false))
	require.NoError(t, svc.AddUser(ctx, "o1", "member", org.UserOptions{}))

	assistant, err := svc.IsAssistant(ctx, "helper", "o1")
	require.NoError(t, err)
	assert.True(t, assistant)

	manager, err := svc.IsManager(ctx, "helper", "o1")
	require.NoError(t, err)
	assert.False(t, manager)

	ok, err := svc.ManagerFor(ctx, "helper", "member", true)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMembershipPredicates(t *testing.T) {
	svc, _, gormDB := newTestService(t)
	ctx := context.Background()
	seedUser(t, gormDB, "u1")
	seedUser(t, gormDB, "u2")
	seedOrg(t, gormDB, model.Organization{ID: "o1", Name: "o1", Licenses: 5})

	require.NoError(t, svc.AddUser(ctx, "o1", "u1", org.UserOptions{Sponsored: true}))
	require.NoError(t, svc.AddSupervisor(ctx, "o1", "u2", false, true))

	isUser, err := svc.IsUser(ctx, "u1", "o1")
	require.NoError(t, err)
	assert.True(t, isUser)
	sponsored, err := svc.IsSponsoredUser(ctx, "u1", "o1")
	require.NoError(t, err)
	assert.True(t, sponsored)
	pendingUser, err := svc.IsPendingUser(ctx, "u1", "o1")
	require.NoError(t, err)
	assert.False(t, pendingUser)

	sup, err := svc.IsSupervisor(ctx, "u2", "o1")
	require.NoError(t, err)
	assert.False(t, sup, "pending supervisor is not a supervisor")
	pendingSup, err := svc.IsPendingSupervisor(ctx, "u2", "o1")
	require.NoError(t, err)
	assert.True(t, pendingSup)
}

func TestAddUser_LicenseAccounting(t *testing.T) {
	svc, _, gormDB := newTestService(t)
	ctx := context.Background()
	seedUser(t, gormDB, "u1")
	seedUser(t, gormDB, "u2")
	seedUser(t, gormDB, "u3")
	seedOrg(t, gormDB, model.Organization{ID: "o1", Name: "o1", Licenses: 1, Extras: 1})

	require.NoError(t, svc.AddUser(ctx, "o1", "u1", org.UserOptions{Sponsored: true}))
	require.NoError(t, svc.AddSupervisor(ctx, "o1", "u2", true, false))

	err := svc.AddUser(ctx, "o1", "u3", org.UserOptions{Sponsored: true})
	require.ErrorIs(t, err, org.ErrNoLicenses)

	// Re-adding an already-licensed user does not double-count.
	require.NoError(t, svc.AddUser(ctx, "o1", "u1", org.UserOptions{Sponsored: true}))

	// Unsponsored memberships are free.
	require.NoError(t, svc.AddUser(ctx, "o1", "u3", org.UserOptions{}))
}

func TestAddSupervisor_PremiumMarksUser(t *testing.T) {
	svc, _, gormDB := newTestService(t)
	ctx := context.Background()
	seedUser(t, gormDB, "u1")
	seedOrg(t, gormDB, model.Organization{ID: "o1", Name: "o1", Licenses: 1})

	require.NoError(t, svc.AddSupervisor(ctx, "o1", "u1", true, false))

	var u model.User
	require.NoError(t, gormDB.First(&u, "id = ?", "u1").Error)
	assert.True(t, u.OrgSupporter)
	assert.Equal(t, model.RoleSupporter, u.RolePref)

	require.NoError(t, svc.RemoveSupervisor(ctx, "o1", "u1"))
	require.NoError(t, gormDB.First(&u, "id = ?", "u1").Error)
	assert.False(t, u.OrgSupporter)
}

func TestAddUser_SponsoredMarksUser(t *testing.T) {
	svc, _, gormDB := newTestService(t)
	ctx := context.Background()
	seedUser(t, gormDB, "u1")
	seedOrg(t, gormDB, model.Organization{ID: "o1", Name: "o1", Licenses: 1})

	require.NoError(t, svc.AddUser(ctx, "o1", "u1", org.UserOptions{Sponsored: true}))
	var u model.User
	require.NoError(t, gormDB.First(&u, "id = ?", "u1").Error)
	assert.True(t, u.Sponsored)

	require.NoError(t, svc.RemoveUser(ctx, "o1", "u1"))
	require.NoError(t, gormDB.First(&u, "id = ?", "u1").Error)
	assert.False(t, u.Sponsored)
}

func TestLookupUser_ByNameAndInvalid(t *testing.T) {
	svc, _, gormDB := newTestService(t)
	ctx := context.Background()
	seedUser(t, gormDB, "u1") // name is "name-u1"
	seedOrg(t, gormDB, model.Organization{ID: "o1", Name: "o1"})

	require.NoError(t, svc.AddManager(ctx, "o1", "name-u1", true))
	ok, err := svc.IsManager(ctx, "u1", "o1")
	require.NoError(t, err)
	assert.True(t, ok)

	err = svc.AddManager(ctx, "o1", "ghost", true)
	require.Error(t, err)
	assert.EqualError(t, err, "invalid user, ghost")
	var invalid *org.InvalidUserError
	assert.ErrorAs(t, err, &invalid)
}

func TestUpdateSettings_MergesKeys(t *testing.T) {
	svc, _, gormDB := newTestService(t)
	ctx := context.Background()
	seedOrg(t, gormDB, model.Organization{ID: "o1", Name: "o1", Settings: model.JSONMap{"theme": "dark"}})

	require.NoError(t, svc.UpdateSettings(ctx, "o1", map[string]any{"welcome": "hello"}))
	require.NoError(t, svc.UpdateSettings(ctx, "o1", map[string]any{"theme": "light"}))

	o, err := svc.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, "light", o.Settings["theme"])
	assert.Equal(t, "hello", o.Settings["welcome"])
	assert.EqualValues(t, 2, o.Version)
}
