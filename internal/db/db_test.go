package db_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/d9705996/gatekeep/internal/config"
	"github.com/d9705996/gatekeep/internal/db"
	"github.com/d9705996/gatekeep/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_SQLiteCreatesSchema(t *testing.T) {
	ctx := context.Background()
	gormDB, pool, err := db.New(ctx, &config.DBConfig{
		Driver: "sqlite",
		File:   filepath.Join(t.TempDir(), "gatekeep.db"),
	})
	require.NoError(t, err)
	assert.Nil(t, pool, "no pgx pool for sqlite")

	for _, m := range model.All() {
		assert.True(t, gormDB.Migrator().HasTable(m), "missing table for %T", m)
	}

	// The serialized maps survive a write/read round trip.
	u := model.User{ID: "u1", Name: "u1", Settings: model.JSONMap{"k": "v"}}
	require.NoError(t, gormDB.Create(&u).Error)
	var got model.User
	require.NoError(t, gormDB.First(&got, "id = ?", "u1").Error)
	assert.Equal(t, "v", got.Settings["k"])
}

func TestNewPinger(t *testing.T) {
	ctx := context.Background()
	gormDB, _, err := db.New(ctx, &config.DBConfig{
		Driver: "sqlite",
		File:   filepath.Join(t.TempDir(), "gatekeep.db"),
	})
	require.NoError(t, err)

	p := db.NewPinger(gormDB)
	assert.NoError(t, p.Ping(ctx))
}
