package migrations_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/slok/autopilot/internal/log"
	"github.com/slok/autopilot/internal/storage/sqlite/migrations"
)

func TestUp(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "autopilot.db"))
	require.NoError(err)
	defer db.Close()

	version, err := migrations.Up(context.TODO(), db, log.Noop)
	require.NoError(err)
	assert.Equal(uint(1), version)

	// Applying again is a no-op.
	version, err = migrations.Up(context.TODO(), db, log.Noop)
	require.NoError(err)
	assert.Equal(uint(1), version)

	// Only one active run per task.
	_, err = db.Exec(`INSERT INTO runs (id, task_id, status, created_at, updated_at) VALUES ('r1', 't1', 'RUNNING', 0, 0)`)
	require.NoError(err)
	_, err = db.Exec(`INSERT INTO runs (id, task_id, status, created_at, updated_at) VALUES ('r2', 't1', 'PAUSED', 0, 0)`)
	assert.Error(err)
	_, err = db.Exec(`INSERT INTO runs (id, task_id, status, created_at, updated_at) VALUES ('r3', 't1', 'DONE', 0, 0)`)
	assert.NoError(err)
}

func TestUpDirtySchema(t *testing.T) {
	require := require.New(t)

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "autopilot.db"))
	require.NoError(err)
	defer db.Close()

	_, err = migrations.Up(context.TODO(), db, log.Noop)
	require.NoError(err)

	_, err = db.Exec(`UPDATE schema_migrations SET dirty = 1`)
	require.NoError(err)

	_, err = migrations.Up(context.TODO(), db, log.Noop)
	require.ErrorIs(err, migrations.ErrDirty)
}

func TestUpWithoutDB(t *testing.T) {
	_, err := migrations.Up(context.TODO(), nil, nil)
	assert.Error(t, err)
}
