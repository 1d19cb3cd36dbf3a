package migrate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courtline/internal/db"
	"courtline/internal/migrate"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()

	v, err := migrate.Version(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, 0, v, "fresh database")

	for i := 0; i < 2; i++ {
		require.NoError(t, migrate.MigrateContext(ctx, conn), "pass %d", i)
	}
	v, err = migrate.Version(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	for _, table := range []string{"kv", "events"} {
		var name string
		err := conn.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		assert.NoError(t, err, "table %s", table)
	}
}
