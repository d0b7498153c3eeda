package migrator_test

import (
	"fmt"
	"testing"

	"github.com/ory/dockertest/v3"
	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-go-kit/testhelper/docker/resource/postgres"

	migrator "github.com/frostlabs/frost-archiver/services/sql-migrator"
	"github.com/frostlabs/frost-archiver/sql/migrations"
)

func TestMigrate(t *testing.T) {
	dirs, err := migrations.FS.ReadDir(".")
	require.NoError(t, err)

	var migrationDir []string

	for _, dir := range dirs {
		if dir.IsDir() {
			migrationDir = append(migrationDir, dir.Name())
		}
	}
	require.NotEmpty(t, migrationDir)

	pool, err := dockertest.NewPool("")
	require.NoError(t, err)

	pgResource, err := postgres.Setup(pool, t)
	require.NoError(t, err)

	for _, dir := range migrationDir {
		t.Run(dir, func(t *testing.T) {
			m := migrator.Migrator{
				MigrationsTable: fmt.Sprintf("migrations_%s", dir),
				Handle:          pgResource.DB,
			}
			require.NoError(t, m.Migrate(dir))

			// a second run is a no-op
			require.NoError(t, m.Migrate(dir))
		})
	}
}
