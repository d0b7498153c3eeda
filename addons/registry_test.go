package addons_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/frostlabs/frost-archiver/addons"
)

func TestRegistry(t *testing.T) {
	t.Run("fills defaults", func(t *testing.T) {
		r, err := addons.NewRegistry([]addons.Definition{
			{Name: "github", DisplayName: "GitHub"},
			{Name: "s3"},
		})
		require.NoError(t, err)

		def, err := r.Lookup("github")
		require.NoError(t, err)
		require.Equal(t, "github", def.Provider)
		require.Equal(t, "Archive of GitHub", def.FolderName)

		def, err = r.Lookup("s3")
		require.NoError(t, err)
		require.Equal(t, "s3", def.DisplayName)
		require.Equal(t, "Archive of s3", def.FolderName)
	})

	t.Run("keeps registration order", func(t *testing.T) {
		r, err := addons.NewRegistry([]addons.Definition{
			{Name: "zeta"}, {Name: "alpha"}, {Name: "mid"},
		})
		require.NoError(t, err)
		require.Equal(t, []string{"zeta", "alpha", "mid"}, r.Names())
	})

	t.Run("rejects duplicates", func(t *testing.T) {
		_, err := addons.NewRegistry([]addons.Definition{
			{Name: "github"}, {Name: "github"},
		})
		require.Error(t, err)
	})

	t.Run("rejects empty names", func(t *testing.T) {
		_, err := addons.NewRegistry([]addons.Definition{{DisplayName: "GitHub"}})
		require.Error(t, err)
	})

	t.Run("unknown addon", func(t *testing.T) {
		r := addons.DefaultRegistry()
		_, err := r.Lookup("no-such-addon")
		require.ErrorIs(t, err, addons.ErrUnknownAddon)
	})
}

func TestLoadRegistry(t *testing.T) {
	t.Run("loads definitions file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "addons.json")
		require.NoError(t, os.WriteFile(path, []byte(`[
			{"name": "osfstorage", "displayName": "OSF Storage"},
			{"name": "github", "provider": "githubv3", "folderName": "GitHub Archive"}
		]`), 0o600))

		r, err := addons.LoadRegistry(path)
		require.NoError(t, err)
		require.Equal(t, []string{"osfstorage", "github"}, r.Names())

		def, err := r.Lookup("github")
		require.NoError(t, err)
		require.Equal(t, "githubv3", def.Provider)
		require.Equal(t, "GitHub Archive", def.FolderName)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := addons.LoadRegistry(filepath.Join(t.TempDir(), "missing.json"))
		require.Error(t, err)
	})

	t.Run("malformed file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "addons.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"not":"an array"}`), 0o600))

		_, err := addons.LoadRegistry(path)
		require.Error(t, err)
	})
}
