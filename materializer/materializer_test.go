package materializer

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/estuary/awcp/protocol"
)

func TestMaterializeCopiesSelectedFiles(t *testing.T) {
	var fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/repo/main.go", []byte("package main"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/src/repo/secret.env", []byte("SECRET=1"), 0o644))

	var m = New(fs, StrategyCopy)
	var err = m.Materialize("d1", "/export", []protocol.Resource{{
		Name: "repo", Source: "/src/repo", Exclude: []string{"*.env"},
	}})
	require.NoError(t, err)

	exists, err := afero.Exists(fs, "/export/repo/main.go")
	require.NoError(t, err)
	require.True(t, exists)

	excluded, err := afero.Exists(fs, "/export/repo/secret.env")
	require.NoError(t, err)
	require.False(t, excluded)

	manifest, err := ReadManifest(fs, "/export")
	require.NoError(t, err)
	require.Equal(t, "d1", manifest.DelegationID)
	require.Len(t, manifest.Resources, 1)
	require.Equal(t, "repo", manifest.Resources[0].Name)
}

func TestMaterializeRollsBackOnFailure(t *testing.T) {
	var fs = afero.NewMemMapFs()
	// Source does not exist: Walk will fail and Materialize must remove
	// exportPath entirely rather than leave a half-built tree.
	var m = New(fs, StrategyCopy)
	var err = m.Materialize("d1", "/export", []protocol.Resource{{Name: "repo", Source: "/src/missing"}})
	require.Error(t, err)

	exists, statErr := afero.Exists(fs, "/export")
	require.NoError(t, statErr)
	require.False(t, exists)
}

func TestSelectedHonorsIncludeThenExclude(t *testing.T) {
	var res = protocol.Resource{Include: []string{"*.go"}, Exclude: []string{"*_test.go"}}
	require.True(t, Selected("main.go", res))
	require.False(t, Selected("main_test.go", res))
	require.False(t, Selected("README.md", res))
}

func TestReleaseRemovesExportTree(t *testing.T) {
	var fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/export/repo/main.go", []byte("x"), 0o644))

	var m = New(fs, StrategyCopy)
	require.NoError(t, m.Release("/export"))

	exists, err := afero.Exists(fs, "/export")
	require.NoError(t, err)
	require.False(t, exists)
}
