package workspace

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestAllocateRejectsDuplicateID(t *testing.T) {
	var m = New(afero.NewMemMapFs(), "/work")
	var path, err = m.Allocate("d1")
	require.NoError(t, err)
	require.Equal(t, "/work/d1", path)

	_, err = m.Allocate("d1")
	require.Error(t, err)
}

func TestValidateRejectsTraversal(t *testing.T) {
	var m = New(afero.NewMemMapFs(), "/work")
	require.Error(t, m.Validate("/work/../etc/passwd"))
	require.NoError(t, m.Validate("/work/d1"))
}

func TestPrepareRefusesNonEmptyDirectory(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var m = New(fs, "/work")
	require.NoError(t, afero.WriteFile(fs, "/work/d1/leftover.txt", []byte("x"), 0o644))

	var err = m.Prepare("/work/d1")
	require.Error(t, err)
}

func TestReleaseFreesIDForReallocation(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var m = New(fs, "/work")
	_, err := m.Allocate("d1")
	require.NoError(t, err)

	require.NoError(t, m.Release("d1", "/work/d1"))

	_, err = m.Allocate("d1")
	require.NoError(t, err)
}

func TestCleanupStaleRemovesUnallocatedChildren(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var m = New(fs, "/work")
	_, err := m.Allocate("live")
	require.NoError(t, err)
	require.NoError(t, fs.MkdirAll("/work/live", 0o755))
	require.NoError(t, fs.MkdirAll("/work/orphan", 0o755))

	removed, err := m.CleanupStale()
	require.NoError(t, err)
	require.Equal(t, []string{"orphan"}, removed)

	exists, err := afero.DirExists(fs, "/work/live")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestCleanupStaleTolerantOfMissingRoot(t *testing.T) {
	var m = New(afero.NewMemMapFs(), "/never-created")
	removed, err := m.CleanupStale()
	require.NoError(t, err)
	require.Nil(t, removed)
}
