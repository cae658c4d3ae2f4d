package delegationstore

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/estuary/awcp/protocol"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var s = New(fs, "/data")

	var d = &protocol.Delegation{ID: "d1", State: protocol.StateCreated, Task: protocol.Task{Description: "do it"}}
	require.NoError(t, s.Save(d))

	loaded, err := s.Load("d1")
	require.NoError(t, err)
	require.Equal(t, d.Task.Description, loaded.Task.Description)
	require.Equal(t, protocol.StateCreated, loaded.State)
}

func TestLoadUnknownReturnsNotFound(t *testing.T) {
	var s = New(afero.NewMemMapFs(), "/data")
	var _, err = s.Load("missing")
	require.Error(t, err)
	perr, ok := err.(*protocol.Error)
	require.True(t, ok)
	require.Equal(t, protocol.CodeNotFound, perr.Code)
}

func TestDeleteIsIdempotent(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var s = New(fs, "/data")
	require.NoError(t, s.Save(&protocol.Delegation{ID: "d1"}))
	require.NoError(t, s.Delete("d1"))
	require.NoError(t, s.Delete("d1"))
}

func TestListReturnsPersistedIDs(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var s = New(fs, "/data")
	require.NoError(t, s.Save(&protocol.Delegation{ID: "a"}))
	require.NoError(t, s.Save(&protocol.Delegation{ID: "b"}))

	ids, err := s.List()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestListToleratesMissingBaseDir(t *testing.T) {
	var s = New(afero.NewMemMapFs(), "/never-saved")
	ids, err := s.List()
	require.NoError(t, err)
	require.Nil(t, ids)
}
