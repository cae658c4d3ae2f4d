package ziptransport

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/estuary/awcp/protocol"
)

func TestPrepareThenSetupRoundTripsTree(t *testing.T) {
	var fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/export/repo/main.go", []byte("package main"), 0o644))

	var a = New(fs)
	handle, err := a.Delegator().Prepare(context.Background(), "d1", "/export", 3600)
	require.NoError(t, err)
	require.NotEmpty(t, handle)

	workPath, err := a.Executor().Setup(context.Background(), "d1", handle, "/work/d1")
	require.NoError(t, err)
	require.Equal(t, "/work/d1", workPath)

	data, err := afero.ReadFile(fs, "/work/d1/repo/main.go")
	require.NoError(t, err)
	require.Equal(t, "package main", string(data))
}

func TestSetupRejectsCorruptedChecksum(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var a = New(fs)
	var handle = Handle{Archive: []byte("not a zip"), Checksum: "deadbeef"}
	data, err := json.Marshal(handle)
	require.NoError(t, err)

	_, err = a.Executor().Setup(context.Background(), "d1", data, "/work/d1")
	require.Error(t, err)
}

func TestApplySnapshotOnlyWritesReadWriteResources(t *testing.T) {
	var fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/work/repo/out.txt", []byte("produced"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/work/readonly/out.txt", []byte("should not land"), 0o644))

	var a = New(fs)
	payload, err := a.Executor().CaptureSnapshot(context.Background(), "d1", "/work")
	require.NoError(t, err)

	var exportFs = afero.NewMemMapFs()
	var exportAdapter = New(exportFs)
	err = exportAdapter.Delegator().ApplySnapshot(context.Background(), "d1", payload, []protocol.Resource{
		{Name: "repo", Mode: protocol.AccessReadWrite},
	})
	require.NoError(t, err)

	out, err := afero.ReadFile(exportFs, "repo/out.txt")
	require.NoError(t, err)
	require.Equal(t, "produced", string(out))

	_, err = afero.ReadFile(exportFs, "readonly/out.txt")
	require.Error(t, err)
}

func TestCapabilitiesAdvertiseSnapshotSupportWithoutLiveSync(t *testing.T) {
	var a = New(afero.NewMemMapFs())
	var caps = a.Delegator().Capabilities()
	require.True(t, caps.SupportsSnapshots)
	require.False(t, caps.LiveSync)
}

