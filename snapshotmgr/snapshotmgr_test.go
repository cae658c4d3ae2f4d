package snapshotmgr

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/estuary/awcp/protocol"
	"github.com/estuary/awcp/transport"
)

// fakeAdapter records every ApplySnapshot call it receives, standing in for
// a real transport.Delegator half in these tests.
type fakeAdapter struct {
	applied [][]byte
}

func (f *fakeAdapter) Initialize(ctx context.Context) error { return nil }
func (f *fakeAdapter) Prepare(ctx context.Context, delegationID, exportPath string, ttlSeconds int) (transport.Handle, error) {
	return nil, nil
}
func (f *fakeAdapter) ApplySnapshot(ctx context.Context, delegationID string, payload []byte, rw []protocol.Resource) error {
	f.applied = append(f.applied, payload)
	return nil
}
func (f *fakeAdapter) Release(ctx context.Context, delegationID string) error { return nil }
func (f *fakeAdapter) Capabilities() transport.Capabilities                  { return transport.Capabilities{SupportsSnapshots: true} }

func TestReceiveAutoPolicyAppliesImmediately(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var m = New(fs, "/data")
	var adapter = &fakeAdapter{}
	var d = &protocol.Delegation{ID: "d1", SnapshotPolicy: protocol.PolicyAuto, Environment: []protocol.Resource{{Name: "repo", Mode: protocol.AccessReadWrite}}}

	snap, err := m.Receive(context.Background(), adapter, d, protocol.SnapshotPayload{SnapshotID: "s1", Payload: []byte("zip-bytes")})
	require.NoError(t, err)
	require.Equal(t, protocol.SnapshotApplied, snap.Status)
	require.NotNil(t, snap.AppliedAt)
	require.Len(t, adapter.applied, 1)
}

func TestReceiveDiscardPolicyNeverPersists(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var m = New(fs, "/data")
	var d = &protocol.Delegation{ID: "d1", SnapshotPolicy: protocol.PolicyDiscard}

	snap, err := m.Receive(context.Background(), &fakeAdapter{}, d, protocol.SnapshotPayload{SnapshotID: "s1", Payload: []byte("x")})
	require.NoError(t, err)
	require.Equal(t, protocol.SnapshotDiscarded, snap.Status)

	exists, err := afero.DirExists(fs, "/data/snapshots/d1/s1")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestReceiveStagedPolicyPersistsPendingPayload(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var m = New(fs, "/data")
	var d = &protocol.Delegation{ID: "d1", SnapshotPolicy: protocol.PolicyStaged}

	snap, err := m.Receive(context.Background(), &fakeAdapter{}, d, protocol.SnapshotPayload{SnapshotID: "s1", Payload: []byte("staged-bytes")})
	require.NoError(t, err)
	require.Equal(t, protocol.SnapshotPending, snap.Status)

	payload, err := afero.ReadFile(fs, snap.LocalPath+"/payload")
	require.NoError(t, err)
	require.Equal(t, []byte("staged-bytes"), payload)
}

func TestApplyRefusesSecondApplication(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var m = New(fs, "/data")
	var adapter = &fakeAdapter{}
	var d = &protocol.Delegation{
		ID:              "d1",
		AppliedSnapshot: "already-applied",
		Snapshots:       []protocol.Snapshot{{ID: "s1", Status: protocol.SnapshotPending, LocalPath: "/data/snapshots/d1/s1"}},
	}

	_, err := m.Apply(context.Background(), adapter, d, "s1")
	require.Error(t, err)
	perr, ok := err.(*protocol.Error)
	require.True(t, ok)
	require.Equal(t, protocol.CodeDeclined, perr.Code)
}

func TestApplyUnknownSnapshotNotFound(t *testing.T) {
	var m = New(afero.NewMemMapFs(), "/data")
	var d = &protocol.Delegation{ID: "d1"}
	_, err := m.Apply(context.Background(), &fakeAdapter{}, d, "missing")
	require.Error(t, err)
	perr, ok := err.(*protocol.Error)
	require.True(t, ok)
	require.Equal(t, protocol.CodeNotFound, perr.Code)
}

func TestDiscardRemovesStagedPayload(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var m = New(fs, "/data")
	var d = &protocol.Delegation{ID: "d1", SnapshotPolicy: protocol.PolicyStaged}

	snap, err := m.Receive(context.Background(), &fakeAdapter{}, d, protocol.SnapshotPayload{SnapshotID: "s1", Payload: []byte("x")})
	require.NoError(t, err)
	d.Snapshots = append(d.Snapshots, snap)

	discarded, err := m.Discard(d, "s1")
	require.NoError(t, err)
	require.Equal(t, protocol.SnapshotDiscarded, discarded.Status)

	exists, err := afero.DirExists(fs, "/data/snapshots/d1/s1")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestSweepStaleRemovesOrphanedDirectories(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var m = New(fs, "/data")
	require.NoError(t, fs.MkdirAll("/data/snapshots/live/s1", 0o755))
	require.NoError(t, fs.MkdirAll("/data/snapshots/orphan/s1", 0o755))

	removed, err := m.SweepStale(map[string]bool{"live": true})
	require.NoError(t, err)
	require.Equal(t, []string{"orphan"}, removed)
}

func TestDiffManifestsCountsChangedFields(t *testing.T) {
	var before = []byte(`{"version":"1","resources":[]}`)
	var after = []byte(`{"version":"2","resources":[{"name":"repo"}]}`)
	summary, err := DiffManifests(before, after)
	require.NoError(t, err)
	require.Contains(t, summary, "manifest field(s) changed")
}
