package delegator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/estuary/awcp/admission"
	"github.com/estuary/awcp/delegationstore"
	"github.com/estuary/awcp/materializer"
	"github.com/estuary/awcp/protocol"
	"github.com/estuary/awcp/snapshotmgr"
	"github.com/estuary/awcp/transport"
	"github.com/estuary/awcp/transport/ziptransport"
)

// fakeClient stands in for the production HTTPClient: it answers INVITE
// with a canned ACCEPT, acknowledges START, and replays a scripted event
// sequence to whatever delegation ID it's asked to open.
type fakeClient struct {
	accept       protocol.Accept
	events       []protocol.Event
	inviteErr    *protocol.ErrorMsg
	postMessages []any
}

func (c *fakeClient) PostMessage(ctx context.Context, peerURL string, msg any) (*Response, error) {
	c.postMessages = append(c.postMessages, msg)
	switch msg.(type) {
	case protocol.Invite:
		if c.inviteErr != nil {
			raw, _ := json.Marshal(c.inviteErr)
			return &Response{Type: protocol.MsgError, Raw: raw}, nil
		}
		raw, _ := json.Marshal(c.accept)
		return &Response{Type: "ACCEPT", Raw: raw}, nil
	default:
		raw, _ := json.Marshal(map[string]bool{"ok": true})
		return &Response{Raw: raw}, nil
	}
}

func (c *fakeClient) OpenEvents(ctx context.Context, peerURL, delegationID string) (<-chan protocol.Event, error) {
	ch := make(chan protocol.Event, len(c.events))
	for _, ev := range c.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (c *fakeClient) FetchResult(ctx context.Context, peerURL, delegationID string) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"status": "completed", "summary": "recovered"})
}

func newTestEngine(t *testing.T, client Client) (*Engine, afero.Fs) {
	t.Helper()
	var fs = afero.NewMemMapFs()
	var store = delegationstore.New(fs, "/data")
	var adm = admission.New(fs, admission.DefaultConfig())
	var mat = materializer.New(fs, materializer.StrategyCopy)
	var snaps = snapshotmgr.New(fs, "/data")
	var registry = transport.NewRegistry()
	registry.Register(ziptransport.New(fs))

	return New(DefaultConfig(), store, adm, mat, snaps, registry, client), fs
}

func TestCreateMaterializesExportAndPersists(t *testing.T) {
	var engine, fs = newTestEngine(t, &fakeClient{})
	require.NoError(t, afero.WriteFile(fs, "/src/repo/main.go", []byte("package main"), 0o644))

	d, err := engine.Create(context.Background(), "/data", CreateParams{
		PeerURL:       "http://executor.local",
		Task:          protocol.Task{Description: "refactor"},
		Environment:   []protocol.Resource{{Name: "repo", Source: "/src/repo"}},
		TransportType: ziptransport.Name,
	})
	require.NoError(t, err)
	require.Equal(t, protocol.StateCreated, d.State)

	exists, err := afero.Exists(fs, d.ExportPath+"/repo/main.go")
	require.NoError(t, err)
	require.True(t, exists)

	loaded, err := engine.Get(d.ID)
	require.NoError(t, err)
	require.Equal(t, d.ID, loaded.ID)
}

func TestCreateRefusesOversizedEnvironment(t *testing.T) {
	var cfg = admission.DefaultConfig()
	cfg.MaxTotalBytes = 10

	var fs = afero.NewMemMapFs()
	var store = delegationstore.New(fs, "/data")
	var adm = admission.New(fs, cfg)
	var mat = materializer.New(fs, materializer.StrategyCopy)
	var snaps = snapshotmgr.New(fs, "/data")
	var registry = transport.NewRegistry()
	registry.Register(ziptransport.New(fs))
	var engine = New(DefaultConfig(), store, adm, mat, snaps, registry, &fakeClient{})

	require.NoError(t, afero.WriteFile(fs, "/src/repo/big.bin", make([]byte, 1024), 0o644))

	_, err := engine.Create(context.Background(), "/data", CreateParams{
		PeerURL:       "http://executor.local",
		Environment:   []protocol.Resource{{Name: "repo", Source: "/src/repo"}},
		TransportType: ziptransport.Name,
	})
	require.Error(t, err)
	perr, ok := err.(*protocol.Error)
	require.True(t, ok)
	require.Equal(t, protocol.CodeWorkspaceTooLarge, perr.Code)
}

func TestInviteDrivesThroughToCompletion(t *testing.T) {
	var client = &fakeClient{
		accept: protocol.Accept{
			Version: protocol.Version, Type: "ACCEPT", DelegationID: "",
			ExecutorConstraints: protocol.ExecutorConstraints{AcceptedAccessMode: protocol.AccessReadWrite, MaxTTLSeconds: 3600},
		},
		events: []protocol.Event{
			{Type: protocol.EventStatus, Status: &protocol.StatusPayload{Message: "running"}},
			{Type: protocol.EventDone, Done: &protocol.DonePayload{Summary: "all done"}},
		},
	}
	var engine, fs = newTestEngine(t, client)
	require.NoError(t, afero.WriteFile(fs, "/src/repo/main.go", []byte("package main"), 0o644))

	d, err := engine.Create(context.Background(), "/data", CreateParams{
		PeerURL:       "http://executor.local",
		Environment:   []protocol.Resource{{Name: "repo", Source: "/src/repo"}},
		TransportType: ziptransport.Name,
	})
	require.NoError(t, err)

	updated, err := engine.Invite(context.Background(), d.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := engine.Get(d.ID)
		require.NoError(t, err)
		return got.State == protocol.StateCompleted
	}, time.Second, 5*time.Millisecond)

	final, err := engine.Get(d.ID)
	require.NoError(t, err)
	require.Equal(t, "all done", final.Result.Summary)
	require.NotEqual(t, protocol.StateCreated, updated.State)
}

func TestInviteSurfacesExecutorRefusal(t *testing.T) {
	var client = &fakeClient{
		inviteErr: &protocol.ErrorMsg{Version: protocol.Version, Type: "ERROR", Code: protocol.CodeDeclined, Message: "no capacity"},
	}
	var engine, fs = newTestEngine(t, client)
	require.NoError(t, afero.WriteFile(fs, "/src/repo/main.go", []byte("package main"), 0o644))

	d, err := engine.Create(context.Background(), "/data", CreateParams{
		PeerURL:       "http://executor.local",
		Environment:   []protocol.Resource{{Name: "repo", Source: "/src/repo"}},
		TransportType: ziptransport.Name,
	})
	require.NoError(t, err)

	_, err = engine.Invite(context.Background(), d.ID)
	require.Error(t, err)
	perr, ok := err.(*protocol.Error)
	require.True(t, ok)
	require.Equal(t, protocol.CodeDeclined, perr.Code)

	final, err := engine.Get(d.ID)
	require.NoError(t, err)
	require.Equal(t, protocol.StateError, final.State)
}

func TestCancelReleasesExportAndNotifiesExecutor(t *testing.T) {
	var client = &fakeClient{}
	var engine, fs = newTestEngine(t, client)
	require.NoError(t, afero.WriteFile(fs, "/src/repo/main.go", []byte("package main"), 0o644))

	d, err := engine.Create(context.Background(), "/data", CreateParams{
		PeerURL:       "http://executor.local",
		Environment:   []protocol.Resource{{Name: "repo", Source: "/src/repo"}},
		TransportType: ziptransport.Name,
	})
	require.NoError(t, err)

	cancelled, err := engine.Cancel(context.Background(), d.ID)
	require.NoError(t, err)
	require.Equal(t, protocol.StateCancelled, cancelled.State)

	exists, err := afero.Exists(fs, d.ExportPath)
	require.NoError(t, err)
	require.False(t, exists)
	require.Len(t, client.postMessages, 1)
}

func TestRecoverAppliesFetchedResult(t *testing.T) {
	var client = &fakeClient{}
	var engine, fs = newTestEngine(t, client)
	require.NoError(t, afero.WriteFile(fs, "/src/repo/main.go", []byte("package main"), 0o644))

	d, err := engine.Create(context.Background(), "/data", CreateParams{
		PeerURL:       "http://executor.local",
		Environment:   []protocol.Resource{{Name: "repo", Source: "/src/repo"}},
		TransportType: ziptransport.Name,
	})
	require.NoError(t, err)

	recovered, err := engine.Recover(context.Background(), d.ID)
	require.NoError(t, err)
	require.Equal(t, protocol.StateCompleted, recovered.State)
	require.Equal(t, "recovered", recovered.Result.Summary)
}

func TestGetUnknownDelegationNotFound(t *testing.T) {
	var engine, _ = newTestEngine(t, &fakeClient{})
	_, err := engine.Get("missing")
	require.Error(t, err)
	perr, ok := err.(*protocol.Error)
	require.True(t, ok)
	require.Equal(t, protocol.CodeNotFound, perr.Code)
}
