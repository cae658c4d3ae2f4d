package executor

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/estuary/awcp/eventbus"
	"github.com/estuary/awcp/protocol"
	"github.com/estuary/awcp/taskrunner"
	"github.com/estuary/awcp/transport"
	"github.com/estuary/awcp/transport/ziptransport"
	"github.com/estuary/awcp/workspace"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, afero.Fs) {
	t.Helper()
	var fs = afero.NewMemMapFs()
	var ws = workspace.New(fs, "/work")
	var registry = transport.NewRegistry()
	registry.Register(ziptransport.New(fs))
	var bus = eventbus.New(time.Minute, 16)
	var runner = taskrunner.New(fs)
	return New(cfg, ws, registry, bus, runner, nil), fs
}

func buildInvite(t *testing.T, fs afero.Fs, delegationID string) protocol.Invite {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, "/export/repo/main.go", []byte("package main"), 0o644))
	var zipAdapter = ziptransport.New(fs)
	handle, err := zipAdapter.Delegator().Prepare(context.Background(), delegationID, "/export", 3600)
	require.NoError(t, err)
	return protocol.Invite{
		Version:      protocol.Version,
		Type:         "INVITE",
		DelegationID: delegationID,
		Task:         protocol.Task{Description: "do the thing", Prompt: "please"},
		Lease:        protocol.Lease{TTLSeconds: 60, AccessMode: protocol.AccessReadWrite},
		Transport:    protocol.TransportMsg{Type: ziptransport.Name, Data: handle},
	}
}

func TestHandleInviteAcceptsWithinLimits(t *testing.T) {
	var engine, fs = newTestEngine(t, DefaultConfig())
	var invite = buildInvite(t, fs, "d1")

	accept, errMsg := engine.HandleInvite(context.Background(), invite)
	require.Nil(t, errMsg)
	require.NotNil(t, accept)
	require.Equal(t, protocol.AccessReadWrite, accept.ExecutorConstraints.AcceptedAccessMode)
	require.Equal(t, "/work/d1", accept.ExecutorWorkDir.Path)
}

func TestHandleInviteRefusesOverConcurrencyLimit(t *testing.T) {
	var cfg = DefaultConfig()
	cfg.MaxConcurrentDelegations = 1
	var engine, fs = newTestEngine(t, cfg)

	_, errMsg := engine.HandleInvite(context.Background(), buildInvite(t, fs, "d1"))
	require.Nil(t, errMsg)

	_, errMsg = engine.HandleInvite(context.Background(), buildInvite(t, fs, "d2"))
	require.NotNil(t, errMsg)
	require.Equal(t, protocol.CodeDeclined, errMsg.Code)
}

func TestHandleInviteRefusesDisallowedAccessMode(t *testing.T) {
	var cfg = DefaultConfig()
	cfg.AllowedAccessModes = []protocol.AccessMode{protocol.AccessReadOnly}
	var engine, fs = newTestEngine(t, cfg)

	invite := buildInvite(t, fs, "d1")
	invite.Lease.AccessMode = protocol.AccessReadWrite

	_, errMsg := engine.HandleInvite(context.Background(), invite)
	require.NotNil(t, errMsg)
	require.Equal(t, protocol.CodeWorkdirDenied, errMsg.Code)
}

func TestHandleInviteRefusesUnknownTransport(t *testing.T) {
	var engine, fs = newTestEngine(t, DefaultConfig())
	invite := buildInvite(t, fs, "d1")
	invite.Transport.Type = "unknown-transport"

	_, errMsg := engine.HandleInvite(context.Background(), invite)
	require.NotNil(t, errMsg)
	require.Equal(t, protocol.CodeDepMissing, errMsg.Code)
}

func TestFullRunProducesDoneEventAndResult(t *testing.T) {
	var engine, fs = newTestEngine(t, DefaultConfig())
	var invite = buildInvite(t, fs, "d1")

	accept, errMsg := engine.HandleInvite(context.Background(), invite)
	require.Nil(t, errMsg)

	ch, ok := engine.Subscribe("d1")
	require.True(t, ok)

	start := protocol.Start{
		Version: protocol.Version, Type: "START", DelegationID: "d1",
		Lease:   protocol.Lease{TTLSeconds: 60, ExpiresAt: time.Now().Add(time.Hour)},
		WorkDir: mustTransportHandle(t, fs, invite.DelegationID, "/export"),
	}
	_ = accept
	require.NoError(t, engine.HandleStart(context.Background(), start))

	var sawDone bool
	deadline := time.After(2 * time.Second)
	for !sawDone {
		select {
		case ev, open := <-ch:
			if !open {
				t.Fatal("event channel closed before done event")
			}
			if ev.Type == protocol.EventDone {
				sawDone = true
				require.Contains(t, ev.Done.Summary, "do the thing")
			}
		case <-deadline:
			t.Fatal("timed out waiting for completion")
		}
	}

	result := engine.Result("d1")
	require.Equal(t, "completed", result.Status)
}

func TestHandleCancelStopsPendingAdmission(t *testing.T) {
	var engine, fs = newTestEngine(t, DefaultConfig())
	var invite = buildInvite(t, fs, "d1")
	_, errMsg := engine.HandleInvite(context.Background(), invite)
	require.Nil(t, errMsg)

	require.NoError(t, engine.HandleCancel(context.Background(), "d1"))
	require.Equal(t, Counters{Pending: 0, Active: 0, Completed: 0}, engine.Counters())
}

func TestHandleCancelUnknownDelegationNotFound(t *testing.T) {
	var engine, _ = newTestEngine(t, DefaultConfig())
	var err = engine.HandleCancel(context.Background(), "missing")
	require.Error(t, err)
	perr, ok := err.(*protocol.Error)
	require.True(t, ok)
	require.Equal(t, protocol.CodeNotFound, perr.Code)
}

func mustTransportHandle(t *testing.T, fs afero.Fs, delegationID, exportPath string) []byte {
	t.Helper()
	var a = ziptransport.New(fs)
	handle, err := a.Delegator().Prepare(context.Background(), delegationID, exportPath, 3600)
	require.NoError(t, err)
	return handle
}
