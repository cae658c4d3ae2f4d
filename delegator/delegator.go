// Package delegator implements the Protocol Engine — Delegator side (spec
// §4.8): it drives create→invited→accepted→started→running→terminal,
// admits locally via admission.Controller, materializes via
// materializer.Materializer, sends INVITE/START over HTTP, consumes SSE
// with reconnect, and reconciles snapshots via snapshotmgr.Manager.
package delegator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/estuary/awcp/admission"
	"github.com/estuary/awcp/delegationstore"
	"github.com/estuary/awcp/materializer"
	"github.com/estuary/awcp/protocol"
	"github.com/estuary/awcp/snapshotmgr"
	"github.com/estuary/awcp/transport"
)

// Config mirrors the "Delegation defaults"/"connection" tables of spec §6.
type Config struct {
	LeaseTTLSeconds     int
	LeaseAccessMode     protocol.AccessMode
	SnapshotPolicy      protocol.SnapshotPolicy
	SnapshotRetentionMs int
	MaxSnapshots        int
	RequestTimeout      time.Duration
	SSEMaxRetries       int
	SSERetryDelayMs     int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		LeaseTTLSeconds:     3600,
		LeaseAccessMode:     protocol.AccessReadWrite,
		SnapshotPolicy:      protocol.PolicyAuto,
		SnapshotRetentionMs: 30 * 60 * 1000,
		MaxSnapshots:        10,
		RequestTimeout:      30 * time.Second,
		SSEMaxRetries:       3,
		SSERetryDelayMs:     2000,
	}
}

// CreateParams is the input to Create.
type CreateParams struct {
	PeerURL        string
	Task           protocol.Task
	Environment    []protocol.Resource
	LeaseTTL       int
	AccessMode     protocol.AccessMode
	SnapshotPolicy protocol.SnapshotPolicy
	TransportType  string
}

// Response is what an Executor's dispatch endpoint replies with to a
// posted INVITE/START/ERROR: the raw body plus enough of the envelope to
// dispatch on before unmarshalling further.
type Response struct {
	Type protocol.MessageType
	Raw  json.RawMessage
}

// Client is the HTTP/SSE surface the Delegator engine needs towards an
// Executor peer. A real implementation wraps net/http; tests supply a fake.
type Client interface {
	PostMessage(ctx context.Context, peerURL string, msg any) (*Response, error)
	OpenEvents(ctx context.Context, peerURL, delegationID string) (<-chan protocol.Event, error)
	FetchResult(ctx context.Context, peerURL, delegationID string) (json.RawMessage, error)
}

// Engine is the Delegator-side protocol engine.
type Engine struct {
	cfg          Config
	store        *delegationstore.Store
	admission    *admission.Controller
	materializer *materializer.Materializer
	snapshots    *snapshotmgr.Manager
	registry     *transport.Registry
	client       Client
	logger       *log.Entry

	mu          sync.Mutex
	delegations map[string]*protocol.Delegation
	leaseTimers map[string]*time.Timer
	onSnapshotReceived func(*protocol.Delegation, protocol.Snapshot)
	onSnapshotApplied  func(*protocol.Delegation, protocol.Snapshot)
}

// New constructs an Engine.
func New(cfg Config, store *delegationstore.Store, adm *admission.Controller, mat *materializer.Materializer, snaps *snapshotmgr.Manager, registry *transport.Registry, client Client) *Engine {
	return &Engine{
		cfg: cfg, store: store, admission: adm, materializer: mat, snapshots: snaps, registry: registry, client: client,
		logger:      log.WithField("component", "delegator"),
		delegations: make(map[string]*protocol.Delegation),
		leaseTimers: make(map[string]*time.Timer),
	}
}

// OnSnapshotReceived/OnSnapshotApplied register the notification hooks spec
// §4.8 names.
func (e *Engine) OnSnapshotReceived(fn func(*protocol.Delegation, protocol.Snapshot)) { e.onSnapshotReceived = fn }
func (e *Engine) OnSnapshotApplied(fn func(*protocol.Delegation, protocol.Snapshot))  { e.onSnapshotApplied = fn }

// Startup rehydrates delegations from the store and sweeps stale staged
// snapshots, mirroring "cleanupStaleOnStartup".
func (e *Engine) Startup(ctx context.Context) error {
	if err := e.registry.InitializeAll(ctx); err != nil {
		return err
	}
	ids, err := e.store.List()
	if err != nil {
		return fmt.Errorf("list delegation store: %w", err)
	}
	live := make(map[string]bool, len(ids))
	e.mu.Lock()
	for _, id := range ids {
		d, err := e.store.Load(id)
		if err != nil {
			e.logger.WithField("delegation", id).WithError(err).Warn("failed to rehydrate delegation record")
			continue
		}
		e.delegations[id] = d
		live[id] = true
		if d.LeaseActive != nil && !d.State.Terminal() {
			e.armLeaseTimerLocked(d)
		}
	}
	e.mu.Unlock()
	if _, err := e.snapshots.SweepStale(live); err != nil {
		return fmt.Errorf("sweep stale snapshots: %w", err)
	}
	return nil
}

// Shutdown releases every active (non-terminal) delegation.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.delegations))
	for id, d := range e.delegations {
		if !d.State.Terminal() {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()
	for _, id := range ids {
		if err := e.releaseExport(ctx, id); err != nil {
			e.logger.WithField("delegation", id).WithError(err).Warn("export release failed during shutdown")
		}
	}
}

// Create implements `create(params)`: assigns an id, runs admission,
// materializes the export, and persists the record in state `created`.
func (e *Engine) Create(ctx context.Context, baseDir string, p CreateParams) (*protocol.Delegation, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	policy := p.SnapshotPolicy
	if policy == "" {
		policy = e.cfg.SnapshotPolicy
	}
	ttl := p.LeaseTTL
	if ttl <= 0 {
		ttl = e.cfg.LeaseTTLSeconds
	}
	mode := p.AccessMode
	if mode == "" {
		mode = e.cfg.LeaseAccessMode
	}

	d := &protocol.Delegation{
		ID: id, PeerURL: p.PeerURL, Task: p.Task, Environment: p.Environment,
		LeaseRequested: protocol.Lease{TTLSeconds: ttl, AccessMode: mode},
		SnapshotPolicy: policy, State: protocol.StateCreated,
		TransportType: p.TransportType, CreatedAt: now, UpdatedAt: now,
	}

	result, err := e.admission.Check("", p.Environment)
	if err != nil {
		return nil, err // *protocol.Error: WORKSPACE_TOO_LARGE or DECLINED; no export materialized
	}
	_ = result

	exportPath := fmt.Sprintf("%s/environments/%s", baseDir, id)
	if err := e.materializer.Materialize(id, exportPath, p.Environment); err != nil {
		return nil, fmt.Errorf("materialize export: %w", err)
	}
	d.ExportPath = exportPath

	e.mu.Lock()
	e.delegations[id] = d
	e.mu.Unlock()

	if err := e.store.Save(d); err != nil {
		return nil, fmt.Errorf("persist delegation: %w", err)
	}
	e.logger.WithField("delegation", id).Info("delegation:created")
	return d.Clone(), nil
}

// Invite sends INVITE and applies ACCEPT/ERROR per spec §4.8.
func (e *Engine) Invite(ctx context.Context, id string) (*protocol.Delegation, error) {
	d, err := e.mustGet(id)
	if err != nil {
		return nil, err
	}

	adapter, err := e.registry.Lookup(d.TransportType)
	if err != nil {
		return e.fail(d, err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	invite := protocol.Invite{
		Version: protocol.Version, Type: "INVITE", DelegationID: id,
		Task: d.Task, Lease: d.LeaseRequested,
		Environment: protocol.EnvironmentMsg{Resources: d.Environment},
		Transport:   protocol.TransportMsg{Type: d.TransportType},
	}

	d.State = protocol.StateInvited
	d.UpdatedAt = time.Now().UTC()

	resp, err := e.client.PostMessage(ctx, d.PeerURL, invite)
	if err != nil {
		return e.fail(d, protocol.NewError(protocol.CodeSSEFailed, "send INVITE: %v", err))
	}
	if resp.Type == protocol.MsgError {
		var em protocol.ErrorMsg
		if err := json.Unmarshal(resp.Raw, &em); err != nil {
			return e.fail(d, fmt.Errorf("decode ERROR: %w", err))
		}
		return e.fail(d, &protocol.Error{Code: em.Code, Message: em.Message, Hint: em.Hint})
	}

	var accept protocol.Accept
	if err := json.Unmarshal(resp.Raw, &accept); err != nil {
		return e.fail(d, fmt.Errorf("decode ACCEPT: %w", err))
	}

	// Merge executor constraints: clamp TTL down, adopt accepted access mode.
	d.LeaseRequested.TTLSeconds = minInt(d.LeaseRequested.TTLSeconds, accept.ExecutorConstraints.MaxTTLSeconds)
	d.LeaseRequested.AccessMode = accept.ExecutorConstraints.AcceptedAccessMode
	d.State = protocol.StateAccepted
	d.UpdatedAt = time.Now().UTC()

	if err := e.prepareAndStart(ctx, d, adapter); err != nil {
		return e.fail(d, err)
	}
	return e.persist(d)
}

func (e *Engine) prepareAndStart(ctx context.Context, d *protocol.Delegation, adapter transport.Adapter) error {
	handle, err := adapter.Delegator().Prepare(ctx, d.ID, d.ExportPath, d.LeaseRequested.TTLSeconds)
	if err != nil {
		return err
	}
	d.TransportHandle = handle

	expiresAt := time.Now().Add(time.Duration(d.LeaseRequested.TTLSeconds) * time.Second)
	start := protocol.Start{
		Version: protocol.Version, Type: "START", DelegationID: d.ID,
		Lease: protocol.Lease{ExpiresAt: expiresAt, AccessMode: d.LeaseRequested.AccessMode},
		WorkDir: handle,
	}
	if _, err := e.client.PostMessage(ctx, d.PeerURL, start); err != nil {
		return protocol.NewError(protocol.CodeSetupFailed, "send START: %v", err)
	}

	d.LeaseActive = &protocol.Lease{ExpiresAt: expiresAt, AccessMode: d.LeaseRequested.AccessMode}
	d.State = protocol.StateStarted
	d.UpdatedAt = time.Now().UTC()

	e.mu.Lock()
	e.armLeaseTimerLocked(d)
	e.mu.Unlock()

	go e.consumeEvents(context.Background(), d, adapter)
	return nil
}

// consumeEvents opens the SSE subscription and applies reconnect policy
// (spec §4.8: linear backoff, up to cfg.SSEMaxRetries).
func (e *Engine) consumeEvents(ctx context.Context, d *protocol.Delegation, adapter transport.Adapter) {
	var retry int
	for {
		ch, err := e.client.OpenEvents(ctx, d.PeerURL, d.ID)
		if err != nil {
			retry++
			if retry > e.cfg.SSEMaxRetries {
				e.setTerminalError(d, protocol.NewError(protocol.CodeSSEFailed, "sse reconnect exhausted: %v", err))
				return
			}
			time.Sleep(time.Duration(e.cfg.SSERetryDelayMs*retry) * time.Millisecond)
			continue
		}
		retry = 0

		for ev := range ch {
			if terminal := e.applyEvent(ctx, d, adapter, ev); terminal {
				return
			}
		}
		// Channel closed without a terminal event: treat as a disconnect
		// and reconnect per policy.
		retry++
		if retry > e.cfg.SSEMaxRetries {
			e.setTerminalError(d, protocol.NewError(protocol.CodeSSEFailed, "sse connection dropped"))
			return
		}
		time.Sleep(time.Duration(e.cfg.SSERetryDelayMs*retry) * time.Millisecond)
	}
}

func (e *Engine) applyEvent(ctx context.Context, d *protocol.Delegation, adapter transport.Adapter, ev protocol.Event) (terminal bool) {
	switch ev.Type {
	case protocol.EventStatus:
		e.mu.Lock()
		d.State = protocol.StateRunning
		d.UpdatedAt = time.Now().UTC()
		e.mu.Unlock()
		_ = e.persistNoErr(d)

	case protocol.EventSnapshot:
		snap, err := e.snapshots.Receive(ctx, adapter.Delegator(), d, *ev.Snapshot)
		e.mu.Lock()
		d.Snapshots = append(d.Snapshots, snap)
		if snap.Status == protocol.SnapshotApplied {
			d.AppliedSnapshot = snap.ID
		}
		e.mu.Unlock()
		if err != nil {
			e.logger.WithField("delegation", d.ID).WithError(err).Error("snapshot reconciliation failed")
		}
		_ = e.persistNoErr(d)
		if e.onSnapshotReceived != nil {
			e.onSnapshotReceived(d, snap)
		}
		if snap.Status == protocol.SnapshotApplied && e.onSnapshotApplied != nil {
			e.onSnapshotApplied(d, snap)
		}

	case protocol.EventDone:
		e.mu.Lock()
		d.State = protocol.StateCompleted
		d.Result = &protocol.Result{Summary: ev.Done.Summary, Highlights: ev.Done.Highlights}
		d.UpdatedAt = time.Now().UTC()
		e.mu.Unlock()
		_ = e.persistNoErr(d)
		e.cancelLeaseTimer(d.ID)
		return true

	case protocol.EventError:
		e.setTerminalError(d, ev.Error)
		return true
	}
	return false
}

func (e *Engine) setTerminalError(d *protocol.Delegation, perr *protocol.Error) {
	e.mu.Lock()
	d.State = protocol.StateError
	d.Error = perr
	d.UpdatedAt = time.Now().UTC()
	e.mu.Unlock()
	_ = e.persistNoErr(d)
	e.cancelLeaseTimer(d.ID)
}

// Recover fetches the cached terminal result from the Executor after SSE
// exhaustion, per spec §4.8/§7.
func (e *Engine) Recover(ctx context.Context, id string) (*protocol.Delegation, error) {
	d, err := e.mustGet(id)
	if err != nil {
		return nil, err
	}
	raw, err := e.client.FetchResult(ctx, d.PeerURL, id)
	if err != nil {
		return nil, fmt.Errorf("recover: %w", err)
	}
	var rec struct {
		Status  string `json:"status"`
		Summary string `json:"summary"`
		Error   *protocol.Error `json:"error"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode recovered result: %w", err)
	}
	e.mu.Lock()
	switch rec.Status {
	case "completed":
		d.State = protocol.StateCompleted
		d.Result = &protocol.Result{Summary: rec.Summary}
	case "error":
		d.State = protocol.StateError
		d.Error = rec.Error
	}
	d.UpdatedAt = time.Now().UTC()
	e.mu.Unlock()
	return e.persist(d)
}

// Cancel implements `cancel(id)`: sends ERROR to the Executor and releases
// locally.
func (e *Engine) Cancel(ctx context.Context, id string) (*protocol.Delegation, error) {
	d, err := e.mustGet(id)
	if err != nil {
		return nil, err
	}
	msg := protocol.ErrorMsg{Version: protocol.Version, Type: "ERROR", DelegationID: id, Code: protocol.CodeCancelled, Message: "cancelled by delegator"}
	if _, err := e.client.PostMessage(ctx, d.PeerURL, msg); err != nil {
		e.logger.WithField("delegation", id).WithError(err).Warn("failed to notify executor of cancellation")
	}

	e.mu.Lock()
	d.State = protocol.StateCancelled
	d.UpdatedAt = time.Now().UTC()
	e.mu.Unlock()
	e.cancelLeaseTimer(id)

	if err := e.releaseExport(ctx, id); err != nil {
		e.logger.WithField("delegation", id).WithError(err).Warn("export release failed during cancel")
	}
	return e.persist(d)
}

// ApplySnapshot implements POST /delegation/{id}/snapshots/{sid}/apply.
func (e *Engine) ApplySnapshot(ctx context.Context, id, snapshotID string) (*protocol.Delegation, error) {
	d, err := e.mustGet(id)
	if err != nil {
		return nil, err
	}
	adapter, err := e.registry.Lookup(d.TransportType)
	if err != nil {
		return nil, err
	}
	if _, err := e.snapshots.Apply(ctx, adapter.Delegator(), d, snapshotID); err != nil {
		return nil, err
	}
	d.UpdatedAt = time.Now().UTC()
	return e.persist(d)
}

// DiscardSnapshot implements POST /delegation/{id}/snapshots/{sid}/discard.
func (e *Engine) DiscardSnapshot(ctx context.Context, id, snapshotID string) (*protocol.Delegation, error) {
	d, err := e.mustGet(id)
	if err != nil {
		return nil, err
	}
	if _, err := e.snapshots.Discard(d, snapshotID); err != nil {
		return nil, err
	}
	d.UpdatedAt = time.Now().UTC()
	return e.persist(d)
}

// Get returns the current record for id.
func (e *Engine) Get(id string) (*protocol.Delegation, error) {
	return e.mustGet(id)
}

func (e *Engine) mustGet(id string) (*protocol.Delegation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.delegations[id]
	if !ok {
		return nil, protocol.NewError(protocol.CodeNotFound, "delegation %q not found", id)
	}
	return d, nil
}

func (e *Engine) fail(d *protocol.Delegation, err error) (*protocol.Delegation, error) {
	e.mu.Lock()
	d.State = protocol.StateError
	if perr, ok := err.(*protocol.Error); ok {
		d.Error = perr
	} else {
		d.Error = &protocol.Error{Code: protocol.CodeSetupFailed, Message: err.Error()}
	}
	d.UpdatedAt = time.Now().UTC()
	e.mu.Unlock()
	_ = e.releaseExport(context.Background(), d.ID)
	_, _ = e.persist(d)
	return d.Clone(), err
}

func (e *Engine) releaseExport(ctx context.Context, id string) error {
	d, err := e.mustGet(id)
	if err != nil {
		return err
	}
	if d.TransportType != "" {
		if adapter, err := e.registry.Lookup(d.TransportType); err == nil {
			if err := adapter.Delegator().Release(ctx, id); err != nil {
				e.logger.WithField("delegation", id).WithError(err).Warn("transport release failed")
			}
		}
	}
	if d.ExportPath != "" {
		return e.materializer.Release(d.ExportPath)
	}
	return nil
}

func (e *Engine) persist(d *protocol.Delegation) (*protocol.Delegation, error) {
	if err := e.store.Save(d); err != nil {
		return nil, fmt.Errorf("persist delegation: %w", err)
	}
	return d.Clone(), nil
}

func (e *Engine) persistNoErr(d *protocol.Delegation) *protocol.Delegation {
	if err := e.store.Save(d); err != nil {
		e.logger.WithField("delegation", d.ID).WithError(err).Warn("failed to persist delegation update")
	}
	return d
}

// armLeaseTimerLocked starts the lease-expiration timer (spec §4.8). Callers
// must hold e.mu.
func (e *Engine) armLeaseTimerLocked(d *protocol.Delegation) {
	if d.LeaseActive == nil {
		return
	}
	delegationID := d.ID
	dur := time.Until(d.LeaseActive.ExpiresAt)
	if dur < 0 {
		dur = 0
	}
	e.leaseTimers[delegationID] = time.AfterFunc(dur, func() {
		e.expireLease(delegationID)
	})
}

func (e *Engine) expireLease(id string) {
	e.mu.Lock()
	d, ok := e.delegations[id]
	if !ok || d.State.Terminal() {
		e.mu.Unlock()
		return
	}
	d.State = protocol.StateExpired
	d.Error = &protocol.Error{Code: protocol.CodeExpired, Message: "lease expired"}
	d.UpdatedAt = time.Now().UTC()
	e.mu.Unlock()

	_ = e.persistNoErr(d)
	if err := e.releaseExport(context.Background(), id); err != nil {
		e.logger.WithField("delegation", id).WithError(err).Warn("export release failed on lease expiry")
	}
}

func (e *Engine) cancelLeaseTimer(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.leaseTimers[id]; ok {
		t.Stop()
		delete(e.leaseTimers, id)
	}
}

func minInt(a, b int) int {
	if b <= 0 {
		return a
	}
	if a <= 0 || a > b {
		return b
	}
	return a
}
