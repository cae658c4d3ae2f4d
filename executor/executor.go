// Package executor implements the Protocol Engine — Executor side (spec
// §4.7): it admits INVITEs, runs START against the injected TaskRunner, and
// drives the per-delegation state machine
// none → pendingAdmission → accepted → starting → running →
// (completed | failed | cancelled).
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"github.com/estuary/awcp/eventbus"
	"github.com/estuary/awcp/internal/authtoken"
	"github.com/estuary/awcp/internal/metrics"
	"github.com/estuary/awcp/protocol"
	"github.com/estuary/awcp/taskrunner"
	"github.com/estuary/awcp/transport"
	"github.com/estuary/awcp/workspace"
)

// completedCapacity bounds how many completed delegations' results the
// Engine remembers at once, same role as eventbus's terminal-event cache.
const completedCapacity = 4096

const roleExecutor = "executor"

// State is the Executor-side delegation state machine.
type State string

const (
	StateNone             State = "none"
	StatePendingAdmission State = "pendingAdmission"
	StateAccepted         State = "accepted"
	StateStarting         State = "starting"
	StateRunning          State = "running"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
	StateCancelled        State = "cancelled"
)

// AdmissionHook lets an embedder veto an otherwise-acceptable INVITE.
type AdmissionHook func(invite protocol.Invite) (accept bool, reason string)

// Config mirrors the "Executor admission"/"Executor defaults" tables of
// spec §6.
type Config struct {
	MaxConcurrentDelegations int
	MaxTTLSeconds            int
	AllowedAccessModes       []protocol.AccessMode
	AutoAccept               bool
	ResultRetentionMs        int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentDelegations: 5,
		MaxTTLSeconds:            3600,
		AllowedAccessModes:       []protocol.AccessMode{protocol.AccessReadOnly, protocol.AccessReadWrite},
		AutoAccept:               true,
		ResultRetentionMs:        30 * 60 * 1000,
	}
}

func (c Config) allows(mode protocol.AccessMode) bool {
	for _, m := range c.AllowedAccessModes {
		if m == mode {
			return true
		}
	}
	return false
}

// admission is what the engine remembers between ACCEPT and START.
type admission struct {
	invite   protocol.Invite
	workPath string
	accepted protocol.ExecutorConstraints
}

// active is the state of one delegation currently starting or running.
type active struct {
	state    State
	workPath string
	adapter  transport.Adapter
	cancel   context.CancelFunc
}

// ResultRecord is the retained post-completion summary served by
// GET /tasks/{id}/result.
type ResultRecord struct {
	Status          string    `json:"status"`
	CompletedAt     time.Time `json:"completedAt,omitempty"`
	Summary         string    `json:"summary,omitempty"`
	Highlights      string    `json:"highlights,omitempty"`
	SnapshotPayload []byte    `json:"snapshotPayload,omitempty"`
	Error           *protocol.Error `json:"error,omitempty"`
}

// completion pairs a ResultRecord with the instant it falls out of the
// resultRetentionMs window, the same expiry-on-read pattern eventbus.Bus
// uses for its terminal-event cache.
type completion struct {
	record    ResultRecord
	expiresAt time.Time
}

// Engine is the Executor-side protocol engine. It holds three maps keyed by
// delegation id — pending, active, completed — each guarded by the same
// mutex; per design note "Process-wide state", no module-scope globals
// exist, every dependency is injected.
type Engine struct {
	cfg       Config
	workspace *workspace.Manager
	registry  *transport.Registry
	bus       *eventbus.Bus
	runner    taskrunner.Runner
	hook      AdmissionHook
	logger    *log.Entry
	auth      *authtoken.Issuer

	mu        sync.Mutex
	pending   map[string]*admission
	activeSet map[string]*active
	completed *lru.Cache[string, completion]
}

// New constructs an Engine. cfg.ResultRetentionMs bounds how long a
// completed delegation's result stays fetchable; completedCapacity bounds
// how many completed delegations' results are remembered at once,
// golang-lru/v2 evicting the oldest once that cap is hit.
func New(cfg Config, ws *workspace.Manager, registry *transport.Registry, bus *eventbus.Bus, runner taskrunner.Runner, hook AdmissionHook) *Engine {
	cache, _ := lru.New[string, completion](completedCapacity)
	return &Engine{
		cfg:       cfg,
		workspace: ws,
		registry:  registry,
		bus:       bus,
		runner:    runner,
		hook:      hook,
		logger:    log.WithField("component", "executor"),
		pending:   make(map[string]*admission),
		activeSet: make(map[string]*active),
		completed: cache,
	}
}

// SetAuth installs the bearer-token verifier applied to incoming HTTP calls.
// A nil or disabled issuer leaves auth off, matching the engine's default.
func (e *Engine) SetAuth(issuer *authtoken.Issuer) { e.auth = issuer }

// VerifyAuth checks an Authorization header value against delegationID. It
// is exported for the HTTP layer, which owns header parsing.
func (e *Engine) VerifyAuth(token, delegationID string) error {
	return e.auth.Verify(token, delegationID)
}

// Startup sweeps the work root for directories left behind by a prior
// crash (spec §4.4 cleanupStaleOnStartup).
func (e *Engine) Startup(ctx context.Context) error {
	removed, err := e.workspace.CleanupStale()
	if err != nil {
		return fmt.Errorf("cleanup stale work dirs: %w", err)
	}
	if len(removed) > 0 {
		e.logger.WithField("count", len(removed)).Info("removed stale work directories")
	}
	return nil
}

// Shutdown releases every active delegation, per design note
// "cleanly ... torn down at shutdown (release every active delegation)".
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.activeSet))
	for id := range e.activeSet {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.releaseActive(ctx, id)
	}
}

// HandleInvite runs the admission gate of spec §4.7 and returns either an
// ACCEPT or an ERROR message. On refusal no work path is allocated.
func (e *Engine) HandleInvite(ctx context.Context, invite protocol.Invite) (*protocol.Accept, *protocol.ErrorMsg) {
	if invite.Version != protocol.Version {
		return nil, e.refuse(invite.DelegationID, protocol.CodeDeclined, "unsupported protocol version %q", invite.Version)
	}

	e.mu.Lock()
	count := len(e.pending) + len(e.activeSet)
	e.mu.Unlock()
	if count >= e.cfg.MaxConcurrentDelegations {
		return nil, e.refuse(invite.DelegationID, protocol.CodeDeclined,
			"at concurrency limit (%d active delegations)", e.cfg.MaxConcurrentDelegations)
	}

	if invite.Lease.TTLSeconds > e.cfg.MaxTTLSeconds {
		e.logger.WithFields(log.Fields{"delegation": invite.DelegationID, "requested": invite.Lease.TTLSeconds}).
			Debug("clamping requested ttl to executor maximum")
	}

	if !e.cfg.allows(invite.Lease.AccessMode) {
		return nil, e.refuse(invite.DelegationID, protocol.CodeWorkdirDenied,
			"access mode %q is not permitted by this executor", invite.Lease.AccessMode)
	}

	adapter, err := e.registry.Lookup(invite.Transport.Type)
	if err != nil {
		return nil, e.refuse(invite.DelegationID, protocol.CodeDepMissing, "%v", err)
	}
	available, hint, err := adapter.Executor().CheckDependency(ctx)
	if err != nil {
		return nil, e.refuse(invite.DelegationID, protocol.CodeDepMissing, "dependency check: %v", err)
	}
	if !available {
		return nil, (&protocol.ErrorMsg{
			Version: protocol.Version, Type: "ERROR", DelegationID: invite.DelegationID,
			Code: protocol.CodeDepMissing, Message: "required dependency unavailable", Hint: hint,
		})
	}

	if e.hook != nil {
		if ok, reason := e.hook(invite); !ok {
			return nil, e.refuse(invite.DelegationID, protocol.CodeDeclined, "%s", reason)
		}
	}

	workPath, err := e.workspace.Allocate(invite.DelegationID)
	if err != nil {
		return nil, e.refuse(invite.DelegationID, protocol.CodeWorkdirDenied, "%v", err)
	}

	accepted := protocol.ExecutorConstraints{
		AcceptedAccessMode: invite.Lease.AccessMode,
		MaxTTLSeconds:      minInt(invite.Lease.TTLSeconds, e.cfg.MaxTTLSeconds),
		SandboxProfile:     protocol.SandboxProfile{CWDOnly: true, AllowNetwork: false, AllowExec: true},
	}

	e.mu.Lock()
	e.pending[invite.DelegationID] = &admission{invite: invite, workPath: workPath, accepted: accepted}
	e.mu.Unlock()

	e.bus.Open(invite.DelegationID)

	resp := &protocol.Accept{
		Version: protocol.Version, Type: "ACCEPT", DelegationID: invite.DelegationID,
		ExecutorConstraints: accepted,
	}
	resp.ExecutorWorkDir.Path = workPath
	return resp, nil
}

func (e *Engine) refuse(delegationID string, code protocol.ErrorCode, format string, args ...any) *protocol.ErrorMsg {
	msg := fmt.Sprintf(format, args...)
	e.logger.WithFields(log.Fields{"delegation": delegationID, "code": code}).Warn(msg)
	metrics.DelegationsTotal.WithLabelValues(roleExecutor, "refused").Inc()
	return &protocol.ErrorMsg{Version: protocol.Version, Type: "ERROR", DelegationID: delegationID, Code: code, Message: msg}
}

// HandleStart begins the starting→running workflow asynchronously: it
// returns once the transition is recorded, not once the task finishes.
func (e *Engine) HandleStart(ctx context.Context, start protocol.Start) error {
	e.mu.Lock()
	adm, ok := e.pending[start.DelegationID]
	if ok {
		delete(e.pending, start.DelegationID)
	}
	e.mu.Unlock()
	if !ok {
		return protocol.NewError(protocol.CodeNotFound, "no pending admission for delegation %q", start.DelegationID)
	}

	adapter, err := e.registry.Lookup(adm.invite.Transport.Type)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	if !start.Lease.ExpiresAt.IsZero() {
		runCtx, cancel = context.WithDeadline(runCtx, start.Lease.ExpiresAt)
	}

	e.mu.Lock()
	e.activeSet[start.DelegationID] = &active{state: StateStarting, workPath: adm.workPath, adapter: adapter, cancel: cancel}
	e.mu.Unlock()
	metrics.ActiveDelegations.WithLabelValues(roleExecutor).Inc()

	go e.run(runCtx, start, adm, adapter)
	return nil
}

func (e *Engine) run(ctx context.Context, start protocol.Start, adm *admission, adapter transport.Adapter) {
	id := start.DelegationID
	defer e.releaseActive(context.Background(), id)

	if err := e.workspace.Prepare(adm.workPath); err != nil {
		e.fail(id, protocol.CodeSetupFailed, err)
		return
	}

	actualPath, err := adapter.Executor().Setup(ctx, id, start.WorkDir, adm.workPath)
	if err != nil {
		e.fail(id, protocol.CodeSetupFailed, err)
		return
	}

	e.setActiveState(id, StateRunning)
	e.bus.Publish(id, protocol.Event{Type: protocol.EventStatus, Status: &protocol.StatusPayload{Message: "running", Substate: "running"}})

	sink := &statusSink{engine: e, delegationID: id}
	summary, err := e.runner.Run(ctx, id, actualPath, adm.invite.Task, sink)
	if err != nil {
		e.fail(id, protocol.CodeTaskFailed, err)
		return
	}

	var payload []byte
	if !adapter.Executor().Capabilities().LiveSync {
		payload, err = adapter.Executor().CaptureSnapshot(ctx, id, actualPath)
		if err != nil {
			e.fail(id, protocol.CodeSetupFailed, fmt.Errorf("capture snapshot: %w", err))
			return
		}
	}

	var snapshotIDs []string
	if payload != nil {
		sid := id + "-snap-1"
		snapshotIDs = append(snapshotIDs, sid)
		e.bus.Publish(id, protocol.Event{Type: protocol.EventSnapshot, Snapshot: &protocol.SnapshotPayload{
			SnapshotID: sid, Summary: summary, Payload: payload, Recommended: true,
		}})
	}

	e.setActiveState(id, StateCompleted)
	e.recordCompletion(id, ResultRecord{Status: "completed", CompletedAt: time.Now().UTC(), Summary: summary, SnapshotPayload: payload})
	e.bus.Publish(id, protocol.Event{Type: protocol.EventDone, Done: &protocol.DonePayload{Summary: summary, SnapshotIDs: snapshotIDs}})
}

func (e *Engine) fail(delegationID string, code protocol.ErrorCode, err error) {
	e.logger.WithFields(log.Fields{"delegation": delegationID, "code": code}).WithError(err).Error("delegation failed")
	e.setActiveState(delegationID, StateFailed)
	perr := protocol.Error{Code: code, Message: err.Error()}
	e.recordCompletion(delegationID, ResultRecord{Status: "error", CompletedAt: time.Now().UTC(), Error: &perr})
	e.bus.Publish(delegationID, protocol.Event{Type: protocol.EventError, Error: &perr})
}

// HandleCancel implements "ERROR received" (spec §4.7): unilateral
// cancellation by the Delegator.
func (e *Engine) HandleCancel(ctx context.Context, delegationID string) error {
	e.mu.Lock()
	if _, ok := e.pending[delegationID]; ok {
		delete(e.pending, delegationID)
		e.mu.Unlock()
		return nil
	}
	act, ok := e.activeSet[delegationID]
	e.mu.Unlock()

	if !ok {
		return protocol.NewError(protocol.CodeNotFound, "unknown delegation %q", delegationID)
	}

	act.cancel()
	perr := protocol.Error{Code: protocol.CodeCancelled, Message: "cancelled by delegator"}
	e.setActiveState(delegationID, StateCancelled)
	e.recordCompletion(delegationID, ResultRecord{Status: "error", CompletedAt: time.Now().UTC(), Error: &perr})
	e.bus.Publish(delegationID, protocol.Event{Type: protocol.EventError, Error: &perr})
	return nil
}

// Subscribe exposes the event bus to the HTTP layer.
func (e *Engine) Subscribe(delegationID string) (<-chan protocol.Event, bool) {
	return e.bus.Subscribe(delegationID)
}

// Result serves GET /tasks/{id}/result. A completion older than
// resultRetentionMs is treated as evicted even if the LRU cap hasn't forced
// it out yet, so retention is time-bounded, not just count-bounded.
func (e *Engine) Result(delegationID string) ResultRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.completed.Get(delegationID); ok {
		if time.Now().Before(c.expiresAt) {
			return c.record
		}
		e.completed.Remove(delegationID)
	}
	if _, ok := e.activeSet[delegationID]; ok {
		return ResultRecord{Status: "running"}
	}
	if _, ok := e.pending[delegationID]; ok {
		return ResultRecord{Status: "running"}
	}
	return ResultRecord{Status: "not_found"}
}

// Counters serves GET /status.
type Counters struct {
	Pending   int `json:"pending"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
}

func (e *Engine) Counters() Counters {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Counters{Pending: len(e.pending), Active: len(e.activeSet), Completed: e.completed.Len()}
}

func (e *Engine) setActiveState(id string, s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.activeSet[id]; ok {
		a.state = s
	}
}

func (e *Engine) recordCompletion(id string, rec ResultRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ttl := time.Duration(e.cfg.ResultRetentionMs) * time.Millisecond
	if ttl <= 0 {
		ttl = time.Duration(DefaultConfig().ResultRetentionMs) * time.Millisecond
	}
	e.completed.Add(id, completion{record: rec, expiresAt: time.Now().Add(ttl)})
	metrics.DelegationsTotal.WithLabelValues(roleExecutor, rec.Status).Inc()
}

func (e *Engine) releaseActive(ctx context.Context, id string) {
	e.mu.Lock()
	act, ok := e.activeSet[id]
	if ok {
		delete(e.activeSet, id)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	metrics.ActiveDelegations.WithLabelValues(roleExecutor).Dec()
	if err := act.adapter.Executor().Release(ctx, id, act.workPath); err != nil {
		e.logger.WithField("delegation", id).WithError(err).Warn("transport release failed during cleanup")
	}
	if err := e.workspace.Release(id, act.workPath); err != nil {
		e.logger.WithField("delegation", id).WithError(err).Warn("workspace release failed during cleanup")
	}
}

type statusSink struct {
	engine       *Engine
	delegationID string
}

func (s *statusSink) Status(message, substate string) {
	s.engine.bus.Publish(s.delegationID, protocol.Event{Type: protocol.EventStatus, Status: &protocol.StatusPayload{Message: message, Substate: substate}})
}

func minInt(a, b int) int {
	if a <= 0 || a > b {
		return b
	}
	return a
}
