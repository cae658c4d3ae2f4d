// Package transport defines the symmetric Transport Adapter contract (spec
// §4.1). Concrete adapters live in sibling packages (ziptransport,
// sshtransport, objtransport, gittransport); the engine never performs I/O
// on workspace bytes directly, only through this interface.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/estuary/awcp/protocol"
)

// Capabilities is the static capability set an adapter declares. The engine
// branches on capabilities, never on concrete adapter types (design note
// "Dynamic dispatch over transports").
type Capabilities struct {
	SupportsSnapshots bool
	LiveSync          bool
}

// Handle is the opaque, JSON-serializable value an Executor needs to
// materialize a Delegator's resources. Adapters define their own payload
// shape and marshal/unmarshal it themselves; the engine only ever threads
// the raw bytes through.
type Handle = json.RawMessage

// Delegator is the Delegator-side half of an adapter.
type Delegator interface {
	// Initialize is idempotent and is called once at engine startup.
	Initialize(ctx context.Context) error
	// Prepare runs after ACCEPT and produces the Handle the Executor will
	// use to materialize exportPath. Fails with protocol.CodeSetupFailed.
	Prepare(ctx context.Context, delegationID, exportPath string, ttlSeconds int) (Handle, error)
	// ApplySnapshot merges Executor-delivered state back into exportPath,
	// respecting rwResources' include/exclude rules and never touching a
	// resource whose mode is protocol.AccessReadOnly. Idempotent when
	// called twice with the same payload.
	ApplySnapshot(ctx context.Context, delegationID string, payload []byte, rwResources []protocol.Resource) error
	// Release revokes credentials and deletes temporary artifacts. Must
	// succeed, or be safely retriable.
	Release(ctx context.Context, delegationID string) error
	// Capabilities is static and side-effect free.
	Capabilities() Capabilities
}

// Executor is the Executor-side half of an adapter.
type Executor interface {
	Initialize(ctx context.Context, workRoot string) error
	Shutdown(ctx context.Context) error
	// CheckDependency gates INVITE acceptance.
	CheckDependency(ctx context.Context) (available bool, hint string, err error)
	// Setup materializes handle into workPath, returning the (possibly
	// adjusted) actual work path. Fails with protocol.CodeSetupFailed.
	Setup(ctx context.Context, delegationID string, handle Handle, workPath string) (actualWorkPath string, err error)
	// CaptureSnapshot is called on task success; adapters with
	// Capabilities().LiveSync return (nil, nil).
	CaptureSnapshot(ctx context.Context, delegationID, workPath string) (payload []byte, err error)
	// Release unmounts, drops credentials, deletes clones.
	Release(ctx context.Context, delegationID, workPath string) error
	Capabilities() Capabilities
}

// Adapter bundles both halves plus the registry name an INVITE's
// transport.type field selects.
type Adapter interface {
	Name() string
	Delegator() Delegator
	Executor() Executor
}

// Registry is a process-local set of named adapters, analogous to the
// teacher's connector driver registries (go/materialize/driver). It carries
// no global state; each engine instance owns its own Registry.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its Name(). Re-registering the same name
// overwrites the previous entry, mirroring how driver registries in the pack
// allow test doubles to shadow a production adapter.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Lookup resolves an adapter by name, returning protocol.CodeDepMissing if
// absent.
func (r *Registry) Lookup(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.adapters[name]; ok {
		return a, nil
	}
	return nil, protocol.NewError(protocol.CodeDepMissing, "unknown transport %q", name)
}

// InitializeAll calls Initialize on every Delegator half currently
// registered; used at Delegator engine startup.
func (r *Registry) InitializeAll(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, a := range r.adapters {
		if err := a.Delegator().Initialize(ctx); err != nil {
			return fmt.Errorf("initialize transport %q: %w", name, err)
		}
	}
	return nil
}
