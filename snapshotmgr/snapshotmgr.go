// Package snapshotmgr implements the Delegator-side Snapshot Manager (spec
// §4.5): it disposes of incoming snapshot events per the delegation's
// SnapshotPolicy, persists staged payloads, applies them through the
// transport adapter, and enforces the "at most one applied snapshot"
// invariant.
package snapshotmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/spf13/afero"

	"github.com/estuary/awcp/materializer"
	"github.com/estuary/awcp/protocol"
	"github.com/estuary/awcp/transport"
)

// Manager applies the staging/apply/discard lifecycle for one Delegator
// engine's snapshots, keyed by delegation id.
type Manager struct {
	fs      afero.Fs
	baseDir string
}

// New constructs a Manager whose staged payloads live under
// baseDir/snapshots/<delegationId>/<snapshotId>/.
func New(fs afero.Fs, baseDir string) *Manager {
	return &Manager{fs: fs, baseDir: filepath.Join(baseDir, "snapshots")}
}

func (m *Manager) dir(delegationID, snapshotID string) string {
	return filepath.Join(m.baseDir, delegationID, snapshotID)
}

// metadata mirrors the persisted sidecar file next to a staged payload.
type metadata struct {
	Summary     string    `json:"summary"`
	Highlights  string    `json:"highlights,omitempty"`
	Recommended bool      `json:"recommended,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Receive processes one incoming snapshot event against policy, returning
// the Snapshot record to append to the delegation (status already set per
// policy) and, for the auto policy, having already invoked adapter.
func (m *Manager) Receive(
	ctx context.Context,
	adapter transport.Delegator,
	delegation *protocol.Delegation,
	ev protocol.SnapshotPayload,
) (protocol.Snapshot, error) {
	now := time.Now().UTC()
	snap := protocol.Snapshot{
		ID:          ev.SnapshotID,
		Summary:     ev.Summary,
		Highlights:  ev.Highlights,
		Recommended: ev.Recommended,
		CreatedAt:   now,
	}

	switch delegation.SnapshotPolicy {
	case protocol.PolicyDiscard:
		snap.Status = protocol.SnapshotDiscarded
		return snap, nil

	case protocol.PolicyStaged:
		if snap.Highlights == "" {
			snap.Highlights = m.manifestHighlights(delegation)
		}
		if err := m.persist(delegation.ID, ev.SnapshotID, ev.Payload, metadata{
			Summary: ev.Summary, Highlights: snap.Highlights, Recommended: ev.Recommended, CreatedAt: now,
		}); err != nil {
			return snap, fmt.Errorf("persist staged snapshot: %w", err)
		}
		snap.Status = protocol.SnapshotPending
		snap.LocalPath = m.dir(delegation.ID, ev.SnapshotID)
		return snap, nil

	default: // protocol.PolicyAuto
		if err := adapter.ApplySnapshot(ctx, delegation.ID, ev.Payload, rwResources(delegation.Environment)); err != nil {
			return snap, fmt.Errorf("apply auto snapshot: %w", err)
		}
		snap.Status = protocol.SnapshotApplied
		appliedAt := now
		snap.AppliedAt = &appliedAt
		return snap, nil
	}
}

// Apply is legal only for a pending snapshot, and only when the delegation
// has no other applied snapshot (spec §4.5, §8 invariant: at most one
// applied snapshot per delegation).
func (m *Manager) Apply(ctx context.Context, adapter transport.Delegator, delegation *protocol.Delegation, snapshotID string) (*protocol.Snapshot, error) {
	if delegation.AppliedSnapshot != "" {
		return nil, protocol.NewError(protocol.CodeDeclined,
			"delegation %q already has applied snapshot %q; reversion is not supported",
			delegation.ID, delegation.AppliedSnapshot)
	}

	idx, snap := findSnapshot(delegation, snapshotID)
	if snap == nil {
		return nil, protocol.NewError(protocol.CodeNotFound, "snapshot %q not found", snapshotID)
	}
	if snap.Status != protocol.SnapshotPending {
		return nil, protocol.NewError(protocol.CodeDeclined, "snapshot %q is %s, not pending", snapshotID, snap.Status)
	}

	payload, err := afero.ReadFile(m.fs, filepath.Join(snap.LocalPath, "payload"))
	if err != nil {
		return nil, fmt.Errorf("read staged payload: %w", err)
	}
	if err := adapter.ApplySnapshot(ctx, delegation.ID, payload, rwResources(delegation.Environment)); err != nil {
		return nil, fmt.Errorf("apply snapshot: %w", err)
	}

	now := time.Now().UTC()
	snap.Status = protocol.SnapshotApplied
	snap.AppliedAt = &now
	delegation.Snapshots[idx] = *snap
	delegation.AppliedSnapshot = snapshotID
	return snap, nil
}

// Discard removes a pending snapshot's persisted payload and flips its
// status, per spec §4.5.
func (m *Manager) Discard(delegation *protocol.Delegation, snapshotID string) (*protocol.Snapshot, error) {
	idx, snap := findSnapshot(delegation, snapshotID)
	if snap == nil {
		return nil, protocol.NewError(protocol.CodeNotFound, "snapshot %q not found", snapshotID)
	}
	if snap.Status != protocol.SnapshotPending {
		return nil, protocol.NewError(protocol.CodeDeclined, "snapshot %q is %s, not pending", snapshotID, snap.Status)
	}
	if err := m.fs.RemoveAll(m.dir(delegation.ID, snapshotID)); err != nil {
		return nil, fmt.Errorf("remove staged payload: %w", err)
	}
	snap.Status = protocol.SnapshotDiscarded
	snap.LocalPath = ""
	delegation.Snapshots[idx] = *snap
	return snap, nil
}

// SweepStale removes staged directories that have no corresponding
// delegation, called once at Delegator startup.
func (m *Manager) SweepStale(liveDelegationIDs map[string]bool) ([]string, error) {
	entries, err := afero.ReadDir(m.fs, m.baseDir)
	if err != nil {
		return nil, nil // no snapshots persisted yet
	}
	var removed []string
	for _, e := range entries {
		if !e.IsDir() || liveDelegationIDs[e.Name()] {
			continue
		}
		path := filepath.Join(m.baseDir, e.Name())
		if err := m.fs.RemoveAll(path); err != nil {
			return removed, fmt.Errorf("remove stale snapshot dir %q: %w", path, err)
		}
		removed = append(removed, e.Name())
	}
	return removed, nil
}

// DiffManifests computes a human-readable summary of what changed between
// two .awcp/manifest.json documents, used as a staged snapshot's Highlights
// when the Executor didn't supply any highlights of its own.
func DiffManifests(before, after []byte) (string, error) {
	patch, err := jsonpatch.CreateMergePatch(before, after)
	if err != nil {
		return "", fmt.Errorf("diff manifests: %w", err)
	}
	var ops map[string]any
	if err := json.Unmarshal(patch, &ops); err != nil {
		return "", fmt.Errorf("decode merge patch: %w", err)
	}
	return fmt.Sprintf("%d manifest field(s) changed", len(ops)), nil
}

// resourceSet is the projection of a manifest DiffManifests compares: just
// the resource list, so a diff reflects resource-set drift rather than the
// always-different CreatedAt timestamp.
type resourceSet struct {
	Resources []materializer.ManifestResource `json:"resources"`
}

// manifestHighlights surfaces, for human review of a staged snapshot, how
// the delegation's current resource set differs from the one recorded in
// exportPath/.awcp/manifest.json at materialization time. Returns "" if the
// on-disk manifest can't be read (e.g. a liveSync transport with no
// materialized export) or the two sides are identical.
func (m *Manager) manifestHighlights(delegation *protocol.Delegation) string {
	if delegation.ExportPath == "" {
		return ""
	}
	manifest, err := materializer.ReadManifest(m.fs, delegation.ExportPath)
	if err != nil {
		return ""
	}
	before, err := json.Marshal(resourceSet{Resources: manifest.Resources})
	if err != nil {
		return ""
	}

	var afterResources []materializer.ManifestResource
	for _, r := range delegation.Environment {
		afterResources = append(afterResources, materializer.ManifestResource{Name: r.Name, Mode: r.Mode})
	}
	after, err := json.Marshal(resourceSet{Resources: afterResources})
	if err != nil {
		return ""
	}

	diff, err := DiffManifests(before, after)
	if err != nil || diff == "0 manifest field(s) changed" {
		return ""
	}
	return diff
}

func (m *Manager) persist(delegationID, snapshotID string, payload []byte, meta metadata) error {
	dir := m.dir(delegationID, snapshotID)
	if err := m.fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := afero.WriteFile(m.fs, filepath.Join(dir, "payload"), payload, 0o644); err != nil {
		return err
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return afero.WriteFile(m.fs, filepath.Join(dir, "metadata.json"), data, 0o644)
}

func rwResources(resources []protocol.Resource) []protocol.Resource {
	var out []protocol.Resource
	for _, r := range resources {
		if r.Mode == protocol.AccessReadWrite {
			out = append(out, r)
		}
	}
	return out
}

func findSnapshot(delegation *protocol.Delegation, id string) (int, *protocol.Snapshot) {
	for i := range delegation.Snapshots {
		if delegation.Snapshots[i].ID == id {
			snap := delegation.Snapshots[i]
			return i, &snap
		}
	}
	return -1, nil
}
