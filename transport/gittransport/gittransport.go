// Package gittransport implements the "Git remote URL + base commit"
// Transport Handle variant from spec §3. No Git library appears anywhere in
// the retrieved example pack, so this adapter shells out to the `git`
// binary via os/exec — the one component of this repo grounded directly on
// the standard library rather than a pack dependency (see DESIGN.md).
package gittransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/estuary/awcp/protocol"
	"github.com/estuary/awcp/transport"
)

// Name is the registry key for this adapter.
const Name = "git-remote"

// Handle is the JSON payload carried as the transport handle.
type Handle struct {
	RemoteURL  string `json:"remoteUrl"`
	BaseCommit string `json:"baseCommit"`
	Branch     string `json:"branch"`
}

// New constructs the adapter. remoteURL is where the Delegator pushes its
// export commit and where the Executor clones from. branch is stored but not
// used: every delegation pushes and clones its own branch, awcp/<id>.
func New(remoteURL, branch string) transport.Adapter {
	return &adapter{remoteURL: remoteURL, branch: branch, exportPaths: make(map[string]string)}
}

// adapter is the single shared instance a Registry holds; it outlives any
// one delegatorHalf/executorHalf, so the per-delegation export-path map
// needed by ApplySnapshot (which receives no exportPath argument of its
// own) lives here rather than on the half, which is reconstructed on every
// Delegator()/Executor() call.
type adapter struct {
	remoteURL, branch string

	mu          sync.Mutex
	exportPaths map[string]string
}

func (a *adapter) Name() string                   { return Name }
func (a *adapter) Delegator() transport.Delegator { return &delegatorHalf{adapter: a} }
func (a *adapter) Executor() transport.Executor   { return &executorHalf{} }

func caps() transport.Capabilities {
	return transport.Capabilities{SupportsSnapshots: true, LiveSync: false}
}

func branchFor(delegationID string) string { return fmt.Sprintf("awcp/%s", delegationID) }

type delegatorHalf struct {
	adapter *adapter
}

func (d *delegatorHalf) Initialize(ctx context.Context) error { return nil }
func (d *delegatorHalf) Capabilities() transport.Capabilities { return caps() }

func (d *delegatorHalf) Prepare(ctx context.Context, delegationID, exportPath string, ttlSeconds int) (transport.Handle, error) {
	branch := branchFor(delegationID)
	if err := runGit(ctx, exportPath, "init", "-q"); err != nil {
		return nil, protocol.NewError(protocol.CodeSetupFailed, "git init: %v", err)
	}
	if err := runGit(ctx, exportPath, "checkout", "-q", "-B", branch); err != nil {
		return nil, protocol.NewError(protocol.CodeSetupFailed, "git checkout -B %s: %v", branch, err)
	}
	if err := runGit(ctx, exportPath, "add", "-A"); err != nil {
		return nil, protocol.NewError(protocol.CodeSetupFailed, "git add: %v", err)
	}
	if err := runGit(ctx, exportPath, "commit", "-q", "--allow-empty", "-m", "awcp export "+delegationID); err != nil {
		return nil, protocol.NewError(protocol.CodeSetupFailed, "git commit: %v", err)
	}
	commit, err := gitOutput(ctx, exportPath, "rev-parse", "HEAD")
	if err != nil {
		return nil, protocol.NewError(protocol.CodeSetupFailed, "git rev-parse HEAD: %v", err)
	}
	if err := runGit(ctx, exportPath, "push", "-q", "-f", d.adapter.remoteURL, branch); err != nil {
		return nil, protocol.NewError(protocol.CodeSetupFailed, "git push: %v", err)
	}

	d.adapter.mu.Lock()
	d.adapter.exportPaths[delegationID] = exportPath
	d.adapter.mu.Unlock()

	h := Handle{RemoteURL: d.adapter.remoteURL, BaseCommit: commit, Branch: branch}
	return json.Marshal(h)
}

// ApplySnapshot fetches the Executor's result branch and checks out only
// the rw resource paths from its head commit into exportPath's working
// tree. Paths of ro resources are not checked out, so any changes the
// result commit carries for them are not applied.
func (d *delegatorHalf) ApplySnapshot(ctx context.Context, delegationID string, payload []byte, rwResources []protocol.Resource) error {
	commit := string(bytes.TrimSpace(payload))
	if commit == "" {
		return protocol.NewError(protocol.CodeSetupFailed, "empty snapshot commit")
	}

	d.adapter.mu.Lock()
	exportPath, ok := d.adapter.exportPaths[delegationID]
	d.adapter.mu.Unlock()
	if !ok {
		return protocol.NewError(protocol.CodeSetupFailed, "no prepared export path for delegation %q", delegationID)
	}

	branch := branchFor(delegationID)
	if err := runGit(ctx, exportPath, "fetch", "-q", d.adapter.remoteURL, branch); err != nil {
		return protocol.NewError(protocol.CodeSetupFailed, "git fetch %s: %v", branch, err)
	}

	if len(rwResources) == 0 {
		return nil
	}
	args := append([]string{"checkout", "-q", commit, "--"}, resourceNames(rwResources)...)
	if err := runGit(ctx, exportPath, args...); err != nil {
		return protocol.NewError(protocol.CodeSetupFailed, "git checkout rw paths from %s: %v", commit, err)
	}
	return nil
}

func (d *delegatorHalf) Release(ctx context.Context, delegationID string) error {
	branch := branchFor(delegationID)
	d.adapter.mu.Lock()
	delete(d.adapter.exportPaths, delegationID)
	d.adapter.mu.Unlock()
	// Best-effort: remote branch cleanup must not fail the delegation.
	_ = runGit(ctx, "", "push", d.adapter.remoteURL, "--delete", branch)
	return nil
}

type executorHalf struct{}

func (e *executorHalf) Initialize(ctx context.Context, workRoot string) error { return nil }
func (e *executorHalf) Shutdown(ctx context.Context) error                   { return nil }
func (e *executorHalf) Capabilities() transport.Capabilities                 { return caps() }

func (e *executorHalf) CheckDependency(ctx context.Context) (bool, string, error) {
	if _, err := exec.LookPath("git"); err != nil {
		return false, "git binary not found on PATH", nil
	}
	return true, "", nil
}

func (e *executorHalf) Setup(ctx context.Context, delegationID string, handle transport.Handle, workPath string) (string, error) {
	var h Handle
	if err := json.Unmarshal(handle, &h); err != nil {
		return "", protocol.NewError(protocol.CodeSetupFailed, "decode handle: %v", err)
	}
	if err := runGit(ctx, "", "clone", "-q", "--branch", h.Branch, "--single-branch", h.RemoteURL, workPath); err != nil {
		return "", protocol.NewError(protocol.CodeSetupFailed, "git clone: %v", err)
	}
	if err := runGit(ctx, workPath, "checkout", "-q", h.BaseCommit); err != nil {
		return "", protocol.NewError(protocol.CodeSetupFailed, "git checkout %s: %v", h.BaseCommit, err)
	}
	return workPath, nil
}

// CaptureSnapshot commits the Executor's working tree and pushes it to the
// delegation's result branch on the same remote Setup cloned from, so the
// Delegator's later ApplySnapshot has something to fetch. Without this push
// the commit would exist only in the clone workspace.Release deletes.
func (e *executorHalf) CaptureSnapshot(ctx context.Context, delegationID, workPath string) ([]byte, error) {
	if err := runGit(ctx, workPath, "add", "-A"); err != nil {
		return nil, fmt.Errorf("git add: %w", err)
	}
	if err := runGit(ctx, workPath, "commit", "-q", "--allow-empty", "-m", "awcp result "+delegationID); err != nil {
		return nil, fmt.Errorf("git commit: %w", err)
	}
	commit, err := gitOutput(ctx, workPath, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("git rev-parse HEAD: %w", err)
	}
	branch := branchFor(delegationID)
	if err := runGit(ctx, workPath, "push", "-q", "-f", "origin", "HEAD:refs/heads/"+branch); err != nil {
		return nil, fmt.Errorf("git push result commit: %w", err)
	}
	return []byte(commit), nil
}

func (e *executorHalf) Release(ctx context.Context, delegationID, workPath string) error {
	return nil
}

func resourceNames(resources []protocol.Resource) []string {
	names := make([]string, len(resources))
	for i, r := range resources {
		names[i] = r.Name
	}
	return names
}

func runGit(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%v: %s", err, stderr.String())
	}
	return nil
}

func gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return string(bytes.TrimSpace(out)), nil
}
