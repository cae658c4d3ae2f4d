// Package workspace implements the Executor-side Workspace Manager (spec
// §4.4): it owns a single root directory, allocates one child directory per
// delegation, validates paths never escape the root, and sweeps stale
// directories left behind by a prior crash.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/estuary/awcp/protocol"
)

// Manager mediates exclusive allocation of work paths under root.
type Manager struct {
	fs   afero.Fs
	root string

	mu        sync.Mutex
	allocated map[string]bool
}

// New constructs a Manager rooted at root. fs is typically afero.NewOsFs()
// in production and afero.NewMemMapFs() in tests.
func New(fs afero.Fs, root string) *Manager {
	return &Manager{fs: fs, root: filepath.Clean(root), allocated: make(map[string]bool)}
}

// Root returns the configured work root.
func (m *Manager) Root() string { return m.root }

// Allocate reserves root/id for delegation id and returns its path. The id
// is never interpolated unsanitized into a path that escapes root — see
// Validate.
func (m *Manager) Allocate(id string) (string, error) {
	path := filepath.Join(m.root, id)
	if err := m.Validate(path); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.allocated[id] {
		return "", fmt.Errorf("delegation %q already has an allocated work path", id)
	}
	m.allocated[id] = true
	return path, nil
}

// Validate enforces that path lies under root, preventing any caller
// supplied id from escaping via traversal (spec §8 testable property).
func (m *Manager) Validate(path string) error {
	clean := filepath.Clean(path)
	rel, err := filepath.Rel(m.root, clean)
	if err != nil {
		return protocol.NewError(protocol.CodeWorkdirDenied, "path %q is not under work root: %v", path, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return protocol.NewError(protocol.CodeWorkdirDenied, "path %q escapes work root %q", path, m.root)
	}
	return nil
}

// Prepare creates path and refuses to proceed if it is non-empty.
func (m *Manager) Prepare(path string) error {
	if err := m.Validate(path); err != nil {
		return err
	}
	if exists, err := afero.DirExists(m.fs, path); err != nil {
		return fmt.Errorf("stat work path: %w", err)
	} else if exists {
		entries, err := afero.ReadDir(m.fs, path)
		if err != nil {
			return fmt.Errorf("list work path: %w", err)
		}
		if len(entries) > 0 {
			return protocol.NewError(protocol.CodeSetupFailed, "work path %q is not empty", path)
		}
	}
	if err := m.fs.MkdirAll(path, 0o755); err != nil {
		return protocol.NewError(protocol.CodeSetupFailed, "create work path: %v", err)
	}
	return nil
}

// Release deletes path recursively, fault-tolerant to a path that is
// already gone, and frees the delegation id for re-allocation.
func (m *Manager) Release(id, path string) error {
	m.mu.Lock()
	delete(m.allocated, id)
	m.mu.Unlock()

	if err := m.fs.RemoveAll(path); err != nil {
		return fmt.Errorf("remove work path %q: %w", path, err)
	}
	return nil
}

// CleanupStale deletes any child of root that is not currently allocated,
// reclaiming space left behind by a prior crash. Called once at startup.
func (m *Manager) CleanupStale() ([]string, error) {
	entries, err := afero.ReadDir(m.fs, m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list work root: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []string
	for _, e := range entries {
		if !e.IsDir() || m.allocated[e.Name()] {
			continue
		}
		path := filepath.Join(m.root, e.Name())
		if err := m.fs.RemoveAll(path); err != nil {
			return removed, fmt.Errorf("remove stale dir %q: %w", path, err)
		}
		removed = append(removed, e.Name())
	}
	return removed, nil
}
