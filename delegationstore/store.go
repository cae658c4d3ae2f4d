// Package delegationstore implements the Delegator-side Delegation Store
// (spec §4.5 data, persistence described in §4.8/§6): a durable per-
// delegation JSON record under <baseDir>/delegations/<id>.json, surviving
// process restarts. Writes are serialized per delegation by an in-process
// mutex kept per id; there is no global write lock (spec §5 "Shared
// resources"). No lock is taken on the file itself, so writers in other
// processes are not excluded.
package delegationstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/estuary/awcp/protocol"
)

// Store persists Delegation records as one JSON file each.
type Store struct {
	fs      afero.Fs
	baseDir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs a Store rooted at baseDir/delegations.
func New(fs afero.Fs, baseDir string) *Store {
	return &Store{fs: fs, baseDir: filepath.Join(baseDir, "delegations"), locks: make(map[string]*sync.Mutex)}
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[id]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[id] = l
	return l
}

func (s *Store) path(id string) string {
	return filepath.Join(s.baseDir, id+".json")
}

// Save serializes d to its per-delegation file, creating baseDir if needed.
func (s *Store) Save(d *protocol.Delegation) error {
	l := s.lockFor(d.ID)
	l.Lock()
	defer l.Unlock()

	if err := s.fs.MkdirAll(s.baseDir, 0o755); err != nil {
		return fmt.Errorf("create delegation store dir: %w", err)
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal delegation %s: %w", d.ID, err)
	}
	tmp := s.path(d.ID) + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("write delegation %s: %w", d.ID, err)
	}
	if err := s.fs.Rename(tmp, s.path(d.ID)); err != nil {
		return fmt.Errorf("commit delegation %s: %w", d.ID, err)
	}
	return nil
}

// Load reads one delegation's record.
func (s *Store) Load(id string) (*protocol.Delegation, error) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	data, err := afero.ReadFile(s.fs, s.path(id))
	if err != nil {
		return nil, protocol.NewError(protocol.CodeNotFound, "delegation %q: %v", id, err)
	}
	var d protocol.Delegation
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("unmarshal delegation %s: %w", id, err)
	}
	return &d, nil
}

// Delete removes a delegation's persisted record.
func (s *Store) Delete(id string) error {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()
	if err := s.fs.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete delegation %s: %w", id, err)
	}
	return nil
}

// List returns every persisted delegation id, used to rehydrate in-memory
// engine state at startup.
func (s *Store) List() ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list delegation store: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}
		ids = append(ids, name[:len(name)-len(".json")])
	}
	return ids, nil
}
