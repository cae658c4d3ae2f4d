// Package materializer implements the Delegator-side Resource Materializer
// (spec §4.2): it builds the export tree under exportPath/<resourceName>/…
// from each Resource's source directory and writes the .awcp/manifest.json
// describing what was exported.
package materializer

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/estuary/awcp/protocol"
)

// Strategy selects how a resource's source directory is exposed under the
// export root. Correctness must be identical across strategies; only the
// performance/isolation tradeoff differs.
type Strategy string

const (
	StrategyCopy    Strategy = "copy"
	StrategySymlink Strategy = "symlink"
	StrategyBind    Strategy = "bind"
)

// ManifestVersion is written into every .awcp/manifest.json.
const ManifestVersion = protocol.Version

// ManifestResource is one entry of the manifest's resource list.
type ManifestResource struct {
	Name string              `json:"name"`
	Mode protocol.AccessMode `json:"mode"`
}

// Manifest is the structured contents of .awcp/manifest.json.
type Manifest struct {
	Version      string             `json:"version"`
	DelegationID string             `json:"delegationId"`
	CreatedAt    time.Time          `json:"createdAt"`
	Resources    []ManifestResource `json:"resources"`
}

// Materializer builds export trees on fs using strategy.
type Materializer struct {
	fs       afero.Fs
	strategy Strategy
}

// New constructs a Materializer. fs is typically afero.NewOsFs() in
// production and afero.NewMemMapFs() in tests.
func New(fs afero.Fs, strategy Strategy) *Materializer {
	if strategy == "" {
		strategy = StrategyCopy
	}
	return &Materializer{fs: fs, strategy: strategy}
}

// Materialize builds exportPath/<resourceName>/… for each resource and
// writes the manifest. On any failure it removes exportPath entirely so a
// failed materialization never leaves a half-constructed export behind —
// the admission controller's rollback guarantee (spec §4.3).
func (m *Materializer) Materialize(delegationID, exportPath string, resources []protocol.Resource) (err error) {
	defer func() {
		if err != nil {
			_ = m.fs.RemoveAll(exportPath)
		}
	}()

	if err = m.fs.MkdirAll(exportPath, 0o755); err != nil {
		return fmt.Errorf("create export root: %w", err)
	}

	manifest := Manifest{
		Version:      ManifestVersion,
		DelegationID: delegationID,
		CreatedAt:    time.Now().UTC(),
	}

	for _, res := range resources {
		dest := filepath.Join(exportPath, res.Name)
		switch m.strategy {
		case StrategySymlink, StrategyBind:
			// Both a symlink and a bind-mount are represented identically
			// at this layer: a single link from dest to res.Source. The
			// distinction (symlink vs actual mount namespace) is an
			// operational concern handled by the caller's OS integration;
			// here we always produce the strategy's logical equivalent so
			// correctness (what paths resolve to what bytes) matches copy.
			if err = m.fs.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return fmt.Errorf("resource %s: %w", res.Name, err)
			}
			if linker, ok := m.fs.(afero.Linker); ok {
				if err = linker.SymlinkIfPossible(res.Source, dest); err != nil {
					return fmt.Errorf("resource %s: symlink: %w", res.Name, err)
				}
			} else if err = copyTree(m.fs, res, dest); err != nil {
				return fmt.Errorf("resource %s: %w", res.Name, err)
			}
		default:
			if err = copyTree(m.fs, res, dest); err != nil {
				return fmt.Errorf("resource %s: %w", res.Name, err)
			}
		}
		manifest.Resources = append(manifest.Resources, ManifestResource{Name: res.Name, Mode: res.Mode})
	}

	if err = writeManifest(m.fs, exportPath, manifest); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// Release removes the entire per-delegation export tree.
func (m *Materializer) Release(exportPath string) error {
	return m.fs.RemoveAll(exportPath)
}

func writeManifest(fs afero.Fs, exportPath string, manifest Manifest) error {
	dir := filepath.Join(exportPath, ".awcp")
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return afero.WriteFile(fs, filepath.Join(dir, "manifest.json"), data, 0o644)
}

// ReadManifest loads exportPath/.awcp/manifest.json.
func ReadManifest(fs afero.Fs, exportPath string) (Manifest, error) {
	var manifest Manifest
	data, err := afero.ReadFile(fs, filepath.Join(exportPath, ".awcp", "manifest.json"))
	if err != nil {
		return manifest, err
	}
	err = json.Unmarshal(data, &manifest)
	return manifest, err
}

// copyTree copies res.Source into dest, honoring res.Include/Exclude glob
// selectors — the same selector rules the admission scan consults (spec
// §4.2: "the admission scan and the transport adapter both consult the same
// rules").
func copyTree(fs afero.Fs, res protocol.Resource, dest string) error {
	return afero.Walk(fs, res.Source, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(res.Source, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return fs.MkdirAll(dest, 0o755)
		}
		if !Selected(rel, res) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dest, rel)
		if info.IsDir() {
			return fs.MkdirAll(target, 0o755)
		}
		return copyFile(fs, path, target)
	})
}

func copyFile(fs afero.Fs, src, dest string) error {
	if err := fs.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := fs.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// Selected reports whether rel (a path relative to a resource's source
// root) passes that resource's include/exclude glob rules: exclude wins,
// then an empty include list means "everything", otherwise rel must match
// at least one include pattern.
func Selected(rel string, res protocol.Resource) bool {
	rel = filepath.ToSlash(rel)
	for _, pat := range res.Exclude {
		if ok, _ := filepath.Match(pat, rel); ok {
			return false
		}
		if ok, _ := filepath.Match(pat, filepath.Base(rel)); ok {
			return false
		}
	}
	if len(res.Include) == 0 {
		return true
	}
	for _, pat := range res.Include {
		if ok, _ := filepath.Match(pat, rel); ok {
			return true
		}
		if ok, _ := filepath.Match(pat, filepath.Base(rel)); ok {
			return true
		}
	}
	return false
}
