// Package admission implements the Delegator-side Admission Controller
// (spec §4.3): a preflight bounds check and sensitive-path scan run before
// INVITE is sent.
package admission

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/estuary/awcp/materializer"
	"github.com/estuary/awcp/protocol"
)

// defaultSkipDirs are conventional directories never worth shipping to an
// Executor, regardless of include/exclude rules.
var defaultSkipDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	"node_modules": true,
	"vendor":       true,
	".venv":        true,
	"__pycache__":  true,
}

// Config is the admission policy, matching spec §6's configuration table.
type Config struct {
	MaxTotalBytes      int64
	MaxFileCount       int
	MaxSingleFileBytes int64
	SensitivePatterns  []string
	SkipSensitiveCheck bool
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxTotalBytes:      100 * 1024 * 1024,
		MaxFileCount:       10000,
		MaxSingleFileBytes: 50 * 1024 * 1024,
		SensitivePatterns: []string{
			"*.env", ".env", ".env.*", "*.pem", "*.key", "id_rsa", "id_ed25519",
			"*credentials*.json", ".aws/credentials", "*.pfx", "*.p12",
		},
		SkipSensitiveCheck: false,
	}
}

// Result is the computed admission outcome returned by Check. It is not
// stored on the delegation record: the Delegator's Create discards it.
type Result struct {
	TotalBytes      int64  `json:"totalBytes"`
	FileCount       int    `json:"fileCount"`
	LargestFileBytes int64 `json:"largestFileBytes"`
	Passed          bool   `json:"passed"`
}

// Controller runs the preflight scan.
type Controller struct {
	fs  afero.Fs
	cfg Config
}

// New constructs a Controller over fs with cfg.
func New(fs afero.Fs, cfg Config) *Controller {
	return &Controller{fs: fs, cfg: cfg}
}

// Check walks root (either the source directories directly, or a
// materialized export tree) applying each resource's include/exclude rules,
// skipping defaultSkipDirs, and returns the computed Result. A rejection is
// a *protocol.Error with code WORKSPACE_TOO_LARGE or DECLINED (sensitive
// path match); a failure to walk a resource is returned as a wrapped plain
// error.
func (c *Controller) Check(root string, resources []protocol.Resource) (Result, error) {
	var result Result

	for _, res := range resources {
		src := res.Source
		if root != "" {
			src = filepath.Join(root, res.Name)
		}
		err := afero.Walk(c.fs, src, func(path string, info os.FileInfo, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if info.IsDir() {
				if defaultSkipDirs[info.Name()] {
					return filepath.SkipDir
				}
				return nil
			}
			rel, err := filepath.Rel(src, path)
			if err != nil {
				return err
			}
			if !materializer.Selected(rel, res) {
				return nil
			}
			if !c.cfg.SkipSensitiveCheck && matchesSensitive(rel, c.cfg.SensitivePatterns) {
				return protocol.NewError(protocol.CodeDeclined,
					"resource %q contains a sensitive path %q", res.Name, rel).
					WithHint("set skipSensitiveCheck=true to override, or exclude the path")
			}

			result.FileCount++
			result.TotalBytes += info.Size()
			if info.Size() > result.LargestFileBytes {
				result.LargestFileBytes = info.Size()
			}
			if info.Size() > c.cfg.MaxSingleFileBytes {
				return protocol.NewError(protocol.CodeWorkspaceTooLarge,
					"file %q is %d bytes, exceeding maxSingleFileBytes=%d", rel, info.Size(), c.cfg.MaxSingleFileBytes)
			}
			if result.TotalBytes > c.cfg.MaxTotalBytes {
				return protocol.NewError(protocol.CodeWorkspaceTooLarge,
					"total size %d bytes exceeds maxTotalBytes=%d", result.TotalBytes, c.cfg.MaxTotalBytes)
			}
			if result.FileCount > c.cfg.MaxFileCount {
				return protocol.NewError(protocol.CodeWorkspaceTooLarge,
					"file count %d exceeds maxFileCount=%d", result.FileCount, c.cfg.MaxFileCount)
			}
			return nil
		})
		if err != nil {
			if perr, ok := err.(*protocol.Error); ok {
				return result, perr
			}
			return result, fmt.Errorf("scanning resource %q: %w", res.Name, err)
		}
	}

	result.Passed = true
	return result, nil
}

func matchesSensitive(rel string, patterns []string) bool {
	base := filepath.Base(rel)
	for _, pat := range patterns {
		if ok, _ := filepath.Match(pat, base); ok {
			return true
		}
		if ok, _ := filepath.Match(pat, rel); ok {
			return true
		}
		if strings.Contains(rel, string(filepath.Separator)+pat) {
			return true
		}
	}
	return false
}
