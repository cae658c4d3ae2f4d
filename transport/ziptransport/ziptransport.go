// Package ziptransport implements the "inline base64 archive + checksum"
// Transport Handle variant from spec §3: the whole export tree travels as a
// single ZIP member of the INVITE/START handshake. It is the reference
// adapter exercised by the engine's own tests.
package ziptransport

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/spf13/afero"

	"github.com/estuary/awcp/protocol"
	"github.com/estuary/awcp/transport"
)

// flateMethod is a private zip method id, not one of the ids the zip format
// assigns; registering it routes entries through klauspost's faster,
// allocation-lean flate implementation. Entry data is still a raw DEFLATE
// stream, but the method field differs from standard Deflate (8), so only
// readers that register this id (this package) can extract the archives.
const flateMethod = 0x8008

func init() {
	zip.RegisterCompressor(flateMethod, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.DefaultCompression)
	})
	zip.RegisterDecompressor(flateMethod, func(r io.Reader) io.ReadCloser {
		return io.NopCloser(flate.NewReader(r))
	})
}

// Handle is the JSON payload returned by Prepare; the Delegator carries it
// as the START workDir value.
type Handle struct {
	Archive  []byte `json:"archive"`
	Checksum string `json:"sha256"`
}

// Name is the registry key for this adapter.
const Name = "zip-inline"

// New constructs an Adapter backed by fs, which both halves use to read and
// write the export / work trees. Pass afero.NewOsFs() in production and
// afero.NewMemMapFs() in tests.
func New(fs afero.Fs) transport.Adapter {
	return &adapter{fs: fs}
}

type adapter struct {
	fs afero.Fs
}

func (a *adapter) Name() string                   { return Name }
func (a *adapter) Delegator() transport.Delegator { return &delegatorHalf{fs: a.fs} }
func (a *adapter) Executor() transport.Executor   { return &executorHalf{fs: a.fs} }

func caps() transport.Capabilities {
	return transport.Capabilities{SupportsSnapshots: true, LiveSync: false}
}

// --- Delegator half ---

type delegatorHalf struct {
	fs afero.Fs
}

func (d *delegatorHalf) Initialize(ctx context.Context) error { return nil }

func (d *delegatorHalf) Capabilities() transport.Capabilities { return caps() }

func (d *delegatorHalf) Prepare(ctx context.Context, delegationID, exportPath string, ttlSeconds int) (transport.Handle, error) {
	archive, sum, err := zipTree(d.fs, exportPath)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeSetupFailed, "zip export tree: %v", err)
	}
	h := Handle{Archive: archive, Checksum: sum}
	data, err := json.Marshal(h)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeSetupFailed, "marshal handle: %v", err)
	}
	return data, nil
}

// ApplySnapshot unpacks payload (itself a zip archive produced by
// CaptureSnapshot) into exportPath, skipping any path rooted under a
// read-only resource's name. It is idempotent: re-extracting the same
// archive over itself reproduces the same bytes.
func (d *delegatorHalf) ApplySnapshot(ctx context.Context, delegationID string, payload []byte, rwResources []protocol.Resource) error {
	allowed := make(map[string]protocol.Resource, len(rwResources))
	for _, r := range rwResources {
		allowed[r.Name] = r
	}

	zr, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return protocol.NewError(protocol.CodeSetupFailed, "open snapshot archive: %v", err)
	}

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		top := strings.SplitN(f.Name, "/", 2)[0]
		res, ok := allowed[top]
		if !ok {
			// Not an rw resource for this delegation; never write outside
			// the resources the Delegator declared writable.
			continue
		}
		if !matchesSelectors(f.Name, res) {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("open %s in snapshot: %w", f.Name, err)
		}
		if err := writeFile(d.fs, f.Name, rc); err != nil {
			rc.Close()
			return fmt.Errorf("write %s: %w", f.Name, err)
		}
		rc.Close()
	}
	return nil
}

func (d *delegatorHalf) Release(ctx context.Context, delegationID string) error { return nil }

// --- Executor half ---

type executorHalf struct {
	fs     afero.Fs
	mu     sync.Mutex
}

func (e *executorHalf) Initialize(ctx context.Context, workRoot string) error { return nil }
func (e *executorHalf) Shutdown(ctx context.Context) error                   { return nil }

func (e *executorHalf) CheckDependency(ctx context.Context) (bool, string, error) {
	return true, "", nil
}

func (e *executorHalf) Capabilities() transport.Capabilities { return caps() }

func (e *executorHalf) Setup(ctx context.Context, delegationID string, handle transport.Handle, workPath string) (string, error) {
	var h Handle
	if err := json.Unmarshal(handle, &h); err != nil {
		return "", protocol.NewError(protocol.CodeSetupFailed, "decode handle: %v", err)
	}
	sum := sha256.Sum256(h.Archive)
	if hex.EncodeToString(sum[:]) != h.Checksum {
		return "", protocol.NewError(protocol.CodeSetupFailed, "archive checksum mismatch")
	}

	zr, err := zip.NewReader(bytes.NewReader(h.Archive), int64(len(h.Archive)))
	if err != nil {
		return "", protocol.NewError(protocol.CodeSetupFailed, "open archive: %v", err)
	}
	for _, f := range zr.File {
		dest := filepath.Join(workPath, f.Name)
		if f.FileInfo().IsDir() {
			if err := e.fs.MkdirAll(dest, 0o755); err != nil {
				return "", fmt.Errorf("mkdir %s: %w", dest, err)
			}
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", fmt.Errorf("open %s: %w", f.Name, err)
		}
		if err := writeFile(e.fs, dest, rc); err != nil {
			rc.Close()
			return "", fmt.Errorf("extract %s: %w", f.Name, err)
		}
		rc.Close()
	}
	return workPath, nil
}

func (e *executorHalf) CaptureSnapshot(ctx context.Context, delegationID, workPath string) ([]byte, error) {
	archive, _, err := zipTree(e.fs, workPath)
	if err != nil {
		return nil, fmt.Errorf("zip work path: %w", err)
	}
	return archive, nil
}

func (e *executorHalf) Release(ctx context.Context, delegationID, workPath string) error {
	return nil
}

// --- shared helpers ---

func zipTree(fs afero.Fs, root string) ([]byte, string, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	err := afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if info.IsDir() {
			_, err := zw.CreateHeader(&zip.FileHeader{Name: rel + "/"})
			return err
		}
		fh, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		fh.Name = rel
		fh.Method = flateMethod
		w, err := zw.CreateHeader(fh)
		if err != nil {
			return err
		}
		f, err := fs.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		return nil, "", err
	}
	if err := zw.Close(); err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(buf.Bytes())
	return buf.Bytes(), hex.EncodeToString(sum[:]), nil
}

func writeFile(fs afero.Fs, path string, r io.Reader) error {
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := fs.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, r)
	return err
}

func matchesSelectors(name string, res protocol.Resource) bool {
	rel := strings.TrimPrefix(name, res.Name+"/")
	if len(res.Exclude) > 0 {
		for _, pat := range res.Exclude {
			if ok, _ := filepath.Match(pat, rel); ok {
				return false
			}
		}
	}
	if len(res.Include) == 0 {
		return true
	}
	for _, pat := range res.Include {
		if ok, _ := filepath.Match(pat, rel); ok {
			return true
		}
	}
	return false
}
