// Package objtransport implements the "object-store pre-signed URL"
// Transport Handle variant from spec §3, backed by Google Cloud Storage.
// The whole export/work tree travels as a single compressed object; the
// handle only carries the bucket/object coordinates and a pre-signed URL,
// never credentials the Executor could reuse beyond the one object.
package objtransport

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/spf13/afero"

	"github.com/estuary/awcp/protocol"
	"github.com/estuary/awcp/transport"
)

// Name is the registry key for this adapter.
const Name = "object-storage"

// Handle is the JSON payload carried as the transport handle.
type Handle struct {
	Bucket        string    `json:"bucket"`
	Object        string    `json:"object"`
	SignedGetURL  string    `json:"signedGetUrl"`
	SignedPutURL  string    `json:"signedPutUrl,omitempty"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// New constructs the adapter around an existing *storage.Client and bucket.
// fs is used to read the Delegator's export tree and write extracted
// snapshots/work trees.
func New(client *storage.Client, bucket string, fs afero.Fs) transport.Adapter {
	return &adapter{client: client, bucket: bucket, fs: fs}
}

type adapter struct {
	client *storage.Client
	bucket string
	fs     afero.Fs
}

func (a *adapter) Name() string { return Name }
func (a *adapter) Delegator() transport.Delegator {
	return &delegatorHalf{client: a.client, bucket: a.bucket, fs: a.fs}
}
func (a *adapter) Executor() transport.Executor {
	return &executorHalf{client: a.client, fs: a.fs}
}

func caps() transport.Capabilities {
	return transport.Capabilities{SupportsSnapshots: true, LiveSync: false}
}

type delegatorHalf struct {
	client *storage.Client
	bucket string
	fs     afero.Fs
}

func (d *delegatorHalf) Initialize(ctx context.Context) error { return nil }
func (d *delegatorHalf) Capabilities() transport.Capabilities { return caps() }

func (d *delegatorHalf) Prepare(ctx context.Context, delegationID, exportPath string, ttlSeconds int) (transport.Handle, error) {
	ttl := time.Duration(ttlSeconds) * time.Second
	object := fmt.Sprintf("awcp/%s/export.tar.gz", delegationID)

	w := d.client.Bucket(d.bucket).Object(object).NewWriter(ctx)
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	if err := tarTree(d.fs, exportPath, tw); err != nil {
		_ = tw.Close()
		_ = gz.Close()
		_ = w.Close()
		return nil, protocol.NewError(protocol.CodeSetupFailed, "tar export tree: %v", err)
	}
	if err := tw.Close(); err != nil {
		return nil, protocol.NewError(protocol.CodeSetupFailed, "close tar writer: %v", err)
	}
	if err := gz.Close(); err != nil {
		return nil, protocol.NewError(protocol.CodeSetupFailed, "close gzip writer: %v", err)
	}
	if err := w.Close(); err != nil {
		return nil, protocol.NewError(protocol.CodeSetupFailed, "upload export object: %v", err)
	}

	getURL, err := d.client.Bucket(d.bucket).SignedURL(object, &storage.SignedURLOptions{
		Method:  "GET",
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return nil, protocol.NewError(protocol.CodeSetupFailed, "sign get url: %v", err)
	}

	h := Handle{Bucket: d.bucket, Object: object, SignedGetURL: getURL, ExpiresAt: time.Now().Add(ttl)}
	return json.Marshal(h)
}

func (d *delegatorHalf) ApplySnapshot(ctx context.Context, delegationID string, payload []byte, rwResources []protocol.Resource) error {
	allowed := make(map[string]bool, len(rwResources))
	for _, r := range rwResources {
		allowed[r.Name] = true
	}
	return untarInto(d.fs, payload, "", allowed)
}

func (d *delegatorHalf) Release(ctx context.Context, delegationID string) error {
	object := fmt.Sprintf("awcp/%s/export.tar.gz", delegationID)
	err := d.client.Bucket(d.bucket).Object(object).Delete(ctx)
	if err != nil && err != storage.ErrObjectNotExist {
		return err
	}
	return nil
}

type executorHalf struct {
	client *storage.Client
	fs     afero.Fs
}

func (e *executorHalf) Initialize(ctx context.Context, workRoot string) error { return nil }
func (e *executorHalf) Shutdown(ctx context.Context) error                   { return nil }
func (e *executorHalf) Capabilities() transport.Capabilities                 { return caps() }

func (e *executorHalf) CheckDependency(ctx context.Context) (bool, string, error) {
	if e.client == nil {
		return false, "no GCS client configured", nil
	}
	return true, "", nil
}

func (e *executorHalf) Setup(ctx context.Context, delegationID string, handle transport.Handle, workPath string) (string, error) {
	var h Handle
	if err := json.Unmarshal(handle, &h); err != nil {
		return "", protocol.NewError(protocol.CodeSetupFailed, "decode handle: %v", err)
	}
	if time.Now().After(h.ExpiresAt) {
		return "", protocol.NewError(protocol.CodeAuthFailed, "signed url expired")
	}
	r, err := e.client.Bucket(h.Bucket).Object(h.Object).NewReader(ctx)
	if err != nil {
		return "", protocol.NewError(protocol.CodeSetupFailed, "download export object: %v", err)
	}
	defer r.Close()
	payload, err := io.ReadAll(r)
	if err != nil {
		return "", protocol.NewError(protocol.CodeSetupFailed, "read export object: %v", err)
	}
	if err := untarInto(e.fs, payload, workPath, nil); err != nil {
		return "", protocol.NewError(protocol.CodeSetupFailed, "extract export object: %v", err)
	}
	return workPath, nil
}

func (e *executorHalf) CaptureSnapshot(ctx context.Context, delegationID, workPath string) ([]byte, error) {
	var buf fileBuffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	if err := tarTree(e.fs, workPath, tw); err != nil {
		return nil, fmt.Errorf("tar work path: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *executorHalf) Release(ctx context.Context, delegationID, workPath string) error {
	return nil
}

// --- shared helpers ---

type fileBuffer struct{ b []byte }

func (f *fileBuffer) Write(p []byte) (int, error) { f.b = append(f.b, p...); return len(p), nil }
func (f *fileBuffer) Bytes() []byte               { return f.b }

// tarTree writes every regular file under root into tw, with names relative
// to root using forward slashes, mirroring ziptransport.zipTree.
func tarTree(fs afero.Fs, root string, tw *tar.Writer) error {
	return afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
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
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if info.IsDir() {
			hdr.Name += "/"
			return tw.WriteHeader(hdr)
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := fs.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

// untarInto extracts a gzip+tar payload under destRoot. When allowedTop is
// non-nil, only entries whose top-level path component is a key of
// allowedTop are written — the same read-only guard ziptransport applies.
func untarInto(fs afero.Fs, payload []byte, destRoot string, allowedTop map[string]bool) error {
	gr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("open gzip payload: %w", err)
	}
	defer gr.Close()
	tr := tar.NewReader(gr)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}
		if strings.HasSuffix(hdr.Name, "/") {
			continue
		}
		if allowedTop != nil {
			top := strings.SplitN(hdr.Name, "/", 2)[0]
			if !allowedTop[top] {
				continue
			}
		}
		dest := filepath.Join(destRoot, hdr.Name)
		if err := fs.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		out, err := fs.Create(dest)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return err
		}
		out.Close()
	}
}
