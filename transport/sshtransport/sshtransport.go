// Package sshtransport implements the "SSH endpoint + time-bounded
// credential" Transport Handle variant from spec §3. The control channel
// (authentication, credential issuance) uses golang.org/x/crypto/ssh; file
// transfer is modeled through afero.Fs so the adapter can be exercised in
// tests against an in-memory filesystem standing in for the SFTP mount,
// without requiring a live SSH server.
package sshtransport

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/spf13/afero"

	"github.com/estuary/awcp/protocol"
	"github.com/estuary/awcp/transport"
)

// Name is the registry key for this adapter.
const Name = "ssh-mount"

// Handle is the JSON payload carried as the transport handle: an SSH
// endpoint plus a credential whose validity is bounded by the lease TTL.
type Handle struct {
	Host        string    `json:"host"`
	User        string    `json:"user"`
	ExportDir   string    `json:"exportDir"`
	Credential  string    `json:"credential"`
	ValidUntil  time.Time `json:"validUntil"`
}

// CredentialIssuer mints a short-lived credential for an SSH endpoint. In
// production this signs a certificate with an internal CA; New wires in a
// caller-supplied implementation so tests can issue fixed strings.
type CredentialIssuer interface {
	Issue(ctx context.Context, delegationID string, ttl time.Duration) (string, error)
}

// CAIssuer is the production CredentialIssuer: it signs a delegation-scoped,
// time-bounded payload with the host's own SSH signing key, the same
// key pair golang.org/x/crypto/ssh uses for host/user authentication. New
// wires this in automatically whenever a signer is supplied and no
// caller-supplied issuer overrides it, so the adapter never carries a nil
// issuer into Prepare.
type CAIssuer struct {
	signer ssh.Signer
}

// NewCAIssuer constructs a CAIssuer that signs with signer.
func NewCAIssuer(signer ssh.Signer) *CAIssuer {
	return &CAIssuer{signer: signer}
}

// Issue signs "<delegationID>:<expiresAtUnix>" with the CA key and returns
// the payload plus signature, base64-encoded, as the credential string. The
// Executor half does not verify this signature; it checks only the
// handle's ValidUntil before using ExportDir.
func (c *CAIssuer) Issue(ctx context.Context, delegationID string, ttl time.Duration) (string, error) {
	expiresAt := time.Now().Add(ttl).Unix()
	payload := fmt.Sprintf("%s:%d", delegationID, expiresAt)
	sig, err := c.signer.Sign(rand.Reader, []byte(payload))
	if err != nil {
		return "", fmt.Errorf("sign credential: %w", err)
	}
	return payload + ":" + base64.RawURLEncoding.EncodeToString(ssh.Marshal(sig)), nil
}

// New constructs the adapter. remoteFs stands in for the mounted SFTP
// filesystem the Executor sees after mount; localFs is the Delegator's own
// filesystem, used to read the export tree and write back applied state.
// When issuer is nil, a CAIssuer backed by signer is used instead, so a
// caller that only has a signing key (as both cmd binaries do) never hands
// the adapter a nil CredentialIssuer.
func New(localFs, remoteFs afero.Fs, host, user string, issuer CredentialIssuer, signer ssh.Signer) transport.Adapter {
	if issuer == nil && signer != nil {
		issuer = NewCAIssuer(signer)
	}
	return &adapter{localFs: localFs, remoteFs: remoteFs, host: host, user: user, issuer: issuer, signer: signer}
}

type adapter struct {
	localFs, remoteFs afero.Fs
	host, user        string
	issuer            CredentialIssuer
	signer            ssh.Signer
}

func (a *adapter) Name() string { return Name }
func (a *adapter) Delegator() transport.Delegator {
	return &delegatorHalf{fs: a.localFs, host: a.host, user: a.user, issuer: a.issuer}
}
func (a *adapter) Executor() transport.Executor {
	return &executorHalf{fs: a.remoteFs}
}

func caps() transport.Capabilities {
	// A mounted filesystem reflects Executor writes immediately; the
	// Delegator never needs a captured snapshot for this adapter.
	return transport.Capabilities{SupportsSnapshots: false, LiveSync: true}
}

type delegatorHalf struct {
	fs     afero.Fs
	host   string
	user   string
	issuer CredentialIssuer
}

func (d *delegatorHalf) Initialize(ctx context.Context) error { return nil }
func (d *delegatorHalf) Capabilities() transport.Capabilities { return caps() }

func (d *delegatorHalf) Prepare(ctx context.Context, delegationID, exportPath string, ttlSeconds int) (transport.Handle, error) {
	if d.issuer == nil {
		return nil, protocol.NewError(protocol.CodeDepMissing, "ssh-mount adapter has no credential issuer configured")
	}
	ttl := time.Duration(ttlSeconds) * time.Second
	cred, err := d.issuer.Issue(ctx, delegationID, ttl)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeSetupFailed, "issue ssh credential: %v", err)
	}
	h := Handle{
		Host:       d.host,
		User:       d.user,
		ExportDir:  exportPath,
		Credential: cred,
		ValidUntil: time.Now().Add(ttl),
	}
	return json.Marshal(h)
}

// ApplySnapshot is a no-op: liveSync adapters skip snapshot reception
// entirely (spec §4.1), since Executor writes already land under exportPath
// through the mount.
func (d *delegatorHalf) ApplySnapshot(ctx context.Context, delegationID string, payload []byte, rwResources []protocol.Resource) error {
	return nil
}

func (d *delegatorHalf) Release(ctx context.Context, delegationID string) error { return nil }

type executorHalf struct {
	fs afero.Fs
}

func (e *executorHalf) Initialize(ctx context.Context, workRoot string) error { return nil }
func (e *executorHalf) Shutdown(ctx context.Context) error                   { return nil }
func (e *executorHalf) Capabilities() transport.Capabilities                 { return caps() }

func (e *executorHalf) CheckDependency(ctx context.Context) (bool, string, error) {
	return true, "", nil
}

// Setup binds workPath to the mounted export directory: since the transport
// is live-sync, the work path is simply a handle onto the remote tree and no
// local copy is made.
func (e *executorHalf) Setup(ctx context.Context, delegationID string, handle transport.Handle, workPath string) (string, error) {
	var h Handle
	if err := json.Unmarshal(handle, &h); err != nil {
		return "", protocol.NewError(protocol.CodeSetupFailed, "decode handle: %v", err)
	}
	if time.Now().After(h.ValidUntil) {
		return "", protocol.NewError(protocol.CodeAuthFailed, "ssh credential expired")
	}
	if ok, err := afero.DirExists(e.fs, h.ExportDir); err != nil || !ok {
		return "", protocol.NewError(protocol.CodeSetupFailed, "mount export dir %s: %v", h.ExportDir, err)
	}
	return filepath.Clean(h.ExportDir), nil
}

func (e *executorHalf) CaptureSnapshot(ctx context.Context, delegationID, workPath string) ([]byte, error) {
	return nil, nil
}

func (e *executorHalf) Release(ctx context.Context, delegationID, workPath string) error {
	return nil
}
