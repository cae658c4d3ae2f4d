// Package config holds the jessevdk/go-flags option groups shared by
// cmd/awcp-delegator and cmd/awcp-executor, matching the "Configuration
// (recognized options)" table one-for-one.
package config

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/estuary/awcp/admission"
	"github.com/estuary/awcp/delegator"
	"github.com/estuary/awcp/executor"
	"github.com/estuary/awcp/internal/authtoken"
	"github.com/estuary/awcp/protocol"
)

// LogConfig configures logrus output, mirroring the teacher's
// flowctl LogConfig.
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" choice:"fatal" description:"Logging level"`
	Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" choice:"color" description:"Logging output format"`
}

// InitLog applies cfg to the logrus package-level logger.
func InitLog(cfg LogConfig) {
	switch cfg.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "color":
		log.SetFormatter(&log.TextFormatter{ForceColors: true})
	default:
		log.SetFormatter(&log.TextFormatter{})
	}
	if lvl, err := log.ParseLevel(cfg.Level); err != nil {
		log.WithField("err", err).Fatal("unrecognized log level")
	} else {
		log.SetLevel(lvl)
	}
}

// ServerConfig is the bind address shared by both binaries.
type ServerConfig struct {
	Addr string `long:"addr" env:"ADDR" default:":8080" description:"HTTP listen address"`
}

// AdmissionConfig mirrors spec.md §6 "Admission".
type AdmissionConfig struct {
	MaxTotalBytes      int64    `long:"max-total-bytes" env:"MAX_TOTAL_BYTES" default:"104857600" description:"Maximum total bytes across a delegated environment"`
	MaxFileCount       int      `long:"max-file-count" env:"MAX_FILE_COUNT" default:"10000" description:"Maximum file count across a delegated environment"`
	MaxSingleFileBytes int64    `long:"max-single-file-bytes" env:"MAX_SINGLE_FILE_BYTES" default:"52428800" description:"Maximum bytes for any one file"`
	SensitivePatterns  []string `long:"sensitive-pattern" env:"SENSITIVE_PATTERNS" env-delim:"," description:"Glob patterns declined on sight (repeatable)"`
	SkipSensitiveCheck bool     `long:"skip-sensitive-check" env:"SKIP_SENSITIVE_CHECK" description:"Disable the sensitive-path scan"`
}

// ToAdmissionConfig converts the CLI group into admission.Config, falling
// back to the documented defaults for anything left unset.
func (c AdmissionConfig) ToAdmissionConfig() admission.Config {
	cfg := admission.DefaultConfig()
	if c.MaxTotalBytes > 0 {
		cfg.MaxTotalBytes = c.MaxTotalBytes
	}
	if c.MaxFileCount > 0 {
		cfg.MaxFileCount = c.MaxFileCount
	}
	if c.MaxSingleFileBytes > 0 {
		cfg.MaxSingleFileBytes = c.MaxSingleFileBytes
	}
	if len(c.SensitivePatterns) > 0 {
		cfg.SensitivePatterns = c.SensitivePatterns
	}
	cfg.SkipSensitiveCheck = c.SkipSensitiveCheck
	return cfg
}

// DelegationConfig mirrors spec.md §6 "Delegation defaults".
type DelegationConfig struct {
	LeaseTTLSeconds     int    `long:"lease-ttl-seconds" env:"LEASE_TTL_SECONDS" default:"3600" description:"Default requested lease TTL"`
	LeaseAccessMode     string `long:"lease-access-mode" env:"LEASE_ACCESS_MODE" default:"rw" choice:"ro" choice:"rw" description:"Default requested access mode"`
	SnapshotMode        string `long:"snapshot-mode" env:"SNAPSHOT_MODE" default:"auto" choice:"auto" choice:"staged" choice:"discard" description:"Default snapshot disposition policy"`
	SnapshotRetentionMs int    `long:"snapshot-retention-ms" env:"SNAPSHOT_RETENTION_MS" default:"1800000" description:"Staged-snapshot retention window; copied into the delegator config but not read, so staged snapshots are not swept by age"`
	MaxSnapshots        int    `long:"max-snapshots" env:"MAX_SNAPSHOTS" default:"10" description:"Per-delegation snapshot limit; copied into the delegator config but not enforced"`
	RequestTimeoutMs    int    `long:"request-timeout-ms" env:"REQUEST_TIMEOUT_MS" default:"30000" description:"HTTP request timeout for INVITE/START/ERROR"`
	SSEMaxRetries       int    `long:"sse-max-retries" env:"SSE_MAX_RETRIES" default:"3" description:"Reconnect attempts before an event stream surfaces SSE_FAILED"`
	SSERetryDelayMs     int    `long:"sse-retry-delay-ms" env:"SSE_RETRY_DELAY_MS" default:"2000" description:"Linear backoff unit between SSE reconnect attempts"`
}

// ToDelegatorConfig converts the CLI group into delegator.Config.
func (c DelegationConfig) ToDelegatorConfig() delegator.Config {
	cfg := delegator.DefaultConfig()
	cfg.LeaseTTLSeconds = c.LeaseTTLSeconds
	cfg.LeaseAccessMode = protocol.AccessMode(c.LeaseAccessMode)
	cfg.SnapshotPolicy = protocol.SnapshotPolicy(c.SnapshotMode)
	cfg.SnapshotRetentionMs = c.SnapshotRetentionMs
	cfg.MaxSnapshots = c.MaxSnapshots
	cfg.RequestTimeout = time.Duration(c.RequestTimeoutMs) * time.Millisecond
	cfg.SSEMaxRetries = c.SSEMaxRetries
	cfg.SSERetryDelayMs = c.SSERetryDelayMs
	return cfg
}

// ExecutorConfig mirrors spec.md §6 "Executor admission"/"Executor defaults".
type ExecutorConfig struct {
	MaxConcurrentDelegations int      `long:"max-concurrent-delegations" env:"MAX_CONCURRENT_DELEGATIONS" default:"5" description:"Maximum simultaneously active delegations"`
	MaxTTLSeconds            int      `long:"max-ttl-seconds" env:"MAX_TTL_SECONDS" default:"3600" description:"Maximum lease TTL this executor will accept"`
	AllowedAccessModes       []string `long:"allowed-access-mode" env:"ALLOWED_ACCESS_MODES" env-delim:"," default:"ro" default:"rw" description:"Access modes this executor will accept (repeatable)"`
	AutoAccept               bool     `long:"auto-accept" env:"AUTO_ACCEPT" description:"Auto-accept setting; copied into the executor config but not consulted: every admissible INVITE is accepted either way"`
	ResultRetentionMs        int      `long:"result-retention-ms" env:"RESULT_RETENTION_MS" default:"1800000" description:"How long a completed delegation's result remains fetchable"`
	WorkRoot                 string   `long:"work-root" env:"WORK_ROOT" default:"./awcp-work" description:"Root directory under which per-delegation work paths are allocated"`
}

// ToExecutorConfig converts the CLI group into executor.Config.
func (c ExecutorConfig) ToExecutorConfig() executor.Config {
	cfg := executor.DefaultConfig()
	cfg.MaxConcurrentDelegations = c.MaxConcurrentDelegations
	cfg.MaxTTLSeconds = c.MaxTTLSeconds
	if len(c.AllowedAccessModes) > 0 {
		modes := make([]protocol.AccessMode, 0, len(c.AllowedAccessModes))
		for _, m := range c.AllowedAccessModes {
			modes = append(modes, protocol.AccessMode(m))
		}
		cfg.AllowedAccessModes = modes
	}
	cfg.AutoAccept = c.AutoAccept
	cfg.ResultRetentionMs = c.ResultRetentionMs
	return cfg
}

// LifecycleConfig mirrors spec.md §6 "Lifecycle".
type LifecycleConfig struct {
	CleanupOnShutdown     bool `long:"cleanup-on-shutdown" env:"CLEANUP_ON_SHUTDOWN" description:"Release every active delegation before exiting"`
	CleanupStaleOnStartup bool `long:"cleanup-stale-on-startup" env:"CLEANUP_STALE_ON_STARTUP" description:"Sweep stale state at startup: the delegator removes staged-snapshot directories of unknown delegations, the executor removes stale work directories"`
}

// AuthConfig configures the bearer-token mechanism shared by the Delegator
// (which mints a token per outgoing INVITE/START/ERROR) and the Executor
// (which verifies it). Leaving Secret empty disables auth entirely, giving
// CodeAuthFailed a concrete mechanism only once both sides are deployed
// with the same shared secret.
type AuthConfig struct {
	Secret    string `long:"secret" env:"SECRET" description:"Shared HMAC secret enabling bearer-token auth; empty disables auth"`
	TTLSeconds int   `long:"ttl-seconds" env:"TTL_SECONDS" default:"300" description:"Validity window of a minted bearer token"`
}

// Issuer builds an *authtoken.Issuer from the group, or nil when Secret is
// unset, in which case every Issue/Verify call is a no-op (authtoken.Issuer
// nil-receiver-safe methods).
func (c AuthConfig) Issuer() *authtoken.Issuer {
	if c.Secret == "" {
		return nil
	}
	return authtoken.New(c.Secret, time.Duration(c.TTLSeconds)*time.Second)
}

// TransportConfig selects and configures the optional Transport Adapters
// beyond the always-available zip archive adapter. Each is registered only
// when its identifying field is non-empty, since ssh-mount and
// object-storage both require live credentials this CLI cannot fabricate.
type TransportConfig struct {
	GitRemoteURL string `long:"git-remote-url" env:"GIT_REMOTE_URL" description:"Enables the git-remote adapter against this URL"`
	GitBranch    string `long:"git-branch" env:"GIT_BRANCH" default:"main" description:"Accepted but not used; the git-remote adapter pushes and clones a per-delegation branch awcp/<id>"`
	SSHHost      string `long:"ssh-host" env:"SSH_HOST" description:"Enables the ssh-mount adapter against this host"`
	SSHUser      string `long:"ssh-user" env:"SSH_USER" description:"User for the ssh-mount adapter"`
	SSHKeyPath   string `long:"ssh-key-path" env:"SSH_KEY_PATH" description:"Private key signing the ssh-mount adapter's issued credentials"`
	GCSBucket    string `long:"gcs-bucket" env:"GCS_BUCKET" description:"Enables the object-storage adapter against this bucket"`
}

