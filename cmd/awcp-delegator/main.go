package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/fatih/color"
	"github.com/gorilla/mux"
	flags "github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"

	iconfig "github.com/estuary/awcp/internal/config"

	"github.com/estuary/awcp/admission"
	"github.com/estuary/awcp/delegationstore"
	"github.com/estuary/awcp/delegator"
	"github.com/estuary/awcp/materializer"
	"github.com/estuary/awcp/snapshotmgr"
	"github.com/estuary/awcp/transport"
	"github.com/estuary/awcp/transport/gittransport"
	"github.com/estuary/awcp/transport/objtransport"
	"github.com/estuary/awcp/transport/sshtransport"
	"github.com/estuary/awcp/transport/ziptransport"
)

// options is the top-level configuration object of an AWCP Delegator.
var options = struct {
	Server     iconfig.ServerConfig     `group:"Server" namespace:"server"`
	Log        iconfig.LogConfig        `group:"Logging" namespace:"log"`
	Admission  iconfig.AdmissionConfig  `group:"Admission" namespace:"admission"`
	Delegation iconfig.DelegationConfig `group:"Delegation" namespace:"delegation"`
	Auth       iconfig.AuthConfig       `group:"Auth" namespace:"auth"`
	Transport  iconfig.TransportConfig  `group:"Transport" namespace:"transport"`
	Lifecycle  iconfig.LifecycleConfig  `group:"Lifecycle" namespace:"lifecycle"`

	BaseDir string `long:"base-dir" env:"BASE_DIR" default:"./awcp-data" description:"Root directory for delegation records, materialized environments, and staged snapshots"`
}{}

func main() {
	parser := flags.NewParser(&options, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	iconfig.InitLog(options.Log)

	fs := afero.NewOsFs()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := transport.NewRegistry()
	registry.Register(ziptransport.New(fs))

	if options.Transport.GitRemoteURL != "" {
		registry.Register(gittransport.New(options.Transport.GitRemoteURL, options.Transport.GitBranch))
	}
	if options.Transport.SSHHost != "" {
		if keyBytes, err := os.ReadFile(options.Transport.SSHKeyPath); err != nil {
			log.WithError(err).Warn("ssh-mount adapter disabled: could not read signing key")
		} else if signer, err := ssh.ParsePrivateKey(keyBytes); err != nil {
			log.WithError(err).Warn("ssh-mount adapter disabled: could not parse signing key")
		} else {
			registry.Register(sshtransport.New(fs, fs, options.Transport.SSHHost, options.Transport.SSHUser, nil, signer))
		}
	}
	if options.Transport.GCSBucket != "" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			log.WithError(err).Warn("object-storage adapter disabled: could not build GCS client")
		} else {
			registry.Register(objtransport.New(client, options.Transport.GCSBucket, fs))
		}
	}

	store := delegationstore.New(fs, options.BaseDir)
	adm := admission.New(fs, options.Admission.ToAdmissionConfig())
	mat := materializer.New(fs, materializer.StrategyCopy)
	snaps := snapshotmgr.New(fs, options.BaseDir)
	client := delegator.NewHTTPClient(options.Delegation.ToDelegatorConfig().RequestTimeout, options.Auth.Issuer())

	cfg := options.Delegation.ToDelegatorConfig()
	engine := delegator.New(cfg, store, adm, mat, snaps, registry, client)

	if options.Lifecycle.CleanupStaleOnStartup {
		if err := engine.Startup(ctx); err != nil {
			log.WithError(err).Fatal("delegator startup failed")
		}
	}

	router := mux.NewRouter()
	delegator.RegisterAPIs(router, engine, options.BaseDir)
	router.Path("/metrics").Methods("GET").Handler(promhttp.Handler())

	srv := &http.Server{Addr: options.Server.Addr, Handler: router}

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-signalCh
		log.Info("caught signal, shutting down")
		if options.Lifecycle.CleanupOnShutdown {
			engine.Shutdown(context.Background())
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	color.Cyan("awcp-delegator listening on %s", options.Server.Addr)
	log.WithField("addr", options.Server.Addr).Info("delegator serving")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal("delegator server exited")
	}
}
