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

	"github.com/estuary/awcp/eventbus"
	"github.com/estuary/awcp/executor"
	"github.com/estuary/awcp/taskrunner"
	"github.com/estuary/awcp/transport"
	"github.com/estuary/awcp/transport/gittransport"
	"github.com/estuary/awcp/transport/objtransport"
	"github.com/estuary/awcp/transport/sshtransport"
	"github.com/estuary/awcp/transport/ziptransport"
	"github.com/estuary/awcp/workspace"
)

// options is the top-level configuration object of an AWCP Executor.
var options = struct {
	Server    iconfig.ServerConfig    `group:"Server" namespace:"server"`
	Log       iconfig.LogConfig       `group:"Logging" namespace:"log"`
	Executor  iconfig.ExecutorConfig  `group:"Executor" namespace:"executor"`
	Auth      iconfig.AuthConfig      `group:"Auth" namespace:"auth"`
	Transport iconfig.TransportConfig `group:"Transport" namespace:"transport"`
	Lifecycle iconfig.LifecycleConfig `group:"Lifecycle" namespace:"lifecycle"`
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

	ws := workspace.New(fs, options.Executor.WorkRoot)
	bus := eventbus.New(time.Duration(options.Executor.ResultRetentionMs)*time.Millisecond, 256)
	runner := taskrunner.New(fs)

	cfg := options.Executor.ToExecutorConfig()
	engine := executor.New(cfg, ws, registry, bus, runner, nil)
	engine.SetAuth(options.Auth.Issuer())

	if options.Lifecycle.CleanupStaleOnStartup {
		if err := engine.Startup(ctx); err != nil {
			log.WithError(err).Fatal("executor startup failed")
		}
	}

	router := mux.NewRouter()
	executor.RegisterAPIs(router, engine)
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

	color.Green("awcp-executor listening on %s", options.Server.Addr)
	log.WithField("addr", options.Server.Addr).Info("executor serving")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal("executor server exited")
	}
}
