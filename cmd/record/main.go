// Command record is the recording engine's process entrypoint: it loads a
// YAML config, connects to the pub/sub transport, wires one session
// (internal/session) together, and runs until a process signal or a
// disk-full shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/eprosima/ddsrecorder/internal/config"
	rerrors "github.com/eprosima/ddsrecorder/internal/errors"
	"github.com/eprosima/ddsrecorder/internal/logger"
	"github.com/eprosima/ddsrecorder/internal/payload"
	"github.com/eprosima/ddsrecorder/internal/pubsub"
	"github.com/eprosima/ddsrecorder/internal/session"
)

// Exit codes: 0 success; non-zero for configuration errors, initialization
// errors, and disk-full shutdown.
const (
	exitOK          = 0
	exitFlagError   = 2
	exitConfigError = 1
	exitInitError   = 3
	exitDiskFull    = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cli, err := parseFlags(args)
	if err != nil {
		// flag package already printed usage/error to stdout.
		return exitFlagError
	}
	if cli.showVersion {
		fmt.Println(version)
		return exitOK
	}

	logger.Init()
	if cli.debug {
		if err := logger.SetLevel("debug"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not force debug level: %v\n", err)
		}
	}
	log := logger.Logger().With(zap.String("component", "cli"), zap.String("version", version))

	cfg, err := config.Load(cli.configPath)
	if err != nil {
		log.Error("failed to load config", zap.String("path", cli.configPath), zap.Error(err))
		return exitConfigError
	}
	if cli.debug {
		cfg.LogLevel = "debug"
	}

	sess, transport, code := buildSession(cfg, log)
	if sess == nil {
		return code
	}
	defer func() { _ = transport.Close() }()

	watcher, err := config.NewWatcher(cli.configPath, cli.reloadTime, log)
	if err != nil {
		log.Warn("config hot-reload disabled", zap.Error(err))
	} else {
		watcher.Watch(func(next *config.Config) {
			if next.LogLevel != "" {
				if err := logger.SetLevel(next.LogLevel); err != nil {
					log.Warn("reload: invalid log_level, keeping previous", zap.String("log_level", next.LogLevel))
				}
			}
			sess.Reconfigure(next)
		})
		defer watcher.Stop()
	}

	if err := sess.Start(); err != nil {
		log.Error("failed to start session", zap.Error(err))
		return classifyStartError(err)
	}
	log.Info("recording session started", zap.String("config", cli.configPath))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("shutdown signal received")

	stopped := make(chan struct{})
	go func() {
		if err := sess.Stop(); err != nil {
			log.Error("session stop error", zap.Error(err))
		}
		close(stopped)
	}()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cli.timeout)
	defer cancel()
	select {
	case <-stopped:
		log.Info("session stopped cleanly")
	case <-shutdownCtx.Done():
		log.Error("forced exit after shutdown timeout")
	}

	if sess.DiskFull() {
		log.Error("recording stopped: disk full")
		return exitDiskFull
	}
	return exitOK
}

// buildSession connects the transport and constructs a Session. Returns a
// nil Session and the exit code to use when construction fails; the caller
// is responsible for closing the returned transport once it is non-nil.
func buildSession(cfg *config.Config, log *zap.Logger) (*session.Session, pubsub.Transport, int) {
	transport, err := pubsub.DialNATS(cfg.Ingress.NATSURL)
	if err != nil {
		log.Error("failed to connect to pub/sub transport", zap.String("url", cfg.Ingress.NATSURL), zap.Error(err))
		return nil, nil, exitInitError
	}

	// The dynamic-type introspection/deserialization layer is an external
	// collaborator this binary does not bundle one of. A session whose output
	// needs it (relational format, or record_types for the attachment's
	// schema text) must be started through a build that supplies a concrete
	// Deserializer to session.New directly; the generic `record` binary only
	// drives payload-only binary-log recording.
	if cfg.Output.Format == "relational" || cfg.Output.RecordTypes {
		_ = transport.Close()
		log.Error("config requires a dynamic-type Deserializer, which this binary does not embed",
			zap.String("output.format", cfg.Output.Format),
			zap.Bool("output.record_types", cfg.Output.RecordTypes))
		return nil, nil, exitConfigError
	}

	pool := payload.New()
	sess, err := session.New(cfg, transport, nil, pool, log)
	if err != nil {
		_ = transport.Close()
		log.Error("failed to build session", zap.Error(err))
		return nil, nil, classifyStartError(err)
	}
	return sess, transport, exitOK
}

// classifyStartError maps a session construction/start failure to an exit
// code: a ConfigurationError is the user's fault, anything else is treated
// as an initialization failure.
func classifyStartError(err error) int {
	var cfgErr *rerrors.ConfigurationError
	if errors.As(err, &cfgErr) {
		return exitConfigError
	}
	return exitInitError
}
