// Package session wires the tracker, format writer, handler, ingress
// adapter, and command endpoint together into one running recording session
// from a loaded config.Config, exposing Start/Stop for the process
// entrypoint to drive.
package session

import (
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/eprosima/ddsrecorder/internal/command"
	"github.com/eprosima/ddsrecorder/internal/config"
	rerrors "github.com/eprosima/ddsrecorder/internal/errors"
	"github.com/eprosima/ddsrecorder/internal/handler"
	"github.com/eprosima/ddsrecorder/internal/ingress"
	"github.com/eprosima/ddsrecorder/internal/model"
	"github.com/eprosima/ddsrecorder/internal/payload"
	"github.com/eprosima/ddsrecorder/internal/pubsub"
	"github.com/eprosima/ddsrecorder/internal/tracker"
	"github.com/eprosima/ddsrecorder/internal/writer"
	"github.com/eprosima/ddsrecorder/internal/writer/binarylog"
	"github.com/eprosima/ddsrecorder/internal/writer/relational"
)

// Deserializer is everything a session needs from the pub/sub introspection
// layer: the core model.Deserializer contract plus the payload-to-JSON
// rendering the relational writer needs. One external collaborator
// implements both; tests supply a single fake.
type Deserializer interface {
	model.Deserializer
	PayloadToJSON(typeName string, payload []byte) (string, error)
}

// Session owns one recording run: the tracker, format writer, handler,
// ingress adapter, and command endpoint, plus the transport they all share.
type Session struct {
	cfg       *config.Config
	transport pubsub.Transport
	tr        *tracker.Tracker
	w         writer.Writer
	h         *handler.Handler
	in        *ingress.Adapter
	cmd       *command.Endpoint
	log       *zap.Logger
	initial   handler.State
	diskFull  atomic.Bool
}

// New builds a Session from cfg and an already-connected transport (e.g.
// pubsub.DialNATS(cfg.Ingress.NATSURL)). Connecting is the caller's
// responsibility: New only configures collaborators, Start is what touches
// the network.
// deser may be nil only when cfg.Output.Format is "binarylog" and
// cfg.Output.RecordTypes is false. Without a Deserializer the handler
// rejects every discovered type, so no schema is ever registered and
// messages take the pending / unknown-schema path.
func New(cfg *config.Config, transport pubsub.Transport, deser Deserializer, pool *payload.Pool, log *zap.Logger) (*Session, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if pool == nil {
		pool = payload.New()
	}

	tr := tracker.New(tracker.Config{
		Dir:              cfg.Output.Dir,
		BaseName:         cfg.Output.BaseName,
		Extension:        extensionFor(cfg.Output.Format),
		PrependTimestamp: cfg.Output.PrependTimestamp,
		TimestampFormat:  cfg.Output.TimestampFormat,
		MaxTotalSize:     cfg.Output.MaxTotalSize,
		MaxFileSize:      cfg.Output.MaxFileSize,
		SizeTolerance:    cfg.Output.SizeTolerance,
		RotationEnabled:  cfg.Output.RotationEnabled,
	}, nil)

	w, err := buildWriter(cfg, tr, deser)
	if err != nil {
		return nil, err
	}

	initial, err := parseState(cfg.Handler.InitialState)
	if err != nil {
		return nil, err
	}

	s := &Session{cfg: cfg, transport: transport, tr: tr, w: w, log: log}

	var modelDeser model.Deserializer
	if deser != nil {
		modelDeser = deser
	}
	// The handler always constructs Stopped: Session.Start drives it to the
	// configured initial state via Start/Pause so the writer is actually
	// enabled (a file opened) rather than just having its state field set,
	// mirroring handler.New's contract that only a Stopped->Running/Paused
	// transition opens a file.
	h := handler.New(handler.Config{
		InitialState:      handler.StateStopped,
		BufferSize:        cfg.Handler.BufferSize,
		EventWindow:       cfg.Handler.EventWindow,
		CleanupPeriod:     cfg.Handler.CleanupPeriod,
		MaxPendingSamples: cfg.Handler.MaxPendingSamples,
		OnlyWithSchema:    cfg.Handler.OnlyWithSchema,
		PendingTimeout:    cfg.Handler.PendingTimeout,
		RecordTypes:       cfg.Output.RecordTypes,
		Relational:        cfg.Output.Format == "relational",
	}, w, modelDeser, s.onHandlerStatus, log)
	s.h = h

	in := ingress.New(transport, ingress.Config{
		Allow:                   cfg.Ingress.Allow,
		Deny:                    cfg.Ingress.Deny,
		DataSubject:             cfg.Ingress.DataSubject,
		DiscoverySubject:        cfg.Ingress.DiscoverySubject,
		UseReceiveTimeAsLogTime: cfg.Ingress.UseReceiveTimeAsLogTime,
		Pool:                    pool,
	})
	in.Attach(h)
	s.in = in

	s.cmd = command.New(transport, h, cfg.Command.CommandSubject, cfg.Command.StatusSubject, handler.StateStopped.String(), log)
	s.initial = initial

	return s, nil
}

// Start brings every component online: the command endpoint first (so
// commands are never missed), then ingress, then drives the handler from
// its constructed Stopped state to the configured initial state.
func (s *Session) Start() error {
	if err := s.cmd.Start(); err != nil {
		return err
	}
	if err := s.in.Start(); err != nil {
		return err
	}
	var err error
	switch s.initial {
	case handler.StateRunning:
		err = s.h.Start()
	case handler.StatePaused:
		err = s.h.Pause()
	}
	if err != nil {
		return err
	}
	s.log.Info("session started",
		zap.String("format", s.cfg.Output.Format),
		zap.String("dir", s.cfg.Output.Dir))
	return nil
}

// Stop drains ingress, flushes and closes the handler (final=true), stops
// the command endpoint, publishes the terminal CLOSED status, and closes
// the transport connection.
func (s *Session) Stop() error {
	if err := s.in.Stop(); err != nil {
		s.log.Warn("ingress stop error", zap.Error(err))
	}
	if err := s.h.Stop(true); err != nil {
		s.log.Warn("handler stop error", zap.Error(err))
	}
	s.h.Close()
	if err := s.cmd.Stop(); err != nil {
		s.log.Warn("command endpoint stop error", zap.Error(err))
	}
	s.cmd.Close()
	return s.transport.Close()
}

// Reconfigure stores a reloaded config.Config on the session. Nothing else
// is applied: the tracker, writer and handler keep the settings they were
// built with, including resource limits. The log level is applied by the
// caller (internal/logger owns the global level).
func (s *Session) Reconfigure(cfg *config.Config) {
	s.cfg = cfg
}

func (s *Session) onHandlerStatus(previous, current, info string) {
	if strings.HasPrefix(info, "disk_full") {
		s.diskFull.Store(true)
	}
	s.cmd.ReportAsync(previous, current, info)
}

// DiskFull reports whether the handler has ever transitioned to Stopped
// because the file tracker reported a full disk. cmd/record polls this
// after Stop to pick the process exit code.
func (s *Session) DiskFull() bool {
	return s.diskFull.Load()
}

func buildWriter(cfg *config.Config, tr *tracker.Tracker, deser Deserializer) (writer.Writer, error) {
	switch cfg.Output.Format {
	case "binarylog":
		return binarylog.New(tr, cfg.Output.MaxFileSize, binarylog.Config{
			RecordTypes: cfg.Output.RecordTypes,
			ROS2Profile: cfg.Output.ROS2Profile,
		}), nil
	case "relational":
		var jsonDeser interface {
			PayloadToJSON(typeName string, payload []byte) (string, error)
		}
		if deser != nil {
			jsonDeser = deser
		}
		return relational.New(tr, relational.Config{
			DataFormat:      relational.DataFormat(cfg.Output.RelationalFormat),
			ROS2Profile:     cfg.Output.ROS2Profile,
			MaxFileSizeHint: cfg.Output.MaxFileSize,
			Deserializer:    jsonDeser,
		}), nil
	default:
		return nil, rerrors.NewConfigurationError("session.build_writer", fmt.Errorf("unknown output format %q", cfg.Output.Format))
	}
}

func extensionFor(format string) string {
	if format == "relational" {
		return ".db"
	}
	return ".mcap"
}

func parseState(s string) (handler.State, error) {
	switch s {
	case "RUNNING":
		return handler.StateRunning, nil
	case "PAUSED":
		return handler.StatePaused, nil
	case "STOPPED":
		return handler.StateStopped, nil
	default:
		return 0, rerrors.NewConfigurationError("session.parse_state", fmt.Errorf("unknown initial state %q", s))
	}
}
