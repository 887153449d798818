// Package logger wires the recording engine's structured logging: a
// zap.Logger sink backed by lumberjack for rotation of the daemon's own
// operational log (as distinct from the data files the recorder writes).
package logger

import (
	"errors"
	"flag"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// envLogLevel is the environment variable consulted when no -log.level flag
// is present.
const envLogLevel = "DDSRECORDER_LOG_LEVEL"

// ErrNoActiveLevel is returned by SetLevel when given an unrecognized level.
var ErrNoActiveLevel = errors.New("logger: no active level for given name")

var (
	atomicLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	global      *zap.Logger
	initOnce    sync.Once

	flagLevel = flag.String("log.level", "", "log level (debug, info, warn, error)")
)

// Options configures the rotating file sink. A zero value logs JSON to
// stdout only.
type Options struct {
	Filename   string // if empty, logs to stdout only
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Init initializes the global logger with stdout output. Safe to call
// multiple times; only the first call takes effect.
func Init() {
	initOnce.Do(func() {
		atomicLevel.SetLevel(detectLevel())
		global = build(atomicLevel, nil)
	})
}

// InitWithOptions initializes the global logger with a rotating file sink in
// addition to stdout. Intended to be called once from cmd/record before any
// other package logs.
func InitWithOptions(opts Options) {
	initOnce.Do(func() {
		atomicLevel.SetLevel(detectLevel())
		var sink zapcore.WriteSyncer
		if opts.Filename != "" {
			sink = zapcore.AddSync(&lumberjack.Logger{
				Filename:   opts.Filename,
				MaxSize:    fallback(opts.MaxSizeMB, 100),
				MaxBackups: fallback(opts.MaxBackups, 5),
				MaxAge:     fallback(opts.MaxAgeDays, 28),
				Compress:   opts.Compress,
			})
		}
		global = build(atomicLevel, sink)
	})
}

func fallback(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func build(level zap.AtomicLevel, fileSink zapcore.WriteSyncer) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encCfg)

	cores := []zapcore.Core{zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level)}
	if fileSink != nil {
		cores = append(cores, zapcore.NewCore(encoder, fileSink, level))
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}

// detectLevel resolves the initial log level from (high to low precedence):
// the -log.level flag, the DDSRECORDER_LOG_LEVEL environment variable,
// falling back to info.
func detectLevel() zapcore.Level {
	if *flagLevel == "" {
		for _, arg := range os.Args[1:] {
			if strings.HasPrefix(arg, "-log.level=") {
				parts := strings.SplitN(arg, "=", 2)
				if len(parts) == 2 {
					*flagLevel = parts[1]
				}
			}
		}
	}
	if strings.TrimSpace(*flagLevel) != "" {
		if lvl, ok := parseLevel(*flagLevel); ok {
			return lvl
		}
	}
	if env := os.Getenv(envLogLevel); env != "" {
		if lvl, ok := parseLevel(env); ok {
			return lvl
		}
	}
	return zap.InfoLevel
}

func parseLevel(s string) (zapcore.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zap.DebugLevel, true
	case "info", "":
		return zap.InfoLevel, true
	case "warn", "warning":
		return zap.WarnLevel, true
	case "error", "err":
		return zap.ErrorLevel, true
	}
	return 0, false
}

// SetLevel changes the runtime log level of the global logger.
func SetLevel(level string) error {
	Init()
	lvl, ok := parseLevel(level)
	if !ok {
		return ErrNoActiveLevel
	}
	atomicLevel.SetLevel(lvl)
	return nil
}

// Level returns the current runtime level.
func Level() string { Init(); return atomicLevel.Level().String() }

// Logger returns the global logger, initializing it with defaults if no
// prior Init/InitWithOptions call has happened yet.
func Logger() *zap.Logger { Init(); return global }

// WithSession attaches the recording session identifier.
func WithSession(l *zap.Logger, sessionID string) *zap.Logger {
	return l.With(zap.String("session_id", sessionID))
}

// WithTopic attaches topic identity fields.
func WithTopic(l *zap.Logger, topicName, typeName string) *zap.Logger {
	return l.With(zap.String("topic", topicName), zap.String("type", typeName))
}

// WithFile attaches the currently active output file's identity.
func WithFile(l *zap.Logger, fileID uint64, path string) *zap.Logger {
	return l.With(zap.Uint64("file_id", fileID), zap.String("file", path))
}
