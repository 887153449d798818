package main

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// version is injected at build time with -ldflags "-X main.version=...".
var version = "dev"

// cliConfig holds the command-line surface of `record`: the config file path
// plus the handful of process-lifecycle knobs that do not belong in the YAML
// document because they govern the CLI invocation itself, not the recording
// session.
type cliConfig struct {
	configPath  string
	reloadTime  time.Duration
	timeout     time.Duration
	debug       bool
	showVersion bool
}

func parseFlags(args []string) (*cliConfig, error) {
	fs := flag.NewFlagSet("record", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	cfg := &cliConfig{}
	var reloadMS, timeoutMS int

	fs.StringVar(&cfg.configPath, "config", "", "path to the recording session's YAML config file (required)")
	fs.IntVar(&reloadMS, "reload-time", 200, "config file change debounce, in milliseconds")
	fs.IntVar(&timeoutMS, "timeout", 5000, "graceful-shutdown timeout, in milliseconds")
	fs.BoolVar(&cfg.debug, "debug", false, "force log.level=debug regardless of the config file")
	fs.BoolVar(&cfg.showVersion, "version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.showVersion {
		return cfg, nil
	}
	if cfg.configPath == "" {
		return nil, fmt.Errorf("-config is required")
	}
	if reloadMS < 0 {
		return nil, fmt.Errorf("-reload-time must be non-negative, got %d", reloadMS)
	}
	if timeoutMS <= 0 {
		return nil, fmt.Errorf("-timeout must be positive, got %d", timeoutMS)
	}
	cfg.reloadTime = time.Duration(reloadMS) * time.Millisecond
	cfg.timeout = time.Duration(timeoutMS) * time.Millisecond

	return cfg, nil
}
