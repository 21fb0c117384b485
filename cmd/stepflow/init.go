package main

import (
	"flag"
	"io"
)

// runInit writes a settings file from flags, starting from the current
// effective configuration.
func runInit(args []string, dir string, out io.Writer) error {
	cfg, err := loadConfigFrom(dir)
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&cfg.DBDriver, "db-driver", cfg.DBDriver, "database driver: libsql or sqlite")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "database path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: text or json")
	fs.IntVar(&cfg.PoolSize, "pool-size", cfg.PoolSize, "concurrent scheduler tasks")
	fs.IntVar(&cfg.AsyncPoolSize, "async-pool-size", cfg.AsyncPoolSize, "concurrent async forks")
	fs.StringVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "scheduler poll interval")
	fs.StringVar(&cfg.SignalAckTimeout, "signal-ack-timeout", cfg.SignalAckTimeout, "signal acknowledgment timeout")
	fs.StringVar(&cfg.TaskLease, "task-lease", cfg.TaskLease, "scheduler task lease")
	fs.StringVar(&cfg.PanelAddr, "panel-addr", cfg.PanelAddr, "HTTP panel listen address, empty to disable")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// Reject settings the server could not start with.
	if _, err := cfg.clientConfig(nil); err != nil {
		return err
	}
	return writeSettings(dir, cfg, out)
}
