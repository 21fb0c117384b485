package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/panel"
	"github.com/rendis/stepflow/pkg/mcp"
	"github.com/rendis/stepflow/pkg/stepflow"
)

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe()
	case "init":
		err = runInit(args, stepflowDir(), os.Stdout)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "usage: stepflow [serve|init|version]\n")
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runServe starts the engine and serves the MCP tools over stdio until
// stdin closes or the process is interrupted. The HTTP panel is served
// alongside when panel_addr is set.
func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// stdout carries the MCP protocol; logs go to stderr.
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	clientCfg, err := cfg.clientConfig(logger)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return err
	}

	registry := stepflow.NewRegistry()
	if err := registerDemoWorkflows(registry, logger); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := stepflow.New(ctx, registry, clientCfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Stop(); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}()

	logger.Info("stepflow serving MCP over stdio",
		"version", version,
		"db_driver", cfg.DBDriver,
		"db_path", cfg.DBPath,
		"workflow_types", registry.Types(),
	)

	if cfg.PanelAddr != "" {
		p := panel.NewPanelServer(panel.PanelDeps{
			Engine: client,
			Hub:    client.Hub(),
			Logger: logger,
		})
		go func() {
			if err := p.ListenAndServe(ctx, cfg.PanelAddr); err != nil {
				logger.Error("panel stopped", "error", err)
			}
		}()
	}

	srv := mcp.NewStepflowServer(mcp.ServerDeps{
		Engine: client,
		Hub:    client.Hub(),
		Logger: logger,
	})
	return srv.Serve(ctx)
}
