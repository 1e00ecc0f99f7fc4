// Package cmd wires the download engine, task registry, and install
// orchestrator into the pkgdrop command-line interface.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pkgdrop/pkgdrop/internal/config"
	"github.com/pkgdrop/pkgdrop/internal/downloader"
	"github.com/pkgdrop/pkgdrop/internal/logging"
	"github.com/pkgdrop/pkgdrop/internal/store"
)

// Version information - set via ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
)

var debugFlag bool

var rootCmd = &cobra.Command{
	Use:     "pkgdrop",
	Short:   "Download and install vendor software packages",
	Long:    `pkgdrop fetches vendor software packages with resumable chunked downloads and drives the privileged installer to completion.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(debugFlag)
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug logging")
}

// app bundles the collaborators a command needs: loaded settings, the locked
// task registry, and an engine with persisted tasks restored.
type app struct {
	settings *config.Settings
	registry *store.Registry
	engine   *downloader.Engine
	cancel   context.CancelFunc
}

func openApp(ctx context.Context) (*app, error) {
	settings, err := config.LoadSettings()
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	registry, err := store.Open(config.GetStateDir())
	if err != nil {
		if errors.Is(err, store.ErrLocked) {
			return nil, fmt.Errorf("another pkgdrop instance is already running")
		}
		return nil, err
	}

	engineCtx, cancel := context.WithCancel(ctx)
	engine := downloader.New(engineCtx, registry, settings)
	if err := engine.Restore(); err != nil {
		cancel()
		registry.Close()
		return nil, err
	}

	return &app{
		settings: settings,
		registry: registry,
		engine:   engine,
		cancel:   cancel,
	}, nil
}

func (a *app) Close() {
	a.cancel()
	if err := a.registry.Close(); err != nil {
		fmt.Fprintln(os.Stderr, "Warning: failed to close task registry:", err)
	}
}
