package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/gattkit/adapter"
	"github.com/srg/gattkit/internal/bluez"
	"github.com/srg/gattkit/internal/dispatch"
	"github.com/srg/gattkit/internal/goble"
	"github.com/srg/gattkit/pkg/config"
)

// loadSettings reads --config and applies the logging flags on top of it.
// --log-level takes precedence over --verbose.
func loadSettings(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		if _, err := logrus.ParseLevel(level); err != nil {
			return nil, nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", level)
		}
		cfg.LogLevel = level
	} else if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.LogLevel = "debug"
	} else if path == "" {
		// keep the terminal quiet unless asked
		cfg.LogLevel = "error"
	}

	return cfg, cfg.NewLogger(), nil
}

// app owns the event loop and the radio backends of one command run.
type app struct {
	cfg    *config.Config
	logger *logrus.Logger

	looper  *dispatch.Looper
	backend *goble.Backend
	bluez   *bluez.Client
	monitor *adapter.Monitor
	cancel  context.CancelFunc
}

// newApp starts the event loop and opens the go-ble device. With withBluez,
// it also connects to BlueZ for Classic discovery and adapter events; a
// missing BlueZ daemon only disables those.
func newApp(cfg *config.Config, logger *logrus.Logger, withBluez bool) (*app, error) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &app{cfg: cfg, logger: logger, cancel: cancel}

	a.looper = dispatch.NewLooper("gattkit-main", logger)
	a.looper.Start(ctx)

	backend, err := goble.Open(a.looper, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open Bluetooth device: %w", err)
	}
	a.backend = backend

	if withBluez {
		client, err := bluez.Open(cfg.Adapter, a.looper, logger)
		if err != nil {
			logger.WithError(err).Warn("BlueZ unavailable, Classic discovery and adapter events disabled")
			return a, nil
		}
		a.bluez = client
		a.monitor = adapter.NewMonitor(client.EventSource(), logger)
		if err := a.monitor.Start(); err != nil {
			logger.WithError(err).Warn("Failed to read adapter state")
			a.monitor = nil
		}
	}
	return a, nil
}

// Close stops the monitor, the backends and the event loop.
func (a *app) Close() {
	if a.monitor != nil {
		a.monitor.Stop()
	}
	if a.bluez != nil {
		_ = a.bluez.Close()
	}
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			a.logger.WithError(err).Debug("Failed to stop Bluetooth device")
		}
	}
	if a.looper != nil {
		a.looper.Quit()
	}
	a.cancel()
}

// signalContext returns a context cancelled on Ctrl+C or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
