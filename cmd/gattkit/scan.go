package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/gattkit/adapter"
	"github.com/srg/gattkit/discovery"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/dispatch"
	"github.com/srg/gattkit/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Discover nearby Classic and LE devices",
	Long: `Runs one discovery: an LE scan and, with --classic, a Classic (BR/EDR)
inquiry at the same time. Each device is listed once per technology.

Examples:
  # LE scan with the configured timeout
  gattkit scan

  # Classic and LE together, JSON output
  gattkit scan --classic --format json

  # Only heart rate monitors whose name starts with "Polar"
  gattkit scan --service 180d --name-prefix Polar`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().Bool("classic", false, "Also run Classic (BR/EDR) discovery through BlueZ")
	scanCmd.Flags().String("service", "", "Only report LE devices advertising this service UUID")
	scanCmd.Flags().String("name-prefix", "", "Only report devices whose name starts with this prefix")
	scanCmd.Flags().Duration("le-timeout", 0, "LE scan duration (default from config)")
	scanCmd.Flags().Duration("classic-timeout", 0, "Classic discovery duration (default from config)")
	scanCmd.Flags().StringP("format", "f", "", "Output format (table, json)")
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadSettings(cmd)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("classic") {
		cfg.Scan.Classic, _ = flags.GetBool("classic")
	}
	if v, _ := flags.GetString("service"); v != "" {
		cfg.Scan.ServiceUUID = v
	}
	if v, _ := flags.GetString("name-prefix"); v != "" {
		cfg.Scan.NamePrefix = v
	}
	if v, _ := flags.GetDuration("le-timeout"); v > 0 {
		cfg.Scan.LeTimeout = v
	}
	if v, _ := flags.GetDuration("classic-timeout"); v > 0 {
		cfg.Scan.ClassicTimeout = v
	}
	if v, _ := flags.GetString("format"); v != "" {
		cfg.OutputFormat = v
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	a, err := newApp(cfg, logger, cfg.Scan.Classic)
	if err != nil {
		return err
	}
	defer a.Close()

	radios := discovery.Radios{LE: a.backend.LeRadio()}
	if a.bluez != nil {
		radios.Classic = a.bluez.ClassicRadio()
	} else if cfg.Scan.Classic {
		printWarn(os.Stderr, "Classic discovery unavailable, scanning LE only")
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	longest := cfg.Scan.LeTimeout
	if cfg.Scan.Classic && cfg.Scan.ClassicTimeout > longest {
		longest = cfg.Scan.ClassicTimeout
	}
	progress := NewCountdownProgressPrinter("Discovering devices", "Scanning", longest)
	progress.Start()

	result, err := runDiscovery(ctx, radios, a.looper, cfg.DiscoveryOptions(), a.monitor, logger)
	progress.Stop()
	if err != nil {
		return err
	}

	for _, f := range result.failures {
		printWarn(os.Stderr, "%s scan failed (code %d)", f.tech, f.code)
	}
	return displayDevices(stdout, result.devices, cfg.OutputFormat)
}

type scanFailure struct {
	tech device.Technology
	code int
}

type discoveryResult struct {
	devices  []*device.DeviceRecord
	failures []scanFailure
	// interrupted is set when ctx ended the run before completion.
	interrupted bool
}

// runDiscovery runs one coordinator pass and waits until it completes, every
// scanner failed, or ctx is done. Devices found before an interruption are
// still returned.
func runDiscovery(ctx context.Context, radios discovery.Radios, handler dispatch.Handler, opts discovery.Options,
	monitor *adapter.Monitor, logger *logrus.Logger) (*discoveryResult, error) {

	expected := 1
	if opts.ClassicEnabled && radios.Classic != nil {
		expected++
	}

	var (
		mu       sync.Mutex
		result   = &discoveryResult{}
		done     = make(chan struct{})
		doneOnce sync.Once
	)
	finish := func() { doneOnce.Do(func() { close(done) }) }

	cb := scanner.ResultCallbackFuncs{
		DeviceFound: func(rec *device.DeviceRecord) {
			logger.WithFields(logrus.Fields{
				"address":    rec.Address,
				"technology": rec.Technology,
				"rssi":       rec.RSSI,
			}).Debug("Device found")
		},
		ScanComplete: func(device.Technology) { finish() },
		ScanFailed: func(tech device.Technology, code int) {
			mu.Lock()
			result.failures = append(result.failures, scanFailure{tech: tech, code: code})
			failed := len(result.failures)
			mu.Unlock()
			if failed >= expected {
				finish()
			}
		},
	}

	coord := discovery.New(radios, handler, cb, opts, logger)
	if monitor != nil {
		coord.AttachAdapter(monitor)
		defer coord.Detach()
	}
	handler.Post(coord.Start)

	select {
	case <-done:
	case <-ctx.Done():
		handler.Post(coord.Stop)
		mu.Lock()
		result.interrupted = true
		mu.Unlock()
	}

	// collect on the handler so the last results are in
	devices := make(chan []*device.DeviceRecord, 1)
	handler.Post(func() { devices <- coord.Devices() })
	select {
	case result.devices = <-devices:
	case <-time.After(time.Second):
		return nil, fmt.Errorf("discovery: %w", ErrNoResponse)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(result.failures) >= expected && len(result.devices) == 0 {
		f := result.failures[0]
		if f.code == device.ScanFailedAdapterNotReady {
			return result, device.ErrAdapterUnavailable
		}
		return result, device.NewStackError("scan", f.tech, f.code, errors.New("discovery failed"))
	}
	return result, nil
}
