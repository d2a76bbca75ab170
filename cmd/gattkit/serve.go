package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/gattkit/advertise"
	"github.com/srg/gattkit/gatt"
	"github.com/srg/gattkit/internal/device"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve --table FILE.yaml",
	Short: "Host a GATT server from an attribute table",
	Long: `Hosts the services described in a YAML attribute table until interrupted.
Remote reads are answered from the table and remote writes update it.

With --stdin, each input line "CHAR HEX..." updates a characteristic and
notifies its subscribers.

Example table:
  services:
    - uuid: "180f"
      characteristics:
        - uuid: "2a19"
          properties: [read, notify]
          value: "64"

Examples:
  gattkit serve --table battery.yaml --advertise "gattkit battery"
  echo "2a19 5a" | gattkit serve --table battery.yaml --stdin`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("table", "", "YAML attribute table to host (required)")
	serveCmd.Flags().String("advertise", "", "Advertise the first service under this local name")
	serveCmd.Flags().Bool("stdin", false, "Read CHAR HEX... lines from stdin and notify subscribers")
	_ = serveCmd.MarkFlagRequired("table")
}

func runServe(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	tablePath, _ := flags.GetString("table")
	name, _ := flags.GetString("advertise")
	fromStdin, _ := flags.GetBool("stdin")

	cfg, logger, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	table, err := loadAttributeTable(tablePath)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	a, err := newApp(cfg, logger, name != "")
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	server := gatt.NewServer(a.backend.ServerOpener(), table.store, serverReporter(stdout), cfg.ServerOptions(), logger)
	for _, svc := range table.services {
		if err := server.AddService(svc); err != nil {
			return err
		}
	}
	if err := server.Start(); err != nil {
		return err
	}
	defer server.Shutdown()
	printOK(os.Stderr, "Serving %d services, press Ctrl+C to stop", len(table.services))

	if name != "" {
		settings := cfg.AdvertiseSettings()
		settings.Connectable = true
		adv := advertise.New(a.backend.AdvertiseRadio(), a.looper, advertiseReporter(os.Stderr, func() {}), settings, advertise.Data{
			LocalName:    name,
			ServiceUUIDs: []string{table.services[0].UUID},
		}, logger)
		if a.monitor != nil {
			adv.AttachAdapter(a.monitor)
		}
		if err := adv.Start(); err != nil {
			return err
		}
		defer adv.Stop()
	}

	if fromStdin {
		go feedNotifications(ctx, os.Stdin, table, server, logger)
	}

	<-ctx.Done()
	return nil
}

// feedNotifications applies "CHAR HEX..." lines until r is exhausted.
func feedNotifications(ctx context.Context, r io.Reader, table *hostedTable, server *gatt.Server, logger *logrus.Logger) {
	lines := bufio.NewScanner(r)
	for lines.Scan() && ctx.Err() == nil {
		line := lines.Bytes()
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		attr, value, err := table.parseNotifyLine(line)
		if err != nil {
			printWarn(os.Stderr, "ignored input %q: %v", line, err)
			continue
		}
		table.update(attr, value)
		if err := server.NotifyDevices(attr.Service, attr.Characteristic, value); err != nil {
			logger.WithError(err).Warn("Notification failed")
		}
	}
}

func serverReporter(w io.Writer) gatt.ServerCallback {
	return gatt.ServerCallbackFuncs{
		DeviceConnected:    func(peer string) { fmt.Fprintf(w, "%s connected\n", peer) },
		DeviceDisconnected: func(peer string) { fmt.Fprintf(w, "%s disconnected\n", peer) },
		ServiceAdded: func(service string, status device.Status) {
			if !status.OK() {
				printWarn(w, "service %s rejected: %s", service, status)
			}
		},
		CharacteristicWritten: func(peer string, attr gatt.Attribute, value []byte) {
			fmt.Fprintf(w, "%s wrote %s: %s\n", peer, attr, formatValue(value, false))
		},
		SubscriptionChanged: func(peer string, attr gatt.Attribute, subscribed bool) {
			verb := "unsubscribed from"
			if subscribed {
				verb = "subscribed to"
			}
			fmt.Fprintf(w, "%s %s %s\n", peer, verb, attr)
		},
	}
}

// advertiseReporter prints advertiser state and calls stop once advertising
// ends or fails.
func advertiseReporter(w io.Writer, stop context.CancelFunc) advertise.Callback {
	return advertise.CallbackFuncs{
		Started: func() { printOK(w, "Advertising") },
		Stopped: func() {
			fmt.Fprintln(w, "Advertising stopped")
			stop()
		},
		Failed: func(code int) {
			printWarn(w, "Advertising failed (code %d)", code)
			stop()
		},
	}
}
