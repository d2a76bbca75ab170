package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/gattkit/gatt"
)

// subscribeCmd represents the subscribe command
var subscribeCmd = &cobra.Command{
	Use:   "subscribe ADDRESS SERVICE CHAR",
	Short: "Stream notifications or indications of a characteristic",
	Long: `Enables notifications (or indications) on a characteristic and prints every
value until --duration elapses or the command is interrupted.

By default each value is printed on its own line with a timestamp. With --raw
the value bytes are written to stdout unchanged, which is useful for piping.

Examples:
  gattkit subscribe AA:BB:CC:DD:EE:FF 180d 2a37

  # Ten seconds of raw bytes to a file
  gattkit subscribe AA:BB:CC:DD:EE:FF fff0 fff4 --raw --duration 10s > dump.bin`,
	Args: cobra.ExactArgs(3),
	RunE: runSubscribe,
}

func init() {
	subscribeCmd.Flags().Duration("duration", 0, "Stop after this long (0 = until interrupted)")
	subscribeCmd.Flags().Bool("raw", false, "Write raw value bytes instead of formatted lines")
	subscribeCmd.Flags().Bool("text", false, "Print printable values as text")
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	duration, _ := flags.GetDuration("duration")
	raw, _ := flags.GetBool("raw")
	asText, _ := flags.GetBool("text")
	if duration < 0 {
		return fmt.Errorf("--duration must not be negative")
	}

	var stream *notificationStream
	setup := func(c *peerClient) {
		stream = newNotificationStream(stdout, streamBufferSize, c.logger)
		c.onNotify = func(attr gatt.Attribute, data []byte) {
			stream.Push(formatNotification(time.Now(), attr, data, raw, asText))
		}
	}

	err := withPeer(cmd, args[0], setup, func(ctx context.Context, run *peerRun) error {
		attr, c, err := resolveAttr(run.services, args[1], args[2], "")
		if err != nil {
			return printServicesOnError(run.services, err)
		}
		if err := requireProperty(attr, c, gatt.PropNotify|gatt.PropIndicate, "notifications"); err != nil {
			return err
		}
		if err := run.client.Subscribe(ctx, attr, true); err != nil {
			return err
		}
		if !raw {
			printOK(os.Stderr, "Subscribed to %s, press Ctrl+C to stop", attr)
		}

		if duration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, duration)
			defer cancel()
		}
		return run.client.waitDisconnect(ctx)
	})
	if stream != nil {
		stream.Close()
		if n := stream.Dropped(); n > 0 {
			printWarn(os.Stderr, "%d notification bytes dropped: output too slow", n)
		}
	}
	return err
}

// formatNotification renders one value for the stream.
func formatNotification(at time.Time, attr gatt.Attribute, data []byte, raw, asText bool) []byte {
	if raw {
		return append([]byte(nil), data...)
	}
	return []byte(fmt.Sprintf("%s %s %s\n", at.Format("15:04:05.000"), attr.Characteristic, formatValue(data, asText)))
}
