package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/gattkit/gatt"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read ADDRESS SERVICE CHAR",
	Short: "Read a characteristic or descriptor value",
	Long: `Connects to the device, discovers its services and reads one value.

Examples:
  # Battery level
  gattkit read AA:BB:CC:DD:EE:FF 180f 2a19

  # Device name as text
  gattkit read AA:BB:CC:DD:EE:FF 1800 2a00 --text

  # Client configuration descriptor
  gattkit read AA:BB:CC:DD:EE:FF 180d 2a37 --desc 2902`,
	Args: cobra.ExactArgs(3),
	RunE: runRead,
}

func init() {
	readCmd.Flags().String("desc", "", "Read this descriptor of the characteristic instead")
	readCmd.Flags().Bool("text", false, "Print printable values as text")
}

func runRead(cmd *cobra.Command, args []string) error {
	desc, _ := cmd.Flags().GetString("desc")
	asText, _ := cmd.Flags().GetBool("text")

	return withPeer(cmd, args[0], nil, func(ctx context.Context, run *peerRun) error {
		attr, c, err := resolveAttr(run.services, args[1], args[2], desc)
		if err != nil {
			return printServicesOnError(run.services, err)
		}
		if err := requireProperty(attr, c, gatt.PropRead, "read"); err != nil {
			return err
		}

		value, err := run.client.Read(ctx, attr)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, formatValue(value, asText))
		return nil
	})
}
