package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/srg/gattkit/gatt"
)

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write ADDRESS SERVICE CHAR HEX...",
	Short: "Write a characteristic or descriptor value",
	Long: `Connects to the device and writes a hex value. Bytes may be given as one
argument or several, with optional spaces, colons or 0x prefixes.

With --reliable the write is queued in a reliable write transaction together
with every --also CHAR=HEX of the same service and committed at once.

Examples:
  gattkit write AA:BB:CC:DD:EE:FF fff0 fff1 01 02 03

  # Enable notifications by hand
  gattkit write AA:BB:CC:DD:EE:FF 180d 2a37 0100 --desc 2902

  # Two characteristics in one transaction
  gattkit write AA:BB:CC:DD:EE:FF fff0 fff1 0a --reliable --also fff2=0b0c`,
	Args: cobra.MinimumNArgs(4),
	RunE: runWrite,
}

func init() {
	writeCmd.Flags().String("desc", "", "Write this descriptor of the characteristic instead")
	writeCmd.Flags().Bool("reliable", false, "Use a reliable write transaction")
	writeCmd.Flags().StringArray("also", nil, "Additional CHAR=HEX write in the same reliable transaction (repeatable)")
}

func runWrite(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	desc, _ := flags.GetString("desc")
	reliable, _ := flags.GetBool("reliable")
	also, _ := flags.GetStringArray("also")

	value, err := parseHexArgs(args[3:])
	if err != nil {
		return err
	}
	if len(also) > 0 && !reliable {
		return fmt.Errorf("--also requires --reliable")
	}
	if reliable && desc != "" {
		return fmt.Errorf("descriptors cannot be written in a reliable transaction")
	}
	extra, err := parseAlsoWrites(also)
	if err != nil {
		return err
	}

	return withPeer(cmd, args[0], nil, func(ctx context.Context, run *peerRun) error {
		attr, c, err := resolveAttr(run.services, args[1], args[2], desc)
		if err != nil {
			return printServicesOnError(run.services, err)
		}
		if err := requireProperty(attr, c, gatt.PropWrite|gatt.PropWriteWithoutResponse, "write"); err != nil {
			return err
		}

		if !reliable {
			if err := run.client.Write(ctx, attr, value); err != nil {
				return err
			}
			printOK(stdout, "Wrote %d bytes to %s", len(value), attr)
			return nil
		}

		writes := []attrWrite{{attr: attr, value: value}}
		total := len(value)
		for _, w := range extra {
			a, ec, err := resolveAttr(run.services, args[1], w.char, "")
			if err != nil {
				return printServicesOnError(run.services, err)
			}
			if err := requireProperty(a, ec, gatt.PropWrite, "reliable write"); err != nil {
				return err
			}
			writes = append(writes, attrWrite{attr: a, value: w.value})
			total += len(w.value)
		}
		if total > run.cfg.Gatt.MaxPreparedWriteBytes {
			return fmt.Errorf("reliable write of %d bytes exceeds gatt.max_prepared_write_bytes (%d)",
				total, run.cfg.Gatt.MaxPreparedWriteBytes)
		}

		if err := run.client.ReliableWrite(ctx, writes); err != nil {
			return err
		}
		printOK(stdout, "Committed %d writes (%d bytes)", len(writes), total)
		return nil
	})
}

type charWrite struct {
	char  string
	value []byte
}

// parseAlsoWrites parses CHAR=HEX pairs.
func parseAlsoWrites(specs []string) ([]charWrite, error) {
	out := make([]charWrite, 0, len(specs))
	for _, spec := range specs {
		char, hexValue, ok := strings.Cut(spec, "=")
		if !ok || char == "" {
			return nil, fmt.Errorf("invalid --also %q: expected CHAR=HEX", spec)
		}
		value, err := parseHexArgs([]string{hexValue})
		if err != nil {
			return nil, fmt.Errorf("invalid --also %q: %w", spec, err)
		}
		out = append(out, charWrite{char: char, value: value})
	}
	return out, nil
}
