package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/spf13/cobra"
	"github.com/srg/gattkit/advertise"
)

// advertiseCmd represents the advertise command
var advertiseCmd = &cobra.Command{
	Use:   "advertise",
	Short: "Broadcast an LE advertisement",
	Long: `Advertises until --timeout elapses or the command is interrupted. Mode, TX
power and connectability default to the advertise section of the config.

Examples:
  gattkit advertise --name beacon --service 180f

  # Manufacturer data, non-connectable, one minute
  gattkit advertise --manufacturer 004c=0215aabb --connectable=false --timeout 1m`,
	Args: cobra.NoArgs,
	RunE: runAdvertise,
}

func init() {
	advertiseCmd.Flags().String("name", "", "Local name to advertise")
	advertiseCmd.Flags().StringArray("service", nil, "Service UUID to advertise (repeatable)")
	advertiseCmd.Flags().StringArray("service-data", nil, "Service data as UUID=HEX (repeatable)")
	advertiseCmd.Flags().StringArray("manufacturer", nil, "Manufacturer data as ID=HEX, ID in hex (repeatable)")
	advertiseCmd.Flags().Bool("tx-power-level", false, "Include the TX power level")
	advertiseCmd.Flags().String("mode", "", "Advertise mode (low_power, balanced, low_latency)")
	advertiseCmd.Flags().String("tx-power", "", "TX power (ultra_low, low, medium, high)")
	advertiseCmd.Flags().Bool("connectable", true, "Accept connections")
	advertiseCmd.Flags().Duration("timeout", 0, "Stop after this long (0 = until interrupted)")
}

func runAdvertise(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadSettings(cmd)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if v, _ := flags.GetString("mode"); v != "" {
		cfg.Advertise.Mode = v
	}
	if v, _ := flags.GetString("tx-power"); v != "" {
		cfg.Advertise.TxPower = v
	}
	if flags.Changed("connectable") {
		cfg.Advertise.Connectable, _ = flags.GetBool("connectable")
	}
	if flags.Changed("timeout") {
		cfg.Advertise.Timeout, _ = flags.GetDuration("timeout")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	data, err := advertiseDataFromFlags(cmd)
	if err != nil {
		return err
	}
	settings := cfg.AdvertiseSettings()
	cmd.SilenceUsage = true

	a, err := newApp(cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	var failed atomic.Int32
	reporter := advertise.CallbackFuncs{
		Started: func() { printOK(os.Stderr, "Advertising, press Ctrl+C to stop") },
		Stopped: cancel,
		Failed: func(code int) {
			failed.Store(int32(code))
			cancel()
		},
	}
	adv := advertise.New(a.backend.AdvertiseRadio(), a.looper, reporter, settings, data, logger)
	if a.monitor != nil {
		adv.AttachAdapter(a.monitor)
	}
	if err := adv.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	adv.Stop()

	if code := failed.Load(); code != 0 {
		return fmt.Errorf("advertising failed (code %d)", code)
	}
	return nil
}

func advertiseDataFromFlags(cmd *cobra.Command) (advertise.Data, error) {
	flags := cmd.Flags()
	name, _ := flags.GetString("name")
	txLevel, _ := flags.GetBool("tx-power-level")
	services, _ := flags.GetStringArray("service")
	serviceData, _ := flags.GetStringArray("service-data")
	manufacturer, _ := flags.GetStringArray("manufacturer")
	return buildAdvertiseData(name, txLevel, services, serviceData, manufacturer)
}

// buildAdvertiseData assembles and normalizes the payload from flag values.
func buildAdvertiseData(name string, txLevel bool, services, serviceData, manufacturer []string) (advertise.Data, error) {
	data := advertise.Data{
		LocalName:      name,
		IncludeTxPower: txLevel,
		ServiceUUIDs:   services,
	}

	for _, spec := range serviceData {
		key, value, err := parseKeyHex("--service-data", spec)
		if err != nil {
			return data, err
		}
		if data.ServiceData == nil {
			data.ServiceData = make(map[string][]byte)
		}
		data.ServiceData[key] = value
	}

	for _, spec := range manufacturer {
		key, value, err := parseKeyHex("--manufacturer", spec)
		if err != nil {
			return data, err
		}
		id, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(key), "0x"), 16, 16)
		if err != nil {
			return data, fmt.Errorf("invalid --manufacturer %q: company ID must be 16-bit hex", spec)
		}
		if data.ManufacturerData == nil {
			data.ManufacturerData = make(map[uint16][]byte)
		}
		data.ManufacturerData[uint16(id)] = value
	}

	if data.LocalName == "" && len(data.ServiceUUIDs) == 0 && len(data.ServiceData) == 0 && len(data.ManufacturerData) == 0 {
		return data, fmt.Errorf("nothing to advertise: give --name, --service, --service-data or --manufacturer")
	}
	return data.Normalize()
}

// parseKeyHex parses KEY=HEX.
func parseKeyHex(flag, spec string) (string, []byte, error) {
	key, hexValue, ok := strings.Cut(spec, "=")
	if !ok || key == "" {
		return "", nil, fmt.Errorf("invalid %s %q: expected KEY=HEX", flag, spec)
	}
	value, err := parseHexArgs([]string{hexValue})
	if err != nil {
		return "", nil, fmt.Errorf("invalid %s %q: %w", flag, spec, err)
	}
	return key, value, nil
}
