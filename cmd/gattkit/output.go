package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/srg/gattkit/gatt"
	"github.com/srg/gattkit/internal/bledb"
	"github.com/srg/gattkit/internal/device"
	"golang.org/x/term"
)

// stdout is swapped by tests.
var stdout io.Writer = os.Stdout

var (
	headerColor = color.New(color.Bold)
	okColor     = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	errColor    = color.New(color.FgRed, color.Bold)
)

func init() {
	// colours only when both ends are a terminal
	if !term.IsTerminal(int(os.Stdout.Fd())) || !term.IsTerminal(int(os.Stderr.Fd())) {
		color.NoColor = true
	}
}

func errorPrefix() string {
	return errColor.Sprint("ERROR:")
}

// ----------------------------
// Discovery results
// ----------------------------

// deviceJSON is the machine-readable form of one discovered device.
type deviceJSON struct {
	Address          string            `json:"address"`
	Technology       string            `json:"technology"`
	Name             string            `json:"name,omitempty"`
	RSSI             int               `json:"rssi"`
	Class            string            `json:"class,omitempty"`
	Connectable      bool              `json:"connectable,omitempty"`
	TxPower          *int              `json:"tx_power,omitempty"`
	Services         []string          `json:"services,omitempty"`
	ServiceData      map[string]string `json:"service_data,omitempty"`
	ManufacturerData map[string]string `json:"manufacturer_data,omitempty"`
	LastSeen         time.Time         `json:"last_seen"`
}

func toDeviceJSON(rec *device.DeviceRecord) deviceJSON {
	out := deviceJSON{
		Address:    rec.Address,
		Technology: rec.Technology.String(),
		Name:       rec.BestName(),
		RSSI:       rec.RSSI,
		LastSeen:   rec.LastSeen,
	}
	if rec.Class != 0 {
		out.Class = rec.Class.String()
	}
	if sr := rec.ScanRecord; sr != nil {
		out.Connectable = sr.Connectable
		out.TxPower = sr.TxPower
		out.Services = append(out.Services, sr.ServiceUUIDs...)
		if len(sr.ServiceData) > 0 {
			out.ServiceData = make(map[string]string, len(sr.ServiceData))
			for uuid, data := range sr.ServiceData {
				out.ServiceData[uuid] = hex.EncodeToString(data)
			}
		}
		if len(sr.ManufacturerData) > 0 {
			out.ManufacturerData = make(map[string]string, len(sr.ManufacturerData))
			for id, data := range sr.ManufacturerData {
				out.ManufacturerData[fmt.Sprintf("%04x", id)] = hex.EncodeToString(data)
			}
		}
	}
	return out
}

// sortRecords orders by technology, then strongest signal first.
func sortRecords(records []*device.DeviceRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Technology != records[j].Technology {
			return records[i].Technology < records[j].Technology
		}
		if records[i].RSSI != records[j].RSSI {
			return records[i].RSSI > records[j].RSSI
		}
		return records[i].Address < records[j].Address
	})
}

func displayDevices(w io.Writer, records []*device.DeviceRecord, format string) error {
	sortRecords(records)
	if format == "json" {
		out := make([]deviceJSON, 0, len(records))
		for _, rec := range records {
			out = append(out, toDeviceJSON(rec))
		}
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(out)
	}

	if len(records) == 0 {
		fmt.Fprintln(w, "No devices discovered")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, headerColor.Sprint("TYPE\tADDRESS\tNAME\tRSSI\tDETAILS"))
	for _, rec := range records {
		name := rec.DisplayName()
		if len(name) > 24 {
			name = name[:21] + "..."
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d dBm\t%s\n",
			rec.Technology, rec.Address, name, rec.RSSI, recordDetails(rec))
	}
	return tw.Flush()
}

func recordDetails(rec *device.DeviceRecord) string {
	if rec.Technology == device.Classic {
		return rec.Class.String()
	}
	if rec.ScanRecord == nil {
		return ""
	}
	details := strings.Join(rec.ScanRecord.ServiceUUIDs, ",")
	if details == "" {
		if ids := rec.ScanRecord.ManufacturerIDs(); len(ids) > 0 {
			details = bledb.CompanyLabel(ids[0])
		}
	}
	if len(details) > 30 {
		details = details[:27] + "..."
	}
	return details
}

// ----------------------------
// GATT values
// ----------------------------

func displayServices(w io.Writer, services []gatt.Service) {
	for _, svc := range services {
		fmt.Fprintf(w, "%s %s%s\n", headerColor.Sprint("service"), svc.UUID, named(bledb.LookupService(svc.UUID)))
		for _, c := range svc.Characteristics {
			fmt.Fprintf(w, "  %s%s [%s]\n", c.UUID, named(bledb.LookupCharacteristic(c.UUID)),
				strings.Join(c.Properties.Names(), ","))
			for _, d := range c.Descriptors {
				fmt.Fprintf(w, "    %s%s\n", d, named(bledb.LookupDescriptor(d)))
			}
		}
	}
}

// named formats a well-known name as a suffix.
func named(name string) string {
	if name == "" {
		return ""
	}
	return " (" + name + ")"
}

// formatValue renders a value as hex, or as text when asked and printable.
func formatValue(data []byte, asText bool) string {
	if asText && isPrintable(data) {
		return string(data)
	}
	return hex.EncodeToString(data)
}

func isPrintable(data []byte) bool {
	for _, b := range data {
		if b < 0x20 || b > 0x7e {
			return false
		}
	}
	return true
}

// parseHexArgs joins hex arguments ("01 02", "0102", "01:02") into bytes.
func parseHexArgs(args []string) ([]byte, error) {
	s := strings.Join(args, "")
	s = strings.NewReplacer(" ", "", ":", "", "0x", "", "0X", "").Replace(s)
	if s == "" {
		return nil, fmt.Errorf("no value given")
	}
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex value: %w", err)
	}
	return data, nil
}

func printOK(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintln(w, okColor.Sprintf(format, args...))
}

func printWarn(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintln(w, warnColor.Sprintf(format, args...))
}
