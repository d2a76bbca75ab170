package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/srg/gattkit/gatt"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	suitelib "github.com/stretchr/testify/suite"
)

type OutputTestSuite struct {
	suitelib.Suite
	records []*device.DeviceRecord
}

func (suite *OutputTestSuite) SetupSuite() {
	color.NoColor = true
}

func (suite *OutputTestSuite) SetupTest() {
	power := -4
	suite.records = []*device.DeviceRecord{
		{
			Address:    "AA:BB:CC:DD:EE:02",
			Technology: device.LE,
			RSSI:       -70,
			ScanRecord: &device.ScanRecord{ManufacturerData: map[uint16][]byte{0x004c: {0x10}}},
		},
		{
			Address:    "AA:BB:CC:DD:EE:01",
			Technology: device.LE,
			RSSI:       -50,
			ScanRecord: &device.ScanRecord{
				LocalName:        "Sensor",
				ServiceUUIDs:     []string{"180d", "180f"},
				ServiceData:      map[string][]byte{"180f": {0x64}},
				ManufacturerData: map[uint16][]byte{0x004c: {0x02, 0x15}},
				TxPower:          &power,
				Connectable:      true,
			},
		},
		{Address: "00:11:22:33:44:55", Technology: device.Classic, Name: "Headset", Class: 0x240404, RSSI: -60},
	}
}

func (suite *OutputTestSuite) TestDeviceTable() {
	// GOAL: Verify the table lists Classic devices first, then LE by signal strength
	//
	// TEST SCENARIO: one Classic and two LE records → sorted rows with class and services as details

	var out bytes.Buffer
	suite.Require().NoError(displayDevices(&out, suite.records, "table"))

	testutils.NewTextAsserter(suite.T()).Assert(out.String(), `
TYPE     ADDRESS            NAME               RSSI     DETAILS
classic  00:11:22:33:44:55  Headset            -60 dBm  audio/video (0x240404)
le       AA:BB:CC:DD:EE:01  Sensor             -50 dBm  180d,180f
le       AA:BB:CC:DD:EE:02  AA:BB:CC:DD:EE:02  -70 dBm  004c (Apple, Inc.)
`)
}

func (suite *OutputTestSuite) TestDeviceTableEmpty() {
	var out bytes.Buffer
	suite.Require().NoError(displayDevices(&out, nil, "table"))
	suite.Equal("No devices discovered\n", out.String())
}

func (suite *OutputTestSuite) TestDeviceJSON() {
	// GOAL: Verify JSON output carries the advertisement payload hex-encoded
	//
	// TEST SCENARIO: same records as JSON → array in table order, LE payload fields present

	var out bytes.Buffer
	suite.Require().NoError(displayDevices(&out, suite.records, "json"))

	testutils.NewJSONAsserter(suite.T(), testutils.WithIgnoreExtraKeys(false)).Assert(out.String(), `[
  {"address": "00:11:22:33:44:55", "technology": "classic", "name": "Headset", "rssi": -60,
   "class": "audio/video (0x240404)", "last_seen": "<<PRESENCE>>"},
  {"address": "AA:BB:CC:DD:EE:01", "technology": "le", "name": "Sensor", "rssi": -50,
   "connectable": true, "tx_power": -4, "services": ["180d", "180f"],
   "service_data": {"180f": "64"}, "manufacturer_data": {"004c": "0215"},
   "last_seen": "<<PRESENCE>>"},
  {"address": "AA:BB:CC:DD:EE:02", "technology": "le", "rssi": -70,
   "manufacturer_data": {"004c": "10"}, "last_seen": "<<PRESENCE>>"}
]`)
}

func (suite *OutputTestSuite) TestDeviceJSONEmptyIsArray() {
	var out bytes.Buffer
	suite.Require().NoError(displayDevices(&out, nil, "json"))
	suite.JSONEq("[]", out.String(), "no devices MUST still be a JSON array")
}

func (suite *OutputTestSuite) TestServiceListing() {
	var out bytes.Buffer
	displayServices(&out, []gatt.Service{{
		UUID: "180d",
		Characteristics: []gatt.Characteristic{
			{UUID: "2a37", Properties: gatt.PropNotify, Descriptors: []string{"2902"}},
			{UUID: "2a39", Properties: gatt.PropRead | gatt.PropWrite},
		},
	}})

	testutils.NewTextAsserter(suite.T()).Assert(out.String(), `
service 180d (Heart Rate)
  2a37 (Heart Rate Measurement) [notify]
    2902 (Client Characteristic Configuration)
  2a39 (Heart Rate Control Point) [read,write]
`)
}

func TestOutputTestSuite(t *testing.T) {
	suitelib.Run(t, new(OutputTestSuite))
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		name   string
		data   []byte
		asText bool
		want   string
	}{
		{"hex by default", []byte("hi"), false, "6869"},
		{"printable as text", []byte("hi there"), true, "hi there"},
		{"binary stays hex", []byte{0x00, 0x41}, true, "0041"},
		{"empty", nil, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatValue(tt.data, tt.asText))
		})
	}
}

func TestParseHexArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    []byte
		wantErr string
	}{
		{"single argument", []string{"0102ff"}, []byte{0x01, 0x02, 0xff}, ""},
		{"split bytes", []string{"01", "02"}, []byte{0x01, 0x02}, ""},
		{"colons and prefix", []string{"0x01:0A"}, []byte{0x01, 0x0a}, ""},
		{"spaces inside", []string{"01 02"}, []byte{0x01, 0x02}, ""},
		{"empty", []string{""}, nil, "no value given"},
		{"odd length", []string{"012"}, nil, "invalid hex value"},
		{"not hex", []string{"zz"}, nil, "invalid hex value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseHexArgs(tt.args)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatNotification(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 30, 45, 123_000_000, time.UTC)
	attr := gatt.CharacteristicAttr("180d", "2a37")

	assert.Equal(t, "12:30:45.123 2a37 0048\n", string(formatNotification(at, attr, []byte{0x00, 0x48}, false, false)))
	assert.Equal(t, "12:30:45.123 2a37 ok\n", string(formatNotification(at, attr, []byte("ok"), false, true)))

	raw := []byte{0x01, 0x02}
	got := formatNotification(at, attr, raw, true, false)
	assert.Equal(t, raw, got, "raw mode MUST pass bytes through unchanged")
	raw[0] = 0xff
	assert.Equal(t, byte(0x01), got[0], "raw output MUST NOT alias the callback buffer")
}
