package discovery_test

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/adapter"
	"github.com/srg/gattkit/discovery"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/dispatch"
	"github.com/srg/gattkit/internal/testutils"
	"github.com/srg/gattkit/scanner"
	suitelib "github.com/stretchr/testify/suite"
)

type CoordinatorTestSuite struct {
	suitelib.Suite

	logger   *logrus.Logger
	handler  *dispatch.Manual
	classic  *testutils.FakeClassicRadio
	le       *testutils.FakeLeRadio
	recorder *testutils.ResultRecorder
}

func (suite *CoordinatorTestSuite) SetupTest() {
	suite.logger = testutils.NewTestHelper(suite.T()).Logger
	suite.handler = dispatch.NewManual()
	suite.classic = testutils.NewFakeClassicRadio(suite.handler)
	suite.le = testutils.NewFakeLeRadio(suite.handler)
	suite.recorder = testutils.NewResultRecorder(suite.handler.Now)
}

func (suite *CoordinatorTestSuite) newCoordinator(opts discovery.Options) *discovery.Coordinator {
	radios := discovery.Radios{Classic: suite.classic, LE: suite.le}
	return discovery.New(radios, suite.handler, suite.recorder, opts, suite.logger)
}

func (suite *CoordinatorTestSuite) TestCompletionWaitsForEveryScanner() {
	// GOAL: Verify aggregate completion fires only after the last scanner goes idle
	//
	// TEST SCENARIO: Classic finishes at t=5s, LE times out at t=12s → one completion at t=12s for LE

	c := suite.newCoordinator(discovery.Options{ClassicEnabled: true, LeTimeout: 12 * time.Second})
	c.Start()
	suite.handler.Drain()
	suite.True(c.IsScanning())
	suite.Equal(1, suite.classic.StartCalls)
	suite.True(suite.le.Scanning())

	suite.handler.Advance(5 * time.Second)
	suite.classic.EmitFinished()
	suite.handler.Drain()
	suite.Empty(suite.recorder.Completed(), "completion MUST NOT fire while LE is still scanning")
	suite.True(c.IsScanning())

	suite.handler.Advance(7 * time.Second)
	suite.Equal([]device.Technology{device.LE}, suite.recorder.Completed(),
		"completion MUST fire exactly once, for the last scanner to finish")
	suite.Equal([]time.Duration{12 * time.Second}, suite.recorder.CompletedAt())
	suite.False(c.IsScanning())

	suite.handler.Advance(time.Minute)
	suite.Len(suite.recorder.Completed(), 1, "completion MUST be latched per run")
}

func (suite *CoordinatorTestSuite) TestDedupPerTechnology() {
	// GOAL: Verify one address seen on both technologies is reported once per technology
	//
	// TEST SCENARIO: same address via Classic and LE → 2 callbacks, Devices lists both

	c := suite.newCoordinator(discovery.Options{ClassicEnabled: true})
	c.Start()
	suite.handler.Drain()

	suite.classic.EmitDevice(scanner.ClassicDevice{Address: "00:11:22:33:44:55", Name: "Headset", Class: 0x240404})
	suite.le.Emit(testutils.Sighting("Headset LE", "00:11:22:33:44:55").BuildResult())
	suite.handler.Drain()

	found := suite.recorder.Found()
	suite.Require().Len(found, 2)
	suite.Equal(device.Classic, found[0].Technology)
	suite.Equal(device.LE, found[1].Technology)

	devices := c.Devices()
	suite.Require().Len(devices, 2)
	suite.Equal("classic/00:11:22:33:44:55", devices[0].Key())
	suite.Equal("le/00:11:22:33:44:55", devices[1].Key())
}

func (suite *CoordinatorTestSuite) TestStartResetsDedup() {
	c := suite.newCoordinator(discovery.Options{})
	res := testutils.Sighting("Tag", "AA:AA:AA:AA:AA:01").BuildResult()

	c.Start()
	suite.le.Emit(res)
	suite.handler.Advance(scanner.DefaultLeTimeout)
	suite.Equal([]device.Technology{device.LE}, suite.recorder.Completed())

	c.Start()
	suite.Empty(c.Devices(), "start MUST reset the dedup sets")
	suite.le.Emit(res)
	suite.handler.Drain()
	suite.Len(suite.recorder.Found(), 2, "device MUST be reported again in the new run")
}

func (suite *CoordinatorTestSuite) TestClassicDisabled() {
	c := suite.newCoordinator(discovery.Options{ClassicEnabled: false})
	c.Start()
	suite.handler.Drain()

	suite.Zero(suite.classic.StartCalls, "Classic MUST NOT start when disabled")
	suite.True(suite.le.Scanning())

	suite.handler.Advance(scanner.DefaultLeTimeout)
	suite.Equal([]device.Technology{device.LE}, suite.recorder.Completed())
}

func (suite *CoordinatorTestSuite) TestFailureForwardedImmediately() {
	// GOAL: Verify a scanner failure reaches the application without waiting for the others
	//
	// TEST SCENARIO: LE start rejected → failure at t=0, Classic keeps running and completes at 12s

	suite.le.StartErr = device.NewStackError("start scan", device.LE, device.ScanFailedInternalError, errors.New("hci busy"))
	c := suite.newCoordinator(discovery.Options{ClassicEnabled: true})
	c.Start()
	suite.handler.Drain()

	suite.Equal([]testutils.ScanFailure{{Technology: device.LE, Code: device.ScanFailedInternalError}}, suite.recorder.Failed())
	suite.True(c.IsScanning(), "Classic MUST keep running")

	suite.handler.Advance(scanner.DefaultClassicTimeout)
	suite.Equal([]device.Technology{device.Classic}, suite.recorder.Completed())
}

func (suite *CoordinatorTestSuite) TestStopDoesNotComplete() {
	c := suite.newCoordinator(discovery.Options{ClassicEnabled: true})
	c.Start()
	suite.handler.Drain()

	c.Stop()
	suite.handler.Advance(time.Minute)
	suite.False(c.IsScanning())
	suite.False(suite.classic.Discovering())
	suite.False(suite.le.Scanning())
	suite.Empty(suite.recorder.Completed(), "explicit stop MUST NOT report completion")
}

func (suite *CoordinatorTestSuite) TestAdapterOffStopsDiscovery() {
	// GOAL: Verify the adapter turning off ends the run with adapter-not-ready failures
	//
	// TEST SCENARIO: both scanners running → adapter off → both stopped, two failures, no completion

	src := testutils.NewFakeAdapter(true)
	monitor := adapter.NewMonitor(src, suite.logger)
	suite.Require().NoError(monitor.Start())

	c := suite.newCoordinator(discovery.Options{ClassicEnabled: true})
	c.AttachAdapter(monitor)
	c.Start()
	suite.handler.Drain()

	src.SetState(adapter.Off)
	suite.handler.Drain()

	suite.False(c.IsScanning())
	suite.ElementsMatch([]testutils.ScanFailure{
		{Technology: device.Classic, Code: device.ScanFailedAdapterNotReady},
		{Technology: device.LE, Code: device.ScanFailedAdapterNotReady},
	}, suite.recorder.Failed())

	suite.handler.Advance(time.Minute)
	suite.Empty(suite.recorder.Completed())

	suite.recorder.Reset()
	c.Start()
	suite.handler.Drain()
	suite.Len(suite.recorder.Failed(), 2, "start with the adapter off MUST fail for each scanner")
	suite.False(c.IsScanning())
	suite.Equal(1, suite.classic.StartCalls)

	c.Detach()
	src.SetState(adapter.On)
	c.Start()
	suite.handler.Drain()
	suite.True(c.IsScanning(), "detached coordinator MUST start regardless of adapter state")
}

func TestCoordinatorTestSuite(t *testing.T) {
	suitelib.Run(t, new(CoordinatorTestSuite))
}
