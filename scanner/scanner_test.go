package scanner_test

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/dispatch"
	"github.com/srg/gattkit/internal/testutils"
	"github.com/srg/gattkit/scanner"
	suitelib "github.com/stretchr/testify/suite"
)

type LeScannerTestSuite struct {
	suitelib.Suite

	logger   *logrus.Logger
	handler  *dispatch.Manual
	radio    *testutils.FakeLeRadio
	recorder *testutils.ResultRecorder
}

func (suite *LeScannerTestSuite) SetupTest() {
	suite.logger = testutils.NewTestHelper(suite.T()).Logger
	suite.handler = dispatch.NewManual()
	suite.radio = testutils.NewFakeLeRadio(suite.handler)
	suite.recorder = testutils.NewResultRecorder(suite.handler.Now)
}

func (suite *LeScannerTestSuite) newScanner(opts scanner.Options) *scanner.LeScanner {
	return scanner.NewLeScanner(suite.radio, suite.handler, suite.recorder, opts, suite.logger)
}

func (suite *LeScannerTestSuite) TestDedupWithinSession() {
	// GOAL: Verify repeated sightings of an address are reported once per session
	//
	// TEST SCENARIO: same address seen 3 times, another once → 2 callbacks in arrival order

	s := suite.newScanner(scanner.Options{})
	s.StartScan()

	a := testutils.Sighting("Sensor A", "AA:BB:CC:DD:EE:01").BuildResult()
	b := testutils.Sighting("Sensor B", "AA:BB:CC:DD:EE:02").BuildResult()
	suite.radio.Emit(a, a, b, a)
	suite.handler.Drain()

	suite.Equal([]string{"AA:BB:CC:DD:EE:01", "AA:BB:CC:DD:EE:02"}, suite.recorder.FoundAddresses(),
		"found-device callback MUST fire exactly once per unique address")
	suite.Equal(2, s.Session().SeenCount())
}

func (suite *LeScannerTestSuite) TestRestartResetsDedup() {
	// GOAL: Verify stop followed by start yields an empty dedup set
	//
	// TEST SCENARIO: see device → stop → start → same device reported again

	s := suite.newScanner(scanner.Options{})
	s.StartScan()
	res := testutils.Sighting("Sensor", "11:22:33:44:55:66").BuildResult()
	suite.radio.Emit(res)
	suite.handler.Drain()

	s.StopScan()
	s.StartScan()
	suite.Zero(s.Session().SeenCount(), "new session MUST start with an empty dedup set")

	suite.radio.Emit(res)
	suite.handler.Drain()
	suite.Len(suite.recorder.Found(), 2, "device MUST be reported again in the new session")
}

func (suite *LeScannerTestSuite) TestIdempotentStartStop() {
	s := suite.newScanner(scanner.Options{})

	s.StopScan()
	suite.Empty(suite.radio.CallLog(), "stop while idle MUST be a no-op")

	s.StartScan()
	first := s.Session()
	s.StartScan()
	suite.Same(first, s.Session(), "start while running MUST NOT replace the session")
	suite.Equal([]string{"start"}, suite.radio.CallLog())
	suite.True(s.IsScanning())
	suite.Equal(device.LE, s.Type())

	s.StopScan()
	s.StopScan()
	suite.False(s.IsScanning())
	suite.Equal([]string{"start", "flush", "stop"}, suite.radio.CallLog())
	suite.Empty(suite.recorder.Completed(), "explicit stop MUST NOT report completion")
}

func (suite *LeScannerTestSuite) TestTimeoutFlushesThenCompletes() {
	// GOAL: Verify the LE timeout flushes batched results before stopping and then completes
	//
	// TEST SCENARIO: batched results pending → advance 20s → results delivered, flush before stop, completion at 20s

	s := suite.newScanner(scanner.Options{ReportDelay: time.Second})
	s.StartScan()
	suite.Equal(time.Second, suite.radio.Settings().ReportDelay)

	suite.radio.Buffer(
		testutils.Sighting("Late 1", "AA:00:00:00:00:01").BuildResult(),
		testutils.Sighting("Late 2", "AA:00:00:00:00:02").BuildResult(),
	)

	suite.handler.Advance(19 * time.Second)
	suite.Empty(suite.recorder.Completed(), "completion MUST NOT fire before the timeout")
	suite.True(s.IsScanning())

	suite.handler.Advance(time.Second)
	suite.Equal([]string{"AA:00:00:00:00:01", "AA:00:00:00:00:02"}, suite.recorder.FoundAddresses(),
		"batched results MUST be delivered by the flush")
	suite.Equal([]string{"start", "flush", "stop"}, suite.radio.CallLog(), "flush MUST precede stop")
	suite.Equal([]device.Technology{device.LE}, suite.recorder.Completed())
	suite.Equal([]time.Duration{scanner.DefaultLeTimeout}, suite.recorder.CompletedAt())
	suite.False(s.IsScanning())
}

func (suite *LeScannerTestSuite) TestFilters() {
	suite.Run("service filter", func() {
		suite.SetupTest()
		s := suite.newScanner(scanner.Options{Filter: scanner.ServiceFilter("180D")})
		s.StartScan()

		suite.radio.Emit(
			testutils.Sighting("HRM", "AA:00:00:00:00:01").WithServices("0000180d-0000-1000-8000-00805f9b34fb").BuildResult(),
			testutils.Sighting("Battery", "AA:00:00:00:00:02").WithServices("180F").BuildResult(),
		)
		suite.handler.Drain()
		suite.Equal([]string{"AA:00:00:00:00:01"}, suite.recorder.FoundAddresses())
	})

	suite.Run("malformed payload is a non-match", func() {
		suite.SetupTest()
		s := suite.newScanner(scanner.Options{Filter: scanner.ServiceFilter("180D")})
		s.StartScan()

		suite.radio.Emit(testutils.Sighting("", "AA:00:00:00:00:03").Malformed().BuildResult())
		suite.radio.Emit(testutils.Sighting("HRM", "AA:00:00:00:00:04").WithServices("180D").BuildResult())
		suite.handler.Drain()
		suite.Equal([]string{"AA:00:00:00:00:04"}, suite.recorder.FoundAddresses(), "scanner MUST keep going after a malformed payload")
	})

	suite.Run("panicking filter is a non-match", func() {
		suite.SetupTest()
		boom := scanner.FilterFunc(func(rec *device.DeviceRecord) bool {
			return rec.ScanRecord.ManufacturerData[0x004c][0] == 0x02
		})
		s := suite.newScanner(scanner.Options{Filter: boom})
		s.StartScan()

		suite.radio.Emit(testutils.Sighting("no manuf", "AA:00:00:00:00:05").BuildResult())
		suite.radio.Emit(testutils.Sighting("apple", "AA:00:00:00:00:06").WithManufacturerData(0x004c, []byte{0x02, 0x15}).BuildResult())
		suite.handler.Drain()
		suite.Equal([]string{"AA:00:00:00:00:06"}, suite.recorder.FoundAddresses())
	})
}

func (suite *LeScannerTestSuite) TestStartRejected() {
	// GOAL: Verify a rejected start is reported asynchronously and leaves the scanner idle
	//
	// TEST SCENARIO: radio refuses → no synchronous callback → drain → failure with the stack code

	suite.radio.StartErr = device.NewStackError("start scan", device.LE, device.ScanFailedScanningTooFrequently, errors.New("busy"))
	s := suite.newScanner(scanner.Options{})

	s.StartScan()
	suite.Empty(suite.recorder.Failed(), "failure MUST NOT be reported synchronously")
	suite.False(s.IsScanning())

	suite.handler.Drain()
	suite.Equal([]testutils.ScanFailure{{Technology: device.LE, Code: device.ScanFailedScanningTooFrequently}}, suite.recorder.Failed())

	suite.handler.Advance(time.Minute)
	suite.Empty(suite.recorder.Completed(), "no timeout MUST be armed for a rejected session")
}

func (suite *LeScannerTestSuite) TestAsyncFailureIsTerminal() {
	s := suite.newScanner(scanner.Options{})
	s.StartScan()

	suite.radio.Fail(device.ScanFailedInternalError)
	suite.handler.Drain()

	suite.False(s.IsScanning(), "session MUST return to idle after a stack failure")
	suite.Equal([]testutils.ScanFailure{{Technology: device.LE, Code: device.ScanFailedInternalError}}, suite.recorder.Failed())

	suite.handler.Advance(time.Minute)
	suite.Empty(suite.recorder.Completed(), "a failed session MUST NOT complete later")
}

func (suite *LeScannerTestSuite) TestStaleSessionEventsDropped() {
	s := suite.newScanner(scanner.Options{})
	s.StartScan()
	suite.radio.Emit(testutils.Sighting("old", "AA:00:00:00:00:07").BuildResult())
	s.StopScan()

	suite.handler.Drain()
	suite.Empty(suite.recorder.Found(), "results queued for a stopped session MUST be dropped")
}

func (suite *LeScannerTestSuite) TestBatchPostedBeforeStopDelivered() {
	// GOAL: Verify a batch drained by the radio just before a stop is not lost
	//
	// TEST SCENARIO: batch posted → StopScan → handler runs the batch after the session went idle → device reported

	s := suite.newScanner(scanner.Options{ReportDelay: time.Second})
	s.StartScan()
	suite.radio.EmitBatch(testutils.Sighting("late", "AA:00:00:00:00:09").BuildResult())
	s.StopScan()
	suite.False(s.IsScanning())

	suite.handler.Drain()
	suite.Equal([]string{"AA:00:00:00:00:09"}, suite.recorder.FoundAddresses(),
		"a batch posted before the stop MUST be delivered to the stopped session")
	suite.Empty(suite.recorder.Completed(), "StopScan MUST NOT report completion")
}

func (suite *LeScannerTestSuite) TestBatchForReplacedSessionDropped() {
	// GOAL: Verify a stopped session's batch is dropped once a new session has started
	//
	// TEST SCENARIO: batch posted → StopScan → StartScan → old batch runs → nothing reported, new session unaffected

	s := suite.newScanner(scanner.Options{ReportDelay: time.Second})
	s.StartScan()
	stale := testutils.Sighting("stale", "AA:00:00:00:00:0A").BuildResult()
	suite.radio.EmitBatch(stale)
	s.StopScan()
	s.StartScan()

	suite.handler.Drain()
	suite.Empty(suite.recorder.Found(), "a batch for a replaced session MUST be dropped")
	suite.Zero(s.Session().SeenCount())

	suite.radio.EmitBatch(stale)
	suite.handler.Drain()
	suite.Len(suite.recorder.Found(), 1, "the new session MUST report the device itself")
}

func (suite *LeScannerTestSuite) TestBatchAfterFailureDropped() {
	s := suite.newScanner(scanner.Options{ReportDelay: time.Second})
	s.StartScan()
	suite.radio.Fail(device.ScanFailedInternalError)
	suite.radio.EmitBatch(testutils.Sighting("after", "AA:00:00:00:00:0B").BuildResult())

	suite.handler.Drain()
	suite.Empty(suite.recorder.Found(), "a failed session MUST NOT accept later batches")
}

func (suite *LeScannerTestSuite) TestMonitorMode() {
	// GOAL: Verify monitor mode reports every sighting and never times out
	//
	// TEST SCENARIO: same address twice → two callbacks; advance past the timeout → still scanning

	s := suite.newScanner(scanner.Options{Monitor: true})
	s.StartScan()
	suite.True(suite.radio.Settings().AllowDuplicates)

	res := testutils.Sighting("beacon", "AA:00:00:00:00:08").BuildResult()
	suite.radio.Emit(res, res)
	suite.handler.Advance(time.Hour)

	suite.Len(suite.recorder.Found(), 2)
	suite.True(s.IsScanning())
	suite.Empty(suite.recorder.Completed())
}

func TestLeScannerTestSuite(t *testing.T) {
	suitelib.Run(t, new(LeScannerTestSuite))
}

type ClassicScannerTestSuite struct {
	suitelib.Suite

	handler  *dispatch.Manual
	radio    *testutils.FakeClassicRadio
	recorder *testutils.ResultRecorder
	scanner  *scanner.ClassicScanner
}

func (suite *ClassicScannerTestSuite) SetupTest() {
	suite.handler = dispatch.NewManual()
	suite.radio = testutils.NewFakeClassicRadio(suite.handler)
	suite.recorder = testutils.NewResultRecorder(suite.handler.Now)
	suite.scanner = scanner.NewClassicScanner(suite.radio, suite.handler, suite.recorder, scanner.Options{},
		testutils.NewTestHelper(suite.T()).Logger)
}

func (suite *ClassicScannerTestSuite) TestDiscoveryLifecycle() {
	// GOAL: Verify a Classic session subscribes, reports devices once and completes at 12s
	//
	// TEST SCENARIO: start → devices (with repeats) → advance 12s → completion, unsubscribed, inquiry cancelled

	s := suite.scanner
	s.StartScan()
	suite.Equal(device.Classic, s.Type())
	suite.Equal(1, suite.radio.ListenerCount(), "scanner MUST subscribe while running")
	suite.True(suite.radio.Discovering())

	phone := scanner.ClassicDevice{Address: "00:11:22:33:44:55", Name: "Phone", Class: device.DeviceClass(0x5A020C), RSSI: -60}
	suite.radio.EmitDevice(phone)
	suite.radio.EmitDevice(phone)
	suite.radio.EmitDevice(scanner.ClassicDevice{Address: "00:11:22:33:44:66", Name: "Headset"})
	suite.handler.Drain()

	found := suite.recorder.Found()
	suite.Require().Len(found, 2)
	suite.Equal("Phone", found[0].Name)
	suite.Equal(device.MajorPhone, found[0].Class.Major())
	suite.Equal(device.Classic, found[0].Technology)

	suite.handler.Advance(scanner.DefaultClassicTimeout)
	suite.Equal([]device.Technology{device.Classic}, suite.recorder.Completed())
	suite.Equal([]time.Duration{12 * time.Second}, suite.recorder.CompletedAt())
	suite.Zero(suite.radio.ListenerCount(), "scanner MUST unsubscribe when the session ends")
	suite.False(suite.radio.Discovering(), "inquiry MUST be cancelled on timeout")
	suite.False(s.IsScanning())
}

func (suite *ClassicScannerTestSuite) TestRadioFinishesEarly() {
	s := suite.scanner
	s.StartScan()

	suite.handler.Advance(5 * time.Second)
	suite.radio.EmitFinished()
	suite.handler.Drain()

	suite.False(s.IsScanning())
	suite.Equal([]time.Duration{5 * time.Second}, suite.recorder.CompletedAt(), "radio-finished inquiry MUST complete the session")

	suite.handler.Advance(time.Minute)
	suite.Len(suite.recorder.Completed(), 1, "the cancelled timeout MUST NOT complete again")
}

func (suite *ClassicScannerTestSuite) TestStopDoesNotComplete() {
	s := suite.scanner
	s.StartScan()
	s.StopScan()
	suite.handler.Advance(time.Minute)

	suite.Equal(1, suite.radio.CancelCalls)
	suite.Empty(suite.recorder.Completed())
	suite.Zero(suite.radio.ListenerCount())
}

func (suite *ClassicScannerTestSuite) TestStartRejected() {
	suite.radio.StartErr = device.ErrNotReady
	s := suite.scanner

	s.StartScan()
	suite.handler.Drain()

	suite.False(s.IsScanning())
	suite.Zero(suite.radio.ListenerCount(), "rejected start MUST release the subscription")
	suite.Equal([]testutils.ScanFailure{{Technology: device.Classic, Code: device.ScanFailedAdapterNotReady}}, suite.recorder.Failed())
}

func TestClassicScannerTestSuite(t *testing.T) {
	suitelib.Run(t, new(ClassicScannerTestSuite))
}
