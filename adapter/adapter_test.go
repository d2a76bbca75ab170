package adapter_test

import (
	"errors"
	"testing"

	"github.com/srg/gattkit/adapter"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stateLog struct {
	enabled      []bool
	connected    []string
	disconnected []string
}

func (l *stateLog) listener() adapter.StateListener {
	return adapter.StateListenerFuncs{
		BluetoothEnabled:   func(on bool) { l.enabled = append(l.enabled, on) },
		DeviceConnected:    func(addr string) { l.connected = append(l.connected, addr) },
		DeviceDisconnected: func(addr string) { l.disconnected = append(l.disconnected, addr) },
	}
}

func TestMonitorPowerTransitions(t *testing.T) {
	// GOAL: Verify power state changes map to enable/disable notifications
	//
	// TEST SCENARIO: on → turning_off → off → turning_on → on → [false, true]

	src := testutils.NewFakeAdapter(true)
	m := adapter.NewMonitor(src, testutils.NewTestHelper(t).Logger)
	require.NoError(t, m.Start())
	assert.True(t, m.Enabled())
	assert.True(t, src.Subscribed())

	log := &stateLog{}
	m.AddListener(log.listener())

	src.SetState(adapter.TurningOff)
	assert.False(t, m.Enabled(), "turning off MUST disable")
	src.SetState(adapter.Off)
	src.SetState(adapter.TurningOn)
	assert.False(t, m.Enabled(), "turning on MUST be ignored")
	src.SetState(adapter.On)

	assert.Equal(t, []bool{false, true}, log.enabled, "listeners MUST hear transitions only")
}

func TestMonitorConnections(t *testing.T) {
	src := testutils.NewFakeAdapter(true)
	m := adapter.NewMonitor(src, nil)
	require.NoError(t, m.Start())

	log := &stateLog{}
	remove := m.AddListener(log.listener())

	src.SetConnected("aa:bb:cc:dd:ee:ff", true)
	src.SetConnected("aa:bb:cc:dd:ee:ff", false)
	assert.Equal(t, []string{"AA:BB:CC:DD:EE:FF"}, log.connected)
	assert.Equal(t, []string{"AA:BB:CC:DD:EE:FF"}, log.disconnected)

	remove()
	src.SetConnected("11:22:33:44:55:66", true)
	assert.Len(t, log.connected, 1, "removed listener MUST NOT be notified")

	m.Stop()
	assert.False(t, src.Subscribed(), "stop MUST unsubscribe")
}

func TestMonitorStartFailsWithoutAdapter(t *testing.T) {
	src := testutils.NewFakeAdapter(false)
	src.PoweredErr = errors.New("org.bluez.Error.NotReady")

	err := adapter.NewMonitor(src, nil).Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, device.ErrAdapterUnavailable)
	assert.False(t, src.Subscribed())
}
