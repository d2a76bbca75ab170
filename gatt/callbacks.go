package gatt

import "github.com/srg/gattkit/internal/device"

// ClientCallback receives the outcome of client operations.
type ClientCallback interface {
	OnGattConnected(peer string)
	OnGattDisconnected(peer string)
	OnServiceDiscovered(peer string, services []Service)
	// OnDataAvailable carries both read results and notifications.
	OnDataAvailable(peer string, attr Attribute, data []byte)
	OnWriteCompleted(peer string, attr Attribute)
	OnOperationFailed(peer string, op Operation, attr Attribute, status device.Status)
	OnReliableWriteCompleted(peer string, status device.Status)
}

// ClientCallbackFuncs is a ClientCallback whose nil members are no-ops.
type ClientCallbackFuncs struct {
	GattConnected          func(peer string)
	GattDisconnected       func(peer string)
	ServiceDiscovered      func(peer string, services []Service)
	DataAvailable          func(peer string, attr Attribute, data []byte)
	WriteCompleted         func(peer string, attr Attribute)
	OperationFailed        func(peer string, op Operation, attr Attribute, status device.Status)
	ReliableWriteCompleted func(peer string, status device.Status)
}

func (f ClientCallbackFuncs) OnGattConnected(peer string) {
	if f.GattConnected != nil {
		f.GattConnected(peer)
	}
}

func (f ClientCallbackFuncs) OnGattDisconnected(peer string) {
	if f.GattDisconnected != nil {
		f.GattDisconnected(peer)
	}
}

func (f ClientCallbackFuncs) OnServiceDiscovered(peer string, services []Service) {
	if f.ServiceDiscovered != nil {
		f.ServiceDiscovered(peer, services)
	}
}

func (f ClientCallbackFuncs) OnDataAvailable(peer string, attr Attribute, data []byte) {
	if f.DataAvailable != nil {
		f.DataAvailable(peer, attr, data)
	}
}

func (f ClientCallbackFuncs) OnWriteCompleted(peer string, attr Attribute) {
	if f.WriteCompleted != nil {
		f.WriteCompleted(peer, attr)
	}
}

func (f ClientCallbackFuncs) OnOperationFailed(peer string, op Operation, attr Attribute, status device.Status) {
	if f.OperationFailed != nil {
		f.OperationFailed(peer, op, attr, status)
	}
}

func (f ClientCallbackFuncs) OnReliableWriteCompleted(peer string, status device.Status) {
	if f.ReliableWriteCompleted != nil {
		f.ReliableWriteCompleted(peer, status)
	}
}

// ServerCallback receives GATT server events.
type ServerCallback interface {
	OnDeviceConnected(peer string)
	OnDeviceDisconnected(peer string)
	OnServiceAdded(service string, status device.Status)
	// OnCharacteristicWritten fires after a value is stored, for direct
	// writes and for each attribute of a committed prepared write.
	OnCharacteristicWritten(peer string, attr Attribute, value []byte)
	OnSubscriptionChanged(peer string, attr Attribute, subscribed bool)
	OnNotificationSent(peer string, status device.Status)
}

// ServerCallbackFuncs is a ServerCallback whose nil members are no-ops.
type ServerCallbackFuncs struct {
	DeviceConnected       func(peer string)
	DeviceDisconnected    func(peer string)
	ServiceAdded          func(service string, status device.Status)
	CharacteristicWritten func(peer string, attr Attribute, value []byte)
	SubscriptionChanged   func(peer string, attr Attribute, subscribed bool)
	NotificationSent      func(peer string, status device.Status)
}

func (f ServerCallbackFuncs) OnDeviceConnected(peer string) {
	if f.DeviceConnected != nil {
		f.DeviceConnected(peer)
	}
}

func (f ServerCallbackFuncs) OnDeviceDisconnected(peer string) {
	if f.DeviceDisconnected != nil {
		f.DeviceDisconnected(peer)
	}
}

func (f ServerCallbackFuncs) OnServiceAdded(service string, status device.Status) {
	if f.ServiceAdded != nil {
		f.ServiceAdded(service, status)
	}
}

func (f ServerCallbackFuncs) OnCharacteristicWritten(peer string, attr Attribute, value []byte) {
	if f.CharacteristicWritten != nil {
		f.CharacteristicWritten(peer, attr, value)
	}
}

func (f ServerCallbackFuncs) OnSubscriptionChanged(peer string, attr Attribute, subscribed bool) {
	if f.SubscriptionChanged != nil {
		f.SubscriptionChanged(peer, attr, subscribed)
	}
}

func (f ServerCallbackFuncs) OnNotificationSent(peer string, status device.Status) {
	if f.NotificationSent != nil {
		f.NotificationSent(peer, status)
	}
}
