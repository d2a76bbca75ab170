package gatt

import "github.com/srg/gattkit/internal/device"

// Dialer opens a client transport to a peer. Dial must not deliver events
// synchronously; they are expected on the dispatch handler.
type Dialer interface {
	Dial(address string, events ClientEvents) (Transport, error)
}

// Transport is the command sink of one client connection. Every method
// returns once the command is queued; outcomes arrive through ClientEvents.
// A returned error means the stack rejected the command.
type Transport interface {
	Address() string
	// Connect asks a disconnected handle to reconnect to the same peer.
	Connect() error
	Disconnect() error
	// Close releases the handle. It must be idempotent.
	Close() error

	DiscoverServices() error
	Services() []Service

	ReadCharacteristic(attr Attribute) error
	WriteCharacteristic(attr Attribute, data []byte) error
	ReadDescriptor(attr Attribute) error
	WriteDescriptor(attr Attribute, data []byte) error
	SetCharacteristicNotification(attr Attribute, enabled bool) error

	BeginReliableWrite() error
	ExecuteReliableWrite() error
	AbortReliableWrite()
}

// ClientEvents is the event source of a client connection.
type ClientEvents interface {
	HandleConnectionStateChange(peer string, status device.Status, state ConnectionState)
	HandleServicesDiscovered(peer string, status device.Status)
	HandleCharacteristicRead(peer string, attr Attribute, value []byte, status device.Status)
	HandleCharacteristicWrite(peer string, attr Attribute, status device.Status)
	HandleDescriptorRead(peer string, attr Attribute, value []byte, status device.Status)
	HandleDescriptorWrite(peer string, attr Attribute, status device.Status)
	HandleCharacteristicChanged(peer string, attr Attribute, value []byte)
	HandleReliableWriteCompleted(peer string, status device.Status)
}

// ServerOpener opens the local GATT server session.
type ServerOpener interface {
	OpenServer(events ServerEvents) (ServerTransport, error)
}

// ServerTransport is the command sink of the local GATT server.
type ServerTransport interface {
	AddService(svc Service) error
	RemoveService(uuid string) error
	ClearServices() error
	SendResponse(peer string, requestID int, status device.Status, offset int, value []byte) error
	NotifyCharacteristicChanged(peer string, service, characteristic string, value []byte, confirm bool) error
	Close() error
}

// ReadRequest is an inbound characteristic or descriptor read.
type ReadRequest struct {
	Peer      string
	RequestID int
	Attr      Attribute
	Offset    int
}

// WriteRequest is an inbound characteristic or descriptor write. Prepared
// writes are queued until ExecuteWrite.
type WriteRequest struct {
	Peer           string
	RequestID      int
	Attr           Attribute
	Prepared       bool
	ResponseNeeded bool
	Offset         int
	Value          []byte
}

// ServerEvents is the event source of the local GATT server.
type ServerEvents interface {
	HandleConnectionStateChange(peer string, status device.Status, state ConnectionState)
	HandleServiceAdded(status device.Status, service string)
	HandleReadRequest(req ReadRequest)
	HandleWriteRequest(req WriteRequest)
	HandleExecuteWrite(peer string, requestID int, execute bool)
	HandleNotificationSent(peer string, status device.Status)
	HandleMtuChanged(peer string, mtu int)
}
