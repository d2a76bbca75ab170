// Package goble backs the scanner, gatt and advertise packages with a
// go-ble/ble device. Every go-ble callback arrives on a library goroutine and
// is posted onto the caller's dispatch.Handler before it reaches the core.
package goble

import (
	"context"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/dispatch"
)

// ----------------------------
// Configuration Constants
// ----------------------------

const (
	// DefaultDialTimeout bounds a GATT connection attempt.
	DefaultDialTimeout = 10 * time.Second

	// DefaultBatchCapacity is the number of LE results held between batch flushes.
	DefaultBatchCapacity = 256
)

// ----------------------------
// Device Factory
// ----------------------------

// DeviceFactory creates the platform ble.Device (can be overridden in tests).
//
//nolint:revive // DeviceFactory name is intentional for test mocking as goble.DeviceFactory
var DeviceFactory = func() (ble.Device, error) {
	return newPlatformDevice()
}

// Central is the part of ble.Device used for scanning and dialing.
type Central interface {
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
	Dial(ctx context.Context, a ble.Addr) (ble.Client, error)
}

// Peripheral is the part of ble.Device used for serving and advertising.
type Peripheral interface {
	AddService(svc *ble.Service) error
	RemoveAllServices() error
	AdvertiseNameAndServices(ctx context.Context, name string, uuids ...ble.UUID) error
	AdvertiseMfgData(ctx context.Context, id uint16, b []byte) error
	AdvertiseServiceData16(ctx context.Context, id uint16, b []byte) error
}

// Backend hands out the radio adapters of one go-ble device. All of them
// post their events on the same handler.
type Backend struct {
	dev     ble.Device
	handler dispatch.Handler
	logger  *logrus.Logger
}

// Open creates the platform device through DeviceFactory.
func Open(handler dispatch.Handler, logger *logrus.Logger) (*Backend, error) {
	if logger == nil {
		logger = logrus.New()
	}
	dev, err := DeviceFactory()
	if err != nil {
		logger.WithError(err).Error("Failed to create BLE device")
		return nil, NormalizeError(err)
	}
	ble.SetDefaultDevice(dev)
	return &Backend{dev: dev, handler: handler, logger: logger}, nil
}

// LeRadio returns the LE scan command sink.
func (b *Backend) LeRadio() *LeRadio {
	return NewLeRadio(b.dev, b.handler, b.logger)
}

// Dialer returns the GATT client transport factory.
func (b *Backend) Dialer() *Dialer {
	return NewDialer(CentralDial(b.dev), b.handler, b.logger)
}

// ServerOpener returns the GATT server transport factory.
func (b *Backend) ServerOpener() *ServerOpener {
	return NewServerOpener(b.dev, b.handler, b.logger)
}

// AdvertiseRadio returns the advertising command sink.
func (b *Backend) AdvertiseRadio() *AdvertiseRadio {
	return NewAdvertiseRadio(b.dev, b.handler, b.logger)
}

// Close stops the device.
func (b *Backend) Close() error {
	return NormalizeError(b.dev.Stop())
}
