package goble

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/advertise"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/dispatch"
)

// startGrace is how long an advertise call must run without failing before
// the start is confirmed. go-ble blocks for the whole advertising period
// and only returns early on error.
const startGrace = 200 * time.Millisecond

// AdvertiseRadio implements advertise.Radio on a go-ble peripheral.
//
// go-ble advertises one kind of payload per call: manufacturer data wins
// over 16-bit service data, which wins over name and service UUIDs. Mode,
// TX power and connectability are chosen by the stack.
type AdvertiseRadio struct {
	dev     Peripheral
	handler dispatch.Handler
	logger  *logrus.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

var _ advertise.Radio = (*AdvertiseRadio)(nil)

func NewAdvertiseRadio(dev Peripheral, handler dispatch.Handler, logger *logrus.Logger) *AdvertiseRadio {
	if logger == nil {
		logger = logrus.New()
	}
	return &AdvertiseRadio{dev: dev, handler: handler, logger: logger}
}

func (r *AdvertiseRadio) StartAdvertising(settings advertise.Settings, data advertise.Data, l advertise.Listener) error {
	call, err := r.advertiseCall(data)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return device.NewStackError("start advertising", device.LE, device.AdvertiseFailedAlreadyStarted, nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"mode":        settings.Mode,
		"tx_power":    settings.TxPower,
		"connectable": settings.Connectable,
	}).Debug("Starting go-ble advertising")

	result := make(chan error, 1)
	dispatch.Go(ctx, "le-advertise", func(ctx context.Context) {
		result <- call(ctx)
	})
	dispatch.Go(ctx, "le-advertise-confirm", func(ctx context.Context) {
		r.confirm(ctx, cancel, result, l)
	})
	return nil
}

// confirm posts success once the call survives startGrace, and a failure
// whenever it ends on its own.
func (r *AdvertiseRadio) confirm(ctx context.Context, cancel context.CancelFunc, result <-chan error, l advertise.Listener) {
	grace := time.NewTimer(startGrace)
	defer grace.Stop()

	select {
	case err := <-result:
		r.ended(ctx, cancel, err, l)
		return
	case <-grace.C:
		r.handler.Post(l.OnStartSuccess)
	}
	r.ended(ctx, cancel, <-result, l)
}

func (r *AdvertiseRadio) ended(ctx context.Context, cancel context.CancelFunc, err error, l advertise.Listener) {
	if ctx.Err() != nil {
		// Stopped by StopAdvertising.
		return
	}
	r.release(cancel)

	if err == nil || errors.Is(err, context.Canceled) {
		err = fmt.Errorf("advertising ended unexpectedly")
	}
	err = NormalizeError(err)
	code := device.AdvertiseFailureCode(err)
	r.logger.WithError(err).WithField("code", code).Error("go-ble advertising failed")
	r.handler.Post(func() { l.OnStartFailure(code) })
}

func (r *AdvertiseRadio) release(cancel context.CancelFunc) {
	r.mu.Lock()
	r.cancel = nil
	r.mu.Unlock()
	cancel()
}

// StopAdvertising cancels the running advertise call.
func (r *AdvertiseRadio) StopAdvertising() error {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// advertiseCall picks the go-ble call that carries data.
func (r *AdvertiseRadio) advertiseCall(data advertise.Data) (func(ctx context.Context) error, error) {
	if len(data.ManufacturerData) > 0 {
		ids := make([]int, 0, len(data.ManufacturerData))
		for id := range data.ManufacturerData {
			ids = append(ids, int(id))
		}
		sort.Ints(ids)
		if len(ids) > 1 {
			r.logger.WithField("companies", ids).Warn("go-ble advertises one manufacturer entry; using the lowest company ID")
		}
		id := uint16(ids[0])
		payload := data.ManufacturerData[id]
		return func(ctx context.Context) error {
			return r.dev.AdvertiseMfgData(ctx, id, payload)
		}, nil
	}

	if len(data.ServiceData) > 0 {
		for _, u := range data.ServiceDataUUIDs() {
			id, ok := shortUUID(u)
			if !ok {
				continue
			}
			payload := data.ServiceData[u]
			return func(ctx context.Context) error {
				return r.dev.AdvertiseServiceData16(ctx, id, payload)
			}, nil
		}
		return nil, fmt.Errorf("%w: go-ble advertises 16-bit service data only", device.ErrUnsupported)
	}

	uuids := make([]ble.UUID, 0, len(data.ServiceUUIDs))
	for _, u := range data.ServiceUUIDs {
		bu, err := device.ToBLE(u)
		if err != nil {
			return nil, err
		}
		uuids = append(uuids, bu)
	}
	name := ""
	if data.IncludeDeviceName {
		name = data.LocalName
	}
	return func(ctx context.Context) error {
		return r.dev.AdvertiseNameAndServices(ctx, name, uuids...)
	}, nil
}

// shortUUID parses a normalized 16-bit UUID.
func shortUUID(u string) (uint16, bool) {
	if len(u) != 4 {
		return 0, false
	}
	var id uint16
	if _, err := fmt.Sscanf(u, "%04x", &id); err != nil {
		return 0, false
	}
	return id, true
}
