package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/gatt"
	"github.com/srg/gattkit/internal/device"
)

type clientEventKind int

const (
	evConnected clientEventKind = iota
	evDisconnected
	evServices
	evData
	evWritten
	evFailed
	evReliable
)

type clientEvent struct {
	kind     clientEventKind
	attr     gatt.Attribute
	op       gatt.Operation
	data     []byte
	status   device.Status
	services []gatt.Service
}

// peerClient drives a gatt.Session one operation at a time and waits for
// each completion. Callbacks arrive on the event loop and are forwarded to
// the waiting command through events.
type peerClient struct {
	session *gatt.Session
	logger  *logrus.Logger
	timeout time.Duration
	events  chan clientEvent

	// onNotify receives value changes of subscribed characteristics. It
	// runs on the event loop and must not block.
	onNotify func(attr gatt.Attribute, data []byte)
}

func newPeerClient(dialer gatt.Dialer, timeout time.Duration, logger *logrus.Logger) *peerClient {
	c := &peerClient{
		logger:  logger,
		timeout: timeout,
		events:  make(chan clientEvent, 64),
	}
	c.session = gatt.NewSession(dialer, c.callbacks(), logger)
	return c
}

func (c *peerClient) callbacks() gatt.ClientCallback {
	return gatt.ClientCallbackFuncs{
		GattConnected:    func(string) { c.emit(clientEvent{kind: evConnected}) },
		GattDisconnected: func(string) { c.emit(clientEvent{kind: evDisconnected}) },
		ServiceDiscovered: func(_ string, services []gatt.Service) {
			c.emit(clientEvent{kind: evServices, services: services})
		},
		DataAvailable: func(_ string, attr gatt.Attribute, data []byte) {
			if c.onNotify != nil && c.session.Subscribed(attr) {
				c.onNotify(attr, data)
				return
			}
			c.emit(clientEvent{kind: evData, attr: attr, data: data})
		},
		WriteCompleted: func(_ string, attr gatt.Attribute) {
			c.emit(clientEvent{kind: evWritten, attr: attr})
		},
		OperationFailed: func(_ string, op gatt.Operation, attr gatt.Attribute, status device.Status) {
			c.emit(clientEvent{kind: evFailed, op: op, attr: attr, status: status})
		},
		ReliableWriteCompleted: func(_ string, status device.Status) {
			c.emit(clientEvent{kind: evReliable, status: status})
		},
	}
}

func (c *peerClient) emit(ev clientEvent) {
	select {
	case c.events <- ev:
	default:
		c.logger.WithField("kind", ev.kind).Warn("Client event dropped, nobody is waiting")
	}
}

// await consumes events until match reports done. A disconnect always ends
// the wait with ErrConnectionLost.
func (c *peerClient) await(ctx context.Context, what string, match func(ev clientEvent) (bool, error)) error {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("%s: %w", what, device.ErrTimeout)
		case ev := <-c.events:
			if ev.kind == evDisconnected {
				return fmt.Errorf("%s: %w", what, ErrConnectionLost)
			}
			if done, err := match(ev); done || err != nil {
				return err
			}
		}
	}
}

// Connect dials address and waits for service discovery.
func (c *peerClient) Connect(ctx context.Context, address string) ([]gatt.Service, error) {
	if err := c.session.Connect(address); err != nil {
		return nil, err
	}

	var services []gatt.Service
	err := c.await(ctx, "connect "+address, func(ev clientEvent) (bool, error) {
		switch {
		case ev.kind == evServices:
			services = ev.services
			return true, nil
		case ev.kind == evFailed && ev.op == gatt.OpDiscoverServices:
			return true, &OperationError{Op: "service discovery on", Target: address, Status: ev.status}
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	gatt.SortServices(services)
	return services, nil
}

// Read reads a characteristic or descriptor value.
func (c *peerClient) Read(ctx context.Context, attr gatt.Attribute) ([]byte, error) {
	var err error
	if attr.IsDescriptor() {
		err = c.session.ReadDescriptor(attr)
	} else {
		err = c.session.ReadCharacteristic(attr)
	}
	if err != nil {
		return nil, err
	}

	var value []byte
	err = c.await(ctx, "read "+attr.String(), func(ev clientEvent) (bool, error) {
		if ev.attr != attr {
			return false, nil
		}
		switch ev.kind {
		case evData:
			value = ev.data
			return true, nil
		case evFailed:
			return true, &OperationError{Op: "read", Target: attr.String(), Status: ev.status}
		}
		return false, nil
	})
	return value, err
}

// Write writes a characteristic or descriptor and waits for the peer.
func (c *peerClient) Write(ctx context.Context, attr gatt.Attribute, data []byte) error {
	var err error
	if attr.IsDescriptor() {
		err = c.session.WriteDescriptor(attr, data)
	} else {
		err = c.session.WriteCharacteristic(attr, data)
	}
	if err != nil {
		return err
	}
	return c.awaitWrite(ctx, attr)
}

func (c *peerClient) awaitWrite(ctx context.Context, attr gatt.Attribute) error {
	return c.await(ctx, "write "+attr.String(), func(ev clientEvent) (bool, error) {
		if ev.attr != attr {
			return false, nil
		}
		switch ev.kind {
		case evWritten:
			return true, nil
		case evFailed:
			return true, &OperationError{Op: "write", Target: attr.String(), Status: ev.status}
		}
		return false, nil
	})
}

type attrWrite struct {
	attr  gatt.Attribute
	value []byte
}

// ReliableWrite queues every write in one transaction and waits for the
// commit.
func (c *peerClient) ReliableWrite(ctx context.Context, writes []attrWrite) error {
	if len(writes) == 0 {
		return fmt.Errorf("reliable write: nothing to write")
	}
	err := c.session.ReliableWrite(func(w gatt.ReliableWriter) error {
		for _, pw := range writes {
			if err := w.Write(pw.attr, pw.value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	return c.await(ctx, "reliable write", func(ev clientEvent) (bool, error) {
		if ev.kind != evReliable {
			return false, nil
		}
		if !ev.status.OK() {
			return true, &OperationError{Op: "reliable write to", Target: writes[0].attr.String(), Status: ev.status}
		}
		return true, nil
	})
}

// Subscribe enables notifications for attr and waits for the client
// configuration write.
func (c *peerClient) Subscribe(ctx context.Context, attr gatt.Attribute, enabled bool) error {
	if err := c.session.SetNotification(attr, enabled); err != nil {
		return err
	}
	return c.awaitWrite(ctx, attr.ClientConfig())
}

// waitDisconnect blocks until ctx ends, which is a normal stop, or the peer
// goes away.
func (c *peerClient) waitDisconnect(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.events:
			switch ev.kind {
			case evDisconnected:
				return ErrConnectionLost
			case evFailed:
				c.logger.WithFields(logrus.Fields{"op": ev.op, "attr": ev.attr, "status": ev.status}).Warn("Operation failed")
			}
		}
	}
}

// Close requests a graceful disconnect and releases the session.
func (c *peerClient) Close() {
	if err := c.session.Disconnect(); err == nil {
		timer := time.NewTimer(time.Second)
		defer timer.Stop()
	wait:
		for {
			select {
			case ev := <-c.events:
				if ev.kind == evDisconnected {
					break wait
				}
			case <-timer.C:
				break wait
			}
		}
	}
	c.session.Close()
}
