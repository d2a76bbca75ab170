package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/srg/gattkit/gatt"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/pkg/config"
)

// peerRun is the state shared by commands that talk to one GATT server.
type peerRun struct {
	cfg      *config.Config
	client   *peerClient
	services []gatt.Service
}

// withPeer connects to address, runs fn and disconnects. setup, when not
// nil, configures the client before the first event can arrive.
func withPeer(cmd *cobra.Command, address string, setup func(c *peerClient), fn func(ctx context.Context, run *peerRun) error) error {
	cfg, logger, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	if _, err := device.ValidateAddress(address); err != nil {
		return err
	}
	cmd.SilenceUsage = true

	a, err := newApp(cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	client := newPeerClient(a.backend.Dialer(), cfg.Gatt.ConnectTimeout, logger)
	if setup != nil {
		setup(client)
	}

	progress := NewProgressPrinter("Connecting to "+address, "connecting")
	progress.Start()
	services, err := client.Connect(ctx, address)
	progress.Stop()
	if err != nil {
		client.Close()
		return err
	}
	defer client.Close()

	client.timeout = cfg.Gatt.ResponseTimeout
	return fn(ctx, &peerRun{cfg: cfg, client: client, services: services})
}

// resolveAttr checks that the attribute exists on the peer and returns the
// normalized attribute with its characteristic.
func resolveAttr(services []gatt.Service, service, characteristic, descriptor string) (gatt.Attribute, gatt.Characteristic, error) {
	uuids, err := device.ValidateUUID(service, characteristic)
	if err != nil {
		return gatt.Attribute{}, gatt.Characteristic{}, err
	}
	attr := gatt.CharacteristicAttr(uuids[0], uuids[1])
	if descriptor != "" {
		d, err := device.ValidateUUID(descriptor)
		if err != nil {
			return gatt.Attribute{}, gatt.Characteristic{}, err
		}
		attr = gatt.DescriptorAttr(uuids[0], uuids[1], d[0])
	}

	for _, svc := range services {
		if svc.UUID != attr.Service {
			continue
		}
		for _, c := range svc.Characteristics {
			if c.UUID != attr.Characteristic {
				continue
			}
			if !attr.IsDescriptor() {
				return attr, c, nil
			}
			for _, d := range c.Descriptors {
				if d == attr.Descriptor {
					return attr, c, nil
				}
			}
			return attr, c, &device.NotFoundError{Resource: "descriptor", UUIDs: []string{attr.Characteristic, attr.Descriptor}}
		}
		return attr, gatt.Characteristic{}, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{attr.Service, attr.Characteristic}}
	}
	return attr, gatt.Characteristic{}, &device.NotFoundError{Resource: "service", UUIDs: []string{attr.Service}}
}

// requireProperty fails when c has none of the wanted properties.
func requireProperty(attr gatt.Attribute, c gatt.Characteristic, want gatt.Property, what string) error {
	if attr.IsDescriptor() || c.Properties&want != 0 {
		return nil
	}
	return fmt.Errorf("characteristic %s does not support %s (properties: %v)", attr, what, c.Properties.Names())
}

// printServicesOnError lists the peer's table to stderr to help pick a UUID.
func printServicesOnError(services []gatt.Service, err error) error {
	if _, ok := err.(*device.NotFoundError); ok {
		fmt.Fprintln(os.Stderr, "Available attributes:")
		displayServices(os.Stderr, services)
	}
	return err
}
