package scanner

import (
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/device"
)

// Filter decides whether a discovered device is reported.
type Filter interface {
	Match(rec *device.DeviceRecord) bool
}

// FilterFunc adapts a function to the Filter interface.
type FilterFunc func(rec *device.DeviceRecord) bool

func (f FilterFunc) Match(rec *device.DeviceRecord) bool { return f(rec) }

// AcceptAll admits every device.
func AcceptAll() Filter {
	return FilterFunc(func(*device.DeviceRecord) bool { return true })
}

// ServiceFilter admits LE devices advertising any of the given services.
// Classic records carry no scan record and never match.
func ServiceFilter(uuids ...string) Filter {
	want := device.NormalizeUUIDs(uuids)
	return FilterFunc(func(rec *device.DeviceRecord) bool {
		if rec.ScanRecord == nil {
			return false
		}
		for _, u := range want {
			if rec.ScanRecord.HasService(u) {
				return true
			}
		}
		return false
	})
}

// NamePrefixFilter admits devices whose best-known name starts with prefix.
func NamePrefixFilter(prefix string) Filter {
	return FilterFunc(func(rec *device.DeviceRecord) bool {
		name := rec.BestName()
		return name != "" && strings.HasPrefix(name, prefix)
	})
}

// AddressFilter applies allow/block lists. Block wins; an empty allow list admits all.
func AddressFilter(allow, block []string) Filter {
	allowed := make(map[string]struct{}, len(allow))
	for _, a := range allow {
		allowed[device.NormalizeAddress(a)] = struct{}{}
	}
	blocked := make(map[string]struct{}, len(block))
	for _, b := range block {
		blocked[device.NormalizeAddress(b)] = struct{}{}
	}

	return FilterFunc(func(rec *device.DeviceRecord) bool {
		addr := device.NormalizeAddress(rec.Address)
		if _, ok := blocked[addr]; ok {
			return false
		}
		if len(allowed) == 0 {
			return true
		}
		_, ok := allowed[addr]
		return ok
	})
}

// All admits a device only when every filter does. No filters admits all.
func All(filters ...Filter) Filter {
	return FilterFunc(func(rec *device.DeviceRecord) bool {
		for _, f := range filters {
			if !f.Match(rec) {
				return false
			}
		}
		return true
	})
}

// Any admits a device when at least one filter does. No filters admits none.
func Any(filters ...Filter) Filter {
	return FilterFunc(func(rec *device.DeviceRecord) bool {
		for _, f := range filters {
			if f.Match(rec) {
				return true
			}
		}
		return false
	})
}

// NewDeviceFilter builds the configured discovery filter. When both a service
// UUID and a name prefix are set a device must satisfy both.
func NewDeviceFilter(serviceUUID, namePrefix string) Filter {
	var filters []Filter
	if serviceUUID != "" {
		filters = append(filters, ServiceFilter(serviceUUID))
	}
	if namePrefix != "" {
		filters = append(filters, NamePrefixFilter(namePrefix))
	}
	switch len(filters) {
	case 0:
		return AcceptAll()
	case 1:
		return filters[0]
	default:
		return All(filters...)
	}
}

// safeMatch evaluates f, treating a panic (malformed payload) as a non-match.
func safeMatch(f Filter, rec *device.DeviceRecord, logger *logrus.Logger) (ok bool) {
	if rec == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(logrus.Fields{
				"address": rec.Address,
				"panic":   r,
			}).Debug("Filter rejected malformed record")
			ok = false
		}
	}()
	return f.Match(rec)
}
