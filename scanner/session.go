package scanner

import (
	"sort"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/srg/gattkit/internal/device"
)

// SessionState is the lifecycle state of a discovery session.
type SessionState int

const (
	Idle SessionState = iota
	Running
	Stopping
)

func (s SessionState) String() string {
	switch s {
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "idle"
	}
}

// DiscoverySession is one timed scan on one technology. Its dedup set is
// never shared with a later session.
type DiscoverySession struct {
	Technology device.Technology
	StartedAt  time.Time
	Timeout    time.Duration

	state   SessionState // guarded by the owning scanner
	stopped bool         // ended by a stop rather than a failure
	seen    *hashmap.Map[string, *device.DeviceRecord]
}

func newSession(tech device.Technology, timeout time.Duration) *DiscoverySession {
	return &DiscoverySession{
		Technology: tech,
		StartedAt:  time.Now(),
		Timeout:    timeout,
		state:      Running,
		seen:       hashmap.New[string, *device.DeviceRecord](),
	}
}

// markSeen records rec and reports whether this is its first sighting.
func (s *DiscoverySession) markSeen(rec *device.DeviceRecord) bool {
	_, loaded := s.seen.GetOrInsert(device.NormalizeAddress(rec.Address), rec)
	return !loaded
}

// SeenCount returns the number of distinct devices reported in this session.
func (s *DiscoverySession) SeenCount() int {
	return s.seen.Len()
}

// Devices returns the reported devices ordered by address.
func (s *DiscoverySession) Devices() []*device.DeviceRecord {
	out := make([]*device.DeviceRecord, 0, s.seen.Len())
	s.seen.Range(func(_ string, rec *device.DeviceRecord) bool {
		out = append(out, rec)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}
