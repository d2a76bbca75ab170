package gatt

import (
	"sync"

	"github.com/srg/gattkit/internal/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// SubscriberRegistry tracks which peers enabled notifications (or
// indications) on which characteristics. Peers are kept in subscription
// order, which is also the notification fan-out order.
type SubscriberRegistry struct {
	mu    sync.Mutex
	peers *orderedmap.OrderedMap[string, *orderedmap.OrderedMap[Attribute, bool]]
}

func NewSubscriberRegistry() *SubscriberRegistry {
	return &SubscriberRegistry{
		peers: orderedmap.New[string, *orderedmap.OrderedMap[Attribute, bool]](),
	}
}

func characteristicKey(attr Attribute) Attribute {
	return Attribute{Service: attr.Service, Characteristic: attr.Characteristic}
}

// Subscribe adds peer to attr's subscribers and reports whether it was new.
// indicate selects confirmed delivery.
func (r *SubscriberRegistry) Subscribe(peer string, attr Attribute, indicate bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	attrs, ok := r.peers.Get(peer)
	if !ok {
		attrs = orderedmap.New[Attribute, bool]()
		r.peers.Set(peer, attrs)
	}
	_, existed := attrs.Set(characteristicKey(attr), indicate)
	return !existed
}

// Unsubscribe removes peer from attr's subscribers and reports whether it
// was subscribed.
func (r *SubscriberRegistry) Unsubscribe(peer string, attr Attribute) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	attrs, ok := r.peers.Get(peer)
	if !ok {
		return false
	}
	_, removed := attrs.Delete(characteristicKey(attr))
	if attrs.Len() == 0 {
		r.peers.Delete(peer)
	}
	return removed
}

// Config returns the client configuration peer has for attr.
func (r *SubscriberRegistry) Config(peer string, attr Attribute) device.ClientConfig {
	r.mu.Lock()
	defer r.mu.Unlock()

	attrs, ok := r.peers.Get(peer)
	if !ok {
		return device.ClientConfig{}
	}
	indicate, ok := attrs.Get(characteristicKey(attr))
	if !ok {
		return device.ClientConfig{}
	}
	return device.ClientConfig{Notifications: !indicate, Indications: indicate}
}

// Subscriber is one peer subscribed to a characteristic.
type Subscriber struct {
	Peer     string
	Indicate bool
}

// Subscribers returns attr's subscribers in subscription order.
func (r *SubscriberRegistry) Subscribers(attr Attribute) []Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := characteristicKey(attr)
	var out []Subscriber
	for pair := r.peers.Oldest(); pair != nil; pair = pair.Next() {
		if indicate, ok := pair.Value.Get(key); ok {
			out = append(out, Subscriber{Peer: pair.Key, Indicate: indicate})
		}
	}
	return out
}

// RemovePeer forgets every subscription of peer and returns how many there were.
func (r *SubscriberRegistry) RemovePeer(peer string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	attrs, ok := r.peers.Delete(peer)
	if !ok {
		return 0
	}
	return attrs.Len()
}

// Peers returns every peer holding at least one subscription.
func (r *SubscriberRegistry) Peers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, r.peers.Len())
	for pair := r.peers.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

func (r *SubscriberRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = orderedmap.New[string, *orderedmap.OrderedMap[Attribute, bool]]()
}
