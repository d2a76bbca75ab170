package gatt

import (
	"bytes"
	"errors"
	"sort"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ErrPrepareQueueFull is returned when a fragment would overflow a peer's
// prepared write queue.
var ErrPrepareQueueFull = errors.New("prepared write queue full")

// PendingWrite is the concatenated value queued for one attribute.
type PendingWrite struct {
	Attr  Attribute
	Value []byte
}

// WriteBuffer accumulates prepared write fragments per peer and per
// attribute. Fragments of one attribute are concatenated in arrival order;
// attributes are returned in the order they were first written.
type WriteBuffer struct {
	maxBytes int

	mu    sync.Mutex
	peers map[string]*peerWrites
}

type peerWrites struct {
	attrs *orderedmap.OrderedMap[Attribute, *bytes.Buffer]
	size  int
	// overflowed is set once a fragment was rejected; the transaction can
	// then only be discarded.
	overflowed bool
}

// NewWriteBuffer creates a buffer; maxBytes caps the queued bytes per peer,
// zero means unlimited.
func NewWriteBuffer(maxBytes int) *WriteBuffer {
	return &WriteBuffer{
		maxBytes: maxBytes,
		peers:    make(map[string]*peerWrites),
	}
}

// Append queues fragment for attr. A fragment that would overflow the cap
// fails the peer's whole transaction: it and every later fragment are
// rejected until the queue is taken or discarded.
func (b *WriteBuffer) Append(peer string, attr Attribute, fragment []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	pw, ok := b.peers[peer]
	if !ok {
		pw = &peerWrites{attrs: orderedmap.New[Attribute, *bytes.Buffer]()}
		b.peers[peer] = pw
	}
	if pw.overflowed {
		return ErrPrepareQueueFull
	}
	if b.maxBytes > 0 && pw.size+len(fragment) > b.maxBytes {
		pw.overflowed = true
		return ErrPrepareQueueFull
	}

	buf, ok := pw.attrs.Get(attr)
	if !ok {
		buf = &bytes.Buffer{}
		pw.attrs.Set(attr, buf)
	}
	buf.Write(fragment)
	pw.size += len(fragment)
	return nil
}

// Take removes and returns everything queued for peer. It returns
// ErrPrepareQueueFull and no writes when a fragment of the transaction was
// rejected.
func (b *WriteBuffer) Take(peer string) ([]PendingWrite, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pw, ok := b.peers[peer]
	if !ok {
		return nil, nil
	}
	delete(b.peers, peer)
	if pw.overflowed {
		return nil, ErrPrepareQueueFull
	}

	out := make([]PendingWrite, 0, pw.attrs.Len())
	for pair := pw.attrs.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, PendingWrite{Attr: pair.Key, Value: pair.Value.Bytes()})
	}
	return out, nil
}

// Discard drops everything queued for peer and reports whether anything was.
func (b *WriteBuffer) Discard(peer string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.peers[peer]
	delete(b.peers, peer)
	return ok
}

// Size returns the number of bytes queued for peer.
func (b *WriteBuffer) Size(peer string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pw, ok := b.peers[peer]; ok {
		return pw.size
	}
	return 0
}

// Peers returns the peers with queued writes, sorted.
func (b *WriteBuffer) Peers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.peers))
	for p := range b.peers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Clear drops every peer's queue.
func (b *WriteBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.peers = make(map[string]*peerWrites)
}
