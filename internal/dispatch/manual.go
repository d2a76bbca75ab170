package dispatch

import (
	"sync"
	"time"
)

// Manual is a Handler driven by virtual time. Nothing runs until the owner
// calls Drain or Advance, which makes timeout-driven state machines
// deterministic in tests.
type Manual struct {
	mu      sync.Mutex
	now     time.Duration
	seq     uint64
	ready   []func()
	delayed []*manualTask
}

type manualTask struct {
	at       time.Duration
	seq      uint64
	fn       func()
	finished bool
}

// NewManual creates a Manual handler at virtual time zero.
func NewManual() *Manual {
	return &Manual{}
}

// Post implements Handler.
func (m *Manual) Post(task func()) {
	m.mu.Lock()
	m.ready = append(m.ready, task)
	m.mu.Unlock()
}

// PostDelayed implements Handler.
func (m *Manual) PostDelayed(delay time.Duration, task func()) Cancel {
	if delay < 0 {
		delay = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	t := &manualTask{at: m.now + delay, seq: m.seq, fn: task}
	m.delayed = append(m.delayed, t)

	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		if t.finished {
			return false
		}
		t.finished = true
		m.remove(t)
		return true
	}
}

// Now returns the elapsed virtual time.
func (m *Manual) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Pending returns the number of queued and scheduled tasks.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ready) + len(m.delayed)
}

// Drain runs queued tasks, and delayed tasks that are due, until none are
// left. Tasks posted while draining run too. Returns the number of tasks run.
func (m *Manual) Drain() int {
	n := 0
	for {
		task, ok := m.pop(m.Now())
		if !ok {
			return n
		}
		task()
		n++
	}
}

// Advance moves virtual time forward by d, running every task that becomes
// due in timestamp order. Returns the number of tasks run.
func (m *Manual) Advance(d time.Duration) int {
	m.mu.Lock()
	target := m.now + d
	m.mu.Unlock()

	n := m.Drain()
	for {
		m.mu.Lock()
		next := m.earliest()
		if next == nil || next.at > target {
			m.now = target
			m.mu.Unlock()
			break
		}
		m.now = next.at
		m.mu.Unlock()
		n += m.Drain()
	}
	return n + m.Drain()
}

func (m *Manual) pop(now time.Duration) (func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.ready) > 0 {
		task := m.ready[0]
		m.ready[0] = nil
		m.ready = m.ready[1:]
		return task, true
	}
	if t := m.earliest(); t != nil && t.at <= now {
		t.finished = true
		m.remove(t)
		return t.fn, true
	}
	return nil, false
}

// earliest must be called with mu held.
func (m *Manual) earliest() *manualTask {
	var best *manualTask
	for _, t := range m.delayed {
		if best == nil || t.at < best.at || (t.at == best.at && t.seq < best.seq) {
			best = t
		}
	}
	return best
}

// remove must be called with mu held.
func (m *Manual) remove(t *manualTask) {
	for i, x := range m.delayed {
		if x == t {
			m.delayed = append(m.delayed[:i], m.delayed[i+1:]...)
			return
		}
	}
}
