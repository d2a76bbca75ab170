package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Looper is a Handler backed by one goroutine draining an unbounded FIFO.
// Tasks may Post further tasks without deadlocking.
type Looper struct {
	name   string
	logger *logrus.Logger

	mu      sync.Mutex
	queue   []func()
	timers  map[*time.Timer]struct{}
	started bool
	stopped bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

// NewLooper creates a stopped looper; call Start to begin processing.
func NewLooper(name string, logger *logrus.Logger) *Looper {
	if logger == nil {
		logger = logrus.New()
	}
	return &Looper{
		name:   name,
		logger: logger,
		timers: make(map[*time.Timer]struct{}),
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the processing goroutine. The looper quits when ctx is done.
func (l *Looper) Start(ctx context.Context) {
	l.mu.Lock()
	if l.started || l.stopped {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	Go(ctx, l.name, l.loop)
}

func (l *Looper) loop(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			l.Quit()
			return
		case <-l.quit:
			return
		case <-l.wake:
		}

		for {
			task, ok := l.next()
			if !ok {
				break
			}
			l.run(task)
		}
	}
}

func (l *Looper) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped || len(l.queue) == 0 {
		return nil, false
	}
	task := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return task, true
}

func (l *Looper) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithFields(logrus.Fields{
				"looper": l.name,
				"panic":  r,
			}).Error("Task panicked")
		}
	}()
	task()
}

// Post implements Handler. Tasks posted after Quit are dropped.
func (l *Looper) Post(task func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		l.logger.WithField("looper", l.name).Debug("Dropping task posted after quit")
		return
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// PostDelayed implements Handler.
func (l *Looper) PostDelayed(delay time.Duration, task func()) Cancel {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return NoCancel
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		l.mu.Lock()
		delete(l.timers, t)
		l.mu.Unlock()
		l.Post(task)
	})
	l.timers[t] = struct{}{}

	return func() bool {
		l.mu.Lock()
		delete(l.timers, t)
		l.mu.Unlock()
		return t.Stop()
	}
}

// Quit stops the looper: pending tasks and timers are discarded. It does not
// wait for the running task; use Done for that.
func (l *Looper) Quit() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	for t := range l.timers {
		t.Stop()
	}
	l.timers = nil
	l.queue = nil
	started := l.started
	l.mu.Unlock()

	close(l.quit)
	if !started {
		close(l.done)
	}
}

// Done is closed once the processing goroutine has exited.
func (l *Looper) Done() <-chan struct{} {
	return l.done
}
