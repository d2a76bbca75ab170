package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/term"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter shows a one-line status with elapsed or remaining seconds
// on stderr. It prints nothing when stderr is not a terminal.
//
// A ProgressPrinter is single-use: Start at most once, Stop any number of
// times.
type ProgressPrinter struct {
	out      io.Writer
	prefix   string
	phase    atomic.Value // string
	duration time.Duration
	countUp  bool

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewProgressPrinter creates a printer that counts elapsed seconds.
func NewProgressPrinter(prefix, phase string) *ProgressPrinter {
	return newProgressPrinter(prefix, phase, 0, true)
}

// NewCountdownProgressPrinter creates a printer that counts down from duration.
func NewCountdownProgressPrinter(prefix, phase string, duration time.Duration) *ProgressPrinter {
	return newProgressPrinter(prefix, phase, duration, false)
}

func newProgressPrinter(prefix, phase string, duration time.Duration, countUp bool) *ProgressPrinter {
	p := &ProgressPrinter{
		prefix:   prefix,
		duration: duration,
		countUp:  countUp,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		p.out = os.Stderr
	}
	p.phase.Store(phase)
	return p
}

// SetPhase changes the phase shown in parentheses.
func (p *ProgressPrinter) SetPhase(phase string) {
	p.phase.Store(phase)
}

// Start begins updating the line in a background goroutine.
func (p *ProgressPrinter) Start() {
	p.startOnce.Do(func() {
		if p.out == nil {
			close(p.done)
			return
		}
		go p.loop(time.Now())
	})
}

func (p *ProgressPrinter) loop(started time.Time) {
	defer close(p.done)
	ticker := time.NewTicker(progressUpdateInterval)
	defer ticker.Stop()

	for {
		p.print(time.Since(started))
		select {
		case <-p.stop:
			fmt.Fprint(p.out, clearLineSequence)
			return
		case <-ticker.C:
		}
	}
}

func (p *ProgressPrinter) print(elapsed time.Duration) {
	seconds := int(elapsed.Seconds())
	if !p.countUp {
		// round the remaining time to the nearest second
		seconds = 0
		if remaining := p.duration - elapsed; remaining > 0 {
			seconds = int(remaining.Seconds() + 0.5)
		}
	}
	fmt.Fprintf(p.out, "\r%s (%s %ds)   ", p.prefix, p.phase.Load().(string), seconds)
}

// Stop clears the line and waits for the goroutine to exit.
func (p *ProgressPrinter) Stop() {
	// never started: nothing to wait for
	p.startOnce.Do(func() { close(p.done) })
	p.stopOnce.Do(func() {
		close(p.stop)
		<-p.done
	})
}
