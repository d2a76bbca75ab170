// Package dispatch provides the single logical event-processing context that
// scanners, GATT sessions and GATT servers run on. Radio backends receive
// hardware callbacks on their own goroutines and Post them here, so the core
// observes events serialized and in arrival order.
package dispatch

import "time"

// Handler serializes tasks onto one event-processing context.
type Handler interface {
	// Post queues task to run after every task queued before it.
	Post(task func())
	// PostDelayed queues task to run once delay has elapsed.
	PostDelayed(delay time.Duration, task func()) Cancel
}

// Cancel removes a pending delayed task. It reports whether the task was
// removed before it ran; calling it again returns false.
type Cancel func() bool

// NoCancel is a Cancel for tasks that were never scheduled.
func NoCancel() bool { return false }
