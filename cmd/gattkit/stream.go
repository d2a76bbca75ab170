package main

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
)

const (
	streamBufferSize = 64 * 1024
	streamChunkSize  = 4096
)

// notificationStream moves notification output off the event loop. Push
// never blocks: bytes that do not fit are dropped and counted. A drain
// goroutine copies buffered bytes to the writer.
type notificationStream struct {
	out    io.Writer
	buf    *ringbuffer.RingBuffer
	logger *logrus.Logger

	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
	written atomic.Uint64
}

func newNotificationStream(out io.Writer, size int, logger *logrus.Logger) *notificationStream {
	if size <= 0 {
		size = streamBufferSize
	}
	s := &notificationStream{
		out:    out,
		buf:    ringbuffer.New(size),
		logger: logger,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.drain()
	return s
}

// Push queues data for output.
func (s *notificationStream) Push(data []byte) {
	if len(data) == 0 {
		return
	}
	n, err := s.buf.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		s.logger.Warnf("Notification stream write error: %v", err)
		return
	}
	if n < len(data) {
		dropped := len(data) - n
		s.dropped.Add(uint64(dropped))
		s.logger.Warnf("Notification stream overflow: dropped %d bytes", dropped)
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Dropped returns the number of bytes lost to overflow.
func (s *notificationStream) Dropped() uint64 {
	return s.dropped.Load()
}

// Written returns the number of bytes delivered to the writer.
func (s *notificationStream) Written() uint64 {
	return s.written.Load()
}

func (s *notificationStream) drain() {
	defer close(s.done)
	chunk := make([]byte, streamChunkSize)
	for {
		select {
		case <-s.wake:
			s.flush(chunk)
		case <-s.stop:
			s.flush(chunk)
			return
		}
	}
}

func (s *notificationStream) flush(chunk []byte) {
	for {
		n, err := s.buf.TryRead(chunk)
		if n == 0 || errors.Is(err, ringbuffer.ErrIsEmpty) {
			return
		}
		if _, werr := s.out.Write(chunk[:n]); werr != nil {
			s.logger.Warnf("Notification stream output error: %v", werr)
		}
		s.written.Add(uint64(n))
	}
}

// Close flushes what is buffered and stops the drain goroutine.
func (s *notificationStream) Close() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}
