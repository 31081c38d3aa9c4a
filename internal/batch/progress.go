package batch

import (
	"sync"
	"sync/atomic"
)

// DefaultProgressBuffer is the stream capacity used when none is given.
const DefaultProgressBuffer = 64

// ProgressStream delivers progress snapshots to a single consumer. It is
// bounded: when the buffer is full the oldest snapshot is discarded so a slow
// consumer always sees the most recent state and the producer never blocks.
type ProgressStream struct {
	mu      sync.Mutex
	ch      chan Progress
	closed  bool
	dropped atomic.Int64
}

// NewProgressStream creates a stream holding up to size snapshots.
func NewProgressStream(size int) *ProgressStream {
	if size <= 0 {
		size = DefaultProgressBuffer
	}
	return &ProgressStream{ch: make(chan Progress, size)}
}

// C returns the receive side. It is closed by Close.
func (s *ProgressStream) C() <-chan Progress {
	return s.ch
}

// Dropped returns how many snapshots were discarded because the buffer was full.
func (s *ProgressStream) Dropped() int64 {
	return s.dropped.Load()
}

// Publish enqueues p without blocking. Safe on a nil or closed stream.
func (s *ProgressStream) Publish(p Progress) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- p:
			return
		default:
		}
		// Full: discard the oldest and try again. The consumer may have drained
		// the channel in between, in which case the receive falls through.
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

// Close ends the stream. Further publishes are ignored.
func (s *ProgressStream) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
