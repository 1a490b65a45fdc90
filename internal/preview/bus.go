// Package preview fans encoded overlay frames out to HTTP viewers.
//
// The canvas publishes one JPEG per presented frame. Every viewer has its own
// buffered channel; a viewer that falls behind loses frames instead of
// slowing the render loop down. The latest frame is also kept for one-shot
// snapshot requests.
//
// "Drop frames, never queue."
package preview

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrSubscriberExists is returned when Subscribe is called with a duplicate id.
	ErrSubscriberExists = errors.New("preview: subscriber id already exists")

	// ErrSubscriberNotFound is returned when Unsubscribe is called with an unknown id.
	ErrSubscriberNotFound = errors.New("preview: subscriber id not found")

	// ErrBusClosed is returned when operations are attempted on a closed bus.
	ErrBusClosed = errors.New("preview: bus is closed")

	// ErrNilChannel is returned when Subscribe is called with a nil channel.
	ErrNilChannel = errors.New("preview: subscriber channel cannot be nil")
)

// Frame is one encoded overlay image.
type Frame struct {
	// Data is a complete JPEG.
	Data []byte
	// Seq is the capture sequence of the painted frame.
	Seq       uint64
	Timestamp time.Time
}

// Stats is a snapshot of bus counters.
type Stats struct {
	TotalPublished uint64                     `json:"total_published"`
	TotalSent      uint64                     `json:"total_sent"`
	TotalDropped   uint64                     `json:"total_dropped"`
	Subscribers    map[string]SubscriberStats `json:"subscribers"`
}

// SubscriberStats tracks one viewer.
type SubscriberStats struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

type subscriber struct {
	ch      chan<- Frame
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// Bus distributes frames to viewers with a drop-new policy.
// All methods are safe for concurrent use.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	latest      *Frame
	closed      bool

	totalPublished atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[string]*subscriber)}
}

// Subscribe registers ch to receive frames.
func (b *Bus) Subscribe(id string, ch chan<- Frame) error {
	if ch == nil {
		return ErrNilChannel
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}
	b.subscribers[id] = &subscriber{ch: ch}
	return nil
}

// Unsubscribe removes a viewer. The channel is not closed.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; !exists {
		return ErrSubscriberNotFound
	}
	delete(b.subscribers, id)
	return nil
}

// Publish stores frame as the latest and offers it to every viewer without
// blocking. Publish on a closed bus is a no-op.
func (b *Bus) Publish(frame Frame) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.latest = &frame
	b.totalPublished.Add(1)

	for _, sub := range b.subscribers {
		select {
		case sub.ch <- frame:
			sub.sent.Add(1)
		default:
			sub.dropped.Add(1)
		}
	}
	b.mu.Unlock()
}

// Latest returns the most recently published frame.
func (b *Bus) Latest() (Frame, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.latest == nil {
		return Frame{}, false
	}
	return *b.latest, true
}

// Stats returns a snapshot. Concurrent publishes may move counters after it
// returns.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := Stats{
		TotalPublished: b.totalPublished.Load(),
		Subscribers:    make(map[string]SubscriberStats, len(b.subscribers)),
	}
	for id, sub := range b.subscribers {
		s := SubscriberStats{Sent: sub.sent.Load(), Dropped: sub.dropped.Load()}
		out.TotalSent += s.Sent
		out.TotalDropped += s.Dropped
		out.Subscribers[id] = s
	}
	return out
}

// Close stops the bus. Subscriber channels are left to their owners.
// Idempotent.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.subscribers = make(map[string]*subscriber)
	return nil
}
