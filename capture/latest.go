package capture

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// latest is a single-slot mailbox holding the freshest frame.
//
// publish overwrites the slot and never blocks; next waits on a sync.Cond
// until a frame newer than the last one handed out is present.
type latest struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frame  *Frame
	served uint64 // Seq of the last frame returned by next
	closed bool
	err    error

	captured  uint64
	delivered uint64
	dropped   uint64
	bytes     uint64
	lastAt    atomic.Int64 // unix nanos of the last publish
}

func newLatest() *latest {
	l := &latest{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// publish stores f as the latest frame and wakes a waiting consumer.
func (l *latest) publish(f *Frame) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	if l.frame != nil && l.frame.Seq > l.served {
		// previous frame was never pulled
		atomic.AddUint64(&l.dropped, 1)
	}
	l.frame = f
	atomic.AddUint64(&l.captured, 1)
	atomic.AddUint64(&l.bytes, uint64(len(f.Data)))
	l.lastAt.Store(time.Now().UnixNano())
	l.cond.Signal()
	l.mu.Unlock()
}

// next blocks until a frame newer than the last one returned is available.
func (l *latest) next(ctx context.Context) (*Frame, error) {
	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		l.cond.Broadcast()
		l.mu.Unlock()
	})
	defer stop()

	l.mu.Lock()
	defer l.mu.Unlock()

	for {
		if l.closed {
			return nil, l.err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if l.frame != nil && l.frame.Seq > l.served {
			f := l.frame
			l.served = f.Seq
			atomic.AddUint64(&l.delivered, 1)
			return f, nil
		}
		l.cond.Wait()
	}
}

// close wakes every waiter; subsequent next calls return err.
// Only the first call sets the error.
func (l *latest) close(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.err = err
	l.frame = nil
	l.cond.Broadcast()
}

func (l *latest) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// fill copies the counters into s.
func (l *latest) fill(s *Stats, started time.Time) {
	s.FramesCaptured = atomic.LoadUint64(&l.captured)
	s.FramesDelivered = atomic.LoadUint64(&l.delivered)
	s.FramesDropped = atomic.LoadUint64(&l.dropped)
	s.BytesRead = atomic.LoadUint64(&l.bytes)
	if !started.IsZero() {
		if uptime := time.Since(started).Seconds(); uptime > 0 {
			s.FPSReal = float64(s.FramesCaptured) / uptime
		}
	}
	if at := l.lastAt.Load(); at != 0 {
		s.LatencyMS = time.Since(time.Unix(0, at)).Milliseconds()
	}
	s.IsConnected = !l.isClosed()
}
