package frame

import (
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultQueueCapacity bounds each camera-to-pipeline edge. Two frames is
// enough to keep a consumer busy without letting it fall behind the robot's
// current pose.
const DefaultQueueCapacity = 2

type entry struct {
	frame      *Frame
	enqueuedAt time.Time
}

// A Queue is the bounded buffer between one camera and one pipeline. Push
// never blocks and never fails: at capacity the oldest frame is evicted
// before the new one is appended, favoring freshness over completeness. Pop
// blocks until a frame arrives or a timeout elapses. One goroutine produces,
// one consumes; Clear may be called administratively by a third.
type Queue struct {
	clock clock.Clock
	ch    chan entry
}

// NewQueue returns a queue bounded at capacity frames. A non-positive
// capacity uses DefaultQueueCapacity.
func NewQueue(capacity int) *Queue {
	return NewQueueWithClock(capacity, clock.New())
}

// NewQueueWithClock is NewQueue with an injected clock for tests.
func NewQueueWithClock(capacity int, c clock.Clock) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{clock: c, ch: make(chan entry, capacity)}
}

// Push appends f, evicting the oldest buffered frame first if the queue is
// at capacity. A full queue is normal operation under load, not a fault.
func (q *Queue) Push(f *Frame) {
	e := entry{frame: f, enqueuedAt: q.clock.Now()}
	for {
		select {
		case q.ch <- e:
			return
		default:
		}
		// Full; evict the head and retry. The consumer may win the race for
		// the head, which only makes room sooner.
		select {
		case <-q.ch:
		default:
		}
	}
}

// Pop removes and returns the oldest buffered frame along with the moment it
// was enqueued, blocking up to timeout. It returns ok=false only when the
// timeout elapses with the queue still empty.
func (q *Queue) Pop(timeout time.Duration) (*Frame, time.Time, bool) {
	select {
	case e := <-q.ch:
		return e.frame, e.enqueuedAt, true
	default:
	}

	t := q.clock.Timer(timeout)
	defer t.Stop()
	select {
	case e := <-q.ch:
		return e.frame, e.enqueuedAt, true
	case <-t.C:
		return nil, time.Time{}, false
	}
}

// Clear discards all buffered frames.
func (q *Queue) Clear() {
	for {
		select {
		case <-q.ch:
		default:
			return
		}
	}
}

// Len returns the number of currently buffered frames.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the configured bound.
func (q *Queue) Cap() int {
	return cap(q.ch)
}
