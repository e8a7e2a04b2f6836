// eventq/eventq.go
package eventq

import (
	"sync"
	"sync/atomic"
	"time"
)

// ID identifies a scheduled entry. 0 is the "no id" sentinel returned when
// scheduling fails.
type ID int32

// Signal is the explicit intent carried by Break into the dispatch loop.
type Signal uint8

const (
	SignalNone Signal = iota
	// SignalCancelPeriodic asks the loop's owner to drop its periodic
	// registration and resume dispatching.
	SignalCancelPeriodic
	// SignalShutdown asks the loop's owner to drop its periodic registration
	// and exit.
	SignalShutdown
)

// Queue serializes one-shot and periodic tasks onto whichever goroutine runs
// Dispatch. Call and CallEvery are non-blocking and safe from any goroutine,
// including interrupt handlers.
type Queue struct {
	tasks chan func()
	brk   chan Signal
	poke  chan struct{} // wakes Dispatch to re-arm after CallEvery/Cancel

	mu       sync.Mutex
	periodic map[ID]*entry

	nextID atomic.Int32
}

type entry struct {
	id     ID
	period time.Duration
	due    time.Time
	fn     func()
}

// New creates a queue buffering up to depth one-shot tasks.
func New(depth int) *Queue {
	if depth <= 0 {
		depth = 16
	}
	return &Queue{
		tasks:    make(chan func(), depth),
		brk:      make(chan Signal, 1),
		poke:     make(chan struct{}, 1),
		periodic: map[ID]*entry{},
	}
}

func (q *Queue) allocID() ID {
	id := ID(q.nextID.Add(1))
	if id <= 0 { // wrapped
		q.nextID.Store(1)
		id = 1
	}
	return id
}

// Call enqueues fn to run once, in FIFO order relative to other one-shot
// tasks. Returns 0 if the queue is full.
func (q *Queue) Call(fn func()) ID {
	select {
	case q.tasks <- fn:
		return q.allocID()
	default:
		return 0
	}
}

// CallEvery registers fn to run every period until cancelled. The first run
// is one period from now. Returns 0 if period is not positive.
func (q *Queue) CallEvery(period time.Duration, fn func()) ID {
	if period <= 0 {
		return 0
	}
	e := &entry{id: q.allocID(), period: period, due: time.Now().Add(period), fn: fn}
	q.mu.Lock()
	q.periodic[e.id] = e
	q.mu.Unlock()
	q.wake()
	return e.id
}

// Cancel removes a periodic registration. A tick already being dispatched
// completes once more; it is not rescheduled afterwards.
func (q *Queue) Cancel(id ID) {
	q.mu.Lock()
	delete(q.periodic, id)
	q.mu.Unlock()
	q.wake()
}

// Break interrupts Dispatch without losing queued one-shot state. Pending
// signals coalesce; SignalShutdown outranks SignalCancelPeriodic.
func (q *Queue) Break(sig Signal) {
	select {
	case q.brk <- sig:
		return
	default:
	}
	select {
	case old := <-q.brk:
		if old > sig {
			sig = old
		}
	default:
	}
	select {
	case q.brk <- sig:
	default:
	}
}

func (q *Queue) wake() {
	select {
	case q.poke <- struct{}{}:
	default:
	}
}

// Dispatch runs tasks as they become ready, one at a time, until Break is
// called; it returns the break signal. Queued one-shot tasks and periodic
// registrations survive across calls.
func (q *Queue) Dispatch() Signal {
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		drainTimer(timer)
	}
	defer timer.Stop()

	for {
		next := q.earliest()
		if next == nil {
			resetTimer(timer, time.Hour)
		} else {
			resetTimer(timer, time.Until(next.due))
		}

		select {
		case sig := <-q.brk:
			return sig
		case fn := <-q.tasks:
			fn()
		case <-q.poke:
			// re-arm
		case <-timer.C:
			if next == nil {
				continue
			}
			q.runDue(next)
		}
	}
}

func (q *Queue) earliest() *entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var min *entry
	for _, e := range q.periodic {
		if min == nil || e.due.Before(min.due) {
			min = e
		}
	}
	return min
}

func (q *Queue) runDue(e *entry) {
	q.mu.Lock()
	cur, ok := q.periodic[e.id]
	q.mu.Unlock()
	if !ok || cur != e {
		return // cancelled while the timer was armed
	}

	e.fn()

	// Reschedule only if still registered.
	q.mu.Lock()
	if cur, ok := q.periodic[e.id]; ok && cur == e {
		e.due = time.Now().Add(e.period)
	}
	q.mu.Unlock()
}
