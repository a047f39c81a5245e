package app

import (
	"context"
	"sync"
	"time"

	"github.com/pori-dev/pori/internal/events"
)

// maxQueuedEvents bounds the dashboard-out stream; above this many pending
// events, the oldest is dropped to prevent OOM if the dashboard is slow.
const maxQueuedEvents = 4096

// HistorySink persists dashboard events for later querying. Record must not
// block the caller for long; DashboardBus calls it from its single
// dispatch goroutine, so a slow sink delays fan-out to live subscribers.
type HistorySink interface {
	Record(events.DashboardEvent)
}

// DashboardBus is the dashboard-out event stream: unbounded up to
// maxQueuedEvents (drop-oldest above that), fanned out to a history sink and
// to any number of live subscribers. A slow or absent subscriber never
// blocks publication; its pending events are simply dropped via a
// non-blocking per-subscriber send.
type DashboardBus struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []events.DashboardEvent
	closed  bool
	subs    map[int]chan events.DashboardEvent
	nextSub int
	history HistorySink
}

// NewDashboardBus builds a DashboardBus. history may be nil to disable
// persistence.
func NewDashboardBus(history HistorySink) *DashboardBus {
	b := &DashboardBus{
		subs:    make(map[int]chan events.DashboardEvent),
		history: history,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Publish enqueues e for dispatch, stamping its timestamp. It never blocks.
func (b *DashboardBus) Publish(e events.DashboardEvent) {
	e.Timestamp = time.Now()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, e)
	if len(b.queue) > maxQueuedEvents {
		b.queue = b.queue[len(b.queue)-maxQueuedEvents:]
	}
	b.mu.Unlock()
	b.cond.Signal()
}

// Run dispatches queued events until ctx is cancelled and the queue drains,
// then closes every live subscriber channel. Run is meant to be called once,
// from its own goroutine.
func (b *DashboardBus) Run(ctx context.Context) {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
			return
		}
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		b.cond.Broadcast()
	}()
	defer close(stop)

	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.queue) == 0 && b.closed {
			b.mu.Unlock()
			b.closeSubscribers()
			return
		}
		e := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()

		b.dispatch(e)
	}
}

func (b *DashboardBus) dispatch(e events.DashboardEvent) {
	if b.history != nil {
		b.history.Record(e)
	}

	// Sends happen under the lock so Unsubscribe cannot close a channel
	// mid-send; they are non-blocking, so the lock is held only briefly.
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a new live subscriber and returns its id and receive
// channel. Callers must eventually call Unsubscribe(id).
func (b *DashboardBus) Subscribe() (int, <-chan events.DashboardEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSub
	b.nextSub++
	ch := make(chan events.DashboardEvent, 16)
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe removes and closes the subscriber channel for id.
func (b *DashboardBus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
}

func (b *DashboardBus) closeSubscribers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
