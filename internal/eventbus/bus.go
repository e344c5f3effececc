// Package eventbus carries in-process signals between the job queue, the
// bot supervisor, and the log alert sink without coupling them to each
// other. It complements the queue store's publish channel: the store channel
// is for external consumers, the bus for components inside this process.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is one signal on the bus. Data should be small and is typed per
// event kind: jobs.Event for "job.*", botman.StatusEvent for "bot.*",
// logx.Alert for "log.alert".
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// that falls behind its buffer loses events rather than stalling the
// publisher, so status paths stay non-blocking end to end.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines; delivery
// happens on the publisher's stack.
func New() Bus {
	return &fanout{subs: make(map[uint64]chan Event)}
}

type fanout struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Event
	nextID atomic.Uint64
}

func (f *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot under the read lock, deliver outside it.
	f.mu.RLock()
	targets := make([]chan Event, 0, len(f.subs))
	for _, ch := range f.subs {
		targets = append(targets, ch)
	}
	f.mu.RUnlock()

	for _, ch := range targets {
		offer(ch, e)
	}
}

// offer sends without blocking. The recover covers the window where an
// unsubscribe closes the channel between the snapshot and the send.
func offer(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
	}
}

func (f *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := f.nextID.Add(1)

	f.mu.Lock()
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsubscribe
}
