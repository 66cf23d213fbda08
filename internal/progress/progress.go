// Package progress implements the async, best-effort progress bus
// (spec §4.11): an event-publication channel the engine writes to and a
// terminal renderer (or any other observer) reads from. It is adapted
// from the teacher's internal/eventbus.Bus, kept almost verbatim in
// shape (subscriber map guarded by RWMutex, non-blocking delivery that
// drops on a full subscriber channel), but refined with a single
// background delivery worker so that "order of events within one phase
// is preserved" holds even when multiple producer/consumer goroutines
// call Publish concurrently.
package progress

import (
	"sync"
	"time"
)

// Kind is the closed set of event kinds the bus carries (spec §4.11).
type Kind string

const (
	KindPhaseStart    Kind = "PHASE_START"
	KindPhaseEnd      Kind = "PHASE_END"
	KindTaskStart     Kind = "TASK_START"
	KindTaskComplete  Kind = "TASK_COMPLETE"
	KindTaskFailed    Kind = "TASK_FAILED"
	KindBatchComplete Kind = "BATCH_COMPLETE"
	KindUpdateTotal   Kind = "UPDATE_TOTAL"
	KindMessage       Kind = "MESSAGE"
)

// Event is one occurrence on the bus. Not every field is meaningful for
// every Kind; see the constructor functions below for the fields each
// kind actually populates.
type Event struct {
	Kind      Kind
	Timestamp time.Time

	Phase  string
	Total  int
	TaskID string
	Symbol string
	Count  int
	Reason string
	Text   string
}

func PhaseStart(phase string, total int) Event {
	return Event{Kind: KindPhaseStart, Timestamp: time.Now().UTC(), Phase: phase, Total: total}
}

func PhaseEnd(phase string) Event {
	return Event{Kind: KindPhaseEnd, Timestamp: time.Now().UTC(), Phase: phase}
}

func TaskStart(taskID, symbol string) Event {
	return Event{Kind: KindTaskStart, Timestamp: time.Now().UTC(), TaskID: taskID, Symbol: symbol}
}

func TaskComplete(taskID string, count int) Event {
	return Event{Kind: KindTaskComplete, Timestamp: time.Now().UTC(), TaskID: taskID, Count: count}
}

func TaskFailed(taskID, symbol string, count int, reason string) Event {
	return Event{Kind: KindTaskFailed, Timestamp: time.Now().UTC(), TaskID: taskID, Symbol: symbol, Count: count, Reason: reason}
}

func BatchComplete(count int) Event {
	return Event{Kind: KindBatchComplete, Timestamp: time.Now().UTC(), Count: count}
}

func UpdateTotal(total int, phase string) Event {
	return Event{Kind: KindUpdateTotal, Timestamp: time.Now().UTC(), Total: total, Phase: phase}
}

func Message(text string) Event {
	return Event{Kind: KindMessage, Timestamp: time.Now().UTC(), Text: text}
}

// Bus is an in-process, best-effort event bus. Publish never blocks and
// never fails: a full internal queue or a full subscriber channel both
// simply drop the event, per spec §4.11's "correctness does not depend
// on any subscriber receiving events."
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Kind][]chan<- Event

	queue     chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Bus with the given internal queue depth and starts its
// single delivery worker.
func New(queueDepth int) *Bus {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	b := &Bus{
		subscribers: make(map[Kind][]chan<- Event),
		queue:       make(chan Event, queueDepth),
		done:        make(chan struct{}),
	}
	go b.deliverLoop()
	return b
}

// Subscribe registers ch to receive every event of the given kind. The
// caller owns ch's buffer sizing; a slow subscriber drops events rather
// than stalling the bus.
func (b *Bus) Subscribe(kind Kind, ch chan<- Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[kind] = append(b.subscribers[kind], ch)
}

// Publish enqueues evt for delivery. Non-blocking: if the internal queue
// is full the event is dropped.
func (b *Bus) Publish(evt Event) {
	select {
	case <-b.done:
		return
	default:
	}
	select {
	case b.queue <- evt:
	default:
	}
}

// Close stops the delivery worker. Already-queued events are delivered
// before it exits; Publish after Close is a silent no-op.
func (b *Bus) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}

func (b *Bus) deliverLoop() {
	for {
		select {
		case evt := <-b.queue:
			b.deliver(evt)
		case <-b.done:
			b.drain()
			return
		}
	}
}

// drain flushes whatever is left in the queue once Close fires, so a
// final PHASE_END/DONE message isn't silently lost on shutdown.
func (b *Bus) drain() {
	for {
		select {
		case evt := <-b.queue:
			b.deliver(evt)
		default:
			return
		}
	}
}

func (b *Bus) deliver(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers[evt.Kind] {
		select {
		case ch <- evt:
		default:
		}
	}
}
