// Package eventbus is a non-blocking in-process fan-out for observability
// events. Lifecycle decisions never depend on it; see package notify for the
// synchronous job status listeners.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the scheduler.
const (
	TypeTriggerFired     = "trigger.fired"
	TypeTriggerExhausted = "trigger.exhausted"
	TypeJobCreated       = "job.created"
	TypeJobStatus        = "job.status"
	TypeTaskStatus       = "task.status"
	TypeTaskDispatched   = "task.dispatched"
	TypeTaskAttempt      = "task.attempt"
	TypeTaskDropped      = "task.dropped"
)

// Event is a small signal; Data should be JSON-serializable.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers get buffered channels; a full buffer drops the event.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// JobEvent is the payload of job.* events.
type JobEvent struct {
	Namespace string `json:"namespace"`
	Job       string `json:"job"`
	Workflow  string `json:"workflow"`
	Trigger   string `json:"trigger,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to"`
}

// TaskEvent is the payload of task.* events.
type TaskEvent struct {
	Namespace string        `json:"namespace"`
	Job       string        `json:"job"`
	Task      string        `json:"task"`
	Type      string        `json:"type,omitempty"`
	From      string        `json:"from,omitempty"`
	To        string        `json:"to,omitempty"`
	Attempt   int           `json:"attempt,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// TriggerEvent is the payload of trigger.* events.
type TriggerEvent struct {
	Namespace string    `json:"namespace"`
	Workflow  string    `json:"workflow"`
	Trigger   string    `json:"trigger"`
	At        time.Time `json:"at"`
}

// New returns an in-memory fan-out bus. It owns no goroutines.
func New() *MemBus {
	return &MemBus{subs: map[uint64]chan Event{}}
}

type MemBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

var _ Bus = (*MemBus)(nil)

func (b *MemBus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// unsubscribe may close ch concurrently
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *MemBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Dropped counts deliveries skipped because a subscriber was full.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }
