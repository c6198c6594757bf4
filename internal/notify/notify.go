// Package notify delivers job status transitions to registered listeners.
//
// Delivery is synchronous and in registration order. A listener that
// returns an error or panics is logged and skipped; the transition it was
// told about is already persisted.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"kronos/internal/model"
	logx "kronos/pkg/logx"
)

// StatusChange describes one job status transition.
type StatusChange struct {
	Job      model.JobID
	Workflow string
	Trigger  string
	From     model.JobStatus
	To       model.JobStatus
	At       time.Time
}

type Listener interface {
	OnStatusChange(ctx context.Context, c StatusChange) error
}

// ListenerFunc adapts a func to Listener.
type ListenerFunc func(ctx context.Context, c StatusChange) error

func (f ListenerFunc) OnStatusChange(ctx context.Context, c StatusChange) error { return f(ctx, c) }

type registration struct {
	id   uint64
	name string
	l    Listener
}

type Bus struct {
	log logx.Logger

	mu        sync.RWMutex
	seq       uint64
	listeners []registration
}

func New(log logx.Logger) *Bus {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bus{log: log}
}

// Register appends l. The returned func removes it.
func (b *Bus) Register(name string, l Listener) (unregister func()) {
	b.mu.Lock()
	b.seq++
	id := b.seq
	b.listeners = append(b.listeners, registration{id: id, name: name, l: l})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, r := range b.listeners {
				if r.id == id {
					b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish calls every listener with c.
func (b *Bus) Publish(ctx context.Context, c StatusChange) {
	if b == nil {
		return
	}
	b.mu.RLock()
	ls := make([]registration, len(b.listeners))
	copy(ls, b.listeners)
	b.mu.RUnlock()

	for _, r := range ls {
		if err := b.deliver(ctx, r, c); err != nil {
			b.log.Warn("status listener failed",
				logx.String("listener", r.name),
				logx.Stringer("job", c.Job),
				logx.String("from", string(c.From)),
				logx.String("to", string(c.To)),
				logx.Err(err))
		}
	}
}

func (b *Bus) deliver(ctx context.Context, r registration, c StatusChange) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return r.l.OnStatusChange(ctx, c)
}

func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}
