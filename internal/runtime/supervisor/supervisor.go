// Package supervisor runs named goroutines under one cancellable context
// with panic capture and optional restart.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	logx "kronos/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool

	wg       sync.WaitGroup
	errOnce  sync.Once
	firstErr error

	mu    sync.Mutex
	stats map[string]*Stats
}

// Stats is a best-effort view of one named goroutine.
type Stats struct {
	Name      string    `json:"name"`
	Active    int       `json:"active"`
	Starts    int       `json:"starts"`
	Restarts  int       `json:"restarts"`
	Panics    int       `json:"panics"`
	LastErr   string    `json:"last_err,omitempty"`
	LastStart time.Time `json:"last_start"`
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

// WithCancelOnError cancels every goroutine once one of them fails.
func WithCancelOnError(enabled bool) Option { return func(s *Supervisor) { s.cancelOnErr = enabled } }

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, stats: map[string]*Stats{}}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first error any goroutine returned.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

func (s *Supervisor) fail(err error) {
	s.errOnce.Do(func() {
		s.mu.Lock()
		s.firstErr = err
		s.mu.Unlock()
	})
	if s.cancelOnErr {
		s.cancel()
	}
}

func (s *Supervisor) note(name string, fn func(st *Stats)) {
	s.mu.Lock()
	st := s.stats[name]
	if st == nil {
		st = &Stats{Name: name}
		s.stats[name] = st
	}
	fn(st)
	s.mu.Unlock()
}

// run calls fn once, turning a panic into an error.
func (s *Supervisor) run(name string, restart bool, fn func(context.Context) error) (err error) {
	s.note(name, func(st *Stats) {
		st.Active++
		st.Starts++
		st.LastStart = time.Now()
		if restart {
			st.Restarts++
		}
	})
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goroutine panicked",
				logx.String("name", name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
			s.note(name, func(st *Stats) { st.Panics++ })
			err = fmt.Errorf("panic: %v", r)
		}
		s.note(name, func(st *Stats) {
			st.Active--
			if err != nil {
				st.LastErr = err.Error()
			}
		})
	}()
	return fn(s.ctx)
}

// Go runs fn once. A returned error other than context.Canceled is recorded.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.run(name, false, fn); err != nil && !errors.Is(err, context.Canceled) {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
	}()
}

// GoRestart runs fn until the context ends, restarting it with exponential
// backoff whenever it fails or panics. A nil return stops it.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error) {
	const (
		minBackoff = 250 * time.Millisecond
		maxBackoff = 30 * time.Second
	)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		backoff := minBackoff
		for restart := false; ; restart = true {
			started := time.Now()
			err := s.run(name, restart, fn)
			if err == nil || s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			if time.Since(started) > maxBackoff {
				backoff = minBackoff
			}
			s.log.Warn("goroutine restarting",
				logx.String("name", name),
				logx.Duration("backoff", backoff),
				logx.Err(err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
		}
	}()
}

// Stop cancels every goroutine and waits for them until ctx ends.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot lists goroutine stats by name.
func (s *Supervisor) Snapshot() []Stats {
	s.mu.Lock()
	out := make([]Stats, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, *st)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
