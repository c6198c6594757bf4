package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"kronos/internal/eventbus"
	"kronos/internal/model"
	"kronos/internal/runtime/supervisor"
	logx "kronos/pkg/logx"
)

const warnEvery = 5 * time.Second

type Service struct {
	mu       sync.Mutex
	cfg      Config
	q        chan queued
	sup      *supervisor.Supervisor
	running  bool
	handlers map[string]Handler

	reporter Reporter
	bus      eventbus.Bus
	clock    clockwork.Clock
	log      logx.Logger
	warn     *logx.Throttled

	groups   groups
	inFlight atomic.Int32
	dropped  atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

type queued struct {
	task       *model.Task
	enqueuedAt time.Time
}

func New(cfg Config, reporter Reporter, bus eventbus.Bus, clock clockwork.Clock, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &Service{
		cfg:      cfg.withDefaults(),
		handlers: make(map[string]Handler),
		reporter: reporter,
		bus:      bus,
		clock:    clock,
		log:      log,
		warn:     logx.NewThrottled(log, warnEvery, 3),
	}
	s.Register("echo", s.echo)
	s.Register("sleep", s.sleep)
	return s
}

// Register installs the handler for a task type, replacing any earlier one.
func (s *Service) Register(typ string, h Handler) {
	s.mu.Lock()
	s.handlers[strings.TrimSpace(typ)] = h
	s.mu.Unlock()
}

func (s *Service) handler(typ string) Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers[typ]
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start launches the workers. It is a no-op when disabled or running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.running {
		return
	}
	cfg := s.cfg

	// Tasks still queued from a previous run move to the new queue.
	old := s.q
	if old == nil || cap(old) != cfg.QueueSize {
		s.q = make(chan queued, cfg.QueueSize)
	}
	if old != nil && old != s.q {
	drain:
		for {
			select {
			case qt := <-old:
				select {
				case s.q <- qt:
				default:
					s.dropQueued(qt, "queue shrunk")
				}
			default:
				break drain
			}
		}
	}

	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	q := s.q
	for i := 0; i < cfg.Workers; i++ {
		idx := i
		s.sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, q, idx)
			return c.Err()
		})
	}
	s.running = true
	s.log.Info("executor started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(s.q)))
}

// Stop cancels the workers and waits for them. Tasks interrupted mid-run go
// back on the queue for the next Start.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.running = false
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil {
		s.log.Warn("executor stop", logx.Err(err))
		return
	}
	s.log.Info("executor stopped")
}

// Apply swaps the configuration, restarting the workers when the pool shape
// or the enabled flag changed.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.running
	s.mu.Unlock()

	switch {
	case !cfg.Enabled && running:
		s.Stop(ctx)
	case cfg.Enabled && !running:
		s.Start(ctx)
	case running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize):
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Dispatch queues a task without blocking.
func (s *Service) Dispatch(ctx context.Context, t *model.Task) error {
	if t == nil {
		return fmt.Errorf("nil task")
	}
	if s.handler(t.Type) == nil {
		return fmt.Errorf("%w %q", ErrUnknownType, t.Type)
	}
	s.mu.Lock()
	enabled, running, q := s.cfg.Enabled, s.running, s.q
	s.mu.Unlock()
	switch {
	case !enabled:
		return ErrDisabled
	case !running || q == nil:
		return ErrStopped
	}

	select {
	case q <- queued{task: t, enqueuedAt: s.clock.Now()}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		s.dropped.Add(1)
		s.publish(eventbus.TypeTaskDropped, t, 0, 0, "queue_full")
		s.warn.Warn("task dropped: queue full",
			logx.Stringer("task", t.Identity()),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped", s.dropped.Load()))
		return ErrQueueFull
	}
}

func (s *Service) dropQueued(qt queued, reason string) {
	s.dropped.Add(1)
	s.publish(eventbus.TypeTaskDropped, qt.task, 0, 0, reason)
	s.report(context.Background(), qt.task, model.TaskFailed, "dropped: "+reason, nil)
}

func (s *Service) publish(typ string, t *model.Task, attempt int, dur time.Duration, msg string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock.Now(), Data: eventbus.TaskEvent{
		Namespace: t.Namespace,
		Job:       t.Job,
		Task:      t.Name,
		Type:      t.Type,
		Attempt:   attempt,
		Duration:  dur,
		Error:     msg,
	}})
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Enabled: s.cfg.Enabled,
		Running: s.running,
		Workers: s.cfg.Workers,
	}
	if s.q != nil {
		snap.QueueLen, snap.QueueCap = len(s.q), cap(s.q)
	}
	for typ := range s.handlers {
		snap.Types = append(snap.Types, typ)
	}
	s.mu.Unlock()
	sort.Strings(snap.Types)

	snap.InFlight = int(s.inFlight.Load())
	snap.Dropped = s.dropped.Load()
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}
