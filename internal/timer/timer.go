package timer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"kronos/internal/model"
	logx "kronos/pkg/logx"
)

var (
	ErrStopped          = errors.New("timer engine stopped")
	ErrNotScheduled     = errors.New("timer: id not scheduled")
	ErrAlreadyScheduled = errors.New("timer: id already scheduled")
	// ErrNeverFires is returned when a schedule has no fire time left.
	ErrNeverFires = errors.New("timer: schedule has no future fire time")
)

// FireFunc is invoked when id is due. at is the time the fire was planned for.
type FireFunc func(ctx context.Context, id string, at time.Time)

type Options struct {
	Window Window
	// OnExhausted is called once the schedule can no longer fire. It runs
	// after the entry has been removed.
	OnExhausted func(id string)
}

type Config struct {
	// Timezone is the IANA zone for cron schedules without their own.
	Timezone string
}

type entry struct {
	id   string
	plan plan
	opts Options
	fire FireFunc

	// fireMu is held for the duration of a fire.
	fireMu sync.Mutex

	mu      sync.Mutex
	timer   clockwork.Timer
	version uint64
	nextAt  time.Time
	paused  bool
	removed bool
}

// Engine keeps one timer per scheduled id.
type Engine struct {
	clock clockwork.Clock
	loc   *time.Location
	log   logx.Logger
	warn  *logx.Throttled

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]*entry
	stopped bool
}

func New(cfg Config, clock clockwork.Clock, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	loc := time.Local
	if cfg.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Timezone); err == nil {
			loc = l
		} else {
			log.Warn("invalid timezone; falling back to Local", logx.String("tz", cfg.Timezone), logx.Err(err))
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		clock:   clock,
		loc:     loc,
		log:     log,
		warn:    logx.NewThrottled(log, 10*time.Second, 3),
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*entry),
	}
}

// Location is the default zone for cron schedules.
func (e *Engine) Location() *time.Location { return e.loc }

// Validate compiles s without scheduling it and reports whether it can fire
// at least once inside w.
func (e *Engine) Validate(s model.Schedule, w Window) error {
	p, err := compile(s, e.loc)
	if err != nil {
		return err
	}
	if p.first(e.clock.Now(), w).IsZero() {
		return ErrNeverFires
	}
	return nil
}

// Schedule arms id.
func (e *Engine) Schedule(id string, s model.Schedule, opts Options, fire FireFunc) error {
	if fire == nil {
		return fmt.Errorf("timer: nil fire func for %s", id)
	}
	p, err := compile(s, e.loc)
	if err != nil {
		return err
	}
	next := p.first(e.clock.Now(), opts.Window)
	if next.IsZero() {
		return ErrNeverFires
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	if _, ok := e.entries[id]; ok {
		return ErrAlreadyScheduled
	}
	en := &entry{id: id, plan: p, opts: opts, fire: fire}
	e.entries[id] = en

	en.mu.Lock()
	e.armLocked(en, next)
	en.mu.Unlock()

	e.log.Debug("armed", logx.String("id", id), logx.String("kind", string(p.kind)), logx.Time("next", next))
	return nil
}

// armLocked must be called with en.mu held.
func (e *Engine) armLocked(en *entry, next time.Time) {
	if en.timer != nil {
		en.timer.Stop()
	}
	en.version++
	v := en.version
	en.nextAt = next
	d := next.Sub(e.clock.Now())
	if d < 0 {
		d = 0
	}
	en.timer = e.clock.AfterFunc(d, func() { e.run(en, v) })
}

// disarmLocked must be called with en.mu held.
func (e *Engine) disarmLocked(en *entry) {
	en.version++
	en.nextAt = time.Time{}
	if en.timer != nil {
		en.timer.Stop()
		en.timer = nil
	}
}

func (e *Engine) run(en *entry, v uint64) {
	en.fireMu.Lock()

	en.mu.Lock()
	if en.removed || en.paused || en.version != v {
		en.mu.Unlock()
		en.fireMu.Unlock()
		return
	}
	planned := en.nextAt
	en.mu.Unlock()

	e.invoke(en, planned)

	next := en.plan.after(e.clock.Now(), en.opts.Window)
	exhausted := false
	en.mu.Lock()
	if !en.removed && !en.paused && en.version == v {
		if next.IsZero() {
			en.removed = true
			e.disarmLocked(en)
			exhausted = true
		} else {
			e.armLocked(en, next)
		}
	}
	en.mu.Unlock()
	en.fireMu.Unlock()

	if exhausted {
		e.mu.Lock()
		if e.entries[en.id] == en {
			delete(e.entries, en.id)
		}
		e.mu.Unlock()
		e.log.Debug("schedule exhausted", logx.String("id", en.id))
		if en.opts.OnExhausted != nil {
			en.opts.OnExhausted(en.id)
		}
	}
}

func (e *Engine) invoke(en *entry, planned time.Time) {
	defer func() {
		if r := recover(); r != nil {
			e.warn.Warn("fire panicked", logx.String("id", en.id), logx.Any("panic", r))
		}
	}()
	en.fire(e.ctx, en.id, planned)
}

func (e *Engine) lookup(id string) (*entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return nil, ErrStopped
	}
	en := e.entries[id]
	if en == nil {
		return nil, ErrNotScheduled
	}
	return en, nil
}

// Unschedule removes id. It must not be called from id's own fire func.
func (e *Engine) Unschedule(id string) error {
	e.mu.Lock()
	en := e.entries[id]
	delete(e.entries, id)
	e.mu.Unlock()
	if en == nil {
		return ErrNotScheduled
	}

	en.mu.Lock()
	en.removed = true
	e.disarmLocked(en)
	en.mu.Unlock()

	// wait out an in-flight fire
	en.fireMu.Lock()
	en.fireMu.Unlock()
	e.log.Debug("unscheduled", logx.String("id", id))
	return nil
}

// Pause stops firing id while keeping its schedule. It reports false when id
// was already paused.
func (e *Engine) Pause(id string) (bool, error) {
	en, err := e.lookup(id)
	if err != nil {
		return false, err
	}
	en.mu.Lock()
	if en.paused {
		en.mu.Unlock()
		return false, nil
	}
	en.paused = true
	e.disarmLocked(en)
	en.mu.Unlock()

	en.fireMu.Lock()
	en.fireMu.Unlock()
	return true, nil
}

// Resume re-arms a paused id from now; missed fires are not replayed. It
// reports false when id was not paused. A schedule with nothing left to fire
// is removed and ErrNeverFires returned.
func (e *Engine) Resume(id string) (bool, error) {
	en, err := e.lookup(id)
	if err != nil {
		return false, err
	}
	en.mu.Lock()
	if !en.paused {
		en.mu.Unlock()
		return false, nil
	}
	next := en.plan.first(e.clock.Now(), en.opts.Window)
	if next.IsZero() {
		en.removed = true
		en.mu.Unlock()
		e.mu.Lock()
		if e.entries[id] == en {
			delete(e.entries, id)
		}
		e.mu.Unlock()
		return false, ErrNeverFires
	}
	en.paused = false
	e.armLocked(en, next)
	en.mu.Unlock()
	return true, nil
}

// Next returns the planned fire time of id. ok is false when id is unknown
// or paused.
func (e *Engine) Next(id string) (t time.Time, ok bool) {
	en, err := e.lookup(id)
	if err != nil {
		return time.Time{}, false
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	if en.paused || en.nextAt.IsZero() {
		return time.Time{}, false
	}
	return en.nextAt, true
}

// Scheduled reports whether id is known, paused or not.
func (e *Engine) Scheduled(id string) bool {
	_, err := e.lookup(id)
	return err == nil
}

func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

// Stop disarms every entry and waits for in-flight fires, bounded by ctx.
func (e *Engine) Stop(ctx context.Context) {
	start := e.clock.Now()
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	entries := make([]*entry, 0, len(e.entries))
	for _, en := range e.entries {
		entries = append(entries, en)
	}
	e.entries = map[string]*entry{}
	e.mu.Unlock()

	e.cancel()
	for _, en := range entries {
		en.mu.Lock()
		en.removed = true
		e.disarmLocked(en)
		en.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		for _, en := range entries {
			en.fireMu.Lock()
			en.fireMu.Unlock()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.log.Warn("stop timed out waiting for fires")
	}
	e.log.Info("timer engine stopped", logx.Int("entries", len(entries)), logx.Duration("took", e.clock.Since(start)))
}
