package timer

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"kronos/internal/model"
)

// Parser accepts both 5-field and 6-field (with seconds) cron specs plus
// descriptors such as @hourly and @every 5m.
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// plan is a compiled schedule.
type plan struct {
	kind     model.ScheduleKind
	cron     cron.Schedule
	loc      *time.Location
	interval time.Duration
	at       time.Time
}

// Window bounds fire times. Zero bounds are open.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) clamp(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	if !w.End.IsZero() && t.After(w.End) {
		return time.Time{}
	}
	return t
}

// compile checks s and resolves its timezone. def is used when a cron
// schedule carries none.
func compile(s model.Schedule, def *time.Location) (plan, error) {
	if def == nil {
		def = time.Local
	}
	switch v := s.(type) {
	case model.CronSchedule:
		loc := def
		if tz := strings.TrimSpace(v.Timezone); tz != "" {
			l, err := time.LoadLocation(tz)
			if err != nil {
				return plan{}, fmt.Errorf("invalid timezone %q: %w", tz, err)
			}
			loc = l
		}
		cs, err := Parser.Parse(v.Expression)
		if err != nil {
			return plan{}, fmt.Errorf("invalid cron expression %q: %w", v.Expression, err)
		}
		return plan{kind: model.ScheduleCron, cron: cs, loc: loc}, nil
	case model.FixedDelaySchedule:
		if v.Interval <= 0 {
			return plan{}, fmt.Errorf("fixed delay interval must be > 0")
		}
		return plan{kind: model.ScheduleFixedDelay, interval: v.Interval}, nil
	case model.OneShotSchedule:
		if v.At.IsZero() {
			return plan{}, fmt.Errorf("one-shot time required")
		}
		return plan{kind: model.ScheduleOneShot, at: v.At}, nil
	case nil:
		return plan{}, fmt.Errorf("schedule required")
	default:
		return plan{}, fmt.Errorf("unsupported schedule %T", s)
	}
}

// first is the first fire time at or after now, honoring the window start.
func (p plan) first(now time.Time, w Window) time.Time {
	var t time.Time
	switch p.kind {
	case model.ScheduleCron:
		base := now
		if w.Start.After(base) {
			base = w.Start.Add(-time.Nanosecond)
		}
		t = p.cron.Next(base.In(p.loc))
	case model.ScheduleFixedDelay:
		if w.Start.After(now) {
			t = w.Start
		} else {
			t = now.Add(p.interval)
		}
	case model.ScheduleOneShot:
		if p.at.Before(now) || (!w.Start.IsZero() && p.at.Before(w.Start)) {
			return time.Time{}
		}
		t = p.at
	}
	return w.clamp(t)
}

// after is the fire following one that completed at done.
func (p plan) after(done time.Time, w Window) time.Time {
	var t time.Time
	switch p.kind {
	case model.ScheduleCron:
		t = p.cron.Next(done.In(p.loc))
	case model.ScheduleFixedDelay:
		t = done.Add(p.interval)
	case model.ScheduleOneShot:
		return time.Time{}
	}
	return w.clamp(t)
}

// NextFires previews up to n fire times after now, assuming each fire
// completes instantly.
func NextFires(s model.Schedule, def *time.Location, w Window, now time.Time, n int) ([]time.Time, error) {
	p, err := compile(s, def)
	if err != nil {
		return nil, err
	}
	var out []time.Time
	t := p.first(now, w)
	for i := 0; i < n && !t.IsZero(); i++ {
		out = append(out, t)
		t = p.after(t, w)
	}
	return out, nil
}
