package model

import (
	"fmt"
	"strings"
	"time"
)

// ScheduleKind tags the serialized form of a Schedule.
type ScheduleKind string

const (
	ScheduleCron       ScheduleKind = "cron"
	ScheduleFixedDelay ScheduleKind = "fixed"
	ScheduleOneShot    ScheduleKind = "simple"
)

// Schedule is a closed sum over CronSchedule, FixedDelaySchedule and
// OneShotSchedule. Switches over it must handle all three.
type Schedule interface {
	Kind() ScheduleKind
	isSchedule()
}

// CronSchedule fires on a cron expression, evaluated in Timezone
// (scheduler default when empty).
type CronSchedule struct {
	Expression string
	Timezone   string
}

// FixedDelaySchedule fires Interval after the previous fire completed.
type FixedDelaySchedule struct {
	Interval time.Duration
}

// OneShotSchedule fires once at At.
type OneShotSchedule struct {
	At time.Time
}

func (CronSchedule) Kind() ScheduleKind       { return ScheduleCron }
func (FixedDelaySchedule) Kind() ScheduleKind { return ScheduleFixedDelay }
func (OneShotSchedule) Kind() ScheduleKind    { return ScheduleOneShot }

func (CronSchedule) isSchedule()       {}
func (FixedDelaySchedule) isSchedule() {}
func (OneShotSchedule) isSchedule()    {}

// ScheduleSpec is the persisted, tagged-record form of a Schedule.
//
//	schedule: { type: cron, cron: "0 */5 * * * *", timezone: UTC }
//	schedule: { type: fixed, interval_ms: 30000 }
//	schedule: { type: simple, at: 2026-01-02T15:04:05Z }
type ScheduleSpec struct {
	Type       ScheduleKind `json:"type" yaml:"type" validate:"required,oneof=cron fixed simple"`
	Cron       string       `json:"cron,omitempty" yaml:"cron,omitempty"`
	Timezone   string       `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	IntervalMs int64        `json:"interval_ms,omitempty" yaml:"interval_ms,omitempty"`
	At         time.Time    `json:"at,omitempty" yaml:"at,omitempty"`
}

// Resolve checks the record's shape and returns the matching variant.
// Cron expressions are only checked for presence here; the timer package
// compiles them.
func (s ScheduleSpec) Resolve() (Schedule, error) {
	switch ScheduleKind(strings.ToLower(string(s.Type))) {
	case ScheduleCron:
		expr := strings.TrimSpace(s.Cron)
		if expr == "" {
			return nil, fmt.Errorf("cron schedule requires an expression")
		}
		return CronSchedule{Expression: expr, Timezone: strings.TrimSpace(s.Timezone)}, nil
	case ScheduleFixedDelay:
		if s.IntervalMs <= 0 {
			return nil, fmt.Errorf("fixed delay schedule requires interval_ms > 0, got %d", s.IntervalMs)
		}
		return FixedDelaySchedule{Interval: time.Duration(s.IntervalMs) * time.Millisecond}, nil
	case ScheduleOneShot:
		if s.At.IsZero() {
			return nil, fmt.Errorf("one-shot schedule requires at")
		}
		return OneShotSchedule{At: s.At}, nil
	default:
		return nil, fmt.Errorf("unknown schedule type %q", s.Type)
	}
}

// SpecOf converts a Schedule back into its tagged record.
func SpecOf(s Schedule) ScheduleSpec {
	switch v := s.(type) {
	case CronSchedule:
		return ScheduleSpec{Type: ScheduleCron, Cron: v.Expression, Timezone: v.Timezone}
	case FixedDelaySchedule:
		return ScheduleSpec{Type: ScheduleFixedDelay, IntervalMs: v.Interval.Milliseconds()}
	case OneShotSchedule:
		return ScheduleSpec{Type: ScheduleOneShot, At: v.At}
	default:
		return ScheduleSpec{}
	}
}
