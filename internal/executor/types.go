// Package executor runs SCHEDULED tasks on a local worker pool and reports
// their outcome back to the job orchestrator.
package executor

import (
	"context"
	"time"

	"kronos/internal/job"
	"kronos/internal/model"
)

// Config controls the worker pool. Zero values take defaults in New.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout bounds an attempt when the task has no timeout policy.
	// 0 means unbounded.
	DefaultTimeout time.Duration

	// MaxQueueDelay fails tasks that waited longer than this in the queue.
	// 0 disables the check.
	MaxQueueDelay time.Duration

	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Input is what a handler gets for one attempt. Params are already
// resolved against upstream outputs.
type Input struct {
	Task    *model.Task
	Params  map[string]any
	Attempt int
}

// Handler runs one attempt of a task type and returns its outputs.
type Handler func(ctx context.Context, in Input) (map[string]any, error)

// Reporter receives task status updates. *job.Orchestrator implements it.
type Reporter interface {
	ReportTaskStatus(ctx context.Context, r job.Report) error
}

type HistoryItem struct {
	Task       string        `json:"task"`
	Type       string        `json:"type"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a diagnostic view of the pool.
type Snapshot struct {
	Enabled  bool          `json:"enabled"`
	Running  bool          `json:"running"`
	Workers  int           `json:"workers"`
	QueueLen int           `json:"queue_len"`
	QueueCap int           `json:"queue_cap"`
	InFlight int           `json:"in_flight"`
	Dropped  uint64        `json:"dropped"`
	Types    []string      `json:"types"`
	History  []HistoryItem `json:"history"`
}
