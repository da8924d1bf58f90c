package engine

import (
	"context"
	"time"

	"outreachd/internal/eventbus"
	"outreachd/internal/task"
	"outreachd/internal/task/retry"
)

// Config controls the dispatcher. Zero fields take the defaults below.
type Config struct {
	PollInterval  time.Duration
	MaxConcurrent int
	BatchSize     int
	// TaskTimeout bounds one executor run.
	TaskTimeout time.Duration
	Retry       retry.Policy
}

const (
	DefaultPollInterval  = 15 * time.Second
	DefaultMaxConcurrent = 3
	DefaultBatchSize     = 10
	DefaultTaskTimeout   = 5 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	return c
}

// Recurring is the scheduler surface the dispatcher needs.
type Recurring interface {
	Seed(ctx context.Context) (int, error)
	Successor(done task.Task, completedAt time.Time) (task.Task, bool)
}

// Emitter publishes domain events. *eventbus.Bus satisfies it.
type Emitter interface {
	Emit(ctx context.Context, e eventbus.Event)
}

// Metrics receives dispatcher observations. *metrics.Metrics satisfies it.
type Metrics interface {
	ObservePoll(err error)
	TaskDispatched(typ string)
	TaskFinished(typ, outcome string, d time.Duration)
	SetActive(n int)
}

type nopMetrics struct{}

func (nopMetrics) ObservePoll(error)                          {}
func (nopMetrics) TaskDispatched(string)                      {}
func (nopMetrics) TaskFinished(string, string, time.Duration) {}
func (nopMetrics) SetActive(int)                              {}

type EnqueueOptions struct {
	SubjectID string
	// Priority zero is task.PriorityNormal.
	Priority task.Priority
	// ScheduledAt wins over Delay. Both zero means now.
	ScheduledAt time.Time
	Delay       time.Duration
	MaxRetries  int
}

// Status is a point-in-time view of the dispatcher.
type Status struct {
	Running          bool      `json:"running"`
	LastPollAt       time.Time `json:"lastPollAt,omitzero"`
	CompletedLast24h uint64    `json:"tasksCompletedInWindow"`
	Active           int       `json:"activeCount"`
	MaxConcurrent    int       `json:"maxConcurrent"`
	PollIntervalMs   int64     `json:"pollIntervalMs"`
	PollErrors       uint64    `json:"pollErrors"`
	Dispatched       uint64    `json:"dispatched"`
	DeadLettered     uint64    `json:"deadLettered"`
	PersistErrors    uint64    `json:"persistErrors"`
}
