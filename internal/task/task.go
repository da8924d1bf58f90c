package task

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

const DefaultMaxRetries = 3

var ErrNotFound = errors.New("task not found")

type ErrorEntry struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Task is a persisted unit of deferred work.
type Task struct {
	ID            string       `json:"id"`
	Type          Type         `json:"type"`
	SubjectID     string       `json:"subjectId,omitempty"`
	ScheduledAt   time.Time    `json:"scheduledAt"`
	Payload       Payload      `json:"payload,omitempty"`
	Priority      Priority     `json:"priority"`
	Status        Status       `json:"status"`
	RetryCount    int          `json:"retryCount"`
	MaxRetries    int          `json:"maxRetries"`
	ErrorLog      []ErrorEntry `json:"errorLog,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	LastAttemptAt *time.Time   `json:"lastAttemptAt,omitempty"`
	CompletedAt   *time.Time   `json:"completedAt,omitempty"`
}

type Options struct {
	SubjectID   string
	Priority    Priority
	ScheduledAt time.Time
	MaxRetries  int
}

// New builds a pending task. Zero ScheduledAt means now.
func New(typ Type, payload Payload, opt Options, now time.Time) Task {
	if opt.ScheduledAt.IsZero() {
		opt.ScheduledAt = now
	}
	if opt.MaxRetries <= 0 {
		opt.MaxRetries = DefaultMaxRetries
	}
	return Task{
		ID:          uuid.NewString(),
		Type:        typ,
		SubjectID:   opt.SubjectID,
		ScheduledAt: opt.ScheduledAt,
		Payload:     payload.Clone(),
		Priority:    opt.Priority,
		Status:      StatusPending,
		MaxRetries:  opt.MaxRetries,
		CreatedAt:   now,
	}
}

// Clone returns a deep-enough copy for handing across goroutines.
func (t Task) Clone() Task {
	t.Payload = t.Payload.Clone()
	t.ErrorLog = append([]ErrorEntry(nil), t.ErrorLog...)
	if t.LastAttemptAt != nil {
		v := *t.LastAttemptAt
		t.LastAttemptAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		t.CompletedAt = &v
	}
	return t
}

func (t *Task) MarkProcessing(now time.Time) {
	t.Status = StatusProcessing
	t.LastAttemptAt = &now
}

func (t *Task) MarkCompleted(now time.Time) {
	t.Status = StatusCompleted
	t.CompletedAt = &now
}

// RecordFailure bumps RetryCount and appends to ErrorLog.
func (t *Task) RecordFailure(now time.Time, msg string) {
	t.RetryCount++
	t.ErrorLog = append(t.ErrorLog, ErrorEntry{At: now, Message: msg})
}

// Reschedule puts the task back into pending at the given time.
func (t *Task) Reschedule(at time.Time) {
	t.Status = StatusPending
	t.ScheduledAt = at
}

func (t *Task) MarkDeadLetter() { t.Status = StatusDeadLetter }

// Requeue gives a dead-lettered task a fresh set of attempts.
func (t *Task) Requeue(now time.Time) {
	t.Status = StatusPending
	t.RetryCount = 0
	t.ScheduledAt = now
	t.CompletedAt = nil
}

func (t Task) LastError() string {
	if len(t.ErrorLog) == 0 {
		return ""
	}
	return t.ErrorLog[len(t.ErrorLog)-1].Message
}

// DueBefore orders tasks the way FindDueTasks returns them.
func DueBefore(a, b Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// Store is the persistence boundary for tasks.
type Store interface {
	UpsertTask(ctx context.Context, t Task) error
	// GetTask returns ErrNotFound when id is unknown.
	GetTask(ctx context.Context, id string) (Task, error)
	FindTasksByStatus(ctx context.Context, st Status) ([]Task, error)
	// FindDueTasks returns pending tasks with ScheduledAt <= now ordered by
	// priority desc, then ScheduledAt asc.
	FindDueTasks(ctx context.Context, now time.Time, limit int) ([]Task, error)
}
