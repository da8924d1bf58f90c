package storage

import (
	"context"
	"errors"
	"time"

	"outreachd/internal/eventbus"
	"outreachd/internal/notifier"
	"outreachd/internal/subscribers"
	"outreachd/internal/task"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps, lost on restart
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL reachable at DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only; 0 means pgxpool default
}

// EventLog is an append-only sink for bus records.
type EventLog interface {
	AppendEvent(ctx context.Context, r eventbus.Record) error
}

// EventReader reads back the newest records first.
type EventReader interface {
	ListEvents(ctx context.Context, limit int) ([]eventbus.Record, error)
}

// Store is the full persistence API used by the automation core.
type Store interface {
	task.Store
	EventLog
	EventReader

	AppendNotification(ctx context.Context, n notifier.Notification) error
	ListNotifications(ctx context.Context, limit int) ([]notifier.Notification, error)

	UpdateLifecycleStage(ctx context.Context, subjectID, stage string) error
	LifecycleStage(ctx context.Context, subjectID string) (string, error)
	LogActivity(ctx context.Context, a subscribers.Activity) error
	ListActivities(ctx context.Context, subjectID string, limit int) ([]subscribers.Activity, error)

	Close() error
}

const defaultListLimit = 100

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return min(limit, 1000)
}
