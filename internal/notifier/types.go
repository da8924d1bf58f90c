package notifier

import (
	"context"
	"time"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Notification is an operator-facing alert.
type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	SubjectID string    `json:"subjectId,omitempty"`
	ActionURL string    `json:"actionUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Notification types raised by the automation core.
const (
	TypeTaskFailed   = "task_failed"
	TypeBounce       = "bounce"
	TypeLowRating    = "low_rating"
	TypeLimitReached = "limit_reached"
	TypeSystemAlert  = "system_alert"
)

// Store persists notifications.
type Store interface {
	AppendNotification(ctx context.Context, n Notification) error
}

// Forwarder delivers a stored notification to an external channel.
type Forwarder interface {
	Name() string
	Forward(ctx context.Context, n Notification) error
}

type HistoryItem struct {
	At    time.Time
	ID    string
	Title string
	Error string
}
