package eventbus

import (
	"encoding/json"
	"strconv"
	"time"
)

type Type string

const (
	MessageSent      Type = "message.sent"
	MessageOpened    Type = "message.opened"
	MessageReplied   Type = "message.replied"
	MessageBounced   Type = "message.bounced"
	LifecycleChanged Type = "lifecycle.changed"
	ReviewReceived   Type = "review.received"
	TaskCompleted    Type = "task.completed"
	TaskFailed       Type = "task.failed"
	LimitReached     Type = "limit.reached"
)

// Data is the open payload of an event.
type Data map[string]any

// Event is an immutable fact. SubjectID is for correlation only.
type Event struct {
	Type      Type   `json:"type"`
	SubjectID string `json:"subjectId,omitempty"`
	Data      Data   `json:"data,omitempty"`
}

// Record is the persisted copy of an event.
type Record struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	SubjectID string    `json:"subjectId,omitempty"`
	Data      Data      `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (d Data) String(key string) string {
	s, _ := d[key].(string)
	return s
}

// Float reads a number tolerating JSON decoding shapes.
func (d Data) Float(key string) (float64, bool) {
	switch v := d[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}
