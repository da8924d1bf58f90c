package task

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Type selects the executor that runs a task. The set is closed.
type Type string

const (
	SendMessage           Type = "SEND_MESSAGE"
	FollowupStep          Type = "FOLLOWUP_STEP"
	PollInbox             Type = "POLL_INBOX"
	WarmupIncrement       Type = "WARMUP_INCREMENT"
	ResetCounters         Type = "RESET_COUNTERS"
	SendReviewRequest     Type = "SEND_REVIEW_REQUEST"
	SendRetentionReminder Type = "SEND_RETENTION_REMINDER"
	GenerateReport        Type = "GENERATE_REPORT"
	ComputeAnalytics      Type = "COMPUTE_ANALYTICS"
)

var allTypes = []Type{
	SendMessage,
	FollowupStep,
	PollInbox,
	WarmupIncrement,
	ResetCounters,
	SendReviewRequest,
	SendRetentionReminder,
	GenerateReport,
	ComputeAnalytics,
}

// AllTypes returns every known task type in declaration order.
func AllTypes() []Type { return append([]Type(nil), allTypes...) }

func (t Type) Valid() bool {
	for _, k := range allTypes {
		if k == t {
			return true
		}
	}
	return false
}

// ParseType accepts the canonical upper-case tag, case-insensitively.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown task type %q", s)
	}
	return t, nil
}

// Priority is a secondary sort key for due tasks. Higher runs first.
// The zero value is PriorityNormal.
type Priority int

const (
	PriorityLow    Priority = -1
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusDeadLetter Status = "dead_letter"
)

// Terminal reports whether no further transition happens for the record.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusDeadLetter }

func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPending, StatusProcessing, StatusCompleted, StatusDeadLetter:
		return st, nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// Payload keys understood by the recurring scheduler.
const (
	KeyRecurring  = "recurring"
	KeyIntervalMs = "intervalMs"
	KeyCron       = "cron"
)

// Payload is passed verbatim to the executor.
type Payload map[string]any

func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func (p Payload) Recurring() bool {
	switch v := p[KeyRecurring].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

// Interval returns payload.intervalMs as a duration; ok is false when it is
// missing, not a number, or not positive.
func (p Payload) Interval() (time.Duration, bool) {
	ms, ok := p.Int(KeyIntervalMs)
	if !ok || ms <= 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

func (p Payload) CronSpec() string { return p.String(KeyCron) }

func (p Payload) String(key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	}
	return ""
}

// Int reads an integer tolerating the shapes JSON decoding produces.
func (p Payload) Int(key string) (int64, bool) {
	switch v := p[key].(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint32:
		return int64(v), true
	case uint64:
		return int64(v), true
	case float64:
		return int64(v), true
	case float32:
		return int64(v), true
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
		if f, err := v.Float64(); err == nil {
			return int64(f), true
		}
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}
