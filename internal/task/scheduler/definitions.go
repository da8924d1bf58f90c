package scheduler

import (
	"fmt"
	"time"

	"outreachd/internal/task"
)

// Definition describes one recurring task type. Exactly one of Every and
// Cron is set.
type Definition struct {
	Type      task.Type
	Every     time.Duration
	Cron      string
	Priority  task.Priority
	SubjectID string
	Payload   task.Payload
}

// NewDefinition parses schedule with ParseSchedule.
func NewDefinition(typ task.Type, schedule string, prio task.Priority, payload task.Payload) (Definition, error) {
	if !typ.Valid() {
		return Definition{}, fmt.Errorf("unknown task type %q", typ)
	}
	spec, err := ParseSchedule(schedule)
	if err != nil {
		return Definition{}, fmt.Errorf("%s: %w", typ, err)
	}
	d := Definition{Type: typ, Priority: prio, Payload: payload.Clone()}
	if spec.Kind == SpecCron {
		d.Cron = spec.Cron
	} else {
		d.Every = spec.Every
	}
	return d, nil
}

func (d Definition) Validate() error {
	if !d.Type.Valid() {
		return fmt.Errorf("unknown task type %q", d.Type)
	}
	switch {
	case d.Every > 0 && d.Cron != "":
		return fmt.Errorf("%s: both interval and cron set", d.Type)
	case d.Every > 0:
		if d.Every < time.Millisecond {
			return fmt.Errorf("%s: interval %s below 1ms", d.Type, d.Every)
		}
		return nil
	case d.Cron != "":
		_, err := cronSpec(d.Cron)
		return err
	}
	return fmt.Errorf("%s: schedule required", d.Type)
}

// payload returns the definition payload tagged with the recurring keys.
func (d Definition) payload() task.Payload {
	p := d.Payload.Clone()
	if p == nil {
		p = task.Payload{}
	}
	p[task.KeyRecurring] = true
	if d.Cron != "" {
		p[task.KeyCron] = d.Cron
		delete(p, task.KeyIntervalMs)
	} else {
		p[task.KeyIntervalMs] = d.Every.Milliseconds()
		delete(p, task.KeyCron)
	}
	return p
}

// DefaultDefinitions is the stock cadence for the automation types.
// GENERATE_REPORT is one-off and has no default.
func DefaultDefinitions() []Definition {
	return []Definition{
		{Type: task.SendMessage, Every: 60 * time.Second, Priority: task.PriorityHigh},
		{Type: task.FollowupStep, Every: 5 * time.Minute, Priority: task.PriorityNormal},
		{Type: task.PollInbox, Every: 5 * time.Minute, Priority: task.PriorityNormal},
		{Type: task.WarmupIncrement, Every: time.Hour, Priority: task.PriorityLow},
		{Type: task.ResetCounters, Every: time.Hour, Priority: task.PriorityLow},
		{Type: task.SendReviewRequest, Every: 30 * time.Minute, Priority: task.PriorityLow},
		{Type: task.SendRetentionReminder, Every: 30 * time.Minute, Priority: task.PriorityLow},
		{Type: task.ComputeAnalytics, Every: 15 * time.Minute, Priority: task.PriorityLow},
	}
}
