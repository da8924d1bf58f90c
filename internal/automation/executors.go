// Package automation binds every task type to an executor that calls the
// matching collaborator port and reports what happened on the event bus.
package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"outreachd/internal/eventbus"
	"outreachd/internal/task"
	"outreachd/internal/task/executor"
	logx "outreachd/pkg/logx"
)

// Payload keys read by the executors.
const (
	KeyMessageID   = "messageId"
	KeySequenceID  = "sequenceId"
	KeyMailbox     = "mailbox"
	KeyKind        = "kind"
	KeyWindowHours = "windowHours"
)

const defaultAnalyticsWindow = 24 * time.Hour

// Emitter publishes domain events. *eventbus.Bus satisfies it.
type Emitter interface {
	Emit(ctx context.Context, e eventbus.Event)
}

type executors struct {
	p   Ports
	bus Emitter
	log logx.Logger
	now func() time.Time
}

// Register binds an executor for every task type.
func Register(reg *executor.Registry, p Ports, bus Emitter, log logx.Logger) error {
	x := &executors{p: p, bus: bus, log: log.With(logx.String("comp", "automation")), now: time.Now}
	for typ, fn := range x.table() {
		if err := reg.Register(typ, executor.Func(fn)); err != nil {
			return err
		}
	}
	return nil
}

func (x *executors) table() map[task.Type]func(context.Context, task.Task) error {
	return map[task.Type]func(context.Context, task.Task) error{
		task.SendMessage:           x.sendMessage,
		task.FollowupStep:          x.followupStep,
		task.PollInbox:             x.pollInbox,
		task.WarmupIncrement:       x.warmupIncrement,
		task.ResetCounters:         x.resetCounters,
		task.SendReviewRequest:     x.sendReviewRequest,
		task.SendRetentionReminder: x.sendRetentionReminder,
		task.GenerateReport:        x.generateReport,
		task.ComputeAnalytics:      x.computeAnalytics,
	}
}

func (x *executors) emit(ctx context.Context, e eventbus.Event) {
	if x.bus != nil {
		x.bus.Emit(ctx, e)
	}
}

func (x *executors) skip(t task.Task, port string) error {
	x.log.Debug("executor skipped: port not configured", logx.String("type", string(t.Type)), logx.String("port", port))
	return nil
}

var errNotString = errors.New("must be a string")

// optString reads an optional string key. A present non-string value is a
// malformed payload that no retry can fix.
func optString(p task.Payload, key string) (string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", executor.Permanent(fmt.Errorf("payload.%s: %w", key, errNotString))
	}
	return s, nil
}

func (x *executors) sendMessage(ctx context.Context, t task.Task) error {
	if x.p.Outbox == nil {
		return x.skip(t, "outbox")
	}
	id, err := optString(t.Payload, KeyMessageID)
	if err != nil {
		return err
	}
	rep, err := x.p.Outbox.Send(ctx, id)
	for _, m := range rep.Sent {
		x.emit(ctx, eventbus.Event{
			Type:      eventbus.MessageSent,
			SubjectID: m.SubjectID,
			Data: eventbus.Data{
				"messageId": m.MessageID,
				"account":   m.Account,
				"subject":   m.Subject,
			},
		})
	}
	for _, l := range rep.Limits {
		x.emit(ctx, eventbus.Event{
			Type: eventbus.LimitReached,
			Data: eventbus.Data{"account": l.Account, "limit": l.Limit},
		})
	}
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	if len(rep.Sent) > 0 {
		x.log.Info("messages sent", logx.Int("count", len(rep.Sent)), logx.String("task_id", t.ID))
	}
	return nil
}

func (x *executors) followupStep(ctx context.Context, t task.Task) error {
	if x.p.Sequences == nil {
		return x.skip(t, "sequences")
	}
	seq, err := optString(t.Payload, KeySequenceID)
	if err != nil {
		return err
	}
	n, err := x.p.Sequences.AdvanceDue(ctx, seq)
	if err != nil {
		return fmt.Errorf("advance sequences: %w", err)
	}
	if n > 0 {
		x.log.Info("followups queued", logx.Int("count", n))
	}
	return nil
}

var inboxEvents = map[InboxKind]eventbus.Type{
	InboxReplied: eventbus.MessageReplied,
	InboxBounced: eventbus.MessageBounced,
	InboxOpened:  eventbus.MessageOpened,
}

func (x *executors) pollInbox(ctx context.Context, t task.Task) error {
	if x.p.Inbox == nil {
		return x.skip(t, "inbox")
	}
	mailbox, err := optString(t.Payload, KeyMailbox)
	if err != nil {
		return err
	}
	evs, err := x.p.Inbox.Poll(ctx, mailbox)
	for _, ie := range evs {
		typ, ok := inboxEvents[ie.Kind]
		if !ok {
			x.log.Warn("inbox event ignored", logx.String("kind", string(ie.Kind)), logx.String("message_id", ie.MessageID))
			continue
		}
		data := eventbus.Data{"messageId": ie.MessageID}
		if ie.Subject != "" {
			data["subject"] = ie.Subject
		}
		if ie.Reason != "" {
			data["reason"] = ie.Reason
		}
		x.emit(ctx, eventbus.Event{Type: typ, SubjectID: ie.SubjectID, Data: data})
	}
	if err != nil {
		return fmt.Errorf("poll inbox %q: %w", mailbox, err)
	}
	return nil
}

func (x *executors) warmupIncrement(ctx context.Context, t task.Task) error {
	if x.p.Warmup == nil {
		return x.skip(t, "warmup")
	}
	if err := x.p.Warmup.Increment(ctx); err != nil {
		return fmt.Errorf("warmup: %w", err)
	}
	return nil
}

func (x *executors) resetCounters(ctx context.Context, t task.Task) error {
	if x.p.Counters == nil {
		return x.skip(t, "counters")
	}
	if err := x.p.Counters.ResetDaily(ctx, x.now()); err != nil {
		return fmt.Errorf("reset counters: %w", err)
	}
	return nil
}

func (x *executors) sendReviewRequest(ctx context.Context, t task.Task) error {
	if x.p.Reviews == nil {
		return x.skip(t, "reviews")
	}
	n, err := x.p.Reviews.SendRequests(ctx, t.SubjectID)
	if err != nil {
		return fmt.Errorf("review requests: %w", err)
	}
	if n > 0 {
		x.log.Info("review requests sent", logx.Int("count", n))
	}
	return nil
}

func (x *executors) sendRetentionReminder(ctx context.Context, t task.Task) error {
	if x.p.Retention == nil {
		return x.skip(t, "retention")
	}
	n, err := x.p.Retention.SendReminders(ctx, t.SubjectID)
	if err != nil {
		return fmt.Errorf("retention reminders: %w", err)
	}
	if n > 0 {
		x.log.Info("retention reminders sent", logx.Int("count", n))
	}
	return nil
}

func (x *executors) generateReport(ctx context.Context, t task.Task) error {
	if x.p.Reports == nil {
		return x.skip(t, "reports")
	}
	kind, err := optString(t.Payload, KeyKind)
	if err != nil {
		return err
	}
	if kind == "" {
		return executor.Permanent(fmt.Errorf("payload.%s is required", KeyKind))
	}
	if err := x.p.Reports.Generate(ctx, kind, t.Payload.Clone()); err != nil {
		return fmt.Errorf("report %s: %w", kind, err)
	}
	return nil
}

func (x *executors) computeAnalytics(ctx context.Context, t task.Task) error {
	if x.p.Analytics == nil {
		return x.skip(t, "analytics")
	}
	window := defaultAnalyticsWindow
	if _, present := t.Payload[KeyWindowHours]; present {
		h, ok := t.Payload.Int(KeyWindowHours)
		if !ok || h <= 0 {
			return executor.Permanent(fmt.Errorf("payload.%s must be a positive integer", KeyWindowHours))
		}
		window = time.Duration(h) * time.Hour
	}
	if err := x.p.Analytics.Compute(ctx, x.now().Add(-window)); err != nil {
		return fmt.Errorf("analytics: %w", err)
	}
	return nil
}
