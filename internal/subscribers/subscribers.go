// Package subscribers holds the fixed reactions to bus events: lifecycle
// updates, activity logging and operator notifications.
package subscribers

import (
	"context"
	"fmt"
	"time"

	"outreachd/internal/eventbus"
	"outreachd/internal/notifier"
	logx "outreachd/pkg/logx"
)

// Activity is a timeline entry on a subject.
type Activity struct {
	SubjectID string        `json:"subjectId"`
	Kind      string        `json:"kind"`
	Summary   string        `json:"summary"`
	Data      eventbus.Data `json:"data,omitempty"`
	At        time.Time     `json:"at"`
}

// Domain is the slice of the data layer the subscribers write to.
type Domain interface {
	UpdateLifecycleStage(ctx context.Context, subjectID, stage string) error
	LogActivity(ctx context.Context, a Activity) error
}

// Notifier is the fire-and-forget notification sink.
type Notifier interface {
	Create(ctx context.Context, n notifier.Notification)
}

type Deps struct {
	Domain   Domain
	Notifier Notifier
	Log      logx.Logger
}

type Options struct {
	// Reviews at or below this rating raise a notification.
	LowRatingThreshold float64
	ReplyStage         string
	BounceStage        string
}

func (o Options) withDefaults() Options {
	if o.LowRatingThreshold <= 0 {
		o.LowRatingThreshold = 3
	}
	if o.ReplyStage == "" {
		o.ReplyStage = "engaged"
	}
	if o.BounceStage == "" {
		o.BounceStage = "bounced"
	}
	return o
}

type subs struct {
	d   Deps
	opt Options
	now func() time.Time
}

// Register wires every reaction onto bus. Missing deps turn the matching
// reactions into no-ops.
func Register(bus *eventbus.Bus, d Deps, opt Options) {
	s := &subs{d: d, opt: opt.withDefaults(), now: time.Now}
	if s.d.Log.IsZero() {
		s.d.Log = logx.Nop()
	}
	s.d.Log = s.d.Log.With(logx.String("comp", "subscribers"))

	bus.On(eventbus.MessageSent, s.onMessageSent)
	bus.On(eventbus.MessageOpened, s.onMessageOpened)
	bus.On(eventbus.MessageReplied, s.onMessageReplied)
	bus.On(eventbus.MessageBounced, s.onMessageBounced)
	bus.On(eventbus.LifecycleChanged, s.onLifecycleChanged)
	bus.On(eventbus.ReviewReceived, s.onReviewReceived)
	bus.On(eventbus.TaskFailed, s.onTaskFailed)
	bus.On(eventbus.LimitReached, s.onLimitReached)
}

func (s *subs) activity(ctx context.Context, e eventbus.Event, summary string) error {
	if s.d.Domain == nil || e.SubjectID == "" {
		return nil
	}
	return s.d.Domain.LogActivity(ctx, Activity{
		SubjectID: e.SubjectID,
		Kind:      string(e.Type),
		Summary:   summary,
		Data:      e.Data,
		At:        s.now().UTC(),
	})
}

func (s *subs) stage(ctx context.Context, subjectID, stage string) error {
	if s.d.Domain == nil || subjectID == "" {
		return nil
	}
	return s.d.Domain.UpdateLifecycleStage(ctx, subjectID, stage)
}

func (s *subs) notify(ctx context.Context, n notifier.Notification) {
	if s.d.Notifier == nil {
		return
	}
	s.d.Notifier.Create(ctx, n)
}

func (s *subs) onMessageSent(ctx context.Context, e eventbus.Event) error {
	return s.activity(ctx, e, withSubject("Message sent", e.Data.String("subject")))
}

func (s *subs) onMessageOpened(ctx context.Context, e eventbus.Event) error {
	return s.activity(ctx, e, withSubject("Message opened", e.Data.String("subject")))
}

func (s *subs) onMessageReplied(ctx context.Context, e eventbus.Event) error {
	if e.SubjectID == "" {
		return nil
	}
	if err := s.stage(ctx, e.SubjectID, s.opt.ReplyStage); err != nil {
		return fmt.Errorf("update stage: %w", err)
	}
	return s.activity(ctx, e, withSubject("Reply received", e.Data.String("subject")))
}

func (s *subs) onMessageBounced(ctx context.Context, e eventbus.Event) error {
	if e.SubjectID == "" {
		return nil
	}
	if err := s.stage(ctx, e.SubjectID, s.opt.BounceStage); err != nil {
		return fmt.Errorf("update stage: %w", err)
	}
	reason := e.Data.String("reason")
	s.notify(ctx, notifier.Notification{
		Type:      notifier.TypeBounce,
		Title:     "Message bounced",
		Message:   withSubject("Delivery failed", reason),
		SubjectID: e.SubjectID,
		ActionURL: "/subjects/" + e.SubjectID,
	})
	return s.activity(ctx, e, withSubject("Message bounced", reason))
}

func (s *subs) onLifecycleChanged(ctx context.Context, e eventbus.Event) error {
	from, to := e.Data.String("from"), e.Data.String("to")
	if to == "" {
		return nil
	}
	summary := "Stage changed to " + to
	if from != "" {
		summary = fmt.Sprintf("Stage changed from %s to %s", from, to)
	}
	return s.activity(ctx, e, summary)
}

func (s *subs) onReviewReceived(ctx context.Context, e eventbus.Event) error {
	rating, ok := e.Data.Float("rating")
	if !ok {
		return nil
	}
	if rating <= s.opt.LowRatingThreshold {
		s.notify(ctx, notifier.Notification{
			Type:      notifier.TypeLowRating,
			Title:     fmt.Sprintf("Low rating received (%g)", rating),
			Message:   e.Data.String("comment"),
			SubjectID: e.SubjectID,
		})
	}
	return s.activity(ctx, e, fmt.Sprintf("Review received: %g", rating))
}

func (s *subs) onTaskFailed(ctx context.Context, e eventbus.Event) error {
	id := e.Data.String("taskId")
	if id == "" {
		return nil
	}
	s.notify(ctx, notifier.Notification{
		Type:      notifier.TypeTaskFailed,
		Title:     fmt.Sprintf("Task %s failed", e.Data.String("type")),
		Message:   e.Data.String("error"),
		SubjectID: e.SubjectID,
		ActionURL: "/tasks/" + id,
	})
	return nil
}

func (s *subs) onLimitReached(ctx context.Context, e eventbus.Event) error {
	account := e.Data.String("account")
	msg := "Daily send limit reached"
	if limit, ok := e.Data.Float("limit"); ok {
		msg = fmt.Sprintf("Daily send limit of %g reached", limit)
	}
	if account != "" {
		msg += " for " + account
	}
	s.notify(ctx, notifier.Notification{
		Type:      notifier.TypeLimitReached,
		Title:     "Send limit reached",
		Message:   msg,
		SubjectID: e.SubjectID,
	})
	return nil
}

func withSubject(prefix, detail string) string {
	if detail == "" {
		return prefix
	}
	return prefix + ": " + detail
}
