package subscribers

import (
	"context"
	"errors"
	"sync"
	"testing"

	"outreachd/internal/eventbus"
	"outreachd/internal/notifier"
	logx "outreachd/pkg/logx"
)

type fakeDomain struct {
	mu         sync.Mutex
	stages     map[string]string
	activities []Activity
	stageErr   error
}

func (f *fakeDomain) UpdateLifecycleStage(_ context.Context, id, stage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stageErr != nil {
		return f.stageErr
	}
	if f.stages == nil {
		f.stages = map[string]string{}
	}
	f.stages[id] = stage
	return nil
}

func (f *fakeDomain) LogActivity(_ context.Context, a Activity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activities = append(f.activities, a)
	return nil
}

type fakeNotifier struct {
	mu  sync.Mutex
	got []notifier.Notification
}

func (f *fakeNotifier) Create(_ context.Context, n notifier.Notification) {
	f.mu.Lock()
	f.got = append(f.got, n)
	f.mu.Unlock()
}

func setup() (*eventbus.Bus, *fakeDomain, *fakeNotifier) {
	bus := eventbus.New(logx.Nop())
	d := &fakeDomain{}
	n := &fakeNotifier{}
	Register(bus, Deps{Domain: d, Notifier: n}, Options{})
	return bus, d, n
}

func TestReplyAdvancesLifecycle(t *testing.T) {
	t.Parallel()

	bus, d, n := setup()
	bus.Emit(context.Background(), eventbus.Event{Type: eventbus.MessageReplied, SubjectID: "c1", Data: eventbus.Data{"subject": "Re: hi"}})

	if d.stages["c1"] != "engaged" {
		t.Fatalf("stage = %q, want engaged", d.stages["c1"])
	}
	if len(d.activities) != 1 || d.activities[0].Summary != "Reply received: Re: hi" {
		t.Fatalf("activities = %+v", d.activities)
	}
	if len(n.got) != 0 {
		t.Fatalf("unexpected notifications: %+v", n.got)
	}
}

func TestBounceNotifies(t *testing.T) {
	t.Parallel()

	bus, d, n := setup()
	bus.Emit(context.Background(), eventbus.Event{Type: eventbus.MessageBounced, SubjectID: "c2", Data: eventbus.Data{"reason": "mailbox full"}})

	if d.stages["c2"] != "bounced" {
		t.Fatalf("stage = %q, want bounced", d.stages["c2"])
	}
	if len(n.got) != 1 || n.got[0].Type != notifier.TypeBounce || n.got[0].SubjectID != "c2" {
		t.Fatalf("notifications = %+v", n.got)
	}
}

func TestLowRatingThreshold(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		rating any
		notify bool
	}{
		{"low", 2, true},
		{"threshold", 3.0, true},
		{"high", 5, false},
		{"missing", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus, _, n := setup()
			data := eventbus.Data{}
			if tt.rating != nil {
				data["rating"] = tt.rating
			}
			bus.Emit(context.Background(), eventbus.Event{Type: eventbus.ReviewReceived, SubjectID: "c3", Data: data})
			if got := len(n.got) == 1; got != tt.notify {
				t.Fatalf("notified = %v, want %v", got, tt.notify)
			}
		})
	}
}

func TestTaskFailedNotification(t *testing.T) {
	t.Parallel()

	bus, _, n := setup()
	bus.Emit(context.Background(), eventbus.Event{Type: eventbus.TaskFailed, Data: eventbus.Data{"taskId": "t9", "type": "POLL_INBOX", "error": "imap timeout"}})

	if len(n.got) != 1 {
		t.Fatalf("notifications = %d, want 1", len(n.got))
	}
	got := n.got[0]
	if got.ActionURL != "/tasks/t9" || got.Message != "imap timeout" || got.Title != "Task POLL_INBOX failed" {
		t.Fatalf("notification = %+v", got)
	}
}

func TestMissingSubjectIsNoop(t *testing.T) {
	t.Parallel()

	bus, d, n := setup()
	for _, typ := range []eventbus.Type{eventbus.MessageSent, eventbus.MessageOpened, eventbus.MessageReplied, eventbus.MessageBounced, eventbus.LifecycleChanged} {
		bus.Emit(context.Background(), eventbus.Event{Type: typ})
	}
	bus.Emit(context.Background(), eventbus.Event{Type: eventbus.TaskFailed})

	if len(d.activities) != 0 || len(d.stages) != 0 || len(n.got) != 0 {
		t.Fatalf("expected no side effects, got activities=%d stages=%d notifications=%d", len(d.activities), len(d.stages), len(n.got))
	}
	if st := bus.Stats(); st.HandlerErrors != 0 {
		t.Fatalf("handler errors = %d, want 0", st.HandlerErrors)
	}
}

func TestStageErrorIsIsolated(t *testing.T) {
	t.Parallel()

	bus := eventbus.New(logx.Nop())
	d := &fakeDomain{stageErr: errors.New("db down")}
	Register(bus, Deps{Domain: d}, Options{})

	var after bool
	bus.On(eventbus.MessageReplied, func(context.Context, eventbus.Event) error { after = true; return nil })
	bus.Emit(context.Background(), eventbus.Event{Type: eventbus.MessageReplied, SubjectID: "c1"})

	if !after {
		t.Fatalf("later handler did not run")
	}
	if st := bus.Stats(); st.HandlerErrors != 1 {
		t.Fatalf("handler errors = %d, want 1", st.HandlerErrors)
	}
}

func TestLimitReachedMessage(t *testing.T) {
	t.Parallel()

	bus, _, n := setup()
	bus.Emit(context.Background(), eventbus.Event{Type: eventbus.LimitReached, Data: eventbus.Data{"account": "sales@x.io", "limit": 50}})
	if len(n.got) != 1 || n.got[0].Message != "Daily send limit of 50 reached for sales@x.io" {
		t.Fatalf("notifications = %+v", n.got)
	}
}
