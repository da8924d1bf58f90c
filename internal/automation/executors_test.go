package automation

import (
	"context"
	"errors"
	"testing"
	"time"

	"outreachd/internal/eventbus"
	"outreachd/internal/task"
	"outreachd/internal/task/executor"
	logx "outreachd/pkg/logx"
)

type recorder struct{ events []eventbus.Event }

func (r *recorder) Emit(_ context.Context, e eventbus.Event) { r.events = append(r.events, e) }

func (r *recorder) types() []eventbus.Type {
	out := make([]eventbus.Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type fakeOutbox struct {
	gotID string
	rep   SendReport
	err   error
}

func (o *fakeOutbox) Send(_ context.Context, id string) (SendReport, error) {
	o.gotID = id
	return o.rep, o.err
}

type fakeInbox struct {
	evs []InboxEvent
	err error
}

func (i fakeInbox) Poll(context.Context, string) ([]InboxEvent, error) { return i.evs, i.err }

type fakeReports struct{ kind string }

func (r *fakeReports) Generate(_ context.Context, kind string, _ task.Payload) error {
	r.kind = kind
	return nil
}

type fakeAnalytics struct{ since time.Time }

func (a *fakeAnalytics) Compute(_ context.Context, since time.Time) error {
	a.since = since
	return nil
}

func lookup(t *testing.T, reg *executor.Registry, typ task.Type) executor.Executor {
	t.Helper()
	ex, ok := reg.Lookup(typ)
	if !ok {
		t.Fatalf("no executor for %s", typ)
	}
	return ex
}

func TestRegisterIsExhaustive(t *testing.T) {
	t.Parallel()

	reg := executor.NewRegistry()
	if err := Register(reg, Ports{}, nil, logx.Nop()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	// Unconfigured ports must not fail, so recurring cadence survives.
	for _, typ := range task.AllTypes() {
		if err := lookup(t, reg, typ).Execute(context.Background(), task.New(typ, nil, task.Options{}, time.Now())); err != nil {
			t.Fatalf("%s with no port: %v", typ, err)
		}
	}
}

func TestSendMessageEmitsSentAndLimit(t *testing.T) {
	t.Parallel()

	ob := &fakeOutbox{
		rep: SendReport{
			Sent:   []SentMessage{{MessageID: "m1", SubjectID: "c1", Account: "a@x.io", Subject: "Intro"}},
			Limits: []LimitHit{{Account: "a@x.io", Limit: 40}},
		},
		err: errors.New("smtp timeout after first message"),
	}
	rec := &recorder{}
	reg := executor.NewRegistry()
	_ = Register(reg, Ports{Outbox: ob}, rec, logx.Nop())

	err := lookup(t, reg, task.SendMessage).Execute(context.Background(),
		task.New(task.SendMessage, task.Payload{KeyMessageID: "m1"}, task.Options{}, time.Now()))
	if err == nil || executor.IsPermanent(err) {
		t.Fatalf("err = %v, want transient", err)
	}
	if ob.gotID != "m1" {
		t.Fatalf("outbox got id %q", ob.gotID)
	}
	got := rec.types()
	if len(got) != 2 || got[0] != eventbus.MessageSent || got[1] != eventbus.LimitReached {
		t.Fatalf("events = %v", got)
	}
	if rec.events[0].SubjectID != "c1" || rec.events[0].Data.String("subject") != "Intro" {
		t.Fatalf("message.sent = %+v", rec.events[0])
	}
	if v, _ := rec.events[1].Data.Float("limit"); v != 40 {
		t.Fatalf("limit.reached = %+v", rec.events[1])
	}
}

func TestPollInboxMapsKinds(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	reg := executor.NewRegistry()
	_ = Register(reg, Ports{Inbox: fakeInbox{evs: []InboxEvent{
		{Kind: InboxReplied, SubjectID: "c1", MessageID: "m1", Subject: "Re: Intro"},
		{Kind: "autoreply", SubjectID: "c2"},
		{Kind: InboxBounced, SubjectID: "c3", MessageID: "m3", Reason: "550 no such user"},
		{Kind: InboxOpened, SubjectID: "c4", MessageID: "m4"},
	}}}, rec, logx.Nop())

	if err := lookup(t, reg, task.PollInbox).Execute(context.Background(), task.New(task.PollInbox, nil, task.Options{}, time.Now())); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got := rec.types()
	want := []eventbus.Type{eventbus.MessageReplied, eventbus.MessageBounced, eventbus.MessageOpened}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
	if rec.events[1].Data.String("reason") != "550 no such user" {
		t.Fatalf("bounce data = %+v", rec.events[1].Data)
	}
}

func TestMalformedPayloadIsPermanent(t *testing.T) {
	t.Parallel()

	reg := executor.NewRegistry()
	_ = Register(reg, Ports{
		Outbox:    &fakeOutbox{},
		Reports:   &fakeReports{},
		Analytics: &fakeAnalytics{},
		Inbox:     fakeInbox{},
	}, nil, logx.Nop())

	cases := []struct {
		typ task.Type
		p   task.Payload
	}{
		{task.SendMessage, task.Payload{KeyMessageID: 42}},
		{task.PollInbox, task.Payload{KeyMailbox: []string{"a"}}},
		{task.GenerateReport, nil},
		{task.GenerateReport, task.Payload{KeyKind: true}},
		{task.ComputeAnalytics, task.Payload{KeyWindowHours: "a week"}},
		{task.ComputeAnalytics, task.Payload{KeyWindowHours: -1}},
	}
	for _, tc := range cases {
		err := lookup(t, reg, tc.typ).Execute(context.Background(), task.New(tc.typ, tc.p, task.Options{}, time.Now()))
		if !executor.IsPermanent(err) {
			t.Fatalf("%s %v: err = %v, want permanent", tc.typ, tc.p, err)
		}
	}
}

func TestReportAndAnalyticsArgs(t *testing.T) {
	t.Parallel()

	rep := &fakeReports{}
	an := &fakeAnalytics{}
	x := &executors{p: Ports{Reports: rep, Analytics: an}, log: logx.Nop(), now: func() time.Time {
		return time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	}}

	if err := x.generateReport(context.Background(), task.New(task.GenerateReport, task.Payload{KeyKind: "weekly"}, task.Options{}, time.Now())); err != nil {
		t.Fatalf("generateReport: %v", err)
	}
	if rep.kind != "weekly" {
		t.Fatalf("report kind = %q", rep.kind)
	}
	if err := x.computeAnalytics(context.Background(), task.New(task.ComputeAnalytics, task.Payload{KeyWindowHours: float64(6)}, task.Options{}, time.Now())); err != nil {
		t.Fatalf("computeAnalytics: %v", err)
	}
	if want := time.Date(2026, 7, 1, 6, 0, 0, 0, time.UTC); !an.since.Equal(want) {
		t.Fatalf("since = %v, want %v", an.since, want)
	}
	if err := x.computeAnalytics(context.Background(), task.New(task.ComputeAnalytics, nil, task.Options{}, time.Now())); err != nil {
		t.Fatalf("computeAnalytics default: %v", err)
	}
	if want := time.Date(2026, 6, 30, 12, 0, 0, 0, time.UTC); !an.since.Equal(want) {
		t.Fatalf("default since = %v, want %v", an.since, want)
	}
}
