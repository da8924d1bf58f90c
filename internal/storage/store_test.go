package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"outreachd/internal/eventbus"
	"outreachd/internal/notifier"
	"outreachd/internal/subscribers"
	"outreachd/internal/task"
	logx "outreachd/pkg/logx"
)

// pgDSNEnv names a disposable Postgres database. Its tables are truncated.
const pgDSNEnv = "OUTREACHD_TEST_PG_DSN"

var storeOpeners = []struct {
	name string
	open func(t *testing.T) Store
}{
	{"memory", func(t *testing.T) Store { return NewMemory() }},
	{"sqlite", func(t *testing.T) Store {
		sq, err := Open(context.Background(), Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "outreachd.db")}, logx.Nop())
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { _ = sq.Close() })
		return sq
	}},
	{"postgres", func(t *testing.T) Store {
		dsn := os.Getenv(pgDSNEnv)
		if dsn == "" {
			t.Skipf("%s not set", pgDSNEnv)
		}
		ctx := context.Background()
		st, err := Open(ctx, Config{Driver: "postgres", DSN: dsn}, logx.Nop())
		if err != nil {
			t.Fatalf("open postgres: %v", err)
		}
		t.Cleanup(func() { _ = st.Close() })
		pg := st.(*pgStore)
		if _, err := pg.pool.Exec(ctx, "TRUNCATE tasks, events, notifications, subjects, activities"); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return st
	}},
}

// forEachStore runs fn against every backend, each on a fresh store.
func forEachStore(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Helper()
	for _, o := range storeOpeners {
		t.Run(o.name, func(t *testing.T) {
			fn(t, o.open(t))
		})
	}
}

func TestTaskStoreContract(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)

		low := task.New(task.WarmupIncrement, task.Payload{"recurring": true, "intervalMs": 3600000}, task.Options{Priority: task.PriorityLow, ScheduledAt: now.Add(-2 * time.Minute)}, now)
		high := task.New(task.SendMessage, nil, task.Options{Priority: task.PriorityHigh, ScheduledAt: now.Add(-time.Minute), SubjectID: "acct-1"}, now)
		future := task.New(task.PollInbox, nil, task.Options{Priority: task.PriorityHigh, ScheduledAt: now.Add(time.Hour)}, now)
		busy := task.New(task.FollowupStep, nil, task.Options{Priority: task.PriorityHigh, ScheduledAt: now.Add(-time.Hour)}, now)
		busy.MarkProcessing(now)

		for _, tk := range []task.Task{low, high, future, busy} {
			if err := st.UpsertTask(ctx, tk); err != nil {
				t.Fatalf("UpsertTask: %v", err)
			}
		}

		due, err := st.FindDueTasks(ctx, now, 10)
		if err != nil {
			t.Fatalf("FindDueTasks: %v", err)
		}
		if len(due) != 2 {
			t.Fatalf("due = %d tasks, want 2 (processing and future excluded)", len(due))
		}
		if due[0].ID != high.ID || due[1].ID != low.ID {
			t.Fatalf("due order = %s,%s want high then low", due[0].Type, due[1].Type)
		}
		if v, ok := due[1].Payload.Interval(); !ok || v != time.Hour {
			t.Fatalf("payload round trip interval = %v,%v", v, ok)
		}
		if !due[1].Payload.Recurring() {
			t.Fatalf("payload round trip lost recurring flag")
		}

		limited, err := st.FindDueTasks(ctx, now, 1)
		if err != nil || len(limited) != 1 {
			t.Fatalf("FindDueTasks(limit 1) = %d,%v", len(limited), err)
		}

		got, err := st.GetTask(ctx, busy.ID)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if got.Status != task.StatusProcessing || got.LastAttemptAt == nil {
			t.Fatalf("GetTask = %+v", got)
		}
		if _, err := st.GetTask(ctx, "missing"); !errors.Is(err, task.ErrNotFound) {
			t.Fatalf("GetTask missing err = %v", err)
		}

		high.RecordFailure(now, "smtp 421")
		high.MarkDeadLetter()
		if err := st.UpsertTask(ctx, high); err != nil {
			t.Fatalf("UpsertTask update: %v", err)
		}
		dead, err := st.FindTasksByStatus(ctx, task.StatusDeadLetter)
		if err != nil || len(dead) != 1 {
			t.Fatalf("FindTasksByStatus(dead) = %d,%v", len(dead), err)
		}
		if dead[0].LastError() != "smtp 421" || dead[0].RetryCount != 1 || dead[0].SubjectID != "acct-1" {
			t.Fatalf("dead task = %+v", dead[0])
		}
	})
}

func TestEventAndNotificationLogs(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		base := time.Now().UTC().Truncate(time.Millisecond)
		for i, typ := range []eventbus.Type{eventbus.MessageSent, eventbus.MessageOpened, eventbus.MessageReplied} {
			rec := eventbus.Record{ID: string(typ), Type: typ, SubjectID: "c1", Data: eventbus.Data{"n": i}, Timestamp: base.Add(time.Duration(i) * time.Second)}
			if err := st.AppendEvent(ctx, rec); err != nil {
				t.Fatalf("AppendEvent: %v", err)
			}
		}
		recs, err := st.ListEvents(ctx, 2)
		if err != nil {
			t.Fatalf("ListEvents: %v", err)
		}
		if len(recs) != 2 || recs[0].Type != eventbus.MessageReplied || recs[1].Type != eventbus.MessageOpened {
			t.Fatalf("ListEvents = %+v", recs)
		}

		n := notifier.Notification{ID: "n1", Type: notifier.TypeBounce, Title: "Bounce", SubjectID: "c1", CreatedAt: base}
		if err := st.AppendNotification(ctx, n); err != nil {
			t.Fatalf("AppendNotification: %v", err)
		}
		ns, err := st.ListNotifications(ctx, 10)
		if err != nil || len(ns) != 1 || ns[0].Title != "Bounce" {
			t.Fatalf("ListNotifications = %+v,%v", ns, err)
		}
	})
}

func TestDomainPort(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		if err := st.UpdateLifecycleStage(ctx, "c1", "contacted"); err != nil {
			t.Fatalf("UpdateLifecycleStage: %v", err)
		}
		if err := st.UpdateLifecycleStage(ctx, "c1", "engaged"); err != nil {
			t.Fatalf("UpdateLifecycleStage: %v", err)
		}
		stage, err := st.LifecycleStage(ctx, "c1")
		if err != nil || stage != "engaged" {
			t.Fatalf("LifecycleStage = %q,%v", stage, err)
		}
		if stage, _ := st.LifecycleStage(ctx, "nobody"); stage != "" {
			t.Fatalf("LifecycleStage(unknown) = %q", stage)
		}

		for _, s := range []string{"first", "second"} {
			if err := st.LogActivity(ctx, subscribers.Activity{SubjectID: "c1", Kind: "message.sent", Summary: s, At: time.Now()}); err != nil {
				t.Fatalf("LogActivity: %v", err)
			}
		}
		acts, err := st.ListActivities(ctx, "c1", 10)
		if err != nil || len(acts) != 2 || acts[0].Summary != "second" {
			t.Fatalf("ListActivities = %+v,%v", acts, err)
		}
	})
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open(context.Background(), Config{Driver: "cassandra"}, logx.Nop()); err == nil {
		t.Fatalf("Open(cassandra) err = nil")
	}
	if _, err := Open(context.Background(), Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatalf("Open(sqlite without path) err = nil")
	}
	if _, err := Open(context.Background(), Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatalf("Open(postgres without dsn) err = nil")
	}
	st, err := Open(context.Background(), Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(default) err = %v", err)
	}
	if _, ok := st.(*Memory); !ok {
		t.Fatalf("Open(default) = %T, want *Memory", st)
	}
}
