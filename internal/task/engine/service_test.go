package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"outreachd/internal/eventbus"
	"outreachd/internal/storage"
	"outreachd/internal/task"
	"outreachd/internal/task/executor"
	"outreachd/internal/task/scheduler"
	logx "outreachd/pkg/logx"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, st task.Store, reg *executor.Registry, rec Recurring, bus Emitter) (*Service, *clock) {
	t.Helper()
	c := &clock{t: t0}
	s := New(Config{PollInterval: time.Hour}, st, reg, rec, bus, nil, logx.Nop())
	s.now = c.Now
	return s, c
}

func put(t *testing.T, st task.Store, tk task.Task) task.Task {
	t.Helper()
	if err := st.UpsertTask(context.Background(), tk); err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}
	return tk
}

func get(t *testing.T, st task.Store, id string) task.Task {
	t.Helper()
	tk, err := st.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask(%s): %v", id, err)
	}
	return tk
}

func countStatus(t *testing.T, st task.Store, s task.Status) int {
	t.Helper()
	ts, err := st.FindTasksByStatus(context.Background(), s)
	if err != nil {
		t.Fatalf("FindTasksByStatus: %v", err)
	}
	return len(ts)
}

func TestPollHonorsConcurrencyCeiling(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	gate := make(chan struct{})
	var running, peak atomic.Int32
	reg := executor.NewRegistry()
	_ = reg.Register(task.SendMessage, executor.Func(func(ctx context.Context, _ task.Task) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-gate
		running.Add(-1)
		return nil
	}))
	s, _ := newTestService(t, st, reg, nil, nil)

	for i := 0; i < 10; i++ {
		put(t, st, task.New(task.SendMessage, nil, task.Options{ScheduledAt: t0.Add(-time.Minute)}, t0))
	}

	s.poll(context.Background())
	if got := s.activeCount(); got != 3 {
		t.Fatalf("active = %d, want 3", got)
	}
	if got := countStatus(t, st, task.StatusProcessing); got != 3 {
		t.Fatalf("processing = %d, want 3", got)
	}
	// A second poll at capacity claims nothing.
	s.poll(context.Background())
	if got := countStatus(t, st, task.StatusProcessing); got != 3 {
		t.Fatalf("processing after second poll = %d, want 3", got)
	}

	close(gate)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.runs.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if peak.Load() > 3 {
		t.Fatalf("peak concurrency = %d, want <= 3", peak.Load())
	}
	if got := countStatus(t, st, task.StatusCompleted); got != 3 {
		t.Fatalf("completed = %d, want 3", got)
	}
	if got := countStatus(t, st, task.StatusPending); got != 7 {
		t.Fatalf("pending = %d, want 7", got)
	}
	if st := s.Status(); st.CompletedLast24h != 3 || st.Dispatched != 3 || st.Active != 0 {
		t.Fatalf("Status = %+v", st)
	}
}

func TestRetryBackoffThenSingleDeadLetter(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	bus := eventbus.New(logx.Nop())
	var failed []eventbus.Event
	bus.On(eventbus.TaskFailed, func(_ context.Context, e eventbus.Event) error {
		failed = append(failed, e)
		return nil
	})
	reg := executor.NewRegistry()
	_ = reg.Register(task.SendMessage, executor.Func(func(context.Context, task.Task) error {
		return errors.New("smtp 451")
	}))
	s, clk := newTestService(t, st, reg, nil, bus)

	tk := put(t, st, task.New(task.SendMessage, nil, task.Options{SubjectID: "acct-7"}, t0))
	ctx := context.Background()
	now := t0
	for i, want := range []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute} {
		clk.Set(now)
		s.execute(ctx, get(t, st, tk.ID), time.Second)
		got := get(t, st, tk.ID)
		if got.Status != task.StatusPending || got.RetryCount != i+1 {
			t.Fatalf("attempt %d: status=%s retry=%d", i+1, got.Status, got.RetryCount)
		}
		if d := got.ScheduledAt.Sub(now); d != want {
			t.Fatalf("attempt %d: delay = %v, want %v", i+1, d, want)
		}
		now = got.ScheduledAt
	}
	if len(failed) != 0 {
		t.Fatalf("task.failed emitted before dead letter")
	}

	clk.Set(now)
	s.execute(ctx, get(t, st, tk.ID), time.Second)
	got := get(t, st, tk.ID)
	if got.Status != task.StatusDeadLetter || got.RetryCount != 4 || len(got.ErrorLog) != 4 {
		t.Fatalf("final = status %s retry %d log %d", got.Status, got.RetryCount, len(got.ErrorLog))
	}
	if len(failed) != 1 {
		t.Fatalf("task.failed emitted %d times, want 1", len(failed))
	}
	e := failed[0]
	if e.SubjectID != "acct-7" || e.Data.String("taskId") != tk.ID || e.Data.String("error") != "smtp 451" {
		t.Fatalf("task.failed = %+v", e)
	}
	if s.Status().DeadLettered != 1 {
		t.Fatalf("DeadLettered = %d", s.Status().DeadLettered)
	}
}

func TestFailureClassification(t *testing.T) {
	t.Parallel()

	reg := executor.NewRegistry()
	_ = reg.Register(task.FollowupStep, executor.Func(func(context.Context, task.Task) error {
		return executor.Permanent(errors.New("payload.sequenceId missing"))
	}))
	_ = reg.Register(task.PollInbox, executor.Func(func(context.Context, task.Task) error {
		return executor.RetryAfter(errors.New("429"), 10*time.Minute)
	}))
	_ = reg.Register(task.WarmupIncrement, executor.Func(func(context.Context, task.Task) error {
		panic("nil mailbox")
	}))
	_ = reg.Register(task.ComputeAnalytics, executor.Func(func(ctx context.Context, _ task.Task) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	cases := []struct {
		typ     task.Type
		status  task.Status
		delay   time.Duration
		errPart string
	}{
		{task.FollowupStep, task.StatusDeadLetter, 0, "sequenceId"},
		{task.GenerateReport, task.StatusDeadLetter, 0, "no executor"},
		{task.PollInbox, task.StatusPending, 10 * time.Minute, "429"},
		{task.WarmupIncrement, task.StatusPending, 30 * time.Second, "panic: nil mailbox"},
		{task.ComputeAnalytics, task.StatusPending, 30 * time.Second, "deadline exceeded"},
	}
	for _, tc := range cases {
		t.Run(string(tc.typ), func(t *testing.T) {
			t.Parallel()
			st := storage.NewMemory()
			s, _ := newTestService(t, st, reg, nil, nil)
			tk := put(t, st, task.New(tc.typ, nil, task.Options{}, t0))
			s.execute(context.Background(), tk, 20*time.Millisecond)

			got := get(t, st, tk.ID)
			if got.Status != tc.status {
				t.Fatalf("status = %s, want %s", got.Status, tc.status)
			}
			if !strings.Contains(got.LastError(), tc.errPart) {
				t.Fatalf("last error = %q, want substring %q", got.LastError(), tc.errPart)
			}
			if tc.status == task.StatusPending {
				if d := got.ScheduledAt.Sub(t0); d != tc.delay {
					t.Fatalf("delay = %v, want %v", d, tc.delay)
				}
			}
		})
	}
}

func TestRecurringSuccessorOnCompletion(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	rec, err := scheduler.New(st, nil, scheduler.Options{}, logx.Nop())
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}
	bus := eventbus.New(logx.Nop())
	var completed int
	bus.On(eventbus.TaskCompleted, func(context.Context, eventbus.Event) error { completed++; return nil })

	reg := executor.NewRegistry()
	_ = reg.Register(task.PollInbox, executor.Func(func(context.Context, task.Task) error { return nil }))
	s, _ := newTestService(t, st, reg, rec, bus)

	tk := put(t, st, task.New(task.PollInbox,
		task.Payload{task.KeyRecurring: true, task.KeyIntervalMs: 300000, "mailbox": "sales"},
		task.Options{Priority: task.PriorityNormal}, t0))
	s.execute(context.Background(), tk, time.Second)

	if got := get(t, st, tk.ID); got.Status != task.StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("original = %+v", got)
	}
	pending, _ := st.FindTasksByStatus(context.Background(), task.StatusPending)
	if len(pending) != 1 {
		t.Fatalf("pending successors = %d, want 1", len(pending))
	}
	next := pending[0]
	if !next.ScheduledAt.Equal(t0.Add(5*time.Minute)) || next.RetryCount != 0 || next.Payload.String("mailbox") != "sales" {
		t.Fatalf("successor = %+v", next)
	}
	if completed != 1 {
		t.Fatalf("task.completed emitted %d times", completed)
	}
}

// flakyStore rejects writes that move a task into one of the failing
// statuses, leaving the stored copy where it was.
type flakyStore struct {
	*storage.Memory
	failing map[task.Status]bool
}

func (f *flakyStore) UpsertTask(ctx context.Context, t task.Task) error {
	if f.failing[t.Status] {
		return errors.New("disk full")
	}
	return f.Memory.UpsertTask(ctx, t)
}

func TestLostTransitionHasNoSideEffects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status task.Status
		err    error
		events eventbus.Type
	}{
		{"completion", task.StatusCompleted, nil, eventbus.TaskCompleted},
		{"dead letter", task.StatusDeadLetter, executor.Permanent(errors.New("bad address")), eventbus.TaskFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			st := &flakyStore{Memory: storage.NewMemory(), failing: map[task.Status]bool{tc.status: true}}
			rec, err := scheduler.New(st, nil, scheduler.Options{}, logx.Nop())
			if err != nil {
				t.Fatalf("scheduler.New: %v", err)
			}
			bus := eventbus.New(logx.Nop())
			var events int
			bus.On(tc.events, func(context.Context, eventbus.Event) error { events++; return nil })

			reg := executor.NewRegistry()
			_ = reg.Register(task.SendMessage, executor.Func(func(context.Context, task.Task) error { return tc.err }))
			s, _ := newTestService(t, st, reg, rec, bus)

			tk := put(t, st, task.New(task.SendMessage,
				task.Payload{task.KeyRecurring: true, task.KeyIntervalMs: 60000},
				task.Options{ScheduledAt: t0.Add(-time.Second)}, t0))
			s.poll(context.Background())
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.runs.Wait(ctx); err != nil {
				t.Fatalf("Wait: %v", err)
			}

			if got := get(t, st, tk.ID).Status; got != task.StatusProcessing {
				t.Fatalf("stored status = %s, want processing", got)
			}
			if got := countStatus(t, st, task.StatusPending); got != 0 {
				t.Fatalf("pending = %d, want 0", got)
			}
			if events != 0 {
				t.Fatalf("%s emitted %d times", tc.events, events)
			}
			stat := s.Status()
			if stat.CompletedLast24h != 0 || stat.DeadLettered != 0 || stat.PersistErrors != 1 {
				t.Fatalf("Status = %+v", stat)
			}

			if err := s.recoverOrphans(context.Background()); err != nil {
				t.Fatalf("recoverOrphans: %v", err)
			}
			if got := countStatus(t, st, task.StatusPending); got != 1 {
				t.Fatalf("pending after recovery = %d, want 1", got)
			}
		})
	}
}

func TestStartIsIdempotentAndRecoversOrphans(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	rec, err := scheduler.New(st, scheduler.DefaultDefinitions(), scheduler.Options{SeedDelay: time.Hour}, logx.Nop())
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}
	orphan := task.New(task.GenerateReport, nil, task.Options{ScheduledAt: time.Now().Add(time.Hour)}, time.Now())
	orphan.MarkProcessing(time.Now())
	put(t, st, orphan)

	s := New(Config{PollInterval: time.Hour}, st, executor.NewRegistry(), rec, nil, nil, logx.Nop())
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if !s.Status().Running {
		t.Fatalf("Running = false after Start")
	}
	if got := get(t, st, orphan.ID).Status; got != task.StatusPending {
		t.Fatalf("orphan status = %s, want pending", got)
	}
	want := len(scheduler.DefaultDefinitions()) + 1
	if got := countStatus(t, st, task.StatusPending); got != want {
		t.Fatalf("pending = %d, want %d", got, want)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Status().Running {
		t.Fatalf("Running = true after Stop")
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer s.Stop(stopCtx)
	if got := countStatus(t, st, task.StatusPending); got != want {
		t.Fatalf("pending after restart = %d, want %d", got, want)
	}
}

func TestStopLetsInflightFinish(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	gate := make(chan struct{})
	started := make(chan struct{})
	var ctxErr atomic.Value
	reg := executor.NewRegistry()
	_ = reg.Register(task.GenerateReport, executor.Func(func(ctx context.Context, _ task.Task) error {
		close(started)
		<-gate
		ctxErr.Store(ctx.Err() != nil)
		return nil
	}))
	tk := put(t, st, task.New(task.GenerateReport, nil, task.Options{ScheduledAt: time.Now().Add(-time.Second)}, time.Now()))

	s := New(Config{PollInterval: time.Hour}, st, reg, nil, nil, nil, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("task never started")
	}

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stopped <- s.Stop(ctx)
	}()
	select {
	case err := <-stopped:
		t.Fatalf("Stop returned %v before the task finished", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	if err := <-stopped; err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if ctxErr.Load() != false {
		t.Fatalf("executor context was cancelled by Stop")
	}
	if got := get(t, st, tk.ID).Status; got != task.StatusCompleted {
		t.Fatalf("status = %s, want completed", got)
	}
}

func TestEnqueueAndRequeue(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	s, _ := newTestService(t, st, executor.NewRegistry(), nil, nil)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, "SEND_FAX", nil, EnqueueOptions{}); !errors.Is(err, executor.ErrUnknownType) {
		t.Fatalf("Enqueue unknown err = %v", err)
	}
	plain, err := s.Enqueue(ctx, task.PollInbox, nil, EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if p := get(t, st, plain).Priority; p != task.PriorityNormal {
		t.Fatalf("default priority = %v, want normal", p)
	}
	id, err := s.Enqueue(ctx, task.GenerateReport, task.Payload{"range": "7d"}, EnqueueOptions{Delay: time.Minute, Priority: task.PriorityHigh})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	got := get(t, st, id)
	if !got.ScheduledAt.Equal(t0.Add(time.Minute)) || got.Priority != task.PriorityHigh || got.MaxRetries != task.DefaultMaxRetries {
		t.Fatalf("enqueued = %+v", got)
	}

	if err := s.Requeue(ctx, id); !errors.Is(err, ErrNotDeadLetter) {
		t.Fatalf("Requeue pending err = %v", err)
	}
	if err := s.Requeue(ctx, "missing"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("Requeue missing err = %v", err)
	}

	got.RecordFailure(t0, "boom")
	got.MarkDeadLetter()
	put(t, st, got)
	if err := s.Requeue(ctx, id); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	got = get(t, st, id)
	if got.Status != task.StatusPending || got.RetryCount != 0 || !got.ScheduledAt.Equal(t0) || len(got.ErrorLog) != 1 {
		t.Fatalf("requeued = %+v", got)
	}
}

func TestApplyNormalizes(t *testing.T) {
	t.Parallel()

	s, _ := newTestService(t, storage.NewMemory(), executor.NewRegistry(), nil, nil)
	s.Apply(Config{MaxConcurrent: 5})
	cfg := s.config()
	if cfg.MaxConcurrent != 5 || cfg.PollInterval != DefaultPollInterval || cfg.BatchSize != DefaultBatchSize {
		t.Fatalf("config = %+v", cfg)
	}
	if st := s.Status(); st.MaxConcurrent != 5 || st.PollIntervalMs != DefaultPollInterval.Milliseconds() {
		t.Fatalf("Status = %+v", st)
	}
}

func TestHourWindowRollsOff(t *testing.T) {
	t.Parallel()

	var w hourWindow
	w.add(t0)
	w.add(t0.Add(30 * time.Minute))
	w.add(t0.Add(5 * time.Hour))
	if got := w.total(t0.Add(5 * time.Hour)); got != 3 {
		t.Fatalf("total = %d, want 3", got)
	}
	if got := w.total(t0.Add(24 * time.Hour)); got != 1 {
		t.Fatalf("total after a day = %d, want 1", got)
	}
	w.add(t0.Add(48 * time.Hour))
	if got := w.total(t0.Add(48 * time.Hour)); got != 1 {
		t.Fatalf("total after reuse = %d, want 1", got)
	}
}
