package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"outreachd/internal/task"
	"outreachd/internal/task/executor"
	logx "outreachd/pkg/logx"

	rtsup "outreachd/internal/runtime/supervisor"
)

// Service is the polling dispatcher. It claims due tasks from the store,
// runs them through the executor registry with at most MaxConcurrent in
// flight, and applies the retry policy to failures.
type Service struct {
	store     task.Store
	registry  *executor.Registry
	recurring Recurring
	bus       Emitter
	metrics   Metrics
	log       logx.Logger
	now       func() time.Time

	// lifeMu serializes Start and Stop.
	lifeMu sync.Mutex
	sup    *rtsup.Supervisor
	seeded bool

	// runs owns task executions. It is never cancelled so Stop can let
	// in-flight work finish.
	runs *rtsup.Supervisor

	mu       sync.Mutex
	cfg      Config
	inflight map[string]struct{}
	reload   chan struct{}

	lastPoll      atomic.Int64
	pollErrors    atomic.Uint64
	dispatched    atomic.Uint64
	deadLettered  atomic.Uint64
	persistErrors atomic.Uint64
	completed     hourWindow
}

// New builds a dispatcher. recurring, bus and metrics may be nil.
func New(cfg Config, store task.Store, registry *executor.Registry, recurring Recurring, bus Emitter, metrics Metrics, log logx.Logger) *Service {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	log = log.With(logx.String("comp", "dispatcher"))
	return &Service{
		store:     store,
		registry:  registry,
		recurring: recurring,
		bus:       bus,
		metrics:   metrics,
		log:       log,
		now:       time.Now,
		runs:      rtsup.New(context.Background(), rtsup.WithLogger(log)),
		cfg:       cfg.withDefaults(),
		inflight:  make(map[string]struct{}),
		reload:    make(chan struct{}, 1),
	}
}

// Apply swaps the configuration. A new poll interval takes effect on the
// next tick; a lower MaxConcurrent lets running tasks finish.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.mu.Unlock()
	if prev != cfg {
		s.log.Info("dispatcher config applied",
			logx.Duration("poll_interval", cfg.PollInterval),
			logx.Int("max_concurrent", cfg.MaxConcurrent),
			logx.Int("batch_size", cfg.BatchSize),
		)
	}
	select {
	case s.reload <- struct{}{}:
	default:
	}
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start recovers tasks a previous process left in processing, seeds the
// recurring definitions on the first start, and launches the poll loop.
// Calling Start on a running dispatcher is a no-op.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.sup != nil {
		return nil
	}

	if err := s.recoverOrphans(ctx); err != nil {
		return err
	}
	if !s.seeded && s.recurring != nil {
		n, err := s.recurring.Seed(ctx)
		if err != nil {
			return fmt.Errorf("seed recurring tasks: %w", err)
		}
		s.seeded = true
		if n > 0 {
			s.log.Info("recurring tasks seeded", logx.Int("count", n))
		}
	}

	sup := rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup = sup
	sup.GoRestart("dispatcher.poll", s.loop, rtsup.WithRestartBackoff(time.Second, time.Minute))

	cfg := s.config()
	s.log.Info("dispatcher started",
		logx.Duration("poll_interval", cfg.PollInterval),
		logx.Int("max_concurrent", cfg.MaxConcurrent),
		logx.Int("batch_size", cfg.BatchSize),
	)
	return nil
}

// Stop halts polling and waits, bounded by ctx, for in-flight tasks. Running
// executors are not cancelled.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	sup := s.sup
	if sup == nil {
		return nil
	}
	s.sup = nil
	sup.Cancel()

	err := sup.Wait(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if werr := s.runs.Wait(ctx); werr != nil {
		err = errors.Join(err, werr)
	}
	if err != nil {
		s.log.Warn("dispatcher stop timed out", logx.Int("active", s.activeCount()), logx.Err(err))
		return err
	}
	s.log.Info("dispatcher stopped")
	return nil
}

func (s *Service) Running() bool {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	return s.sup != nil
}

// recoverOrphans resets processing tasks that this process is not running.
func (s *Service) recoverOrphans(ctx context.Context) error {
	stuck, err := s.store.FindTasksByStatus(ctx, task.StatusProcessing)
	if err != nil {
		return fmt.Errorf("list processing tasks: %w", err)
	}
	n := 0
	for _, t := range stuck {
		if s.isInflight(t.ID) {
			continue
		}
		t.Status = task.StatusPending
		if err := s.store.UpsertTask(ctx, t); err != nil {
			return fmt.Errorf("recover task %s: %w", t.ID, err)
		}
		n++
	}
	if n > 0 {
		s.log.Warn("recovered orphaned tasks", logx.Int("count", n))
	}
	return nil
}

// Enqueue inserts a one-off pending task and returns its id.
func (s *Service) Enqueue(ctx context.Context, typ task.Type, payload task.Payload, opt EnqueueOptions) (string, error) {
	if !typ.Valid() {
		return "", fmt.Errorf("enqueue %q: %w", typ, executor.ErrUnknownType)
	}
	now := s.now().UTC()
	at := opt.ScheduledAt
	if at.IsZero() && opt.Delay > 0 {
		at = now.Add(opt.Delay)
	}
	t := task.New(typ, payload, task.Options{
		SubjectID:   opt.SubjectID,
		Priority:    opt.Priority,
		ScheduledAt: at,
		MaxRetries:  opt.MaxRetries,
	}, now)
	if err := s.store.UpsertTask(ctx, t); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", typ, err)
	}
	s.log.Debug("task enqueued", logx.String("task_id", t.ID), logx.String("type", string(typ)), logx.Time("scheduled_at", t.ScheduledAt))
	return t.ID, nil
}

// Requeue gives a dead-lettered task a fresh set of attempts, due now.
func (s *Service) Requeue(ctx context.Context, id string) error {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != task.StatusDeadLetter {
		return fmt.Errorf("requeue %s (%s): %w", id, t.Status, ErrNotDeadLetter)
	}
	t.Requeue(s.now().UTC())
	if err := s.store.UpsertTask(ctx, t); err != nil {
		return fmt.Errorf("requeue %s: %w", id, err)
	}
	s.log.Info("task requeued", logx.String("task_id", id), logx.String("type", string(t.Type)))
	return nil
}

func (s *Service) Status() Status {
	cfg := s.config()
	st := Status{
		Running:          s.Running(),
		CompletedLast24h: s.completed.total(s.now()),
		Active:           s.activeCount(),
		MaxConcurrent:    cfg.MaxConcurrent,
		PollIntervalMs:   cfg.PollInterval.Milliseconds(),
		PollErrors:       s.pollErrors.Load(),
		Dispatched:       s.dispatched.Load(),
		DeadLettered:     s.deadLettered.Load(),
		PersistErrors:    s.persistErrors.Load(),
	}
	if ns := s.lastPoll.Load(); ns != 0 {
		st.LastPollAt = time.Unix(0, ns).UTC()
	}
	return st
}

func (s *Service) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

func (s *Service) isInflight(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[id]
	return ok
}

// claim reserves a slot for id. It fails when the task is already running
// here or the ceiling is reached.
func (s *Service) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	if len(s.inflight) >= s.cfg.MaxConcurrent {
		return false
	}
	s.inflight[id] = struct{}{}
	s.metrics.SetActive(len(s.inflight))
	return true
}

func (s *Service) release(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	n := len(s.inflight)
	s.mu.Unlock()
	s.metrics.SetActive(n)
}
