package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"outreachd/internal/eventbus"
	"outreachd/internal/metrics"
	"outreachd/internal/task"
	"outreachd/internal/task/executor"
	logx "outreachd/pkg/logx"
)

func (s *Service) loop(ctx context.Context) error {
	interval := s.config().PollInterval
	tk := time.NewTicker(interval)
	defer tk.Stop()

	s.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.reload:
			if next := s.config().PollInterval; next != interval {
				interval = next
				tk.Reset(interval)
			}
		case <-tk.C:
			s.poll(ctx)
		}
	}
}

// poll runs one cycle: claim up to the free capacity of due tasks, persist
// them as processing, then hand each to its own goroutine.
func (s *Service) poll(ctx context.Context) {
	now := s.now().UTC()
	s.lastPoll.Store(now.UnixNano())

	cfg := s.config()
	free := cfg.MaxConcurrent - s.activeCount()
	if free <= 0 {
		s.log.Debug("poll skipped: at capacity", logx.Int("max_concurrent", cfg.MaxConcurrent))
		s.metrics.ObservePoll(nil)
		return
	}

	due, err := s.store.FindDueTasks(ctx, now, min(free, cfg.BatchSize))
	s.metrics.ObservePoll(err)
	if err != nil {
		s.pollErrors.Add(1)
		s.log.Error("poll failed", logx.Err(err))
		return
	}

	for _, t := range due {
		if ctx.Err() != nil {
			return
		}
		if !s.claim(t.ID) {
			continue
		}
		t.MarkProcessing(now)
		if err := s.store.UpsertTask(ctx, t); err != nil {
			s.release(t.ID)
			s.log.Error("claim failed", logx.String("task_id", t.ID), logx.String("type", string(t.Type)), logx.Err(err))
			continue
		}
		s.dispatched.Add(1)
		s.metrics.TaskDispatched(string(t.Type))

		timeout := cfg.TaskTimeout
		s.runs.Detach("task."+string(t.Type), func(ctx context.Context) error {
			defer s.release(t.ID)
			s.execute(ctx, t, timeout)
			return nil
		})
	}
}

func (s *Service) execute(ctx context.Context, t task.Task, timeout time.Duration) {
	start := s.now()
	log := s.log.With(logx.String("task_id", t.ID), logx.String("type", string(t.Type)))

	var err error
	ex, ok := s.registry.Lookup(t.Type)
	if !ok {
		err = executor.Permanent(fmt.Errorf("%w for %s", executor.ErrNoExecutor, t.Type))
	} else {
		err = s.run(ctx, ex, t, timeout, log)
	}
	dur := s.now().Sub(start)

	if err == nil {
		s.succeed(ctx, t, dur, log)
		return
	}
	s.fail(ctx, t, err, dur, log)
}

func (s *Service) run(ctx context.Context, ex executor.Executor, t task.Task, timeout time.Duration, log logx.Logger) (err error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("task.panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	err = ex.Execute(runCtx, t.Clone())
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w (timeout %s)", err, timeout)
	}
	return err
}

func (s *Service) succeed(ctx context.Context, t task.Task, dur time.Duration, log logx.Logger) {
	now := s.now().UTC()
	t.MarkCompleted(now)
	// An unsaved transition is left for orphan recovery; acting on it would
	// schedule a second successor when the task runs again.
	if err := s.store.UpsertTask(ctx, t); err != nil {
		s.persistFailed(t, log, "persist completion failed", err)
		return
	}
	s.completed.add(now)
	s.metrics.TaskFinished(string(t.Type), metrics.OutcomeCompleted, dur)

	if dur >= 750*time.Millisecond {
		log.Info("task.completed", logx.Duration("dur", dur), logx.Int("retries", t.RetryCount))
	} else {
		log.Debug("task.completed", logx.Duration("dur", dur), logx.Int("retries", t.RetryCount))
	}
	s.emit(ctx, eventbus.Event{
		Type:      eventbus.TaskCompleted,
		SubjectID: t.SubjectID,
		Data: eventbus.Data{
			"taskId":     t.ID,
			"type":       string(t.Type),
			"durationMs": dur.Milliseconds(),
		},
	})

	if s.recurring == nil {
		return
	}
	next, ok := s.recurring.Successor(t, now)
	if !ok {
		return
	}
	if err := s.store.UpsertTask(ctx, next); err != nil {
		log.Error("schedule successor failed", logx.Err(err))
		return
	}
	log.Debug("successor scheduled", logx.String("next_id", next.ID), logx.Time("scheduled_at", next.ScheduledAt))
}

func (s *Service) fail(ctx context.Context, t task.Task, cause error, dur time.Duration, log logx.Logger) {
	now := s.now().UTC()
	msg := cause.Error()
	t.RecordFailure(now, msg)

	dead := executor.IsPermanent(cause)
	var delay time.Duration
	if !dead {
		d := s.config().Retry.Decide(t.RetryCount, t.MaxRetries, executor.RetryAfterHint(cause))
		dead, delay = d.DeadLetter, d.Delay
	}

	if !dead {
		t.Reschedule(now.Add(delay))
		if err := s.store.UpsertTask(ctx, t); err != nil {
			s.persistFailed(t, log, "persist retry failed", err)
			return
		}
		s.metrics.TaskFinished(string(t.Type), metrics.OutcomeRetried, dur)
		log.Warn("task.retry",
			logx.Int("retry", t.RetryCount),
			logx.Int("max_retries", t.MaxRetries),
			logx.Duration("delay", delay),
			logx.String("err", msg),
		)
		return
	}

	t.MarkDeadLetter()
	if err := s.store.UpsertTask(ctx, t); err != nil {
		s.persistFailed(t, log, "persist dead letter failed", err)
		return
	}
	s.deadLettered.Add(1)
	s.metrics.TaskFinished(string(t.Type), metrics.OutcomeDeadLetter, dur)
	log.Error("task.failed", logx.Int("retries", t.RetryCount), logx.Bool("permanent", executor.IsPermanent(cause)), logx.String("err", msg))
	s.emit(ctx, eventbus.Event{
		Type:      eventbus.TaskFailed,
		SubjectID: t.SubjectID,
		Data: eventbus.Data{
			"taskId":     t.ID,
			"type":       string(t.Type),
			"error":      msg,
			"subjectId":  t.SubjectID,
			"retryCount": t.RetryCount,
		},
	})
}

// persistFailed counts a lost transition. The stored record stays
// processing until recoverOrphans resets it on the next start.
func (s *Service) persistFailed(t task.Task, log logx.Logger, msg string, err error) {
	s.persistErrors.Add(1)
	log.Error(msg, logx.String("status", string(t.Status)), logx.Err(err))
}

func (s *Service) emit(ctx context.Context, e eventbus.Event) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(ctx, e)
}
