package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"outreachd/internal/task"
	logx "outreachd/pkg/logx"
)

const DefaultSeedDelay = 5 * time.Second

type Options struct {
	// SeedDelay is how far in the future seeded interval tasks are scheduled.
	SeedDelay time.Duration
	// Location is used for cron evaluation. Nil means UTC.
	Location *time.Location
	Now      func() time.Time
}

// Recurring seeds recurring definitions and builds successors.
type Recurring struct {
	store task.Store
	log   logx.Logger
	opt   Options

	mu   sync.RWMutex
	defs []Definition
}

func New(store task.Store, defs []Definition, opt Options, log logx.Logger) (*Recurring, error) {
	if store == nil {
		return nil, fmt.Errorf("scheduler: store is required")
	}
	if opt.SeedDelay <= 0 {
		opt.SeedDelay = DefaultSeedDelay
	}
	if opt.Location == nil {
		opt.Location = time.UTC
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	r := &Recurring{store: store, log: log.With(logx.String("comp", "scheduler")), opt: opt}
	if err := r.SetDefinitions(defs); err != nil {
		return nil, err
	}
	return r, nil
}

// SetDefinitions replaces the definition set. Duplicate types are rejected.
// Running tasks keep the cadence stored in their payload.
func (r *Recurring) SetDefinitions(defs []Definition) error {
	seen := make(map[task.Type]struct{}, len(defs))
	out := make([]Definition, 0, len(defs))
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		if _, dup := seen[d.Type]; dup {
			return fmt.Errorf("scheduler: duplicate definition for %s", d.Type)
		}
		seen[d.Type] = struct{}{}
		d.Payload = d.Payload.Clone()
		out = append(out, d)
	}
	r.mu.Lock()
	r.defs = out
	r.mu.Unlock()
	return nil
}

func (r *Recurring) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Definition(nil), r.defs...)
}

// Seed inserts one pending task for every definition whose type has no live
// recurring task (pending or processing). It returns the number inserted.
// Calling it again without intervening completions inserts nothing.
func (r *Recurring) Seed(ctx context.Context) (int, error) {
	live := make(map[task.Type]bool)
	for _, st := range []task.Status{task.StatusPending, task.StatusProcessing} {
		ts, err := r.store.FindTasksByStatus(ctx, st)
		if err != nil {
			return 0, fmt.Errorf("scheduler: list %s: %w", st, err)
		}
		for _, t := range ts {
			if t.Payload.Recurring() {
				live[t.Type] = true
			}
		}
	}

	now := r.opt.Now().UTC()
	seeded := 0
	for _, d := range r.Definitions() {
		if live[d.Type] {
			continue
		}
		at := now.Add(r.opt.SeedDelay)
		if d.Cron != "" {
			next, err := nextCronFire(d.Cron, now.In(r.opt.Location))
			if err != nil {
				r.log.Warn("seed skipped", logx.String("type", string(d.Type)), logx.Err(err))
				continue
			}
			at = next.UTC()
		}
		t := task.New(d.Type, d.payload(), task.Options{
			SubjectID:   d.SubjectID,
			Priority:    d.Priority,
			ScheduledAt: at,
		}, now)
		if err := r.store.UpsertTask(ctx, t); err != nil {
			return seeded, fmt.Errorf("scheduler: seed %s: %w", d.Type, err)
		}
		seeded++
		r.log.Info("recurring seeded",
			logx.String("type", string(d.Type)),
			logx.String("task_id", t.ID),
			logx.Time("scheduled_at", at),
		)
	}
	return seeded, nil
}

// Successor builds the next occurrence of a completed recurring task. ok is
// false when the task is not recurring or its cadence cannot be read.
func (r *Recurring) Successor(done task.Task, completedAt time.Time) (task.Task, bool) {
	if !done.Payload.Recurring() {
		return task.Task{}, false
	}
	completedAt = completedAt.UTC()
	var at time.Time
	if every, ok := done.Payload.Interval(); ok {
		at = completedAt.Add(every)
	} else if expr := done.Payload.CronSpec(); expr != "" {
		next, err := nextCronFire(expr, completedAt.In(r.opt.Location))
		if err != nil {
			r.log.Warn("recurring successor skipped",
				logx.String("task_id", done.ID),
				logx.String("type", string(done.Type)),
				logx.Err(err),
			)
			return task.Task{}, false
		}
		at = next.UTC()
	} else {
		r.log.Warn("recurring task without cadence",
			logx.String("task_id", done.ID),
			logx.String("type", string(done.Type)),
			logx.Any("interval_ms", done.Payload[task.KeyIntervalMs]),
		)
		return task.Task{}, false
	}
	return task.New(done.Type, done.Payload, task.Options{
		SubjectID:   done.SubjectID,
		Priority:    done.Priority,
		ScheduledAt: at,
		MaxRetries:  done.MaxRetries,
	}, completedAt), true
}
