package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"outreachd/internal/eventbus"
	"outreachd/internal/notifier"
	"outreachd/internal/subscribers"
	"outreachd/internal/task"
)

// Memory is a process-local Store. Engine and scheduler tests run on it.
type Memory struct {
	mu            sync.Mutex
	tasks         map[string]task.Task
	events        []eventbus.Record
	notifications []notifier.Notification
	stages        map[string]string
	activities    map[string][]subscribers.Activity
}

func NewMemory() *Memory {
	return &Memory{
		tasks:      map[string]task.Task{},
		stages:     map[string]string{},
		activities: map[string][]subscribers.Activity{},
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) UpsertTask(_ context.Context, t task.Task) error {
	m.mu.Lock()
	m.tasks[t.ID] = t.Clone()
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetTask(_ context.Context, id string) (task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return task.Task{}, task.ErrNotFound
	}
	return t.Clone(), nil
}

func (m *Memory) FindTasksByStatus(_ context.Context, st task.Status) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []task.Task
	for _, t := range m.tasks {
		if t.Status == st {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) FindDueTasks(_ context.Context, now time.Time, limit int) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []task.Task
	for _, t := range m.tasks {
		if t.Status == task.StatusPending && !t.ScheduledAt.After(now) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return task.DueBefore(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) AppendEvent(_ context.Context, r eventbus.Record) error {
	m.mu.Lock()
	m.events = append(m.events, r)
	m.mu.Unlock()
	return nil
}

func (m *Memory) ListEvents(_ context.Context, limit int) ([]eventbus.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return newestFirst(m.events, clampLimit(limit)), nil
}

func (m *Memory) AppendNotification(_ context.Context, n notifier.Notification) error {
	m.mu.Lock()
	m.notifications = append(m.notifications, n)
	m.mu.Unlock()
	return nil
}

func (m *Memory) ListNotifications(_ context.Context, limit int) ([]notifier.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return newestFirst(m.notifications, clampLimit(limit)), nil
}

func (m *Memory) UpdateLifecycleStage(_ context.Context, subjectID, stage string) error {
	m.mu.Lock()
	m.stages[subjectID] = stage
	m.mu.Unlock()
	return nil
}

func (m *Memory) LifecycleStage(_ context.Context, subjectID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stages[subjectID], nil
}

func (m *Memory) LogActivity(_ context.Context, a subscribers.Activity) error {
	m.mu.Lock()
	m.activities[a.SubjectID] = append(m.activities[a.SubjectID], a)
	m.mu.Unlock()
	return nil
}

func (m *Memory) ListActivities(_ context.Context, subjectID string, limit int) ([]subscribers.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return newestFirst(m.activities[subjectID], clampLimit(limit)), nil
}

func newestFirst[T any](in []T, limit int) []T {
	n := min(len(in), limit)
	out := make([]T, 0, n)
	for i := len(in) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, in[i])
	}
	return out
}
