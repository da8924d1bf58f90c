package storage

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"outreachd/internal/eventbus"
	"outreachd/internal/notifier"
	"outreachd/internal/subscribers"
	"outreachd/internal/task"
)

//go:embed migrations
var migrationsFS embed.FS

type migration struct {
	name string
	sql  string
}

// loadMigrations returns the dialect's scripts ordered by file name.
func loadMigrations(dialect string) ([]migration, error) {
	dir := "migrations/" + dialect
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	var out []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		b, err := migrationsFS.ReadFile(dir + "/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		if s := strings.TrimSpace(string(b)); s != "" {
			out = append(out, migration{name: e.Name(), sql: s})
		}
	}
	return out, nil
}

// rowScanner is satisfied by *sql.Row, *sql.Rows and pgx.Row.
type rowScanner interface {
	Scan(dest ...any) error
}

const taskColumns = `id, type, subject_id, scheduled_at, payload, priority, status, retry_count, max_retries, error_log, created_at, last_attempt_at, completed_at`

type taskRow struct {
	ID            string
	Type          string
	SubjectID     string
	ScheduledAt   int64
	Payload       string
	Priority      int
	Status        string
	RetryCount    int
	MaxRetries    int
	ErrorLog      string
	CreatedAt     int64
	LastAttemptAt *int64
	CompletedAt   *int64
}

func (r taskRow) args() []any {
	return []any{r.ID, r.Type, r.SubjectID, r.ScheduledAt, r.Payload, r.Priority, r.Status,
		r.RetryCount, r.MaxRetries, r.ErrorLog, r.CreatedAt, r.LastAttemptAt, r.CompletedAt}
}

func encodeTask(t task.Task) (taskRow, error) {
	payload := []byte("{}")
	if len(t.Payload) > 0 {
		b, err := json.Marshal(t.Payload)
		if err != nil {
			return taskRow{}, fmt.Errorf("marshal payload: %w", err)
		}
		payload = b
	}
	errLog := []byte("[]")
	if len(t.ErrorLog) > 0 {
		b, err := json.Marshal(t.ErrorLog)
		if err != nil {
			return taskRow{}, fmt.Errorf("marshal error log: %w", err)
		}
		errLog = b
	}
	return taskRow{
		ID:            t.ID,
		Type:          string(t.Type),
		SubjectID:     t.SubjectID,
		ScheduledAt:   t.ScheduledAt.UnixMilli(),
		Payload:       string(payload),
		Priority:      int(t.Priority),
		Status:        string(t.Status),
		RetryCount:    t.RetryCount,
		MaxRetries:    t.MaxRetries,
		ErrorLog:      string(errLog),
		CreatedAt:     t.CreatedAt.UnixMilli(),
		LastAttemptAt: millisPtr(t.LastAttemptAt),
		CompletedAt:   millisPtr(t.CompletedAt),
	}, nil
}

func scanTask(s rowScanner) (task.Task, error) {
	var r taskRow
	var payload, errLog []byte
	if err := s.Scan(&r.ID, &r.Type, &r.SubjectID, &r.ScheduledAt, &payload, &r.Priority, &r.Status,
		&r.RetryCount, &r.MaxRetries, &errLog, &r.CreatedAt, &r.LastAttemptAt, &r.CompletedAt); err != nil {
		return task.Task{}, err
	}
	t := task.Task{
		ID:            r.ID,
		Type:          task.Type(r.Type),
		SubjectID:     r.SubjectID,
		ScheduledAt:   time.UnixMilli(r.ScheduledAt).UTC(),
		Priority:      task.Priority(r.Priority),
		Status:        task.Status(r.Status),
		RetryCount:    r.RetryCount,
		MaxRetries:    r.MaxRetries,
		CreatedAt:     time.UnixMilli(r.CreatedAt).UTC(),
		LastAttemptAt: timePtr(r.LastAttemptAt),
		CompletedAt:   timePtr(r.CompletedAt),
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &t.Payload); err != nil {
			return task.Task{}, fmt.Errorf("unmarshal payload of %s: %w", r.ID, err)
		}
		if len(t.Payload) == 0 {
			t.Payload = nil
		}
	}
	if len(errLog) > 0 {
		if err := json.Unmarshal(errLog, &t.ErrorLog); err != nil {
			return task.Task{}, fmt.Errorf("unmarshal error log of %s: %w", r.ID, err)
		}
		if len(t.ErrorLog) == 0 {
			t.ErrorLog = nil
		}
	}
	return t, nil
}

func scanEvent(s rowScanner) (eventbus.Record, error) {
	var rec eventbus.Record
	var typ string
	var data []byte
	var ts int64
	if err := s.Scan(&rec.ID, &typ, &rec.SubjectID, &data, &ts); err != nil {
		return eventbus.Record{}, err
	}
	rec.Type = eventbus.Type(typ)
	rec.Timestamp = time.UnixMilli(ts).UTC()
	if len(data) > 0 && string(data) != "{}" && string(data) != "null" {
		if err := json.Unmarshal(data, &rec.Data); err != nil {
			return eventbus.Record{}, fmt.Errorf("unmarshal event data: %w", err)
		}
	}
	return rec, nil
}

func scanNotification(s rowScanner) (notifier.Notification, error) {
	var n notifier.Notification
	var created int64
	if err := s.Scan(&n.ID, &n.Type, &n.Title, &n.Message, &n.SubjectID, &n.ActionURL, &created); err != nil {
		return notifier.Notification{}, err
	}
	n.CreatedAt = time.UnixMilli(created).UTC()
	return n, nil
}

func scanActivity(s rowScanner) (subscribers.Activity, error) {
	var a subscribers.Activity
	var data []byte
	var at int64
	if err := s.Scan(&a.SubjectID, &a.Kind, &a.Summary, &data, &at); err != nil {
		return subscribers.Activity{}, err
	}
	a.At = time.UnixMilli(at).UTC()
	if len(data) > 0 && string(data) != "{}" && string(data) != "null" {
		if err := json.Unmarshal(data, &a.Data); err != nil {
			return subscribers.Activity{}, fmt.Errorf("unmarshal activity data: %w", err)
		}
	}
	return a, nil
}

func marshalData(d map[string]any) (string, error) {
	if len(d) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func millisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.UnixMilli()
	return &v
}

func timePtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
