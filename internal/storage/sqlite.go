package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"outreachd/internal/eventbus"
	"outreachd/internal/notifier"
	"outreachd/internal/subscribers"
	"outreachd/internal/task"
	logx "outreachd/pkg/logx"
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	ms, err := loadMigrations("sqlite")
	if err != nil {
		return err
	}
	for _, m := range ms {
		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", m.name, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) UpsertTask(ctx context.Context, t task.Task) error {
	r, err := encodeTask(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			type=excluded.type, subject_id=excluded.subject_id, scheduled_at=excluded.scheduled_at,
			payload=excluded.payload, priority=excluded.priority, status=excluded.status,
			retry_count=excluded.retry_count, max_retries=excluded.max_retries, error_log=excluded.error_log,
			last_attempt_at=excluded.last_attempt_at, completed_at=excluded.completed_at`,
		r.args()...,
	)
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", t.ID, err)
	}
	return nil
}

func (s *sqliteStore) GetTask(ctx context.Context, id string) (task.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, task.ErrNotFound
	}
	return t, err
}

func (s *sqliteStore) FindTasksByStatus(ctx context.Context, st task.Status) ([]task.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at`, string(st))
}

func (s *sqliteStore) FindDueTasks(ctx context.Context, now time.Time, limit int) ([]task.Task, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'pending' AND scheduled_at <= ?
		ORDER BY priority DESC, scheduled_at ASC, created_at ASC
		LIMIT ?`, now.UnixMilli(), limit)
}

func (s *sqliteStore) queryTasks(ctx context.Context, q string, args ...any) ([]task.Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var out []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendEvent(ctx context.Context, r eventbus.Record) error {
	data, err := marshalData(r.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (id, type, subject_id, data, ts) VALUES (?,?,?,?,?)`,
		r.ID, string(r.Type), r.SubjectID, data, orNow(r.Timestamp).UnixMilli(),
	)
	return err
}

func (s *sqliteStore) ListEvents(ctx context.Context, limit int) ([]eventbus.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, subject_id, data, ts FROM events ORDER BY ts DESC, rowid DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []eventbus.Record
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendNotification(ctx context.Context, n notifier.Notification) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, type, title, message, subject_id, action_url, created_at) VALUES (?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		n.ID, n.Type, n.Title, n.Message, n.SubjectID, n.ActionURL, orNow(n.CreatedAt).UnixMilli(),
	)
	return err
}

func (s *sqliteStore) ListNotifications(ctx context.Context, limit int) ([]notifier.Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, title, message, subject_id, action_url, created_at FROM notifications
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []notifier.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateLifecycleStage(ctx context.Context, subjectID, stage string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subjects (id, stage, updated_at) VALUES (?,?,?)
		 ON CONFLICT(id) DO UPDATE SET stage=excluded.stage, updated_at=excluded.updated_at`,
		subjectID, stage, time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) LifecycleStage(ctx context.Context, subjectID string) (string, error) {
	var stage string
	err := s.db.QueryRowContext(ctx, `SELECT stage FROM subjects WHERE id = ?`, subjectID).Scan(&stage)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return stage, err
}

func (s *sqliteStore) LogActivity(ctx context.Context, a subscribers.Activity) error {
	data, err := marshalData(a.Data)
	if err != nil {
		return fmt.Errorf("marshal activity data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO activities (subject_id, kind, summary, data, at) VALUES (?,?,?,?,?)`,
		a.SubjectID, a.Kind, a.Summary, data, orNow(a.At).UnixMilli(),
	)
	return err
}

func (s *sqliteStore) ListActivities(ctx context.Context, subjectID string, limit int) ([]subscribers.Activity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT subject_id, kind, summary, data, at FROM activities WHERE subject_id = ?
		 ORDER BY seq DESC LIMIT ?`, subjectID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []subscribers.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
