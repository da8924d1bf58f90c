package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"outreachd/internal/eventbus"
	"outreachd/internal/notifier"
	"outreachd/internal/subscribers"
	"outreachd/internal/task"
	logx "outreachd/pkg/logx"
)

// pgStore wraps pgxpool for Postgres persistence.
type pgStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	st := &pgStore{pool: pool, log: log}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info("postgres store opened", logx.String("host", pcfg.ConnConfig.Host))
	return st, nil
}

func (s *pgStore) migrate(ctx context.Context) error {
	ms, err := loadMigrations("postgres")
	if err != nil {
		return err
	}
	for _, m := range ms {
		if _, err := s.pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", m.name, err)
		}
	}
	return nil
}

func (s *pgStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *pgStore) UpsertTask(ctx context.Context, t task.Task) error {
	r, err := encodeTask(t)
	if err != nil {
		return err
	}
	args := r.args()
	// jsonb params go over the wire as raw JSON bytes.
	args[4], args[9] = []byte(r.Payload), []byte(r.ErrorLog)
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET
			type=EXCLUDED.type, subject_id=EXCLUDED.subject_id, scheduled_at=EXCLUDED.scheduled_at,
			payload=EXCLUDED.payload, priority=EXCLUDED.priority, status=EXCLUDED.status,
			retry_count=EXCLUDED.retry_count, max_retries=EXCLUDED.max_retries, error_log=EXCLUDED.error_log,
			last_attempt_at=EXCLUDED.last_attempt_at, completed_at=EXCLUDED.completed_at`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", t.ID, err)
	}
	return nil
}

func (s *pgStore) GetTask(ctx context.Context, id string) (task.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return task.Task{}, task.ErrNotFound
	}
	return t, err
}

func (s *pgStore) FindTasksByStatus(ctx context.Context, st task.Status) ([]task.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = $1 ORDER BY created_at`, string(st))
}

func (s *pgStore) FindDueTasks(ctx context.Context, now time.Time, limit int) ([]task.Task, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'pending' AND scheduled_at <= $1
		ORDER BY priority DESC, scheduled_at ASC, created_at ASC
		LIMIT $2`, now.UnixMilli(), limit)
}

func (s *pgStore) queryTasks(ctx context.Context, q string, args ...any) ([]task.Task, error) {
	rows, err := s.pool.Query(ctx, q, args...)
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

func (s *pgStore) AppendEvent(ctx context.Context, r eventbus.Record) error {
	data, err := marshalData(r.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO events (id, type, subject_id, data, ts) VALUES ($1,$2,$3,$4,$5)`,
		r.ID, string(r.Type), r.SubjectID, []byte(data), orNow(r.Timestamp).UnixMilli(),
	)
	return err
}

func (s *pgStore) ListEvents(ctx context.Context, limit int) ([]eventbus.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, type, subject_id, data, ts FROM events ORDER BY ts DESC LIMIT $1`, clampLimit(limit))
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

func (s *pgStore) AppendNotification(ctx context.Context, n notifier.Notification) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO notifications (id, type, title, message, subject_id, action_url, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7) ON CONFLICT (id) DO NOTHING`,
		n.ID, n.Type, n.Title, n.Message, n.SubjectID, n.ActionURL, orNow(n.CreatedAt).UnixMilli(),
	)
	return err
}

func (s *pgStore) ListNotifications(ctx context.Context, limit int) ([]notifier.Notification, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, type, title, message, subject_id, action_url, created_at FROM notifications
		 ORDER BY created_at DESC LIMIT $1`, clampLimit(limit))
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

func (s *pgStore) UpdateLifecycleStage(ctx context.Context, subjectID, stage string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO subjects (id, stage, updated_at) VALUES ($1,$2,$3)
		 ON CONFLICT (id) DO UPDATE SET stage=EXCLUDED.stage, updated_at=EXCLUDED.updated_at`,
		subjectID, stage, time.Now().UnixMilli(),
	)
	return err
}

func (s *pgStore) LifecycleStage(ctx context.Context, subjectID string) (string, error) {
	var stage string
	err := s.pool.QueryRow(ctx, `SELECT stage FROM subjects WHERE id = $1`, subjectID).Scan(&stage)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return stage, err
}

func (s *pgStore) LogActivity(ctx context.Context, a subscribers.Activity) error {
	data, err := marshalData(a.Data)
	if err != nil {
		return fmt.Errorf("marshal activity data: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO activities (subject_id, kind, summary, data, at) VALUES ($1,$2,$3,$4,$5)`,
		a.SubjectID, a.Kind, a.Summary, []byte(data), orNow(a.At).UnixMilli(),
	)
	return err
}

func (s *pgStore) ListActivities(ctx context.Context, subjectID string, limit int) ([]subscribers.Activity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT subject_id, kind, summary, data, at FROM activities WHERE subject_id = $1
		 ORDER BY seq DESC LIMIT $2`, subjectID, clampLimit(limit))
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
