package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"outreachd/internal/eventbus"
)

const defaultRedisStream = "outreachd:events"

type RedisLogConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	// MaxLen caps the stream (approximate trimming). 0 means 100000.
	MaxLen int64
}

// RedisLog mirrors event records into a capped Redis stream.
type RedisLog struct {
	client *goredis.Client
	stream string
	maxLen int64
}

func NewRedisLog(cfg RedisLogConfig) (*RedisLog, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newRedisLog(client, cfg), nil
}

func newRedisLog(client *goredis.Client, cfg RedisLogConfig) *RedisLog {
	if cfg.Stream == "" {
		cfg.Stream = defaultRedisStream
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 100000
	}
	return &RedisLog{client: client, stream: cfg.Stream, maxLen: cfg.MaxLen}
}

func (l *RedisLog) Close() error { return l.client.Close() }

func (l *RedisLog) AppendEvent(ctx context.Context, r eventbus.Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	err = l.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: l.stream,
		MaxLen: l.maxLen,
		Approx: true,
		Values: map[string]any{
			"id":     r.ID,
			"type":   string(r.Type),
			"record": string(b),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis xadd: %w", err)
	}
	return nil
}

func (l *RedisLog) ListEvents(ctx context.Context, limit int) ([]eventbus.Record, error) {
	msgs, err := l.client.XRevRangeN(ctx, l.stream, "+", "-", int64(clampLimit(limit))).Result()
	if err != nil {
		return nil, fmt.Errorf("redis xrevrange: %w", err)
	}
	out := make([]eventbus.Record, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["record"].(string)
		if !ok {
			continue
		}
		var r eventbus.Record
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
