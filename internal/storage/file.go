package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"outreachd/internal/eventbus"
	logx "outreachd/pkg/logx"
)

// FileLog appends event records to a JSON Lines file.
type FileLog struct {
	log  logx.Logger
	path string

	mu sync.Mutex
	f  *os.File
}

func OpenFileLog(path string, log logx.Logger) (*FileLog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("event_log.file.path is required for the file sink")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &FileLog{log: log, path: path, f: f}, nil
}

func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

func (l *FileLog) AppendEvent(_ context.Context, r eventbus.Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return ErrClosed
	}
	_, err = l.f.Write(b)
	return err
}

// ListEvents scans the whole file and keeps the newest limit records.
func (l *FileLog) ListEvents(_ context.Context, limit int) ([]eventbus.Record, error) {
	limit = clampLimit(limit)

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.Open(l.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]eventbus.Record, 0, limit)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r eventbus.Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			l.log.Debug("skip malformed event line", logx.Err(err))
			continue
		}
		if len(ring) == limit {
			ring = append(ring[:0], ring[1:]...)
		}
		ring = append(ring, r)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return newestFirst(ring, limit), nil
}
