package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	logx "outreachd/pkg/logx"
)

// validateTimeout bounds the app-level validator run on every reload.
const validateTimeout = 5 * time.Second

// Manager owns the committed config and hands reloads to subscribers.
type Manager struct {
	path     string
	log      logx.Logger
	validate func(ctx context.Context, cfg *Config) error

	mu  sync.RWMutex
	cfg *Config

	// subsMu is held while sending so Unsubscribe never closes a channel
	// mid-send.
	subsMu sync.Mutex
	subs   []chan *Config
}

// NewManager reads path on Load. An empty path means Default() plus
// environment overrides, and Watch becomes a no-op.
func NewManager(path string) *Manager {
	return &Manager{path: strings.TrimSpace(path), log: logx.Nop()}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		m.log = log
	}
}

// SetValidator installs the check a reloaded config must pass before it is
// committed. Load does not run it.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validate = fn
}

// Parse reads the file, applies environment overrides and validates the
// result. It does not commit.
func (m *Manager) Parse() (*Config, error) {
	cfg := Default()
	if m.path != "" {
		b, err := os.ReadFile(m.path)
		if err != nil {
			return nil, err
		}
		if cfg, err = Decode(m.path, b); err != nil {
			return nil, err
		}
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode strictly decodes config bytes, YAML when path ends in .yaml or .yml
// and JSON otherwise. Unknown keys and trailing documents are errors.
func Decode(path string, b []byte) (*Config, error) {
	if isYAML(path) {
		var err error
		if b, err = yamlToJSON(b); err != nil {
			return nil, err
		}
	}
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, errors.New("invalid config: trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}

func (m *Manager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Reload re-reads the file and commits it when some section changed and the
// validator accepts it. It returns the changed sections, nil when nothing
// was committed. Sections that only apply on restart are logged here.
func (m *Manager) Reload(ctx context.Context) ([]string, error) {
	next, err := m.Parse()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", m.path, err)
	}
	changed, attrs := SummarizeConfigChange(m.Get(), next)
	if len(changed) == 0 {
		m.log.Debug("config unchanged", logx.String("path", m.path))
		return nil, nil
	}
	if m.validate != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validate(vctx, next)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("config rejected: %w", err)
		}
	}

	m.Commit(next)
	m.publish(next)

	fields := append([]logx.Field{logx.String("sections", strings.Join(changed, ","))}, attrs...)
	m.log.Info("config committed", fields...)
	if cold := RestartRequired(changed); len(cold) > 0 {
		m.log.Warn("config sections take effect on restart", logx.String("sections", strings.Join(cold, ",")))
	}
	return changed, nil
}

func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// publish offers cfg to every subscriber. A full subscriber loses its oldest
// pending config; the newest always wins.
func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		if offerLatest(ch, cfg) {
			continue
		}
		m.log.Debug("config update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
	}
}

func offerLatest(ch chan *Config, cfg *Config) bool {
	for range 2 {
		select {
		case ch <- cfg:
			return true
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
	return false
}
