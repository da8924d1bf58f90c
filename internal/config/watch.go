package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "outreachd/pkg/logx"
)

const (
	// reloadDebounce absorbs the write bursts editors produce on save.
	reloadDebounce = 250 * time.Millisecond

	watchBackoffBase = 250 * time.Millisecond
	watchBackoffMax  = 5 * time.Second
)

// Watch reloads the config file on change until ctx is done. The directory
// is watched so editors that replace the file by rename are seen. A broken
// watcher is recreated with jittered backoff.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		<-ctx.Done()
		return nil
	}
	backoff := watchBackoffBase
	for {
		started, err := m.watchDir(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if started {
			backoff = watchBackoffBase
		}
		wait := backoff + rand.N(backoff/2+1)
		backoff = min(backoff*2, watchBackoffMax)
		m.log.Warn("config watcher restarting", logx.String("path", m.path), logx.Duration("backoff", wait), logx.Err(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// watchDir runs one fsnotify watcher. It returns when ctx is done or the
// watcher breaks; started reports whether events were being received.
func (m *Manager) watchDir(ctx context.Context) (started bool, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, err
	}
	defer w.Close()

	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return false, err
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	var (
		debounce *time.Timer
		fire     <-chan time.Time
	)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	schedule := func() {
		if debounce == nil {
			debounce = time.NewTimer(reloadDebounce)
		} else {
			debounce.Reset(reloadDebounce)
		}
		fire = debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-w.Events:
			if !ok {
				return true, errors.New("event stream closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) {
				schedule()
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return true, errors.New("error stream closed")
			}
			switch {
			case errors.Is(werr, fsnotify.ErrEventOverflow):
				// Events were lost; the file may have changed.
				m.log.Warn("config watch overflow; reloading", logx.String("dir", dir))
				schedule()
			case errors.Is(werr, fsnotify.ErrClosed):
				return true, werr
			case werr != nil:
				m.log.Warn("config watch error", logx.String("dir", dir), logx.Err(werr))
			}
		case <-fire:
			fire = nil
			if _, err := m.Reload(ctx); err != nil {
				m.log.Warn("config reload skipped", logx.String("path", m.path), logx.Err(err))
			}
		}
	}
}
