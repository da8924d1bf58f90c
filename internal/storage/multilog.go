package storage

import (
	"context"
	"errors"
	"fmt"

	"outreachd/internal/eventbus"
)

// NamedLog tags a sink for error messages.
type NamedLog struct {
	Name string
	Log  EventLog
}

// MultiLog appends each record to every sink. A failing sink does not stop
// the others; their errors are joined.
type MultiLog struct {
	sinks []NamedLog
}

func NewMultiLog(sinks ...NamedLog) *MultiLog {
	m := &MultiLog{}
	for _, s := range sinks {
		if s.Log != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *MultiLog) Len() int { return len(m.sinks) }

func (m *MultiLog) AppendEvent(ctx context.Context, r eventbus.Record) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Log.AppendEvent(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that has a Close method, except the ones in keep.
func (m *MultiLog) Close(keep ...EventLog) error {
	var errs []error
outer:
	for _, s := range m.sinks {
		for _, k := range keep {
			if s.Log == k {
				continue outer
			}
		}
		if c, ok := s.Log.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}
