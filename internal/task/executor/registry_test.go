package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"outreachd/internal/task"
)

func noop(context.Context, task.Task) error { return nil }

func TestRegistryValidateNamesMissingTypes(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if err := r.Register(task.SendMessage, Func(noop)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := r.Validate()
	if !errors.Is(err, ErrNoExecutor) {
		t.Fatalf("Validate() err = %v, want ErrNoExecutor", err)
	}
	if strings.Contains(err.Error(), string(task.SendMessage)) {
		t.Fatalf("Validate() names a registered type: %v", err)
	}
	if !strings.Contains(err.Error(), string(task.ComputeAnalytics)) {
		t.Fatalf("Validate() missing COMPUTE_ANALYTICS: %v", err)
	}

	for _, typ := range task.AllTypes() {
		_ = r.Register(typ, Func(noop))
	}
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate() after full registration = %v", err)
	}
	if got := len(r.Types()); got != len(task.AllTypes()) {
		t.Fatalf("Types() len = %d", got)
	}
}

func TestRegistryRejectsBadInput(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if err := r.Register("NOPE", Func(noop)); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("Register unknown err = %v", err)
	}
	if err := r.Register(task.PollInbox, nil); err == nil {
		t.Fatalf("Register nil err = nil")
	}
	if _, ok := r.Lookup(task.PollInbox); ok {
		t.Fatalf("Lookup found rejected executor")
	}
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	base := errors.New("bad payload")
	perm := fmt.Errorf("wrapped: %w", Permanent(base))
	if !IsPermanent(perm) {
		t.Fatalf("IsPermanent(wrapped) = false")
	}
	if !errors.Is(perm, base) {
		t.Fatalf("Permanent should unwrap to the cause")
	}
	if IsPermanent(base) {
		t.Fatalf("IsPermanent(plain) = true")
	}
	if Permanent(nil) != nil || RetryAfter(nil, time.Second) != nil {
		t.Fatalf("nil errors should stay nil")
	}

	ra := fmt.Errorf("send: %w", RetryAfter(errors.New("429"), 90*time.Second))
	if got := RetryAfterHint(ra); got != 90*time.Second {
		t.Fatalf("RetryAfterHint = %v, want 90s", got)
	}
	if got := RetryAfterHint(base); got != 0 {
		t.Fatalf("RetryAfterHint(plain) = %v", got)
	}
	if got := RetryAfterHint(RetryAfter(base, -time.Second)); got != 0 {
		t.Fatalf("negative hint = %v, want 0", got)
	}
}
