package task

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewDefaults(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	p := Payload{"a": 1}
	tk := New(SendMessage, p, Options{SubjectID: "acct-1"}, now)

	if tk.ID == "" {
		t.Fatalf("ID empty")
	}
	if tk.Status != StatusPending {
		t.Fatalf("Status = %q, want pending", tk.Status)
	}
	if tk.MaxRetries != DefaultMaxRetries {
		t.Fatalf("MaxRetries = %d, want %d", tk.MaxRetries, DefaultMaxRetries)
	}
	if !tk.ScheduledAt.Equal(now) || !tk.CreatedAt.Equal(now) {
		t.Fatalf("timestamps = %v/%v, want %v", tk.ScheduledAt, tk.CreatedAt, now)
	}
	if tk.Priority != PriorityNormal {
		t.Fatalf("Priority = %v, want normal", tk.Priority)
	}
	p["a"] = 2
	if v, _ := tk.Payload.Int("a"); v != 1 {
		t.Fatalf("payload aliased caller map")
	}
}

func TestStateTransitions(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tk := New(PollInbox, nil, Options{}, now)
	tk.MarkProcessing(now)
	if tk.Status != StatusProcessing || tk.LastAttemptAt == nil {
		t.Fatalf("after MarkProcessing: %+v", tk)
	}
	tk.RecordFailure(now, "first")
	tk.RecordFailure(now, "second")
	if tk.RetryCount != 2 || tk.LastError() != "second" || len(tk.ErrorLog) != 2 {
		t.Fatalf("after failures: retry=%d last=%q", tk.RetryCount, tk.LastError())
	}
	tk.Reschedule(now.Add(time.Minute))
	if tk.Status != StatusPending {
		t.Fatalf("Status = %q, want pending", tk.Status)
	}
	tk.MarkDeadLetter()
	if !tk.Status.Terminal() {
		t.Fatalf("dead_letter should be terminal")
	}
	tk.Requeue(now)
	if tk.Status != StatusPending || tk.RetryCount != 0 {
		t.Fatalf("after Requeue: %+v", tk)
	}
	if len(tk.ErrorLog) != 2 {
		t.Fatalf("Requeue must keep the error log")
	}
}

func TestPayloadJSONNumbers(t *testing.T) {
	t.Parallel()

	var p Payload
	if err := json.Unmarshal([]byte(`{"recurring":true,"intervalMs":60000}`), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !p.Recurring() {
		t.Fatalf("Recurring() = false")
	}
	d, ok := p.Interval()
	if !ok || d != time.Minute {
		t.Fatalf("Interval() = %v,%v want 1m,true", d, ok)
	}

	tests := []struct {
		name string
		p    Payload
		ok   bool
	}{
		{"missing", Payload{}, false},
		{"zero", Payload{KeyIntervalMs: 0}, false},
		{"negative", Payload{KeyIntervalMs: -5}, false},
		{"string", Payload{KeyIntervalMs: "1000"}, true},
		{"json.Number", Payload{KeyIntervalMs: json.Number("1000")}, true},
		{"garbage", Payload{KeyIntervalMs: "soon"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := tt.p.Interval()
			if ok != tt.ok {
				t.Fatalf("Interval() ok = %v, want %v", ok, tt.ok)
			}
		})
	}
}

func TestPriorityText(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(struct {
		P Priority `json:"p"`
	}{PriorityHigh})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"p":"high"}` {
		t.Fatalf("json = %s", b)
	}
	var out struct {
		P Priority `json:"p"`
	}
	if err := json.Unmarshal([]byte(`{"p":"low"}`), &out); err != nil || out.P != PriorityLow {
		t.Fatalf("unmarshal = %v,%v", out.P, err)
	}
	if err := json.Unmarshal([]byte(`{"p":"urgent"}`), &out); err == nil {
		t.Fatalf("unmarshal urgent err = nil")
	}
}

func TestParseType(t *testing.T) {
	t.Parallel()

	if got, err := ParseType("send_message"); err != nil || got != SendMessage {
		t.Fatalf("ParseType = %q,%v", got, err)
	}
	if _, err := ParseType("LAUNCH_ROCKETS"); err == nil {
		t.Fatalf("ParseType unknown err = nil")
	}
	if len(AllTypes()) != 9 {
		t.Fatalf("AllTypes len = %d, want 9", len(AllTypes()))
	}
}

func TestDueBefore(t *testing.T) {
	t.Parallel()

	now := time.Now()
	hi := Task{Priority: PriorityHigh, ScheduledAt: now}
	lowEarly := Task{Priority: PriorityLow, ScheduledAt: now.Add(-time.Hour)}
	lowLate := Task{Priority: PriorityLow, ScheduledAt: now}
	if !DueBefore(hi, lowEarly) {
		t.Fatalf("high priority should sort first")
	}
	if !DueBefore(lowEarly, lowLate) {
		t.Fatalf("earlier scheduledAt should sort first within a priority")
	}
}
