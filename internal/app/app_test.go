package app

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"outreachd/internal/config"
	"outreachd/internal/eventbus"
	"outreachd/internal/task"
	"outreachd/internal/task/scheduler"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "outreachd.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

const testConfig = `
logging:
  level: error
  console: false
dispatcher:
  poll_interval: 1h
  seed_delay: 1h
storage:
  driver: memory
http:
  enabled: true
  addr: 127.0.0.1:0
`

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAppStartSeedsAndServes(t *testing.T) {
	ctx := context.Background()
	a, err := NewApp(ctx, writeConfig(t, testConfig))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	pending, err := a.Store().FindTasksByStatus(ctx, task.StatusPending)
	if err != nil {
		t.Fatalf("FindTasksByStatus: %v", err)
	}
	if want := len(scheduler.DefaultDefinitions()); len(pending) != want {
		t.Fatalf("seeded %d tasks, want %d", len(pending), want)
	}

	waitFor(t, "http bind", func() bool { return a.HTTPAddr() != "" })
	resp, err := http.Get("http://" + a.HTTPAddr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	var st struct {
		Running bool `json:"running"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&st)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !st.Running {
		t.Fatalf("healthz = %d running=%v", resp.StatusCode, st.Running)
	}

	// Events reach the store sink through the bus.
	a.Bus().Emit(ctx, eventbus.Event{Type: eventbus.MessageReplied, SubjectID: "c1"})
	waitFor(t, "event persisted", func() bool {
		recs, _ := a.Store().ListEvents(ctx, 10)
		return len(recs) == 1
	})
	if stage, _ := a.Store().LifecycleStage(ctx, "c1"); stage != "engaged" {
		t.Fatalf("stage = %q, want engaged", stage)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if a.Engine().Running() {
		t.Fatal("dispatcher still running after Stop")
	}
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"unknown driver": "storage:\n  driver: mongo\n",
		"bad recurring":  "recurring:\n  - type: LAUNCH_ROCKET\n    schedule: 5m\n",
		"bad schedule":   "recurring:\n  - type: POLL_INBOX\n    schedule: sometimes\n",
		"unknown field":  "dispatcher:\n  workers: 4\n",
	}
	for name, body := range cases {
		if _, err := NewApp(context.Background(), writeConfig(t, body)); err == nil {
			t.Errorf("%s: NewApp succeeded", name)
		}
	}
}

func TestMapDefinitionsFromConfig(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Recurring = []config.RecurringConfig{
		{Type: "GENERATE_REPORT", Schedule: "0 7 * * 1", Priority: "low", Payload: map[string]any{"kind": "weekly"}},
		{Type: "POLL_INBOX", Schedule: "2m", SubjectID: " inbox-1 "},
	}
	defs, err := mapDefinitions(cfg)
	if err != nil {
		t.Fatalf("mapDefinitions: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("defs = %d", len(defs))
	}
	if defs[0].Cron != "0 7 * * 1" || defs[0].Priority != task.PriorityLow || defs[0].Payload.String("kind") != "weekly" {
		t.Fatalf("report def = %+v", defs[0])
	}
	if defs[1].Every != 2*time.Minute || defs[1].SubjectID != "inbox-1" || defs[1].Priority != task.PriorityNormal {
		t.Fatalf("inbox def = %+v", defs[1])
	}
}

func TestMapEngineAndStorage(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Dispatcher.RetryBaseDelay = "10s"
	cfg.Dispatcher.RetryJitter = 0.1
	cfg.Dispatcher.MaxConcurrent = 5
	ec, err := mapEngineConfig(cfg)
	if err != nil {
		t.Fatalf("mapEngineConfig: %v", err)
	}
	if ec.Retry.BaseDelay != 10*time.Second || ec.Retry.Jitter != 0.1 || ec.MaxConcurrent != 5 {
		t.Fatalf("engine cfg = %+v", ec)
	}

	cfg.Storage = config.StorageConfig{Driver: "SQLite", Path: "./x.db"}
	sc, err := mapStorageConfig(cfg)
	if err != nil || sc.Driver != "sqlite" || sc.BusyTimeout != time.Second {
		t.Fatalf("storage cfg = %+v err=%v", sc, err)
	}
	cfg.Storage = config.StorageConfig{Driver: "postgres"}
	if _, err := mapStorageConfig(cfg); err == nil || !strings.Contains(err.Error(), "dsn") {
		t.Fatalf("postgres without dsn: %v", err)
	}
}
