package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"outreachd/internal/eventbus"
	"outreachd/internal/notifier"
	"outreachd/internal/subscribers"
	"outreachd/internal/task"
	"outreachd/internal/task/engine"
	logx "outreachd/pkg/logx"
)

// Dispatcher is the subset of *engine.Service the API drives.
type Dispatcher interface {
	Status() engine.Status
	Enqueue(ctx context.Context, typ task.Type, payload task.Payload, opt engine.EnqueueOptions) (string, error)
	Requeue(ctx context.Context, id string) error
}

// Reader is the read side of the store.
type Reader interface {
	GetTask(ctx context.Context, id string) (task.Task, error)
	FindTasksByStatus(ctx context.Context, st task.Status) ([]task.Task, error)
	ListEvents(ctx context.Context, limit int) ([]eventbus.Record, error)
	ListNotifications(ctx context.Context, limit int) ([]notifier.Notification, error)
	LifecycleStage(ctx context.Context, subjectID string) (string, error)
	ListActivities(ctx context.Context, subjectID string, limit int) ([]subscribers.Activity, error)
}

// Emitter accepts externally observed events (webhooks).
type Emitter interface {
	Emit(ctx context.Context, e eventbus.Event)
}

type Deps struct {
	Dispatcher Dispatcher
	Store      Reader
	Bus        Emitter
	Metrics    http.Handler
	Log        logx.Logger
}

// ingestable are the event types outside systems may report. Task events are
// raised only by the dispatcher.
var ingestable = map[eventbus.Type]bool{
	eventbus.MessageSent:      true,
	eventbus.MessageOpened:    true,
	eventbus.MessageReplied:   true,
	eventbus.MessageBounced:   true,
	eventbus.LifecycleChanged: true,
	eventbus.ReviewReceived:   true,
	eventbus.LimitReached:     true,
}

type api struct {
	d Deps
}

// Routes builds the operator API router.
func Routes(d Deps) chi.Router {
	a := &api{d: d}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.logRequests)

	r.Get("/healthz", a.health)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}
	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", a.listTasks)
		r.Post("/", a.enqueue)
		r.Get("/{id}", a.getTask)
		r.Post("/{id}/requeue", a.requeue)
	})
	r.Get("/events", a.listEvents)
	r.Post("/events", a.ingestEvent)
	r.Get("/notifications", a.listNotifications)
	r.Get("/subjects/{id}", a.subject)
	return r
}

func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.d.Log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("dur", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func limitParam(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return n
}

func (a *api) health(w http.ResponseWriter, _ *http.Request) {
	st := a.d.Dispatcher.Status()
	code := http.StatusOK
	if !st.Running {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, st)
}

func (a *api) listTasks(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("status")
	if raw == "" {
		raw = string(task.StatusPending)
	}
	st, err := task.ParseStatus(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ts, err := a.d.Store.FindTasksByStatus(r.Context(), st)
	if err != nil {
		a.d.Log.Error("list tasks failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to load tasks")
		return
	}
	if ts == nil {
		ts = []task.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": ts})
}

type enqueueRequest struct {
	Type         string        `json:"type"`
	Payload      task.Payload  `json:"payload"`
	SubjectID    string        `json:"subjectId"`
	Priority     task.Priority `json:"priority"`
	RunAt        *time.Time    `json:"runAt"`
	DelaySeconds int           `json:"delaySeconds"`
	MaxRetries   int           `json:"maxRetries"`
}

func (a *api) enqueue(w http.ResponseWriter, r *http.Request) {
	req := enqueueRequest{Priority: task.PriorityNormal}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	typ, err := task.ParseType(req.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.DelaySeconds < 0 || req.MaxRetries < 0 {
		writeError(w, http.StatusBadRequest, "delaySeconds and maxRetries must be >= 0")
		return
	}
	if req.Payload.Recurring() {
		writeError(w, http.StatusBadRequest, "recurring tasks are configured, not enqueued")
		return
	}
	opt := engine.EnqueueOptions{
		SubjectID:  strings.TrimSpace(req.SubjectID),
		Priority:   req.Priority,
		Delay:      time.Duration(req.DelaySeconds) * time.Second,
		MaxRetries: req.MaxRetries,
	}
	if req.RunAt != nil {
		opt.ScheduledAt = req.RunAt.UTC()
	}
	id, err := a.d.Dispatcher.Enqueue(r.Context(), typ, req.Payload, opt)
	if err != nil {
		a.d.Log.Error("enqueue failed", logx.String("type", string(typ)), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (a *api) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := a.d.Store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, task.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *api) requeue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := a.d.Dispatcher.Requeue(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(task.StatusPending)})
	case errors.Is(err, task.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, engine.ErrNotDeadLetter):
		writeError(w, http.StatusConflict, err.Error())
	default:
		a.d.Log.Error("requeue failed", logx.String("task_id", id), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "requeue failed")
	}
}

func (a *api) listEvents(w http.ResponseWriter, r *http.Request) {
	recs, err := a.d.Store.ListEvents(r.Context(), limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}
	if recs == nil {
		recs = []eventbus.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": recs})
}

func (a *api) ingestEvent(w http.ResponseWriter, r *http.Request) {
	if a.d.Bus == nil {
		writeError(w, http.StatusNotImplemented, "event ingest disabled")
		return
	}
	var e eventbus.Event
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if !ingestable[e.Type] {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("event type %q cannot be ingested", e.Type))
		return
	}
	a.d.Bus.Emit(r.Context(), e)
	writeJSON(w, http.StatusAccepted, map[string]string{"type": string(e.Type)})
}

func (a *api) listNotifications(w http.ResponseWriter, r *http.Request) {
	ns, err := a.d.Store.ListNotifications(r.Context(), limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load notifications")
		return
	}
	if ns == nil {
		ns = []notifier.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": ns})
}

func (a *api) subject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	stage, err := a.d.Store.LifecycleStage(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load subject")
		return
	}
	acts, err := a.d.Store.ListActivities(r.Context(), id, limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load activities")
		return
	}
	if stage == "" && len(acts) == 0 {
		writeError(w, http.StatusNotFound, "subject not found")
		return
	}
	if acts == nil {
		acts = []subscribers.Activity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "stage": stage, "activities": acts})
}
