package eventbus

import (
	"context"
	"fmt"
	"maps"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"outreachd/internal/runtime/supervisor"
	logx "outreachd/pkg/logx"
)

// Handler reacts to one event. Errors and panics are logged and isolated.
type Handler func(ctx context.Context, e Event) error

// LogFunc persists an emitted record. It is late-bound with SetLogFunction.
type LogFunc func(ctx context.Context, r Record) error

// Bus is an in-process pub/sub keyed by event type.
//
// Contract:
//   - Emit runs handlers synchronously: type handlers in registration order,
//     then any-handlers.
//   - A failing handler never stops the next one and never reaches the emitter.
//   - Every emitted event is persisted in the background on a best-effort basis.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
	any      []Handler

	logFn atomic.Pointer[LogFunc]
	sup   *supervisor.Supervisor
	log   logx.Logger
	now   func() time.Time

	emitted       atomic.Uint64
	handlerErrors atomic.Uint64
	persisted     atomic.Uint64
	persistErrors atomic.Uint64
}

type Stats struct {
	Emitted       uint64 `json:"emitted"`
	HandlerErrors uint64 `json:"handler_errors"`
	Persisted     uint64 `json:"persisted"`
	PersistErrors uint64 `json:"persist_errors"`
	Pending       int64  `json:"pending"`
}

func New(log logx.Logger) *Bus {
	log = log.With(logx.String("comp", "eventbus"))
	return &Bus{
		handlers: map[Type][]Handler{},
		sup:      supervisor.New(context.Background(), supervisor.WithLogger(log)),
		log:      log,
		now:      time.Now,
	}
}

func (b *Bus) On(t Type, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.handlers[t] = append(b.handlers[t], h)
	b.mu.Unlock()
}

func (b *Bus) OnAny(h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.any = append(b.any, h)
	b.mu.Unlock()
}

// SetLogFunction binds the persistence function. nil disables persistence.
func (b *Bus) SetLogFunction(fn LogFunc) {
	if fn == nil {
		b.logFn.Store(nil)
		return
	}
	b.logFn.Store(&fn)
}

// Emit delivers e to matching handlers, then schedules persistence.
// It never fails.
func (b *Bus) Emit(ctx context.Context, e Event) {
	b.emitted.Add(1)
	// The record outlives the call; callers and handlers may reuse e.Data.
	data := maps.Clone(e.Data)

	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[e.Type])+len(b.any))
	hs = append(hs, b.handlers[e.Type]...)
	hs = append(hs, b.any...)
	b.mu.RUnlock()

	for i, h := range hs {
		if err := b.call(ctx, h, e); err != nil {
			b.handlerErrors.Add(1)
			b.log.Warn("handler failed", logx.String("event", string(e.Type)), logx.Int("handler", i), logx.Err(err))
		}
	}

	fnp := b.logFn.Load()
	if fnp == nil {
		return
	}
	fn := *fnp
	rec := Record{
		ID:        uuid.NewString(),
		Type:      e.Type,
		SubjectID: e.SubjectID,
		Data:      data,
		Timestamp: b.now().UTC(),
	}
	b.sup.Detach("eventbus.persist", func(ctx context.Context) error {
		if err := fn(ctx, rec); err != nil {
			b.persistErrors.Add(1)
			return fmt.Errorf("persist %s %s: %w", rec.Type, rec.ID, err)
		}
		b.persisted.Add(1)
		return nil
	})
}

func (b *Bus) call(ctx context.Context, h Handler, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			b.log.Debug("handler panic stack", logx.String("stack", string(debug.Stack())))
		}
	}()
	return h(ctx, e)
}

// Wait blocks until pending persistence has drained or ctx is done.
func (b *Bus) Wait(ctx context.Context) error {
	return b.sup.Wait(ctx)
}

func (b *Bus) Stats() Stats {
	return Stats{
		Emitted:       b.emitted.Load(),
		HandlerErrors: b.handlerErrors.Load(),
		Persisted:     b.persisted.Load(),
		PersistErrors: b.persistErrors.Load(),
		Pending:       b.sup.Counters().Detached,
	}
}
