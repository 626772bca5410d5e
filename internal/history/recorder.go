package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/svcmon/internal/build"
	"github.com/loykin/svcmon/internal/event"
	"github.com/loykin/svcmon/internal/slot"
)

const (
	queueSize   = 1024
	sendTimeout = 5 * time.Second
)

// Recorder turns slot lifecycle events into history events and fans them
// out to sinks on its own goroutine, so a slow sink never holds up a slot.
// Events are dropped, with a warning, when the queue is full. Sink errors
// are logged and otherwise ignored.
type Recorder struct {
	sinks  []Sink
	logger *slog.Logger

	queue     chan Event
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		sinks:  append([]Sink(nil), sinks...),
		logger: logger.With("component", "history"),
		queue:  make(chan Event, queueSize),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Observe subscribes to sl and records its start, stop and exit events.
func (r *Recorder) Observe(sl *slot.Slot) (cancel func()) {
	rec := func(t EventType) func(event.Event) {
		return func(e event.Event) {
			r.Record(Event{
				Type:       t,
				OccurredAt: e.Time,
				Record: Record{
					Slot:     e.Slot,
					File:     sl.FileName(),
					Index:    e.Index,
					PID:      e.PID,
					ExitCode: e.ExitCode,
				},
			})
		}
	}
	return sl.Subscribe(event.Handlers{
		OnStart: rec(EventStart),
		OnStop:  rec(EventStop),
		OnExit:  rec(EventExit),
	})
}

// RecordBuild records a finished build chain.
func (r *Recorder) RecordBuild(res build.Result) {
	msg := "build failed"
	if res.ExitCode == 0 {
		msg = "build ok"
	}
	if res.Started {
		msg += ", target started"
	}
	r.Record(Event{
		Type:       EventBuild,
		OccurredAt: time.Now(),
		Record: Record{
			Slot:     res.Target.ID(),
			File:     res.Script,
			Index:    res.Target.Index(),
			ExitCode: res.ExitCode,
			Message:  msg,
		},
	})
}

// Record queues e for every sink.
func (r *Recorder) Record(e Event) {
	if len(r.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	e.OccurredAt = e.OccurredAt.UTC()
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- e:
	default:
		r.logger.Warn("history queue full, event dropped", "type", e.Type, "slot", e.Record.Slot)
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.queue {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			if err := s.Send(ctx, e); err != nil {
				r.logger.Warn("history sink failed", "type", e.Type, "slot", e.Record.Slot, "error", err)
			}
			cancel()
		}
	}
}

// Close delivers queued events, then closes every sink.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
		<-r.done
		for _, s := range r.sinks {
			if err := s.Close(); err != nil {
				r.logger.Warn("history sink close failed", "error", err)
			}
		}
	})
	return nil
}
