package server

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/loykin/svcmon/internal/event"
	"github.com/loykin/svcmon/internal/history"
	"github.com/loykin/svcmon/internal/slot"
)

// Host is the hosting layer's side of slot registration. Its OnRegister
// and OnRemove methods are meant for manager.Options.
//
// On registration a slot gets the selection source, a history observer
// when a recorder is set, and is started unless it is under manual
// control (when AutoStart is on).
type Host struct {
	Selections *Selections
	Recorder   *history.Recorder
	AutoStart  bool
	Logger     *slog.Logger

	mu      sync.Mutex
	cancels map[string][]func()
}

func NewHost(sel *Selections, rec *history.Recorder, autoStart bool, logger *slog.Logger) *Host {
	if sel == nil {
		sel = NewSelections()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		Selections: sel,
		Recorder:   rec,
		AutoStart:  autoStart,
		Logger:     logger.With("component", "host"),
		cancels:    make(map[string][]func()),
	}
}

func (h *Host) OnRegister(sl *slot.Slot) {
	id := sl.ID()
	h.Selections.Attach(sl)
	cancels := []func(){
		// a cleared log has nothing left to select
		sl.Subscribe(event.Handlers{OnClear: func(event.Event) { h.Selections.Clear(id) }}),
	}
	if h.Recorder != nil {
		cancels = append(cancels, h.Recorder.Observe(sl))
	}
	h.mu.Lock()
	h.cancels[id] = cancels
	h.mu.Unlock()

	if !h.AutoStart || sl.ManualControl() {
		return
	}
	if err := sl.Start(); err != nil && !errors.Is(err, slot.ErrAlreadyRunning) {
		h.Logger.Warn("auto start failed", "slot", id, "file", sl.FileName(), "error", err)
	}
}

// OnRemove detaches the observers installed by OnRegister once every
// event already published by sl, including its final stop, is delivered.
// Detaching is queued behind those events rather than awaited, so an
// observer of sl may remove it.
func (h *Host) OnRemove(sl *slot.Slot) {
	id := sl.ID()
	h.Selections.Clear(id)
	sl.AfterEvents(func() {
		h.mu.Lock()
		cancels := h.cancels[id]
		delete(h.cancels, id)
		h.mu.Unlock()
		for _, c := range cancels {
			c()
		}
	})
}
