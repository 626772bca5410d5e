package server

import (
	"sync"

	"github.com/loykin/svcmon/internal/slot"
)

// Selections is the presentation-side selection table: at most one
// selected log entry per slot handle. Slots read it back through the
// source installed by Attach.
type Selections struct {
	mu  sync.RWMutex
	sel map[string]int
}

func NewSelections() *Selections {
	return &Selections{sel: make(map[string]int)}
}

// Attach makes sl's GetSelectedContext resolve against this table.
func (t *Selections) Attach(sl *slot.Slot) {
	id := sl.ID()
	sl.SetSelectionSource(func() (int, bool) { return t.Get(id) })
}

func (t *Selections) Get(handle string) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, ok := t.sel[handle]
	return i, ok
}

// Set selects entry i of handle. A negative index clears the selection.
func (t *Selections) Set(handle string, i int) {
	if i < 0 {
		t.Clear(handle)
		return
	}
	t.mu.Lock()
	t.sel[handle] = i
	t.mu.Unlock()
}

func (t *Selections) Clear(handle string) {
	t.mu.Lock()
	delete(t.sel, handle)
	t.mu.Unlock()
}
