package event

import (
	"time"

	"github.com/loykin/svcmon/internal/logstore"
)

// Kind enumerates the notifications a slot emits.
type Kind int

const (
	KindStart Kind = iota
	KindStop
	KindExit
	KindLog
	KindError
	KindClear
)

func (k Kind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindStop:
		return "stop"
	case KindExit:
		return "exit"
	case KindLog:
		return "log"
	case KindError:
		return "error"
	case KindClear:
		return "clear"
	default:
		return "unknown"
	}
}

// Event is a single notification about a slot. Slot is the emitting slot's
// handle and Index its position at the time of emission.
type Event struct {
	Kind     Kind
	Slot     string
	Index    int
	Time     time.Time
	Entry    logstore.Entry // Log and Error
	ExitCode int            // Stop and Exit
	PID      int            // Start, Stop and Exit
}

// Observer receives events in emission order for the slots it is
// subscribed to.
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a plain function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Notify(e Event) { f(e) }

// Handlers dispatches by kind; nil members are skipped.
type Handlers struct {
	OnStart func(Event)
	OnStop  func(Event)
	OnExit  func(Event)
	OnLog   func(Event)
	OnError func(Event)
	OnClear func(Event)
}

func (h Handlers) Notify(e Event) {
	var fn func(Event)
	switch e.Kind {
	case KindStart:
		fn = h.OnStart
	case KindStop:
		fn = h.OnStop
	case KindExit:
		fn = h.OnExit
	case KindLog:
		fn = h.OnLog
	case KindError:
		fn = h.OnError
	case KindClear:
		fn = h.OnClear
	}
	if fn != nil {
		fn(e)
	}
}
