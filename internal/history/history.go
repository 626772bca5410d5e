package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart EventType = "start"
	EventStop  EventType = "stop"
	EventExit  EventType = "exit"
	EventBuild EventType = "build"
)

// Record describes the slot an event happened to.
type Record struct {
	Slot     string `json:"slot"`
	File     string `json:"file"`
	Index    int    `json:"index"`
	PID      int    `json:"pid"`
	ExitCode int    `json:"exit_code"`
	Message  string `json:"message,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}
