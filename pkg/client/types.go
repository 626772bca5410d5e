package client

import "time"

// AddRequest describes a slot to add. FileName and WorkDir must be
// absolute.
type AddRequest struct {
	FileName      string `json:"file_name"`
	Args          string `json:"args,omitempty"`
	WorkDir       string `json:"work_dir,omitempty"`
	ManualControl bool   `json:"manual_control,omitempty"`
	AutoScroll    bool   `json:"auto_scroll,omitempty"`
}

// PatchRequest edits a slot; nil fields are left unchanged.
type PatchRequest struct {
	FileName      *string `json:"file_name,omitempty"`
	Args          *string `json:"args,omitempty"`
	WorkDir       *string `json:"work_dir,omitempty"`
	ManualControl *bool   `json:"manual_control,omitempty"`
	AutoScroll    *bool   `json:"auto_scroll,omitempty"`
}

// SlotStatus is the daemon's view of one slot.
type SlotStatus struct {
	ID            string    `json:"id"`
	Index         int       `json:"index"`
	FileName      string    `json:"file_name"`
	Args          string    `json:"args"`
	WorkDir       string    `json:"work_dir"`
	State         string    `json:"state"`
	Running       bool      `json:"running"`
	SelfExit      bool      `json:"self_exit"`
	ExitCode      int       `json:"exit_code"`
	PID           int       `json:"pid"`
	CanStop       bool      `json:"can_stop"`
	ManualControl bool      `json:"manual_control"`
	AutoScroll    bool      `json:"auto_scroll"`
	Valid         bool      `json:"valid"`
	StartedAt     time.Time `json:"started_at"`
	StoppedAt     time.Time `json:"stopped_at"`
	LogCount      int       `json:"log_count"`
}

// LogEntry is one captured line. Severity is "info", "notice" or "error";
// Stream is "stdout", "stderr" or "system".
type LogEntry struct {
	Seq      uint64    `json:"seq"`
	Time     time.Time `json:"time"`
	Severity string    `json:"severity"`
	Stream   string    `json:"stream"`
	Text     string    `json:"text"`
}

type SearchQuery struct {
	Text          string
	Regex         bool
	CaseSensitive bool
	// From, when set, also asks for the next match after (or before, with
	// Backward) that index.
	From     *int
	Backward bool
}

type SearchResult struct {
	Matches []int `json:"matches"`
	Next    *int  `json:"next,omitempty"`
}

type Selection struct {
	Index    int    `json:"index"`
	Selected bool   `json:"selected"`
	Text     string `json:"text"`
}

// Usage is one resource sample of a slot's process.
type Usage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type Resources struct {
	Latest  *Usage  `json:"latest,omitempty"`
	History []Usage `json:"history"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

type addResponse struct {
	ID     string     `json:"id"`
	Status SlotStatus `json:"status"`
}
