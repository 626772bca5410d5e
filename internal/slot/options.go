package slot

import (
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultStopGrace    = 3 * time.Second
	DefaultKillWait     = 2 * time.Second
	DefaultDrainTimeout = 2 * time.Second
)

// Descriptor is the persisted form of a slot.
type Descriptor struct {
	FileName      string `json:"file_name" mapstructure:"file_name"`
	Args          string `json:"args" mapstructure:"args"`
	WorkDir       string `json:"work_dir" mapstructure:"work_dir"`
	ManualControl bool   `json:"manual_control" mapstructure:"manual_control"`
	AutoScroll    bool   `json:"auto_scroll" mapstructure:"auto_scroll"`
}

// Notices are the system lines a slot writes into its own log at lifecycle
// transitions. The placeholders {file}, {name}, {pid} and {code} are
// expanded. An empty template writes nothing.
type Notices struct {
	Ready   string `mapstructure:"ready"`
	Started string `mapstructure:"started"`
	Stopped string `mapstructure:"stopped"`
	Exited  string `mapstructure:"exited"`
}

func DefaultNotices() Notices {
	return Notices{
		Ready:   "ready: {file}",
		Started: "process started (pid {pid})",
		Stopped: "process stopped",
		Exited:  "process exited ({code})",
	}
}

// Options tune a slot. Zero values select defaults.
type Options struct {
	ID           string
	StopGrace    time.Duration
	KillWait     time.Duration
	DrainTimeout time.Duration
	Notices      *Notices
	Logger       *slog.Logger

	// LogTarget redirects every log line, and the Log/Error events that go
	// with it, to another slot.
	LogTarget *Slot

	// EnvMerger builds the launch environment from the slot's extra
	// variables. Nil inherits the supervisor's environment plus extras.
	EnvMerger func(extra []string) []string

	// DisableStop creates the slot with CanStop=false.
	DisableStop bool
}

func (o Options) withDefaults() Options {
	if o.StopGrace <= 0 {
		o.StopGrace = DefaultStopGrace
	}
	if o.KillWait <= 0 {
		o.KillWait = DefaultKillWait
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = DefaultDrainTimeout
	}
	if o.Notices == nil {
		n := DefaultNotices()
		o.Notices = &n
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func expandNotice(tpl, file string, pid, code int) string {
	if tpl == "" {
		return ""
	}
	return strings.NewReplacer(
		"{file}", file,
		"{name}", filepath.Base(file),
		"{pid}", strconv.Itoa(pid),
		"{code}", strconv.Itoa(code),
	).Replace(tpl)
}
