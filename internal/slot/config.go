package slot

import (
	"time"

	"github.com/loykin/svcmon/internal/process"
)

// Status is a point-in-time snapshot of a slot.
type Status struct {
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

func (s *Slot) Status() Status {
	s.mu.RLock()
	st := Status{
		ID:            s.id,
		Index:         s.index,
		FileName:      s.fileName,
		Args:          s.args,
		WorkDir:       s.workDir,
		State:         s.state.String(),
		Running:       s.state.live(),
		SelfExit:      s.selfExit,
		ExitCode:      s.exitCode,
		PID:           s.pid,
		CanStop:       s.canStop,
		ManualControl: s.manualControl,
		AutoScroll:    s.autoScroll,
		Valid:         s.valid,
		StartedAt:     s.startedAt,
		StoppedAt:     s.stoppedAt,
	}
	s.mu.RUnlock()
	st.LogCount = s.store.Len()
	return st
}

// Descriptor returns the persisted configuration.
func (s *Slot) Descriptor() Descriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Descriptor{
		FileName:      s.fileName,
		Args:          s.args,
		WorkDir:       s.workDir,
		ManualControl: s.manualControl,
		AutoScroll:    s.autoScroll,
	}
}

func (s *Slot) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Running is true while an OS process is attached, including while it is
// being stopped.
func (s *Slot) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.live()
}

func (s *Slot) SelfExit() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selfExit
}

// ExitCode is -1 until the first run ends. Runs ended by a signal report
// 128+signal.
func (s *Slot) ExitCode() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exitCode
}

func (s *Slot) PID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.state.live() {
		return 0
	}
	return s.pid
}

func (s *Slot) Index() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index
}

// SetIndex is called by the owning collection when positions change.
func (s *Slot) SetIndex(i int) {
	s.mu.Lock()
	s.index = i
	s.mu.Unlock()
}

func (s *Slot) FileName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fileName
}

func (s *Slot) Args() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.args
}

func (s *Slot) WorkDir() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workDir
}

func (s *Slot) CanStop() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.canStop
}

func (s *Slot) ManualControl() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.manualControl
}

func (s *Slot) AutoScroll() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.autoScroll
}

func (s *Slot) Valid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.valid
}

// Setters take effect on the next Start. They never emit events.

func (s *Slot) SetFileName(path string) {
	if s.inert {
		return
	}
	s.mu.Lock()
	s.fileName = path
	s.valid = process.Valid(path)
	s.mu.Unlock()
}

func (s *Slot) SetArgs(args string) {
	if s.inert {
		return
	}
	s.mu.Lock()
	s.args = args
	s.mu.Unlock()
}

func (s *Slot) SetWorkDir(dir string) {
	if s.inert {
		return
	}
	s.mu.Lock()
	s.workDir = dir
	s.mu.Unlock()
}

// SetEnv sets extra KEY=VALUE variables for launches.
func (s *Slot) SetEnv(env []string) {
	if s.inert {
		return
	}
	s.mu.Lock()
	s.env = append([]string(nil), env...)
	s.mu.Unlock()
}

func (s *Slot) SetManualControl(v bool) {
	if s.inert {
		return
	}
	s.mu.Lock()
	s.manualControl = v
	s.mu.Unlock()
}

func (s *Slot) SetAutoScroll(v bool) {
	if s.inert {
		return
	}
	s.mu.Lock()
	s.autoScroll = v
	s.mu.Unlock()
}

func (s *Slot) SetCanStop(v bool) {
	if s.inert {
		return
	}
	s.mu.Lock()
	s.canStop = v
	s.mu.Unlock()
}
