package slot

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/svcmon/internal/event"
	"github.com/loykin/svcmon/internal/logstore"
	"github.com/loykin/svcmon/internal/metrics"
	"github.com/loykin/svcmon/internal/process"
)

// Slot supervises one configured executable and owns its log.
//
// Lifecycle commands (start, stop, exit notification, close) are serialised
// through a single goroutine so every transition has exactly one cause.
// Log appends bypass that goroutine and are ordered by logMu instead.
type Slot struct {
	id     string
	opts   Options
	logger *slog.Logger
	inert  bool

	mu            sync.RWMutex
	index         int
	fileName      string
	args          string
	workDir       string
	env           []string
	canStop       bool
	manualControl bool
	autoScroll    bool
	valid         bool
	state         State
	selfExit      bool
	exitCode      int
	pid           int
	startedAt     time.Time
	stoppedAt     time.Time
	selection     func() (int, bool)

	run      uint64
	proc     *process.Process
	pipes    process.Pipes
	captured chan struct{}

	logMu  sync.Mutex
	store  *logstore.Store
	events *event.Dispatcher

	cmds      chan command
	done      chan struct{}
	closeOnce sync.Once
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdStop
	cmdExited
	cmdClose
)

type command struct {
	kind  commandKind
	force bool
	run   uint64
	reply chan error
}

// New creates a slot for d. The slot does not start its process.
func New(d Descriptor, opts Options) *Slot {
	opts = opts.withDefaults()
	id := opts.ID
	s := &Slot{
		id:            id,
		opts:          opts,
		logger:        opts.Logger.With("slot", id, "file", d.FileName),
		fileName:      d.FileName,
		args:          d.Args,
		workDir:       d.WorkDir,
		manualControl: d.ManualControl,
		autoScroll:    d.AutoScroll,
		canStop:       !opts.DisableStop,
		valid:         process.Valid(d.FileName),
		exitCode:      -1,
		store:         logstore.New(),
		cmds:          make(chan command, 16),
		done:          make(chan struct{}),
	}
	s.events = event.NewDispatcher(s.logger)
	go s.loop()
	if s.valid {
		s.notice(opts.Notices.Ready)
	}
	return s
}

// Empty returns a detached slot whose operations are all no-ops. It stands
// in for a slot that does not exist.
func Empty() *Slot {
	return &Slot{
		inert:    true,
		exitCode: -1,
		store:    logstore.New(),
		logger:   slog.Default(),
		done:     closedChan(),
	}
}

func closedChan() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}

func (s *Slot) ID() string { return s.id }

// IsEmpty reports whether s is a stand-in returned by Empty.
func (s *Slot) IsEmpty() bool { return s.inert }

// --- lifecycle ---

// Start launches the process and returns as soon as it is running. Output
// capture proceeds in the background.
func (s *Slot) Start() error {
	if s.inert {
		return ErrInvalidTarget
	}
	return s.do(command{kind: cmdStart})
}

// Stop terminates the process: graceful first, forced after the grace
// period, and bounded overall. It returns once Running is false.
func (s *Slot) Stop() error {
	if s.inert {
		return ErrNotRunning
	}
	return s.do(command{kind: cmdStop})
}

// ForceStop is Stop that also applies to slots with CanStop=false.
func (s *Slot) ForceStop() error {
	if s.inert {
		return ErrNotRunning
	}
	return s.do(command{kind: cmdStop, force: true})
}

// Close force-stops the process if needed and releases the slot. Pending
// events are still delivered. Further commands return ErrClosed.
func (s *Slot) Close() error {
	if s.inert {
		return nil
	}
	err := s.do(command{kind: cmdClose})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// Done is closed once the slot has been closed.
func (s *Slot) Done() <-chan struct{} { return s.done }

func (s *Slot) do(c command) error {
	c.reply = make(chan error, 1)
	select {
	case s.cmds <- c:
	case <-s.done:
		return ErrClosed
	}
	select {
	case err := <-c.reply:
		return err
	case <-s.done:
		select {
		case err := <-c.reply:
			return err
		default:
			return ErrClosed
		}
	}
}

func (s *Slot) loop() {
	defer func() {
		close(s.done)
		s.events.Close()
	}()
	for c := range s.cmds {
		var err error
		switch c.kind {
		case cmdStart:
			err = s.handleStart()
		case cmdStop:
			err = s.handleStop(c.force)
		case cmdExited:
			s.handleExited(c.run)
		case cmdClose:
			if err := s.handleStop(true); err != nil && !errors.Is(err, ErrNotRunning) {
				s.logger.Warn("stop on close failed", "error", err)
			}
			if c.reply != nil {
				c.reply <- nil
			}
			return
		}
		if c.reply != nil {
			c.reply <- err
		}
	}
}

func (s *Slot) handleStart() error {
	s.mu.Lock()
	if s.state == StateStarting || s.state.live() {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.valid = process.Valid(s.fileName)
	if !s.valid {
		s.mu.Unlock()
		return ErrInvalidTarget
	}
	prev := s.state
	spec := process.Spec{FileName: s.fileName, Args: s.args, WorkDir: s.workDir}
	extra := append([]string(nil), s.env...)
	s.mu.Unlock()

	if s.opts.EnvMerger != nil {
		spec.Env = s.opts.EnvMerger(extra)
	} else if len(extra) > 0 {
		spec.Env = append(os.Environ(), extra...)
	}

	s.setState(StateStarting)
	proc, pipes, err := process.Start(spec)
	if err != nil {
		s.setState(prev)
		metrics.IncStartFailure(s.metricName())
		s.logger.Error("start failed", "error", err)
		s.appendLog(logstore.Error, "start failed: "+err.Error())
		return fmt.Errorf("start %s: %w", spec.FileName, err)
	}

	captured := make(chan struct{})
	s.mu.Lock()
	s.run++
	run := s.run
	s.proc = proc
	s.pipes = pipes
	s.captured = captured
	s.pid = proc.PID()
	s.selfExit = false
	s.exitCode = -1
	s.startedAt = proc.StartedAt()
	s.mu.Unlock()
	s.setState(StateRunning)

	metrics.IncStart(s.metricName())
	s.logger.Info("process started", "pid", proc.PID())
	s.notice(s.opts.Notices.Started)
	s.publish(event.Event{Kind: event.KindStart, PID: proc.PID()})

	go s.capture(run, proc, pipes, captured)
	return nil
}

func (s *Slot) handleStop(force bool) error {
	s.mu.Lock()
	if !force && !s.canStop {
		s.mu.Unlock()
		return ErrStopUnsupported
	}
	if s.state != StateRunning {
		s.mu.Unlock()
		return ErrNotRunning
	}
	proc, pipes, captured := s.proc, s.pipes, s.captured
	// A pending exit notification for this run is now stale.
	s.run++
	s.mu.Unlock()
	s.setState(StateStopping)

	begin := time.Now()
	stopErr := proc.Stop(s.opts.StopGrace, s.opts.KillWait)
	forced := time.Since(begin) >= s.opts.StopGrace
	if stopErr != nil {
		s.logger.Error("process did not exit", "pid", proc.PID(), "error", stopErr)
		s.appendLog(logstore.Error, fmt.Sprintf("process %d did not exit: %v", proc.PID(), stopErr))
	}
	s.awaitCapture(captured, pipes)

	s.mu.Lock()
	s.proc = nil
	s.selfExit = false
	s.exitCode = proc.ExitCode()
	s.stoppedAt = time.Now()
	code := s.exitCode
	s.mu.Unlock()
	s.setState(StateIdle)

	metrics.IncStop(s.metricName(), forced)
	s.logger.Info("process stopped", "pid", proc.PID(), "forced", forced)
	s.notice(s.opts.Notices.Stopped)
	s.publish(event.Event{Kind: event.KindStop, ExitCode: code, PID: proc.PID()})
	return nil
}

func (s *Slot) handleExited(run uint64) {
	s.mu.Lock()
	if run != s.run || s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	proc := s.proc
	s.proc = nil
	s.selfExit = true
	s.exitCode = proc.ExitCode()
	s.stoppedAt = time.Now()
	code := s.exitCode
	s.mu.Unlock()
	s.setState(StateExited)

	metrics.IncExit(s.metricName(), code)
	s.logger.Info("process exited", "pid", proc.PID(), "code", code)
	s.notice(s.opts.Notices.Exited)
	s.publish(event.Event{Kind: event.KindExit, ExitCode: code, PID: proc.PID()})
}

func (s *Slot) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev != next {
		metrics.RecordStateTransition(s.metricName(), prev.String(), next.String())
	}
}

func (s *Slot) metricName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filepath.Base(s.fileName)
}

// --- events ---

// Subscribe registers o for this slot's events and returns a cancel func.
func (s *Slot) Subscribe(o event.Observer) func() {
	if s.inert {
		return func() {}
	}
	return s.events.Subscribe(o)
}

// Sync waits until every event emitted so far has been delivered. Observers
// of s must use AfterEvents instead, since Sync would wait on their own
// delivery.
func (s *Slot) Sync() {
	if s.inert {
		return
	}
	s.events.Sync()
}

// AfterEvents runs fn once every event published so far has been delivered.
// Unlike Sync it is safe to call from an observer of s.
func (s *Slot) AfterEvents(fn func()) {
	if s.inert {
		fn()
		return
	}
	s.events.After(fn)
}

func (s *Slot) publish(e event.Event) {
	if s.inert {
		return
	}
	s.mu.RLock()
	e.Slot = s.id
	e.Index = s.index
	s.mu.RUnlock()
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	s.events.Publish(e)
}

// --- log ---

func (s *Slot) sink() *Slot {
	if s.opts.LogTarget != nil {
		return s.opts.LogTarget
	}
	return s
}

// appendLog stores a line in the sink's log and emits the matching event
// under the sink's log lock, so store order and event order agree.
func (s *Slot) appendLog(sev logstore.Severity, text string) logstore.Entry {
	sink := s.sink()
	sink.logMu.Lock()
	defer sink.logMu.Unlock()
	e := sink.store.Append(logstore.Entry{Severity: sev, Text: text})
	kind := event.KindLog
	if sev == logstore.Error {
		kind = event.KindError
	}
	sink.publish(event.Event{Kind: kind, Entry: e})
	metrics.IncLogLine(sink.metricName(), sev.String())
	return e
}

func (s *Slot) notice(tpl string) {
	s.mu.RLock()
	text := expandNotice(tpl, s.fileName, s.pid, s.exitCode)
	s.mu.RUnlock()
	if text != "" {
		s.appendLog(logstore.Notice, text)
	}
}

// WriteLog appends a synthetic line.
func (s *Slot) WriteLog(sev logstore.Severity, text string) {
	if s.inert {
		return
	}
	s.appendLog(sev, text)
}

// ClearLog empties the log and emits Clear.
func (s *Slot) ClearLog() {
	if s.inert {
		return
	}
	s.logMu.Lock()
	defer s.logMu.Unlock()
	s.store.Clear()
	s.publish(event.Event{Kind: event.KindClear})
}

func (s *Slot) Count() int { return s.store.Len() }

func (s *Slot) EntryAt(i int) (logstore.Entry, bool) { return s.store.At(i) }

func (s *Slot) Entries() []logstore.Entry { return s.store.Entries() }

func (s *Slot) EntriesSince(from int) []logstore.Entry { return s.store.Since(from) }

func (s *Slot) GetAllLog() string { return s.store.Text() }

func (s *Slot) Log() *logstore.Store { return s.store }

// SetSelectionSource installs the presentation's selection lookup.
func (s *Slot) SetSelectionSource(fn func() (int, bool)) {
	s.mu.Lock()
	s.selection = fn
	s.mu.Unlock()
}

// GetSelectedContext returns the text of the selected entry, or "" when
// nothing valid is selected.
func (s *Slot) GetSelectedContext() string {
	s.mu.RLock()
	fn := s.selection
	s.mu.RUnlock()
	if fn == nil {
		return ""
	}
	i, ok := fn()
	if !ok {
		return ""
	}
	e, ok := s.store.At(i)
	if !ok {
		return ""
	}
	return e.Text
}
