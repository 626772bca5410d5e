package build

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/svcmon/internal/event"
	"github.com/loykin/svcmon/internal/logstore"
	"github.com/loykin/svcmon/internal/metrics"
	"github.com/loykin/svcmon/internal/process"
	"github.com/loykin/svcmon/internal/slot"
)

// ErrBuildInProgress is returned when a build for the same target is
// still running.
var ErrBuildInProgress = errors.New("build already in progress")

// Result describes a finished build chain.
type Result struct {
	Target   *slot.Slot
	Script   string
	ExitCode int
	Started  bool // target was started afterwards
}

type Options struct {
	Suffix    string
	Ext       string
	StopGrace time.Duration
	KillWait  time.Duration
	EnvMerger func([]string) []string
	Logger    *slog.Logger

	// OnComplete runs after every chain, on the build's event goroutine.
	OnComplete func(Result)
}

// Runner executes build chains: stop the target, run its build script in
// a transient slot whose output lands in the target's log, and start the
// target again when asked to and the script succeeded.
type Runner struct {
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	active map[*slot.Slot]*chain
}

type chain struct {
	helper    *slot.Slot
	done      chan struct{}
	cancelled atomic.Bool
}

func NewRunner(opts Options) *Runner {
	if opts.Suffix == "" {
		opts.Suffix = DefaultSuffix
	}
	if opts.Ext == "" {
		opts.Ext = DefaultExt()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		opts:   opts,
		logger: opts.Logger.With("component", "build"),
		active: make(map[*slot.Slot]*chain),
	}
}

// ScriptFor returns the build script path for target.
func (r *Runner) ScriptFor(target *slot.Slot) string {
	return ScriptPath(target.FileName(), r.opts.Suffix, r.opts.Ext)
}

// Run starts the chain for target and returns once the build script is
// running. Completion is asynchronous. A target whose executable is missing
// is refused before anything is stopped or logged.
func (r *Runner) Run(target *slot.Slot, startAfterBuild bool) error {
	if target == nil || target.IsEmpty() || !process.Valid(target.FileName()) {
		return slot.ErrInvalidTarget
	}
	c := &chain{done: make(chan struct{})}
	r.mu.Lock()
	if _, busy := r.active[target]; busy {
		r.mu.Unlock()
		return ErrBuildInProgress
	}
	r.active[target] = c
	r.mu.Unlock()

	if target.Running() {
		if err := target.Stop(); errors.Is(err, slot.ErrStopUnsupported) {
			_ = target.ForceStop()
		}
	}

	script := r.ScriptFor(target)
	helper := slot.New(slot.Descriptor{FileName: script, WorkDir: filepath.Dir(script)}, slot.Options{
		ID:          target.ID() + "/build",
		StopGrace:   r.opts.StopGrace,
		KillWait:    r.opts.KillWait,
		EnvMerger:   r.opts.EnvMerger,
		Logger:      r.opts.Logger,
		LogTarget:   target,
		DisableStop: true,
		Notices: &slot.Notices{
			Started: "build started: {file}",
			Stopped: "build finished: {file}",
			Exited:  "build finished: {file}",
		},
	})
	r.mu.Lock()
	c.helper = helper
	r.mu.Unlock()

	var once sync.Once
	complete := func(e event.Event) {
		once.Do(func() { r.finish(target, c, script, e.ExitCode, startAfterBuild) })
	}
	helper.Subscribe(event.Handlers{OnStop: complete, OnExit: complete})

	if err := helper.Start(); err != nil {
		if errors.Is(err, slot.ErrInvalidTarget) {
			target.WriteLog(logstore.Error, "build script not found: "+script)
		}
		r.logger.Warn("build did not start", "target", target.ID(), "script", script, "error", err)
		r.release(target, c)
		_ = helper.Close()
		return fmt.Errorf("run build %s: %w", script, err)
	}
	if c.cancelled.Load() {
		_ = helper.ForceStop()
	}
	r.logger.Info("build started", "target", target.ID(), "script", script)
	return nil
}

func (r *Runner) finish(target *slot.Slot, c *chain, script string, code int, startAfter bool) {
	ok := code == 0
	metrics.IncBuild(filepath.Base(target.FileName()), ok)
	r.logger.Info("build finished", "target", target.ID(), "script", script, "code", code)

	started := false
	if startAfter && ok && !c.cancelled.Load() {
		if err := target.Start(); err != nil {
			r.logger.Warn("start after build failed", "target", target.ID(), "error", err)
		} else {
			started = true
		}
	}
	if r.opts.OnComplete != nil {
		r.opts.OnComplete(Result{Target: target, Script: script, ExitCode: code, Started: started})
	}
	r.release(target, c)
	_ = c.helper.Close()
}

func (r *Runner) release(target *slot.Slot, c *chain) {
	r.mu.Lock()
	if r.active[target] == c {
		delete(r.active, target)
	}
	r.mu.Unlock()
	close(c.done)
}

// Active reports whether a build for target is running.
func (r *Runner) Active(target *slot.Slot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[target]
	return ok
}

// Done returns a channel closed when the current build for target has
// completed. It is already closed when none is running.
func (r *Runner) Done(target *slot.Slot) <-chan struct{} {
	r.mu.Lock()
	c, ok := r.active[target]
	r.mu.Unlock()
	if !ok {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Cancel force-stops the build for target, if any, and waits for its
// completion. The target is not started afterwards.
func (r *Runner) Cancel(target *slot.Slot) bool {
	r.mu.Lock()
	c, ok := r.active[target]
	var helper *slot.Slot
	if ok {
		helper = c.helper
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	c.cancelled.Store(true)
	if helper != nil {
		_ = helper.ForceStop()
	}
	<-c.done
	return true
}

// Shutdown cancels every running build concurrently.
func (r *Runner) Shutdown() {
	r.mu.Lock()
	targets := make([]*slot.Slot, 0, len(r.active))
	for t := range r.active {
		targets = append(targets, t)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(t *slot.Slot) {
			defer wg.Done()
			r.Cancel(t)
		}(t)
	}
	wg.Wait()
}
