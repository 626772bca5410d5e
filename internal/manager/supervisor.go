package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/loykin/svcmon/internal/build"
	"github.com/loykin/svcmon/internal/env"
	"github.com/loykin/svcmon/internal/metrics"
	"github.com/loykin/svcmon/internal/slot"
	"github.com/loykin/svcmon/internal/store"
)

var (
	ErrSlotNotFound    = errors.New("slot not found")
	ErrIndexOutOfRange = errors.New("slot index out of range")
	ErrClosed          = errors.New("supervisor closed")
)

type Options struct {
	// Store persists the slot list for Init and Exit. Nil disables
	// persistence.
	Store store.Store
	// Env is layered over the host environment for every launch,
	// including build scripts.
	Env *env.Env
	// Slot is the template for every slot created; ID, LogTarget and
	// EnvMerger are filled in per slot.
	Slot  slot.Options
	Build build.Options

	// NewHandle mints slot handles. Defaults to random UUIDs.
	NewHandle func() string
	// OnRegister is called once a slot joins the collection, before
	// AddProcess returns. The hosting layer subscribes here and decides
	// whether to start the slot.
	OnRegister func(*slot.Slot)
	// OnRemove is called after a slot has left the collection and its
	// process has been stopped, before the slot is closed.
	OnRemove func(*slot.Slot)

	Logger *slog.Logger
}

// Supervisor owns the ordered slot collection. A slot's Index always equals
// its position in the collection.
type Supervisor struct {
	opts   Options
	logger *slog.Logger
	builds *build.Runner

	mu     sync.RWMutex
	order  []*slot.Slot
	byID   map[string]*slot.Slot
	closed bool
	// loadErr is set when Init failed; the store is then never written so
	// an unreadable list is not replaced by a partial one.
	loadErr error
}

func New(opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewHandle == nil {
		opts.NewHandle = uuid.NewString
	}
	if opts.Env == nil {
		opts.Env = env.New()
	}
	bo := opts.Build
	if bo.EnvMerger == nil {
		bo.EnvMerger = opts.Env.Merge
	}
	if bo.Logger == nil {
		bo.Logger = opts.Logger
	}
	if bo.StopGrace == 0 {
		bo.StopGrace = opts.Slot.StopGrace
	}
	if bo.KillWait == 0 {
		bo.KillWait = opts.Slot.KillWait
	}
	return &Supervisor{
		opts:   opts,
		logger: opts.Logger.With("component", "supervisor"),
		builds: build.NewRunner(bo),
		byID:   make(map[string]*slot.Slot),
	}
}

func (s *Supervisor) Env() *env.Env { return s.opts.Env }

// Builds exposes the build runner, mainly for Active/Done queries.
func (s *Supervisor) Builds() *build.Runner { return s.builds }

// AddProcess creates a slot for d at the end of the collection and returns
// its handle. The slot is not started.
func (s *Supervisor) AddProcess(d slot.Descriptor) (string, error) {
	handle := s.opts.NewHandle()
	so := s.opts.Slot
	so.ID = handle
	so.LogTarget = nil
	so.EnvMerger = s.opts.Env.Merge
	if so.Logger == nil {
		so.Logger = s.opts.Logger
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	if _, dup := s.byID[handle]; dup {
		s.mu.Unlock()
		return "", fmt.Errorf("duplicate slot handle %q", handle)
	}
	sl := slot.New(d, so)
	sl.SetIndex(len(s.order))
	s.order = append(s.order, sl)
	s.byID[handle] = sl
	n := len(s.order)
	s.mu.Unlock()

	metrics.SetSlotCount(n)
	s.logger.Info("slot added", "slot", handle, "file", d.FileName, "index", sl.Index())
	if s.opts.OnRegister != nil {
		s.opts.OnRegister(sl)
	}
	return handle, nil
}

// RemoveProcess takes the slot out of the collection, cancels its build,
// force-stops its process and closes it. Later lookups of handle fail.
func (s *Supervisor) RemoveProcess(handle string) error {
	s.mu.Lock()
	sl, ok := s.byID[handle]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSlotNotFound, handle)
	}
	delete(s.byID, handle)
	i := sl.Index()
	s.order = append(s.order[:i], s.order[i+1:]...)
	s.reindexLocked(i, len(s.order)-1)
	n := len(s.order)
	s.mu.Unlock()

	metrics.SetSlotCount(n)
	s.builds.Cancel(sl)
	if err := sl.ForceStop(); err != nil && !errors.Is(err, slot.ErrNotRunning) {
		s.logger.Warn("stop on remove failed", "slot", handle, "error", err)
	}
	if s.opts.OnRemove != nil {
		s.opts.OnRemove(sl)
	}
	s.logger.Info("slot removed", "slot", handle)
	return sl.Close()
}

// reindexLocked sets Index for positions lo..hi inclusive.
func (s *Supervisor) reindexLocked(lo, hi int) {
	if lo > hi {
		lo, hi = hi, lo
	}
	for i := lo; i <= hi && i < len(s.order); i++ {
		if i >= 0 {
			s.order[i].SetIndex(i)
		}
	}
}

// GetModelByObject never returns nil: an unknown handle yields an inert
// slot whose operations do nothing.
func (s *Supervisor) GetModelByObject(handle string) *slot.Slot {
	if sl, ok := s.Lookup(handle); ok {
		return sl
	}
	return slot.Empty()
}

func (s *Supervisor) Lookup(handle string) (*slot.Slot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, ok := s.byID[handle]
	return sl, ok
}

func (s *Supervisor) SlotAt(index int) (*slot.Slot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index < 0 || index >= len(s.order) {
		return nil, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	return s.order[index], nil
}

// Slots returns the collection in index order.
func (s *Supervisor) Slots() []*slot.Slot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*slot.Slot(nil), s.order...)
}

func (s *Supervisor) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

func (s *Supervisor) Descriptors() []slot.Descriptor {
	sl := s.Slots()
	out := make([]slot.Descriptor, 0, len(sl))
	for _, x := range sl {
		out = append(out, x.Descriptor())
	}
	return out
}

// ResourceTargets lists the running slots for the resource sampler.
func (s *Supervisor) ResourceTargets() []metrics.Target {
	var out []metrics.Target
	for _, sl := range s.Slots() {
		if pid := sl.PID(); sl.Running() && pid > 0 {
			out = append(out, metrics.Target{Slot: sl.ID(), Name: filepath.Base(sl.FileName()), PID: pid})
		}
	}
	return out
}

// --- bulk operations ---

// StartAllProcess starts every slot that is not running, in index order.
// A failing slot does not stop the sweep; all failures are returned joined.
// Slots removed while the sweep runs are skipped.
func (s *Supervisor) StartAllProcess() error {
	var errs []error
	for _, sl := range s.Slots() {
		if sl.Running() {
			continue
		}
		err := sl.Start()
		if err != nil && !errors.Is(err, slot.ErrAlreadyRunning) && !errors.Is(err, slot.ErrClosed) {
			errs = append(errs, fmt.Errorf("start %s: %w", sl.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// StopAllProcess stops every running slot concurrently. With force, slots
// that refuse a normal stop are stopped anyway. Slots that are idle, or
// were removed after the snapshot, count as stopped.
func (s *Supervisor) StopAllProcess(force bool) error {
	return s.sweep(s.Slots(), func(sl *slot.Slot) error {
		var err error
		if force {
			err = sl.ForceStop()
		} else {
			err = sl.Stop()
		}
		switch {
		case errors.Is(err, slot.ErrNotRunning), errors.Is(err, slot.ErrClosed):
			return nil
		case errors.Is(err, slot.ErrStopUnsupported) && !sl.Running():
			return nil
		}
		return err
	})
}

func (s *Supervisor) ClearAllProcessLog() {
	for _, sl := range s.Slots() {
		sl.ClearLog()
	}
}

// sweep runs fn for every slot on its own goroutine so one slow slot does
// not hold up the others.
func (s *Supervisor) sweep(slots []*slot.Slot, fn func(*slot.Slot) error) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, sl := range slots {
		wg.Add(1)
		go func(sl *slot.Slot) {
			defer wg.Done()
			if err := fn(sl); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", sl.ID(), err))
				mu.Unlock()
			}
		}(sl)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// --- ordering ---

// Move relocates the slot at from to position to, shifting the slots in
// between. Every slot whose position changed gets its new Index.
func (s *Supervisor) Move(from, to int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.order)
	if from < 0 || from >= n {
		return fmt.Errorf("%w: %d", ErrIndexOutOfRange, from)
	}
	if to < 0 || to >= n {
		return fmt.Errorf("%w: %d", ErrIndexOutOfRange, to)
	}
	if from == to {
		return nil
	}
	moved := s.order[from]
	if from < to {
		copy(s.order[from:to], s.order[from+1:to+1])
	} else {
		copy(s.order[to+1:from+1], s.order[to:from])
	}
	s.order[to] = moved
	s.reindexLocked(from, to)
	return nil
}

// MoveTab moves the slot for handle by delta positions. Moving by one
// swaps it with its neighbour.
func (s *Supervisor) MoveTab(handle string, delta int) error {
	sl, ok := s.Lookup(handle)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSlotNotFound, handle)
	}
	from := sl.Index()
	return s.Move(from, from+delta)
}

// CopyProcess adds a new slot with the same configuration as handle,
// placed directly after it.
func (s *Supervisor) CopyProcess(handle string) (string, error) {
	src, ok := s.Lookup(handle)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSlotNotFound, handle)
	}
	h, err := s.AddProcess(src.Descriptor())
	if err != nil {
		return "", err
	}
	cp, ok := s.Lookup(h)
	if !ok {
		// removed concurrently
		return h, nil
	}
	if err := s.Move(cp.Index(), src.Index()+1); err != nil && !errors.Is(err, ErrIndexOutOfRange) {
		return h, err
	}
	return h, nil
}

func (s *Supervisor) RunBuild(handle string, startAfterBuild bool) error {
	sl, ok := s.Lookup(handle)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSlotNotFound, handle)
	}
	return s.builds.Run(sl, startAfterBuild)
}

// --- persistence ---

// Init loads the stored slot list and adds each entry in order. Slots are
// registered but not started; the hosting layer starts them from
// OnRegister.
func (s *Supervisor) Init(ctx context.Context) error {
	if s.opts.Store == nil {
		return nil
	}
	ds, err := s.opts.Store.Load(ctx)
	if err != nil {
		err = fmt.Errorf("load slots: %w", err)
		s.setLoadErr(err)
		return err
	}
	for _, d := range ds {
		if _, err := s.AddProcess(d); err != nil {
			s.setLoadErr(err)
			return err
		}
	}
	s.logger.Info("slots loaded", "count", len(ds))
	return nil
}

func (s *Supervisor) setLoadErr(err error) {
	s.mu.Lock()
	s.loadErr = err
	s.mu.Unlock()
}

// Save writes the current slot list to the store. It refuses after a
// failed Init.
func (s *Supervisor) Save(ctx context.Context) error {
	if s.opts.Store == nil {
		return nil
	}
	s.mu.RLock()
	loadErr := s.loadErr
	s.mu.RUnlock()
	if loadErr != nil {
		return fmt.Errorf("save slots: list was not loaded: %w", loadErr)
	}
	if err := s.opts.Store.Save(ctx, s.Descriptors()); err != nil {
		return fmt.Errorf("save slots: %w", err)
	}
	return nil
}

// Exit shuts the supervisor down: every build is cancelled and every slot
// force-stopped concurrently, the slot list is saved, then the slots are
// closed. Stops that outlive ctx are abandoned to their own bounds and the
// save proceeds.
func (s *Supervisor) Exit(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	slots := append([]*slot.Slot(nil), s.order...)
	s.mu.Unlock()

	stopped := make(chan error, 1)
	go func() {
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.builds.Shutdown()
		}()
		err := s.sweep(slots, func(sl *slot.Slot) error {
			if err := sl.ForceStop(); err != nil && !errors.Is(err, slot.ErrNotRunning) && !errors.Is(err, slot.ErrClosed) {
				return err
			}
			return nil
		})
		wg.Wait()
		stopped <- err
	}()

	var errs []error
	select {
	case err := <-stopped:
		if err != nil {
			errs = append(errs, err)
		}
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("stop slots: %w", ctx.Err()))
	}

	if err := s.Save(context.WithoutCancel(ctx)); err != nil {
		errs = append(errs, err)
	}
	for _, sl := range slots {
		_ = sl.Close()
	}

	s.mu.Lock()
	s.order = nil
	s.byID = make(map[string]*slot.Slot)
	s.mu.Unlock()
	metrics.SetSlotCount(0)

	if s.opts.Store != nil {
		if err := s.opts.Store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.logger.Info("supervisor stopped", "slots", len(slots))
	return errors.Join(errs...)
}
