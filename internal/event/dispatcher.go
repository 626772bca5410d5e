package event

import (
	"log/slog"
	"runtime/debug"
	"sync"
)

// Dispatcher delivers events to observers on a single goroutine, in the
// order they were published. Publish never blocks: the queue is unbounded
// so a slow observer cannot stall output capture.
type Dispatcher struct {
	logger *slog.Logger

	mu        sync.Mutex
	queue     []item
	observers map[uint64]Observer
	order     []uint64
	nextID    uint64
	closed    bool
	wake      chan struct{}
	done      chan struct{}
}

type item struct {
	ev     Event
	marker chan struct{}
	fn     func()
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		logger:    logger,
		observers: make(map[uint64]Observer),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go d.loop()
	return d
}

// Subscribe registers o and returns a function removing it again.
func (d *Dispatcher) Subscribe(o Observer) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.observers[id] = o
	d.order = append(d.order, id)
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.observers, id)
			for i, v := range d.order {
				if v == id {
					d.order = append(d.order[:i], d.order[i+1:]...)
					break
				}
			}
			d.mu.Unlock()
		})
	}
}

// Publish enqueues e. Events published after Close are dropped.
func (d *Dispatcher) Publish(e Event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, item{ev: e})
	d.mu.Unlock()
	d.signal()
}

// Sync blocks until every event published before the call has been
// delivered. It returns immediately once the dispatcher is closed and drained.
func (d *Dispatcher) Sync() {
	m := make(chan struct{})
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.queue = append(d.queue, item{marker: m})
	d.mu.Unlock()
	d.signal()
	select {
	case <-m:
	case <-d.done:
	}
}

// After runs fn on the delivery goroutine once every event published before
// the call has been delivered. It never blocks, so observers may use it
// where Sync would wait on itself. On a closed dispatcher fn runs after the
// queue is drained.
func (d *Dispatcher) After(fn func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		go func() {
			<-d.done
			d.run(fn)
		}()
		return
	}
	d.queue = append(d.queue, item{fn: fn})
	d.mu.Unlock()
	d.signal()
}

// Close stops accepting events. Already queued events are still delivered;
// Done is closed afterwards. Close does not wait, so it is safe to call
// from an observer.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	d.signal()
}

func (d *Dispatcher) Done() <-chan struct{} { return d.done }

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			closed := d.closed
			d.mu.Unlock()
			if closed {
				return
			}
			<-d.wake
			continue
		}
		it := d.queue[0]
		d.queue[0] = item{}
		d.queue = d.queue[1:]
		obs := make([]Observer, 0, len(d.order))
		for _, id := range d.order {
			obs = append(obs, d.observers[id])
		}
		d.mu.Unlock()

		if it.marker != nil {
			close(it.marker)
			continue
		}
		if it.fn != nil {
			d.run(it.fn)
			continue
		}
		for _, o := range obs {
			d.deliver(o, it.ev)
		}
	}
}

func (d *Dispatcher) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("after callback panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

func (d *Dispatcher) deliver(o Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event observer panicked",
				"kind", e.Kind.String(), "slot", e.Slot, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	o.Notify(e)
}
