package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Usage is one resource sample of a slot's process.
type Usage struct {
	Slot       string    `json:"slot"`
	Name       string    `json:"name"`
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// Target identifies a live process to sample.
type Target struct {
	Slot string
	Name string
	PID  int
}

// SamplerConfig holds configuration for resource sampling.
type SamplerConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"sample_interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

// ResourceSampler periodically reads CPU and memory usage of running slot
// processes through gopsutil. It only observes; nothing is enforced.
type ResourceSampler struct {
	enabled    bool
	interval   time.Duration
	maxHistory int

	mu      sync.RWMutex
	handles map[string]*process.Process // slot -> handle for its current pid
	history map[string][]Usage          // slot -> samples, oldest first

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryRSS  *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
}

func NewResourceSampler(cfg SamplerConfig) *ResourceSampler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 100
	}
	labels := []string{"slot", "name"}
	return &ResourceSampler{
		enabled:    cfg.Enabled,
		interval:   cfg.Interval,
		maxHistory: cfg.MaxHistory,
		handles:    make(map[string]*process.Process),
		history:    make(map[string][]Usage),
		stopCh:     make(chan struct{}),
		cpuPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "svcmon", Subsystem: "process", Name: "cpu_percent",
			Help: "CPU usage of slot processes in percent.",
		}, labels),
		memoryRSS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "svcmon", Subsystem: "process", Name: "memory_rss_bytes",
			Help: "Resident memory of slot processes.",
		}, labels),
		numThreads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "svcmon", Subsystem: "process", Name: "threads",
			Help: "Thread count of slot processes.",
		}, labels),
	}
}

func (c *ResourceSampler) Enabled() bool { return c.enabled }

// RegisterMetrics registers the sampler's gauges with r.
func (c *ResourceSampler) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	for _, col := range []prometheus.Collector{c.cpuPercent, c.memoryRSS, c.numThreads} {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples the targets returned by list every interval until ctx is
// done or Stop is called.
func (c *ResourceSampler) Start(ctx context.Context, list func() []Target) {
	if !c.enabled {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect(list())
			}
		}
	}()
}

func (c *ResourceSampler) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample of every target and forgets slots that are no
// longer listed.
func (c *ResourceSampler) Collect(targets []Target) {
	now := time.Now()
	active := make(map[string]bool, len(targets))
	for _, t := range targets {
		if t.PID <= 0 {
			continue
		}
		active[t.Slot] = true
		u, err := c.sample(t, now)
		if err != nil {
			slog.Debug("resource sample failed", "slot", t.Slot, "pid", t.PID, "error", err)
			continue
		}
		c.cpuPercent.WithLabelValues(t.Slot, t.Name).Set(u.CPUPercent)
		c.memoryRSS.WithLabelValues(t.Slot, t.Name).Set(float64(u.MemoryRSS))
		c.numThreads.WithLabelValues(t.Slot, t.Name).Set(float64(u.NumThreads))
		c.add(u)
	}
	c.cleanup(active)
}

func (c *ResourceSampler) sample(t Target, now time.Time) (Usage, error) {
	pid := int32(t.PID)
	c.mu.Lock()
	proc := c.handles[t.Slot]
	if proc == nil || proc.Pid != pid {
		var err error
		proc, err = process.NewProcess(pid)
		if err != nil {
			c.mu.Unlock()
			return Usage{}, fmt.Errorf("failed to create process handle: %w", err)
		}
		c.handles[t.Slot] = proc
	}
	c.mu.Unlock()

	// Percent(0) measures since the previous call on the same handle.
	cpu, err := proc.Percent(0)
	if err != nil {
		cpu = 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return Usage{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	threads, _ := proc.NumThreads()
	u := Usage{
		Slot:       t.Slot,
		Name:       t.Name,
		PID:        pid,
		CPUPercent: cpu,
		MemoryRSS:  mem.RSS,
		MemoryVMS:  mem.VMS,
		NumThreads: threads,
		Timestamp:  now,
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			u.NumFDs = fds
		}
	}
	return u, nil
}

func (c *ResourceSampler) add(u Usage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := append(c.history[u.Slot], u)
	if len(h) > c.maxHistory {
		h = h[len(h)-c.maxHistory:]
	}
	c.history[u.Slot] = h
}

func (c *ResourceSampler) cleanup(active map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stale := make(map[string]bool)
	for slot := range c.history {
		if !active[slot] {
			stale[slot] = true
		}
	}
	for slot := range c.handles {
		if !active[slot] {
			stale[slot] = true
		}
	}
	for slot := range stale {
		delete(c.history, slot)
		delete(c.handles, slot)
		for _, g := range []*prometheus.GaugeVec{c.cpuPercent, c.memoryRSS, c.numThreads} {
			g.DeletePartialMatch(prometheus.Labels{"slot": slot})
		}
	}
}

// Latest returns the most recent sample for slot.
func (c *ResourceSampler) Latest(slot string) (Usage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h := c.history[slot]
	if len(h) == 0 {
		return Usage{}, false
	}
	return h[len(h)-1], true
}

// History returns a copy of the samples kept for slot, oldest first.
func (c *ResourceSampler) History(slot string) []Usage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Usage(nil), c.history[slot]...)
}
