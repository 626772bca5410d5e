package svcmon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/svcmon/internal/build"
	cfg "github.com/loykin/svcmon/internal/config"
	"github.com/loykin/svcmon/internal/env"
	"github.com/loykin/svcmon/internal/event"
	"github.com/loykin/svcmon/internal/history"
	hfactory "github.com/loykin/svcmon/internal/history/factory"
	"github.com/loykin/svcmon/internal/logger"
	"github.com/loykin/svcmon/internal/logstore"
	"github.com/loykin/svcmon/internal/manager"
	"github.com/loykin/svcmon/internal/metrics"
	"github.com/loykin/svcmon/internal/server"
	"github.com/loykin/svcmon/internal/slot"
	"github.com/loykin/svcmon/internal/store"
	sfactory "github.com/loykin/svcmon/internal/store/factory"
	svctls "github.com/loykin/svcmon/internal/tls"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type Descriptor = slot.Descriptor

type Status = slot.Status

type Slot = slot.Slot

type SlotOptions = slot.Options

type Severity = logstore.Severity

type LogEntry = logstore.Entry

type Event = event.Event

type Observer = event.Observer

type Handlers = event.Handlers

type Supervisor = manager.Supervisor

type SupervisorOptions = manager.Options

type Store = store.Store

type HistorySink = history.Sink

type HistoryConfig = cfg.HistoryConfig

const (
	SeverityInfo   = logstore.Info
	SeverityNotice = logstore.Notice
	SeverityError  = logstore.Error
)

// ParseSeverity maps "info", "notice" or "error" to a Severity. Unknown
// names are Info.
func ParseSeverity(name string) Severity { return logstore.ParseSeverity(name) }

// Errors callers are expected to match with errors.Is.
var (
	ErrInvalidTarget   = slot.ErrInvalidTarget
	ErrAlreadyRunning  = slot.ErrAlreadyRunning
	ErrNotRunning      = slot.ErrNotRunning
	ErrStopUnsupported = slot.ErrStopUnsupported
	ErrBuildInProgress = build.ErrBuildInProgress
	ErrSlotNotFound    = manager.ErrSlotNotFound
	ErrIndexOutOfRange = manager.ErrIndexOutOfRange
)

// NewSupervisor returns a bare supervisor for embedding. Nothing is
// started and no HTTP surface is attached.
func NewSupervisor(opts SupervisorOptions) *Supervisor { return manager.New(opts) }

// NewMemoryStore keeps the slot list in process memory.
func NewMemoryStore(initial ...Descriptor) Store { return store.NewMemory(initial...) }

// OpenStore picks a store by DSN: a .toml path or file://, sqlite://,
// postgres:// or memory://.
func OpenStore(dsn string) (Store, error) { return sfactory.NewFromDSN(dsn) }

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

func DefaultConfig() *Config { return cfg.Default() }

// NewLogger builds the daemon logger described by c.Log, writing console
// output to stderr.
func NewLogger(c *Config) (*slog.Logger, io.Closer, error) {
	return logger.New(c.Log, os.Stderr)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// Daemon wires a supervisor to its store, history sinks, resource sampler
// and HTTP API as described by a Config.
type Daemon struct {
	cfg    *Config
	logger *slog.Logger

	store   store.Store
	sup     *manager.Supervisor
	rec     *history.Recorder
	sampler *metrics.ResourceSampler
	sel     *server.Selections
	router  *server.Router
}

// NewDaemon assembles a daemon. Nothing runs until Run; the store and
// sinks are opened here so configuration errors surface early.
func NewDaemon(c *Config, log *slog.Logger) (*Daemon, error) {
	if c == nil {
		c = cfg.Default()
	}
	if log == nil {
		log = slog.Default()
	}
	globals, err := c.GlobalEnv()
	if err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}
	st, err := sfactory.NewFromDSN(c.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open slot store: %w", err)
	}

	var sinks []history.Sink
	closeSinks := func() {
		for _, s := range sinks {
			_ = s.Close()
		}
	}
	for _, h := range c.History {
		s, err := hfactory.NewSinkFromDSN(h.DSN)
		if err != nil {
			closeSinks()
			_ = st.Close()
			return nil, fmt.Errorf("open history sink: %w", err)
		}
		sinks = append(sinks, s)
	}

	sampler := metrics.NewResourceSampler(c.SamplerConfig())
	if c.Metrics.Enabled {
		if err := errors.Join(
			metrics.Register(prometheus.DefaultRegisterer),
			sampler.RegisterMetrics(prometheus.DefaultRegisterer),
		); err != nil {
			closeSinks()
			_ = st.Close()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	d := &Daemon{
		cfg:     c,
		logger:  log,
		store:   st,
		rec:     history.NewRecorder(log, sinks...),
		sampler: sampler,
		sel:     server.NewSelections(),
	}
	host := server.NewHost(d.sel, d.rec, true, log)

	so := c.SlotOptions()
	so.Logger = log
	bo := c.BuildOptions()
	bo.OnComplete = d.rec.RecordBuild
	d.sup = manager.New(manager.Options{
		Store:      st,
		Env:        env.FromList(globals),
		Slot:       so,
		Build:      bo,
		OnRegister: host.OnRegister,
		OnRemove:   host.OnRemove,
		Logger:     log,
	})
	d.router = server.NewRouter(d.sup, c.Server.BasePath,
		server.WithSelections(d.sel),
		server.WithSampler(sampler),
		server.WithMetrics(c.Metrics.Enabled),
		server.WithLogger(log),
	)
	return d, nil
}

func (d *Daemon) Supervisor() *Supervisor { return d.sup }

// Handler exposes the HTTP API for mounting in another server.
func (d *Daemon) Handler() http.Handler { return d.router.Handler() }

// Run restores the saved slots (starting those not under manual control),
// serves the API on the configured address and blocks until ctx is done.
// It then shuts everything down, saving the slot list.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.sup.Init(ctx); err != nil {
		_ = d.Close(context.Background())
		return err
	}
	tlsCfg, err := svctls.Setup(d.cfg.Server.TLS)
	if err != nil {
		_ = d.Close(context.Background())
		return fmt.Errorf("tls: %w", err)
	}
	srv, addr, err := server.NewServer(d.cfg.Server.Listen, d.router, tlsCfg)
	if err != nil {
		_ = d.Close(context.Background())
		return fmt.Errorf("listen %s: %w", d.cfg.Server.Listen, err)
	}
	d.sampler.Start(ctx, d.sup.ResourceTargets)
	d.logger.Info("svcmon serving", "addr", addrString(addr), "base_path", d.cfg.Server.BasePath,
		"tls", tlsCfg != nil, "slots", d.sup.Len())

	<-ctx.Done()
	d.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.shutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("http shutdown", "error", err)
	}
	return d.Close(shutdownCtx)
}

// shutdownTimeout covers one full stop escalation plus a margin for saving.
func (d *Daemon) shutdownTimeout() time.Duration {
	s := d.cfg.Supervisor
	return s.StopGrace + s.KillWait + s.DrainTimeout + 5*time.Second
}

// Close stops sampling, force-stops every slot, saves the slot list and
// flushes history. It is safe to call once Run has returned.
func (d *Daemon) Close(ctx context.Context) error {
	d.sampler.Stop()
	err := d.sup.Exit(ctx)
	return errors.Join(err, d.rec.Close())
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
