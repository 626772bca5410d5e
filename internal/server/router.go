package server

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/svcmon/internal/build"
	"github.com/loykin/svcmon/internal/logstore"
	"github.com/loykin/svcmon/internal/manager"
	"github.com/loykin/svcmon/internal/metrics"
	"github.com/loykin/svcmon/internal/slot"
)

// Router provides embeddable HTTP handlers for the supervisor.
// Endpoints, relative to basePath:
//
//	GET    /slots                      list statuses in index order
//	POST   /slots                      add a slot (Descriptor JSON)
//	GET    /slots/:id                  status of one slot
//	PATCH  /slots/:id                  edit file/args/work dir/flags
//	DELETE /slots/:id                  remove
//	POST   /slots/:id/start
//	POST   /slots/:id/stop             ?force=true ignores can_stop
//	POST   /slots/:id/copy
//	POST   /slots/:id/move             ?delta=-1|1 or ?to=n
//	POST   /slots/:id/build            ?run=true starts the target afterwards
//	GET    /slots/:id/logs             ?from=n
//	POST   /slots/:id/logs             append an operator line
//	DELETE /slots/:id/logs
//	GET    /slots/:id/logs/text        full log as text/plain
//	GET    /slots/:id/logs/search      ?q=&regex=&case=[&from=&backward=]
//	GET    /slots/:id/selection
//	PUT    /slots/:id/selection        {"index": n}
//	DELETE /slots/:id/selection
//	GET    /slots/:id/resources        when resource sampling is enabled
//	POST   /start-all, /stop-all?force=, /clear-all, /save
//
// basePath may be empty or start with '/'; no trailing slash. /metrics is
// served at the root when enabled.
type Router struct {
	sup      *manager.Supervisor
	basePath string
	sel      *Selections
	sampler  *metrics.ResourceSampler
	metrics  bool
	logger   *slog.Logger
}

type Option func(*Router)

// WithSelections shares the selection table the slots were attached to.
func WithSelections(sel *Selections) Option { return func(r *Router) { r.sel = sel } }

func WithSampler(s *metrics.ResourceSampler) Option { return func(r *Router) { r.sampler = s } }

// WithMetrics serves the Prometheus handler at /metrics.
func WithMetrics(enabled bool) Option { return func(r *Router) { r.metrics = enabled } }

func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.logger = l } }

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/slots, /api/start-all, ...
func NewRouter(sup *manager.Supervisor, basePath string, opts ...Option) *Router {
	r := &Router{sup: sup, basePath: sanitizeBase(basePath)}
	for _, o := range opts {
		o(r)
	}
	if r.sel == nil {
		r.sel = NewSelections()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "http")
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	group := g.Group(r.basePath)
	group.GET("/slots", r.handleList)
	group.POST("/slots", r.handleAdd)
	group.POST("/start-all", r.handleStartAll)
	group.POST("/stop-all", r.handleStopAll)
	group.POST("/clear-all", r.handleClearAll)
	group.POST("/save", r.handleSave)

	one := group.Group("/slots/:id", r.resolveSlot)
	one.GET("", r.handleStatus)
	one.PATCH("", r.handlePatch)
	one.DELETE("", r.handleRemove)
	one.POST("/start", r.handleStart)
	one.POST("/stop", r.handleStop)
	one.POST("/copy", r.handleCopy)
	one.POST("/move", r.handleMove)
	one.POST("/build", r.handleBuild)
	one.GET("/logs", r.handleLogs)
	one.POST("/logs", r.handleWriteLog)
	one.DELETE("/logs", r.handleClearLog)
	one.GET("/logs/text", r.handleLogText)
	one.GET("/logs/search", r.handleSearch)
	one.GET("/selection", r.handleGetSelection)
	one.PUT("/selection", r.handleSetSelection)
	one.DELETE("/selection", r.handleClearSelection)
	one.GET("/resources", r.handleResources)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router,
// over TLS when tlsCfg is non-nil. The listener is bound before returning
// so address errors surface here.
func NewServer(addr string, r *Router, tlsCfg *tls.Config) (*http.Server, net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// build and stop requests wait for the process group
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server stopped", "error", err)
		}
	}()
	return server, ln.Addr(), nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type addResp struct {
	ID     string      `json:"id"`
	Status slot.Status `json:"status"`
}

// patchReq carries optional edits; absent fields are left alone.
type patchReq struct {
	FileName      *string `json:"file_name"`
	Args          *string `json:"args"`
	WorkDir       *string `json:"work_dir"`
	ManualControl *bool   `json:"manual_control"`
	AutoScroll    *bool   `json:"auto_scroll"`
}

type writeLogReq struct {
	Severity logstore.Severity `json:"severity"`
	Text     string            `json:"text"`
}

type searchResp struct {
	Matches []int `json:"matches"`
	Next    *int  `json:"next,omitempty"`
}

type selectionReq struct {
	Index *int `json:"index"`
}

type selectionResp struct {
	Index    int    `json:"index"`
	Selected bool   `json:"selected"`
	Text     string `json:"text"`
}

type resourcesResp struct {
	Latest  *metrics.Usage  `json:"latest,omitempty"`
	History []metrics.Usage `json:"history"`
}

const slotKey = "slot"

func (r *Router) resolveSlot(c *gin.Context) {
	id := c.Param("id")
	sl, ok := r.sup.Lookup(id)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: manager.ErrSlotNotFound.Error() + ": " + id})
		c.Abort()
		return
	}
	c.Set(slotKey, sl)
	c.Next()
}

func slotOf(c *gin.Context) *slot.Slot {
	return c.MustGet(slotKey).(*slot.Slot)
}

func (r *Router) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		r.logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	writeJSON(c, code, errorResp{Error: err.Error()})
}

// statusFor maps domain errors to HTTP codes. Misuse is a client error,
// anything else is reported as a server error.
func statusFor(err error) int {
	switch {
	case errors.Is(err, manager.ErrSlotNotFound):
		return http.StatusNotFound
	case errors.Is(err, manager.ErrIndexOutOfRange),
		errors.Is(err, slot.ErrInvalidTarget):
		return http.StatusBadRequest
	case errors.Is(err, slot.ErrAlreadyRunning),
		errors.Is(err, slot.ErrNotRunning),
		errors.Is(err, slot.ErrStopUnsupported),
		errors.Is(err, build.ErrBuildInProgress):
		return http.StatusConflict
	case errors.Is(err, manager.ErrClosed),
		errors.Is(err, slot.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) handleList(c *gin.Context) {
	slots := r.sup.Slots()
	out := make([]slot.Status, 0, len(slots))
	for _, sl := range slots {
		out = append(out, sl.Status())
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleAdd(c *gin.Context) {
	var d slot.Descriptor
	if err := c.ShouldBindJSON(&d); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if d.FileName == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "file_name required"})
		return
	}
	if msg := checkPaths(d.FileName, d.WorkDir); msg != "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: msg})
		return
	}
	id, err := r.sup.AddProcess(d)
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, addResp{ID: id, Status: r.sup.GetModelByObject(id).Status()})
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, slotOf(c).Status())
}

func (r *Router) handlePatch(c *gin.Context) {
	var p patchReq
	if err := c.ShouldBindJSON(&p); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	var file, dir string
	if p.FileName != nil {
		file = *p.FileName
		if file == "" {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "file_name must not be empty"})
			return
		}
	}
	if p.WorkDir != nil {
		dir = *p.WorkDir
	}
	if msg := checkPaths(file, dir); msg != "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: msg})
		return
	}
	sl := slotOf(c)
	if p.FileName != nil {
		sl.SetFileName(*p.FileName)
	}
	if p.Args != nil {
		sl.SetArgs(*p.Args)
	}
	if p.WorkDir != nil {
		sl.SetWorkDir(*p.WorkDir)
	}
	if p.ManualControl != nil {
		sl.SetManualControl(*p.ManualControl)
	}
	if p.AutoScroll != nil {
		sl.SetAutoScroll(*p.AutoScroll)
	}
	writeJSON(c, http.StatusOK, sl.Status())
}

func (r *Router) handleRemove(c *gin.Context) {
	if err := r.sup.RemoveProcess(slotOf(c).ID()); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStart(c *gin.Context) {
	sl := slotOf(c)
	if err := sl.Start(); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, sl.Status())
}

func (r *Router) handleStop(c *gin.Context) {
	sl := slotOf(c)
	var err error
	if queryBool(c, "force") {
		err = sl.ForceStop()
	} else {
		err = sl.Stop()
	}
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, sl.Status())
}

func (r *Router) handleCopy(c *gin.Context) {
	id, err := r.sup.CopyProcess(slotOf(c).ID())
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, addResp{ID: id, Status: r.sup.GetModelByObject(id).Status()})
}

func (r *Router) handleMove(c *gin.Context) {
	sl := slotOf(c)
	deltaStr, toStr := c.Query("delta"), c.Query("to")
	if (deltaStr == "") == (toStr == "") {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "exactly one of delta, to query param required"})
		return
	}
	var err error
	if deltaStr != "" {
		delta, perr := strconv.Atoi(deltaStr)
		if perr != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid delta: " + deltaStr})
			return
		}
		err = r.sup.MoveTab(sl.ID(), delta)
	} else {
		to, perr := strconv.Atoi(toStr)
		if perr != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid to: " + toStr})
			return
		}
		err = r.sup.Move(sl.Index(), to)
	}
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, sl.Status())
}

func (r *Router) handleBuild(c *gin.Context) {
	sl := slotOf(c)
	if err := r.sup.RunBuild(sl.ID(), queryBool(c, "run")); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}

func (r *Router) handleLogs(c *gin.Context) {
	from, ok := queryInt(c, "from", 0)
	if !ok || from < 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid from"})
		return
	}
	entries := slotOf(c).EntriesSince(from)
	if entries == nil {
		entries = []logstore.Entry{}
	}
	writeJSON(c, http.StatusOK, entries)
}

func (r *Router) handleWriteLog(c *gin.Context) {
	var req writeLogReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	slotOf(c).WriteLog(req.Severity, req.Text)
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleClearLog(c *gin.Context) {
	slotOf(c).ClearLog()
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleLogText(c *gin.Context) {
	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Status(http.StatusOK)
	if _, err := slotOf(c).Log().WriteTo(c.Writer); err != nil {
		r.logger.Warn("log export interrupted", "slot", slotOf(c).ID(), "error", err)
	}
}

func (r *Router) handleSearch(c *gin.Context) {
	q := logstore.Query{
		Text:          c.Query("q"),
		Regex:         queryBool(c, "regex"),
		CaseSensitive: queryBool(c, "case"),
	}
	store := slotOf(c).Log()
	matches, err := store.Search(q)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	resp := searchResp{Matches: matches}
	if resp.Matches == nil {
		resp.Matches = []int{}
	}
	if c.Query("from") != "" {
		from, ok := queryInt(c, "from", -1)
		if !ok {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid from"})
			return
		}
		if i, found, err := store.Find(q, from, queryBool(c, "backward")); err == nil && found {
			resp.Next = &i
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) selection(sl *slot.Slot) selectionResp {
	i, ok := r.sel.Get(sl.ID())
	if !ok {
		return selectionResp{Index: -1}
	}
	return selectionResp{Index: i, Selected: true, Text: sl.GetSelectedContext()}
}

func (r *Router) handleGetSelection(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.selection(slotOf(c)))
}

func (r *Router) handleSetSelection(c *gin.Context) {
	var req selectionReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Index == nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "body must be {\"index\": n}"})
		return
	}
	sl := slotOf(c)
	if *req.Index >= sl.Count() {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "index beyond end of log"})
		return
	}
	r.sel.Set(sl.ID(), *req.Index)
	writeJSON(c, http.StatusOK, r.selection(sl))
}

func (r *Router) handleClearSelection(c *gin.Context) {
	r.sel.Clear(slotOf(c).ID())
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleResources(c *gin.Context) {
	if r.sampler == nil || !r.sampler.Enabled() {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "resource sampling disabled"})
		return
	}
	id := slotOf(c).ID()
	resp := resourcesResp{History: r.sampler.History(id)}
	if u, ok := r.sampler.Latest(id); ok {
		resp.Latest = &u
	}
	if resp.History == nil {
		resp.History = []metrics.Usage{}
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleStartAll(c *gin.Context) {
	if err := r.sup.StartAllProcess(); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStopAll(c *gin.Context) {
	if err := r.sup.StopAllProcess(queryBool(c, "force")); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleClearAll(c *gin.Context) {
	r.sup.ClearAllProcessLog()
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleSave(c *gin.Context) {
	if err := r.sup.Save(c.Request.Context()); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
