package server

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/fleetdispatch/internal/auth"
	"github.com/loykin/fleetdispatch/internal/job"
	"github.com/loykin/fleetdispatch/internal/metrics"
	"github.com/loykin/fleetdispatch/internal/reconciler"
	"github.com/loykin/fleetdispatch/internal/scheduler"
	"github.com/loykin/fleetdispatch/internal/store"
	"github.com/loykin/fleetdispatch/internal/transport"
)

// Tasks runs the periodic tasks on demand. A zero timeout and a nil dryRun
// fall back to the configured values.
type Tasks interface {
	Reconcile(ctx context.Context, timeout time.Duration) (reconciler.Report, error)
	Dispatch(ctx context.Context, dryRun *bool) (scheduler.Summary, error)
	LastReconcile() (reconciler.Report, bool)
	LastDispatch() (scheduler.Summary, bool)
	// OfflineTimeout is the configured staleness threshold.
	OfflineTimeout() time.Duration
	// NextRuns maps each scheduled task to its next activation.
	NextRuns() map[string]time.Time
}

// Presence records device activity reported over HTTP.
type Presence interface {
	Seen(ctx context.Context, deviceID string) error
}

// Deps are the services the API exposes. Auth may be nil when device
// authentication is disabled.
type Deps struct {
	Store           store.Store
	Jobs            *job.Service
	Presence        Presence
	Hub             *transport.Hub
	Tasks           Tasks
	Auth            *auth.Service
	AuthEnabled     bool
	DefaultPriority int
	// Metrics mounts /metrics on the API listener.
	Metrics bool
	Log     *slog.Logger
}

// Router provides embeddable HTTP handlers for the fleet API.
// Endpoints, relative to basePath:
//
//	GET  /healthz
//	POST /devices                  register or update a device
//	GET  /devices                  list devices
//	GET  /devices/:id
//	POST /devices/:id/secret       rotate a device secret
//	POST /devices/:id/heartbeat    device auth
//	POST /auth/device-token        exchange a device secret for a token
//	POST /auth/operator-token      exchange the operator key for a token
//	POST /flows
//	GET  /flows/:id
//	POST /jobs
//	GET  /jobs                     query: status, device_id, limit
//	GET  /jobs/:id
//	POST /jobs/:id/cancel
//	POST /jobs/:id/status          device auth
//	POST /reconcile                query: timeout=5m
//	POST /dispatch                 query: dry_run=true
//	GET  /reconciler/last
//	GET  /scheduler/last
//	GET  /status                   live connections and next task runs
//	GET  /ws/device                device auth, websocket
//	GET  /ws/observe               websocket event stream
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	deps     Deps
	mw       *auth.Middleware
	log      *slog.Logger
	basePath string
}

func NewRouter(deps Deps, basePath string) *Router {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	if deps.DefaultPriority == 0 {
		deps.DefaultPriority = job.DefaultPriority
	}
	return &Router{
		deps:     deps,
		mw:       auth.NewMiddleware(deps.Auth, deps.AuthEnabled),
		log:      log.With("component", "api"),
		basePath: sanitizeBase(basePath),
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.deps.Metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	r.Mount(g.Group(r.basePath))
	return g
}

// Mount registers the API routes on an existing gin group. With
// authentication enabled, device routes take device tokens and every other
// route except health and token exchange takes an operator token.
func (r *Router) Mount(group *gin.RouterGroup) {
	group.GET("/healthz", r.handleHealth)
	group.POST("/auth/device-token", r.handleDeviceToken)
	group.POST("/auth/operator-token", r.handleOperatorToken)

	group.POST("/devices/:id/heartbeat", r.mw.GinDevice("id"), r.handleHeartbeat)
	group.POST("/jobs/:id/status", r.mw.GinDevice(""), r.handleReportStatus)
	group.GET("/ws/device", r.mw.GinDevice(""), r.handleDeviceSocket)

	op := group.Group("", r.mw.GinOperator())
	op.POST("/devices", r.handleRegisterDevice)
	op.GET("/devices", r.handleListDevices)
	op.GET("/devices/:id", r.handleGetDevice)
	op.POST("/devices/:id/secret", r.handleRotateSecret)

	op.POST("/flows", r.handleCreateFlow)
	op.GET("/flows/:id", r.handleGetFlow)

	op.POST("/jobs", r.handleCreateJob)
	op.GET("/jobs", r.handleListJobs)
	op.GET("/jobs/:id", r.handleGetJob)
	op.POST("/jobs/:id/cancel", r.handleCancelJob)

	op.POST("/reconcile", r.handleReconcile)
	op.POST("/dispatch", r.handleDispatch)
	op.GET("/reconciler/last", r.handleLastReconcile)
	op.GET("/scheduler/last", r.handleLastDispatch)
	op.GET("/status", r.handleStatus)

	op.GET("/ws/observe", r.handleObserverSocket)
}

// NewServer builds a standalone HTTP server on addr for this router. The
// caller starts it with ListenAndServe or ListenAndServeTLS.
func NewServer(addr string, r *Router, tlsCfg *tls.Config) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleHealth(c *gin.Context) {
	if err := r.deps.Store.Ping(c.Request.Context()); err != nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": "ok"})
}
