package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/barnr/internal/backup"
	"github.com/loykin/barnr/internal/metrics"
	"github.com/loykin/barnr/internal/supervisor"
)

// Source is what the status server reads from.
type Source interface {
	Statuses(ctx context.Context) ([]supervisor.Status, error)
	Status(ctx context.Context, name string) (supervisor.Status, error)
	BridgeStatuses(ctx context.Context) ([]supervisor.BridgeStatus, error)
	SchedulerState(ctx context.Context) (backup.State, error)
}

// Router provides read-only HTTP handlers over instance state.
// Endpoints:
//
//	GET {basePath}/instances         all instances
//	GET {basePath}/instances/:name   one instance, 404 when unknown
//	GET {basePath}/bridges           bridges configured or running
//	GET {basePath}/scheduler         backup scheduler counters
//	GET {basePath}/healthz
//	GET /metrics                     when metrics are enabled
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	src      Source
	basePath string
	metrics  bool
	timeout  time.Duration
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(src Source, basePath string, withMetrics bool) *Router {
	return &Router{src: src, basePath: sanitizeBase(basePath), metrics: withMetrics, timeout: 10 * time.Second}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/instances", r.handleInstances)
	group.GET("/instances/:name", r.handleInstance)
	group.GET("/bridges", r.handleBridges)
	group.GET("/scheduler", r.handleScheduler)
	group.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer starts a standalone HTTP server on addr using this router. A
// non-nil tlsConfig serves HTTPS.
func NewServer(addr, basePath string, src Source, withMetrics bool, tlsConfig *tls.Config) (*http.Server, error) {
	r := NewRouter(src, basePath, withMetrics)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		var err error
		if tlsConfig != nil {
			// certificates come from TLSConfig.GetCertificate
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Status server stopped", "addr", addr, "error", err)
		}
	}()
	slog.Info("Status server listening", "addr", addr, "base", r.basePath, "tls", tlsConfig != nil)
	return server, nil
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) ctx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), r.timeout)
}

func (r *Router) handleInstances(c *gin.Context) {
	ctx, cancel := r.ctx(c)
	defer cancel()
	sts, err := r.src.Statuses(ctx)
	if err != nil {
		writeErr(c, err)
		return
	}
	if sts == nil {
		sts = []supervisor.Status{}
	}
	writeJSON(c, http.StatusOK, sts)
}

func (r *Router) handleInstance(c *gin.Context) {
	ctx, cancel := r.ctx(c)
	defer cancel()
	st, err := r.src.Status(ctx, c.Param("name"))
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleBridges(c *gin.Context) {
	ctx, cancel := r.ctx(c)
	defer cancel()
	sts, err := r.src.BridgeStatuses(ctx)
	if err != nil {
		writeErr(c, err)
		return
	}
	if sts == nil {
		sts = []supervisor.BridgeStatus{}
	}
	writeJSON(c, http.StatusOK, sts)
}

func (r *Router) handleScheduler(c *gin.Context) {
	ctx, cancel := r.ctx(c)
	defer cancel()
	st, err := r.src.SchedulerState(ctx)
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}
