// Package server exposes the analyst request paths over HTTP.
//
// Routes:
//
//	POST /api/message             start a session for the caller's thread
//	POST /api/clarify             answer the pending question and resume
//	GET  /api/execution/:id       poll progress (?after_seq=N)
//	GET  /api/object/:id          fetch an artifact
//	GET  /healthz                 dependency health
//	GET  /metrics                 Prometheus metrics
//
// The caller's thread is identified by the X-Thread-ID header; authentication
// happens upstream.
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"goa.design/clue/health"

	"goa.design/analyst/runtime/analyst/objectstore"
	"goa.design/analyst/runtime/analyst/service"
	"goa.design/analyst/runtime/analyst/telemetry"
	"goa.design/analyst/runtime/analyst/tracker"
)

type (
	// Service is the request-path surface served over HTTP.
	Service interface {
		Message(ctx context.Context, threadID, text string) (service.Reply, error)
		Clarify(ctx context.Context, threadID, text string) (service.Reply, error)
		Execution(ctx context.Context, sessionID string, afterSeq int) (*tracker.Snapshot, error)
		Object(ctx context.Context, id string) (objectstore.Object, error)
	}

	// Options configures a Server.
	Options struct {
		// Service handles requests. Required.
		Service Service
		// Pingers are the dependencies reported by /healthz.
		Pingers []health.Pinger
		// Registry receives the HTTP collectors and is served on /metrics.
		// Defaults to a fresh registry.
		Registry *prometheus.Registry
		// AllowOrigins lists the CORS origins. Defaults to any origin.
		AllowOrigins []string
		// Logger logs classified errors. Defaults to a noop logger.
		Logger telemetry.Logger
	}

	// Server routes HTTP requests to the service.
	Server struct {
		svc     Service
		logger  telemetry.Logger
		metrics *httpMetrics
		router  *gin.Engine
	}
)

// ThreadHeader carries the caller's thread id.
const ThreadHeader = "X-Thread-ID"

// New builds the router.
func New(opts Options) (*Server, error) {
	if opts.Service == nil {
		return nil, errors.New("service is required")
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	metrics, err := newHTTPMetrics(reg)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	origins := opts.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	s := &Server{svc: opts.Service, logger: logger, metrics: metrics}

	r := gin.New()
	r.Use(gin.Recovery())
	corsCfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization", ThreadHeader},
	}
	if len(origins) == 1 && origins[0] == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = origins
	}
	r.Use(cors.New(corsCfg))
	r.Use(s.metrics.middleware())

	api := r.Group("/api")
	api.POST("/message", s.handleMessage)
	api.POST("/clarify", s.handleClarify)
	api.GET("/execution/:id", s.handleExecution)
	api.GET("/object/:id", s.handleObject)

	r.GET("/healthz", gin.WrapH(health.Handler(health.NewChecker(opts.Pingers...))))
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	s.router = r
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }
