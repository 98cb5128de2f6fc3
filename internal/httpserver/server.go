// Package httpserver exposes the registry, job control, result queries and
// run notifications over HTTP.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tinytelemetry/logtt/internal/extract"
	"github.com/tinytelemetry/logtt/internal/logformat"
	"github.com/tinytelemetry/logtt/internal/logging"
	"github.com/tinytelemetry/logtt/internal/metrics"
	"github.com/tinytelemetry/logtt/internal/model"
	"github.com/tinytelemetry/logtt/internal/registry"
)

// JobController is the job control contract required by the HTTP API.
type JobController interface {
	Start(logID int64, opts extract.StartOptions) (*extract.Run, error)
	Cancel(logID int64) error
	Complete(logID int64) error
	Subscribe() (<-chan model.Notification, func())
}

// FormatCatalog is the format contract required by the HTTP API.
type FormatCatalog interface {
	Definitions() []logformat.Definition
	SaveUserFormat(def logformat.Definition) error
	Resolve(spec model.FormatSpec) (logformat.Parser, logformat.Hints, error)
}

// Deps are the collaborators the API serves.
type Deps struct {
	Registry *registry.Registry
	Results  model.ResultReader
	Jobs     JobController
	Formats  FormatCatalog
	Metrics  *metrics.Collector
	Logger   *logging.Logger
}

// Server provides the HTTP API.
type Server struct {
	addr      string
	deps      Deps
	log       *logging.Logger
	server    *http.Server
	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(addr string, deps Deps) *Server {
	if addr == "" {
		addr = "127.0.0.1:3000"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		deps:      deps,
		log:       deps.Logger.WithComponent("http"),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	api := r.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/formats", s.handleListFormats)
	api.POST("/formats", s.handleSaveFormat)
	api.GET("/events", s.handleEvents)

	logs := api.Group("/logs")
	logs.GET("", s.handleListLogs)
	logs.POST("", s.handleRegister)
	logs.GET("/:id", s.handleGetLog)
	logs.DELETE("/:id", s.handleRemove)
	logs.POST("/:id/extract", s.handleStart)
	logs.DELETE("/:id/extract", s.handleCancel)
	logs.POST("/:id/complete", s.handleComplete)
	logs.GET("/:id/records", s.handleRecords)
	logs.GET("/:id/records/:seq/template", s.handleRecordTemplate)
	logs.GET("/:id/templates", s.handleTemplates)
	logs.GET("/:id/templates/count", s.handleCountTemplates)
	logs.GET("/:id/values/:column", s.handleValues)
	logs.GET("/:id/fields", s.handleFields)

	if s.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}
	return r
}

// Listen binds the listen address. Serve then handles requests on it.
func (s *Server) Listen() error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.startTime = time.Now()
	s.log.Info().Str("addr", listener.Addr().String()).Msg("http api listening")
	return nil
}

// Serve blocks until Stop is called or the listener fails. A stopped
// server returns nil.
func (s *Server) Serve() error {
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server. Event streams end when the
// base context is cancelled.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}
