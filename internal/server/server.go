package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"defi-alerts/internal/service"
)

// Runner triggers one engine run.
type Runner interface {
	RunOnce(ctx context.Context) (service.RunResult, error)
}

// Options configure the HTTP surface.
type Options struct {
	Addr         string
	TriggerPath  string
	TriggerToken string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type triggerResponse struct {
	Success                bool   `json:"success"`
	TriggeredNotifications int    `json:"triggeredNotifications"`
	RunID                  string `json:"runId,omitempty"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// Server exposes the run trigger, health and metrics endpoints.
type Server struct {
	opts     Options
	runner   Runner
	registry *prometheus.Registry
	router   *gin.Engine
	logger   zerolog.Logger
}

// New builds the router. registry may be nil, in which case /metrics is not mounted.
func New(opts Options, runner Runner, registry *prometheus.Registry, logger zerolog.Logger) *Server {
	if opts.TriggerPath == "" {
		opts.TriggerPath = "/api/alerts/compound-market"
	}
	s := &Server{
		opts:     opts,
		runner:   runner,
		registry: registry,
		logger:   logger.With().Str("component", "http").Logger(),
	}
	s.router = s.routes()
	return s
}

// Router returns the underlying gin engine.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}
	r.GET(s.opts.TriggerPath, s.authorize(), s.trigger)
	return r
}

func (s *Server) trigger(c *gin.Context) {
	// A disconnecting caller does not abort a run that may already be sending.
	result, err := s.runner.RunOnce(context.WithoutCancel(c.Request.Context()))
	switch {
	case errors.Is(err, service.ErrRunInProgress):
		c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	default:
		c.JSON(http.StatusOK, triggerResponse{
			Success:                true,
			TriggeredNotifications: result.Triggered,
			RunID:                  result.RunID,
		})
	}
}

// authorize enforces the optional bearer token on the trigger route.
func (s *Server) authorize() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.opts.TriggerToken == "" {
			c.Next()
			return
		}
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.TriggerToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request served")
	}
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.router,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Str("trigger", s.opts.TriggerPath).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
