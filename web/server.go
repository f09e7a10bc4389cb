package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-stkpush/core"
)

const (
	DefaultAddr             = ":8080"
	DefaultMaxCallbackBytes = int64(1 << 20)
	shutdownTimeout         = 10 * time.Second
)

// CallbackProcessor is the callback front door, normally a webhooks.Processor.
type CallbackProcessor interface {
	Process(ctx context.Context, req core.InboundRequest) (core.InboundResult, error)
}

type Options struct {
	Service core.PaymentService
	// Callbacks is optional; without it callbacks go straight to
	// Service.ReconcileCallback.
	Callbacks        CallbackProcessor
	Logger           glog.Logger
	MaxCallbackBytes int64
}

// Server exposes the payment service over HTTP.
type Server struct {
	service          core.PaymentService
	callbacks        CallbackProcessor
	logger           glog.Logger
	maxCallbackBytes int64
	router           *gin.Engine
}

func NewServer(opts Options) (*Server, error) {
	if opts.Service == nil {
		return nil, fmt.Errorf("web: payment service is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = glog.Nop()
	}
	maxBytes := opts.MaxCallbackBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxCallbackBytes
	}

	router := gin.New()
	s := &Server{
		service:          opts.Service,
		callbacks:        opts.Callbacks,
		logger:           logger,
		maxCallbackBytes: maxBytes,
		router:           router,
	}
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/healthz", s.handleHealth)

	mpesa := router.Group("/mpesa")
	{
		mpesa.POST("/stkpush", s.handleInitiate)
		mpesa.POST("/callback", s.handleCallback)
		mpesa.POST("/query", s.handleQueryStatus)
		mpesa.GET("/test-connection", s.handleTestConnection)
		mpesa.GET("/transactions", s.handleListTransactions)
		mpesa.GET("/transactions/:checkoutRequestId", s.handleGetTransaction)
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if strings.TrimSpace(addr) == "" {
		addr = DefaultAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("payments http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startedAt := time.Now()
		c.Next()
		fields := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(startedAt).Milliseconds(),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, "error", c.Errors.String())
		}
		logger := s.logger.WithContext(c.Request.Context())
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Error("payments http request failed", fields...)
			return
		}
		logger.Debug("payments http request", fields...)
	}
}
