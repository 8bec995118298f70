// Package rest exposes the sidecar's public HTTP surface: preconfirmation
// intake, slot introspection, and health.
package rest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	metricsprom "github.com/slok/go-http-metrics/metrics/prometheus"
	httpmetrics "github.com/slok/go-http-metrics/middleware"
	middlewarestd "github.com/slok/go-http-metrics/middleware/std"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/interstate-labs/sidecar/module/component"
	"github.com/interstate-labs/sidecar/module/irrecoverable"
)

const (
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 5 * time.Second
	defaultRateLimit       = 100
	defaultRateBurst       = 200
)

// Config holds the HTTP server settings.
type Config struct {
	// ListenAddr is the address the server binds to.
	ListenAddr string
	// RateLimit is the sustained request rate per second (0 means default).
	RateLimit float64
	// RateBurst is the burst allowance on top of RateLimit (0 means default).
	RateBurst int
	// AllowedOrigins is the CORS allow-list; empty means same-origin only.
	AllowedOrigins []string
}

// Server is the public HTTP endpoint. It implements component.Component and
// shuts down gracefully when its context ends.
type Server struct {
	component.Component

	log     zerolog.Logger
	cfg     Config
	server  *http.Server
	handler *Handler
}

func NewServer(
	log zerolog.Logger,
	cfg Config,
	handler *Handler,
	registerer prometheus.Registerer,
) *Server {
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaultRateBurst
	}
	log = log.With().Str("engine", "rest").Logger()

	s := &Server{
		log:     log,
		cfg:     cfg,
		handler: handler,
	}

	router := mux.NewRouter()
	router.HandleFunc("/api/v1/preconfirmation", handler.SubmitPreconfirmation).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/slots/{slot:[0-9]+}/commitments", handler.SlotCommitments).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/slots/{slot:[0-9]+}/constraints", handler.SlotConstraints).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/slots/{slot:[0-9]+}/audit", handler.SlotAudit).Methods(http.MethodGet)
	router.HandleFunc("/health", handler.Health).Methods(http.MethodGet)

	var root http.Handler = router
	root = rateLimitMiddleware(rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst))(root)
	if registerer != nil {
		mdlw := httpmetrics.New(httpmetrics.Config{
			Recorder: metricsprom.NewRecorder(metricsprom.Config{Registry: registerer}),
		})
		root = middlewarestd.Handler("", mdlw, root)
	}
	root = cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}).Handler(root)
	root = loggingMiddleware(log)(root)

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      root,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}

	s.Component = component.NewManagerBuilder().
		AddWorker(s.serve).
		Build()
	return s
}

func (s *Server) serve(ctx irrecoverable.SignalerContext, ready component.ReadyFunc) {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		ctx.Throw(fmt.Errorf("could not listen on %s: %w", s.cfg.ListenAddr, err))
		return
	}
	s.log.Info().Str("addr", listener.Addr().String()).Msg("rest server listening")

	errs := make(chan error, 1)
	go func() {
		errs <- s.server.Serve(listener)
	}()
	ready()

	select {
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			ctx.Throw(fmt.Errorf("rest server failed: %w", err))
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("graceful shutdown failed, closing")
			_ = s.server.Close()
		}
	}
}

// Addr reports the bound address; empty before the listener is up.
func (s *Server) Addr() string {
	return s.server.Addr
}

func rateLimitMiddleware(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func loggingMiddleware(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Dur("elapsed", time.Since(start)).
				Msg("request served")
		})
	}
}
