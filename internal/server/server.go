// Package server is the HTTP surface of voicebridge: the carrier webhook
// endpoint, the media-stream WebSocket upgrade, health and metrics endpoints,
// a token-authenticated wake-up hook, a small admin API the CLI talks to, and
// an optional path-prefixed proxy to an upstream agent service.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openclaw/voicebridge/internal/call"
	"github.com/openclaw/voicebridge/internal/config"
	"github.com/openclaw/voicebridge/internal/health"
	"github.com/openclaw/voicebridge/internal/observe"
	"github.com/openclaw/voicebridge/pkg/provider/telephony"
)

const shutdownTimeout = 10 * time.Second

// StreamHandler upgrades media-stream requests. Implemented by the bridge.
type StreamHandler interface {
	HandleWS(w http.ResponseWriter, r *http.Request)
}

// WakeFunc is invoked when an authenticated wake-up hook arrives.
type WakeFunc func(ctx context.Context) error

// Server owns the HTTP listener and routes.
type Server struct {
	cfg      config.ServerConfig
	provider telephony.Provider
	manager  *call.Manager

	streams    StreamHandler
	metrics    *observe.Metrics
	health     *health.Handler
	skipVerify bool
	publicURL  func() string
	wake       WakeFunc

	hookFailures *failureWindow
	ipLimits     *ipLimiter

	httpSrv *http.Server
}

// Option configures a [Server].
type Option func(*Server)

// WithStreamHandler routes WS upgrades on the stream path to h.
func WithStreamHandler(h StreamHandler) Option {
	return func(s *Server) { s.streams = h }
}

// WithMetrics enables the HTTP middleware and webhook counters.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealth mounts /healthz and /readyz from h.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithSkipVerification disables webhook signature checks. Local development
// only.
func WithSkipVerification(skip bool) Option {
	return func(s *Server) { s.skipVerify = skip }
}

// WithPublicURL supplies the resolved public base URL for the status endpoint.
func WithPublicURL(fn func() string) Option {
	return func(s *Server) { s.publicURL = fn }
}

// WithWakeFunc wires the wake-up hook to the agent runtime.
func WithWakeFunc(fn WakeFunc) Option {
	return func(s *Server) { s.wake = fn }
}

// New assembles a server over the given provider and call manager.
func New(cfg config.ServerConfig, provider telephony.Provider, manager *call.Manager, opts ...Option) *Server {
	s := &Server{
		cfg:          cfg,
		provider:     provider,
		manager:      manager,
		health:       health.New(),
		hookFailures: newFailureWindow(),
		ipLimits:     newIPLimiter(cfg.Hook.RatePerSecond, cfg.Hook.Burst),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the chi router. Exposed separately so tests can drive it
// through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	if s.metrics != nil {
		r.Use(observe.Middleware(s.metrics))
	}

	webhookPath := s.cfg.WebhookPath
	if webhookPath == "" {
		webhookPath = "/voice/webhook"
	}
	r.Post(webhookPath, s.handleWebhook)

	streamPath := s.cfg.StreamPath
	if streamPath == "" {
		streamPath = "/voice/stream"
	}
	if s.streams != nil {
		r.Get(streamPath, s.streams.HandleWS)
	}

	s.health.Register(r)
	r.Handle("/metrics", promhttp.Handler())

	if s.cfg.Hook.Token != "" {
		hookPath := s.cfg.Hook.Path
		if hookPath == "" {
			hookPath = "/hooks/wake"
		}
		r.With(s.perIPLimit).Post(hookPath, s.handleHook)
	}

	s.mountAdmin(r)

	if p := s.cfg.Proxy; p != nil {
		proxy := newProxy(*p)
		r.Handle(p.BasePath, proxy)
		r.Handle(p.BasePath+"/*", proxy)
	}

	return r
}

// Start listens on the configured address until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := s.cfg.TLS; tls != nil {
			err = s.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = s.httpSrv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("http server listening", "addr", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		return s.Shutdown(context.WithoutCancel(ctx))
	case err := <-errCh:
		return err
	}
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}
