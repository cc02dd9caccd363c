// Package server runs the data plane listener, the admin API and the
// configuration reload loop around a filter chain.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/filterhost/internal/config"
	ferrors "github.com/wudi/filterhost/internal/errors"
	"github.com/wudi/filterhost/internal/filter"
	"github.com/wudi/filterhost/internal/httpbin"
	"github.com/wudi/filterhost/internal/metrics"
	"github.com/wudi/filterhost/internal/middleware"
	"github.com/wudi/filterhost/internal/middleware/dispatch"
	"github.com/wudi/filterhost/internal/stream"
	"github.com/wudi/filterhost/internal/tracing"
)

const reloadHistorySize = 50

// Options carries the collaborators a Server is built from.
type Options struct {
	// ConfigPath enables file watching, SIGHUP and admin reloads.
	ConfigPath string
	Registry   *filter.Registry
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	// Upstream replaces the handler built from the upstream section.
	Upstream http.Handler
	// Tracer replaces the tracer built from the tracing section.
	Tracer *tracing.Tracer
}

// Server is the filter host process.
type Server struct {
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics
	host    *Host
	tracer  *tracing.Tracer
	handler http.Handler
	watcher *config.Watcher

	mu            sync.Mutex
	config        *config.Config
	reloadHistory []ReloadResult
}

// New builds the server and applies cfg's filter chain. A chain that does
// not load is an error.
func New(cfg *config.Config, opts Options) (*Server, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("server: no filter registry")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New(metrics.Options{EnableRuntimeMetrics: cfg.Admin.Metrics.RuntimeMetrics})
	}

	tracer := opts.Tracer
	if tracer == nil {
		var err error
		if tracer, err = tracing.New(cfg.Tracing); err != nil {
			return nil, fmt.Errorf("server: tracing: %w", err)
		}
	}

	reporter := stream.NewLogReporter(logger.Named("defects"),
		cfg.Logging.Defects.RatePerSecond, cfg.Logging.Defects.Burst, m.RecordDefect)
	d := dispatch.New(dispatch.Options{
		Config: dispatch.Config{
			BodyChunkSize: cfg.Stream.BodyChunkSize,
			MaxBodyBytes:  cfg.Stream.MaxBodyBytes,
			HoldTimeout:   cfg.Stream.HoldTimeout,
		},
		Reporter: reporter,
		Observer: m,
		Logger:   logger.Named("dispatch"),
		Tracer:   tracer,
	})

	s := &Server{
		opts:    opts,
		logger:  logger,
		metrics: m,
		host:    NewHost(opts.Registry, d, m, logger.Named("host")),
		tracer:  tracer,
		config:  cfg,
	}

	if result := s.host.Apply(cfg.Filters); !result.Success {
		s.closeTracer()
		return nil, fmt.Errorf("server: initial filter chain: %s", result.Error)
	}
	s.appendHistory(ReloadResult{Success: true, Timestamp: time.Now(), Changes: []string{"initial load"}})

	upstream := opts.Upstream
	if upstream == nil {
		var err error
		if upstream, err = newUpstream(cfg.Upstream, logger); err != nil {
			s.host.Close()
			s.closeTracer()
			return nil, err
		}
	}

	var accessLog middleware.Middleware
	if cfg.Logging.AccessLog {
		accessLog = middleware.Logging(middleware.LoggingConfig{Logger: logger.Named("access")})
	}
	s.handler = middleware.NewChain(
		middleware.RequestID(),
		tracer.Middleware(),
		middleware.Metrics(m.RecordRequest),
		accessLog,
		middleware.Recovery(),
		d.Middleware(),
	).Then(upstream)

	if opts.ConfigPath != "" {
		w, err := config.NewWatcher(opts.ConfigPath)
		if err != nil {
			s.host.Close()
			s.closeTracer()
			return nil, fmt.Errorf("server: config watcher: %w", err)
		}
		w.OnChange(func(cfg *config.Config) { s.Reload(cfg) })
		s.watcher = w
	}
	return s, nil
}

// newUpstream builds the single upstream hop. An empty URL selects the
// built-in echo upstream.
func newUpstream(cfg config.UpstreamConfig, logger *zap.Logger) (http.Handler, error) {
	if cfg.URL == "" {
		return httpbin.New(httpbin.Options{Logger: logger.Named("httpbin")}), nil
	}
	target, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("server: upstream url: %w", err)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.Timeout

	return &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(target)
			r.SetXForwarded()
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("upstream request failed", zap.String("upstream", cfg.URL), zap.Error(err))
			ferrors.ErrBadGateway.WithDetails(err.Error()).
				WithRequestID(middleware.RequestIDFromContext(r.Context())).
				WriteJSON(w)
		},
	}, nil
}

// Handler returns the data plane handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Host returns the filter host.
func (s *Server) Host() *Host {
	return s.host
}

// Config returns the configuration last applied successfully.
func (s *Server) Config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// Reload applies cfg's filter chain. Listener, admin and upstream settings
// take effect on restart only.
func (s *Server) Reload(cfg *config.Config) ReloadResult {
	result := s.host.Apply(cfg.Filters)

	s.mu.Lock()
	if result.Success {
		if cfg.Listener != s.config.Listener || cfg.Admin != s.config.Admin || cfg.Upstream != s.config.Upstream {
			s.logger.Warn("listener, admin and upstream changes need a restart")
		}
		s.config = cfg
	}
	s.mu.Unlock()

	s.appendHistory(result)
	if result.Success {
		s.logger.Info("filter chain reloaded",
			zap.Strings("changes", result.Changes),
			zap.Int("rejected", len(result.Rejected)),
		)
	}
	return result
}

// ReloadConfig reads the config file and applies it.
func (s *Server) ReloadConfig() ReloadResult {
	if s.watcher == nil {
		return ReloadResult{Timestamp: time.Now(), Error: "no config path configured"}
	}
	cfg, err := s.watcher.Reload()
	if err != nil {
		result := ReloadResult{Timestamp: time.Now(), Error: fmt.Sprintf("config load failed: %v", err)}
		s.metrics.RecordReload("failed")
		s.appendHistory(result)
		return result
	}
	return s.Reload(cfg)
}

func (s *Server) appendHistory(result ReloadResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadHistory = appendReloadHistory(s.reloadHistory, result)
}

// ReloadHistory returns the most recent reload results, oldest first.
func (s *Server) ReloadHistory() []ReloadResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ReloadResult(nil), s.reloadHistory...)
}

// appendReloadHistory appends a result and keeps the last entries.
func appendReloadHistory(history []ReloadResult, result ReloadResult) []ReloadResult {
	history = append(history, result)
	if len(history) > reloadHistorySize {
		history = history[len(history)-reloadHistorySize:]
	}
	return history
}

// Run serves until ctx is done or SIGINT/SIGTERM arrives, then shuts down
// gracefully. SIGHUP reloads the config file.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := s.Config()
	dataServer := &http.Server{
		Handler:           s.handler,
		ReadTimeout:       cfg.Listener.ReadTimeout,
		WriteTimeout:      cfg.Listener.WriteTimeout,
		IdleTimeout:       cfg.Listener.IdleTimeout,
		ReadHeaderTimeout: cfg.Listener.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.Listener.MaxHeaderBytes,
	}
	ln, err := net.Listen("tcp", cfg.Listener.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listener.Address, err)
	}

	var adminServer *http.Server
	var adminLn net.Listener
	if cfg.Admin.Enabled {
		adminServer = &http.Server{Handler: s.AdminHandler(), ReadHeaderTimeout: 10 * time.Second}
		if adminLn, err = net.Listen("tcp", cfg.Admin.Address); err != nil {
			ln.Close()
			return fmt.Errorf("listen admin %s: %w", cfg.Admin.Address, err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("listener started", zap.String("address", ln.Addr().String()))
		return serve(dataServer, ln)
	})
	if adminServer != nil {
		g.Go(func() error {
			s.logger.Info("admin API started", zap.String("address", adminLn.Addr().String()))
			return serve(adminServer, adminLn)
		})
	}
	if s.watcher != nil {
		g.Go(func() error { return s.watcher.Run(ctx) })
	}
	g.Go(func() error {
		s.handleSignals(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("shutting down gracefully")
		return s.shutdown(cfg.Listener.ShutdownTimeout, dataServer, adminServer)
	})

	return g.Wait()
}

func serve(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleSignals reloads on SIGHUP until ctx is done.
func (s *Server) handleSignals(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			result := s.ReloadConfig()
			if !result.Success {
				s.logger.Error("config reload failed", zap.String("error", result.Error))
			}
		}
	}
}

func (s *Server) shutdown(timeout time.Duration, servers ...*http.Server) error {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	for _, srv := range servers {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.host.Close()
	if err := s.tracer.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracing: %w", err))
	}
	s.logger.Info("server shutdown complete")
	return errors.Join(errs...)
}

func (s *Server) closeTracer() {
	if err := s.tracer.Close(context.Background()); err != nil {
		s.logger.Warn("tracer shutdown failed", zap.Error(err))
	}
}
