// Package launch is the process entrypoint: it resolves the named
// application object, binds the listener and serves until cancelled.
//
// The application is resolved and constructed before any socket is opened,
// so a bad entrypoint fails without ever listening.
package launch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/bft-labs/imgship/internal/cliconfig"
	"github.com/bft-labs/imgship/internal/configwatch"
	"github.com/bft-labs/imgship/internal/domain"
	"github.com/bft-labs/imgship/internal/lifecycle"
)

const readHeaderTimeout = 10 * time.Second

// Option configures a Server.
type Option func(*Server)

// WithConfigPath enables hot reload of the given config file when cfg.Watch is set.
func WithConfigPath(path string) Option {
	return func(s *Server) { s.configPath = path }
}

// WithRegistry overrides the application registry.
func WithRegistry(r *Registry) Option {
	return func(s *Server) { s.registry = r }
}

// WithChangedFlags marks settings given on the command line. Hot reload
// leaves them untouched.
func WithChangedFlags(changed map[string]bool) Option {
	return func(s *Server) { s.changed = changed }
}

// Server runs one application object on one listener.
type Server struct {
	cfg        cliconfig.Config
	registry   *Registry
	configPath string
	logger     zerolog.Logger
	lc         *lifecycle.Manager
	metrics    *prometheus.Registry
	changed    map[string]bool

	mu      sync.RWMutex
	started bool
	addr    net.Addr
	ready   chan struct{}
}

// New returns a Server for cfg. cfg must already be validated.
func New(cfg cliconfig.Config, logger zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		registry: DefaultRegistry(),
		logger:   logger,
		metrics:  prometheus.NewRegistry(),
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lc = lifecycle.NewManager(logger, stateObserver(s.metrics, logger))
	return s
}

// Ready is closed once the server is listening.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound address, or nil before Ready.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// State returns the lifecycle state.
func (s *Server) State() lifecycle.State { return s.lc.State() }

// Run serves until ctx is cancelled or the listener fails. A clean shutdown
// returns nil. A Server runs at most once.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.started = true
	s.mu.Unlock()
	if started {
		return fmt.Errorf("run: %w", domain.ErrAlreadyRunning)
	}

	if err := s.lc.TransitionTo(lifecycle.StateStarting, "run"); err != nil {
		return err
	}

	app, ln, err := s.start()
	if err != nil {
		_ = s.lc.TransitionTo(lifecycle.StateCrashed, err.Error())
		return err
	}

	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	httpSrv := &http.Server{
		Handler:           app.Handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.cfg.Watch && s.configPath != "" && app.Reload != nil {
		w := configwatch.New(s.configPath, app.Reload, s.logger)
		s.lc.AddWorker()
		go func() {
			defer s.lc.WorkerDone()
			if err := w.Run(runCtx); err != nil {
				s.logger.Warn().Err(err).Msg("config hot reload disabled")
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- httpSrv.Serve(ln) }()

	_ = s.lc.TransitionTo(lifecycle.StateRunning, "listening")
	close(s.ready)
	s.logger.Info().
		Str("app", s.cfg.App).
		Str("addr", ln.Addr().String()).
		Msg("serving")

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		cancel()
		_ = s.lc.TransitionTo(lifecycle.StateCrashed, err.Error())
		return fmt.Errorf("serve: %w", err)
	}

	_ = s.lc.TransitionTo(lifecycle.StateStopping, "context done")
	shutdownCtx, done := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer done()

	err = httpSrv.Shutdown(shutdownCtx)
	cancel()
	if werr := s.lc.WaitWithTimeout(s.cfg.ShutdownTimeout); err == nil {
		err = werr
	}
	if serr := <-serveErr; err == nil && !errors.Is(serr, http.ErrServerClosed) {
		err = serr
	}
	if err != nil {
		_ = s.lc.TransitionTo(lifecycle.StateCrashed, err.Error())
		return fmt.Errorf("shutdown: %w", err)
	}

	_ = s.lc.TransitionTo(lifecycle.StateStopped, "shutdown complete")
	s.logger.Info().Msg("stopped")
	return nil
}

// start resolves and builds the application, then binds the listener.
func (s *Server) start() (*App, net.Listener, error) {
	factory, err := s.registry.Resolve(s.cfg.App)
	if err != nil {
		return nil, nil, err
	}

	app, err := factory(Deps{
		Config:   s.cfg,
		Logger:   s.logger,
		Registry: s.metrics,
		Changed:  s.changed,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("build %s: %w", s.cfg.App, err)
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return app, ln, nil
}
