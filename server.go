package berth

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"pkt.systems/berth/core"
	"pkt.systems/berth/httpapi"
	"pkt.systems/berth/internal/metrics"
	"pkt.systems/pslog"
)

// Server runs the berth HTTP API.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
}

// ServerConfig configures the server.
type ServerConfig struct {
	Service core.Config
	HTTP    httpapi.Config
}

// ServerDeps captures dependencies required to build the server.
type ServerDeps struct {
	ServiceDeps core.ServiceDeps
	Auth        httpapi.Authenticator
	// Listener is used instead of listening on HTTP.Addr when set.
	Listener net.Listener
	// Closers are closed in order once the server has stopped.
	Closers []io.Closer
}

// New constructs the server from its dependencies.
func New(cfg ServerConfig, deps ServerDeps) (Server, error) {
	if deps.Auth == nil {
		return nil, errors.New("authenticator is required")
	}
	if deps.ServiceDeps.Metrics == nil && cfg.HTTP.Metrics {
		deps.ServiceDeps.Metrics = metrics.New()
	}
	service, err := core.NewService(cfg.Service, deps.ServiceDeps)
	if err != nil {
		return nil, err
	}
	return &compositeServer{
		cfg:      cfg,
		httpSrv:  httpapi.NewServer(cfg.HTTP, service, deps.Auth, deps.ServiceDeps.Metrics),
		listener: deps.Listener,
		closers:  deps.Closers,
	}, nil
}

type compositeServer struct {
	cfg      ServerConfig
	httpSrv  *httpapi.Server
	listener net.Listener
	closers  []io.Closer
	logger   pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	errCh   chan error
	done    chan struct{}
	started bool
	closed  bool
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.errCh = make(chan error, 1)
	s.done = make(chan struct{})
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"http_addr", s.cfg.HTTP.Addr,
		"http_base_path", s.cfg.HTTP.BasePath,
		"metrics", s.cfg.HTTP.Metrics,
		"rate_limit", s.cfg.HTTP.RateLimit.Requests,
	)
	handler := s.httpSrv.Handler()
	go func() {
		defer close(s.done)
		var err error
		if s.listener != nil {
			err = httpapi.Serve(s.ctx, s.listener, handler)
		} else {
			err = httpapi.ListenAndServe(s.ctx, s.cfg.HTTP.Addr, handler)
		}
		if err != nil {
			log.Error("http server failed", "err", err)
			s.errCh <- err
		}
	}()
	return nil
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	ctx := s.ctx
	errCh := s.errCh
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		pslog.Ctx(ctx).Error("server stopped", "err", err)
		_ = s.Stop(context.Background())
		return err
	}
}

func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	done := s.done
	log := s.logger
	s.mu.Unlock()
	if !started {
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	log.Info("server stop requested")
	if cancel != nil {
		cancel()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-done:
	}
	s.closeDeps(log)
	log.Info("server stopped")
	return nil
}

func (s *compositeServer) closeDeps(log pslog.Logger) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	for _, c := range s.closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			log.Warn("server close failed", "err", err)
		}
	}
}
