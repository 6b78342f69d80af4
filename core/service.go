package core

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/berth/internal/metrics"
	"pkt.systems/berth/internal/repo"
	"pkt.systems/berth/internal/shipohoy"
	"pkt.systems/berth/internal/store"
	"pkt.systems/berth/schema"
	"pkt.systems/pslog"
)

// service implements the core service behavior. It keeps no container state
// of its own: the runtime is the system of record for containers and their
// ownership labels, the store for everything else.
type service struct {
	cfg        Config
	runtime    shipohoy.Runtime
	builder    shipohoy.BuilderWithEvents
	store      *store.Store
	workspaces *repo.Manager
	metrics    *metrics.Metrics
	logger     pslog.Logger
}

// NewService constructs the core service implementation.
func NewService(cfg Config, deps ServiceDeps) (Service, error) {
	if deps.Runtime == nil {
		return nil, errors.New("core: runtime is required")
	}
	if deps.Store == nil {
		return nil, errors.New("core: store is required")
	}
	if deps.Workspaces == nil {
		return nil, errors.New("core: workspace manager is required")
	}
	if cfg.LogTailLines <= 0 {
		cfg.LogTailLines = DefaultLogTailLines
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = DefaultBuildTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &service{
		cfg:        cfg,
		runtime:    deps.Runtime,
		builder:    deps.Builder,
		store:      deps.Store,
		workspaces: deps.Workspaces,
		metrics:    deps.Metrics,
		logger:     logger,
	}, nil
}

// upstream classifies a runtime failure. Missing entities keep their NotFound
// meaning; everything else becomes an upstream failure.
func upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, shipohoy.ErrNotFound) {
		return fmt.Errorf("%w: %s: %v", schema.ErrNotFound, op, err)
	}
	return fmt.Errorf("%w: %s: %w", schema.ErrUpstream, op, err)
}

func requirePrincipal(p schema.Principal) error {
	if p.ID == "" {
		return schema.ErrUnauthorized
	}
	return nil
}
