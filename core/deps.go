package core

import (
	"time"

	"pkt.systems/berth/internal/metrics"
	"pkt.systems/berth/internal/repo"
	"pkt.systems/berth/internal/shipohoy"
	"pkt.systems/berth/internal/store"
	"pkt.systems/pslog"
)

// Defaults applied when Config leaves a value unset.
const (
	DefaultLogTailLines = 200
	DefaultBuildTimeout = 20 * time.Minute
)

// Config tunes the core service.
type Config struct {
	LogTailLines int
	BuildTimeout time.Duration
}

// ServiceDeps captures the collaborators of the core service. Runtime, Store
// and Workspaces are required; Builder may be nil when the host cannot build.
type ServiceDeps struct {
	Runtime    shipohoy.Runtime
	Builder    shipohoy.BuilderWithEvents
	Store      *store.Store
	Workspaces *repo.Manager
	Metrics    *metrics.Metrics
	Logger     pslog.Logger
}
