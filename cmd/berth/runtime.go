package main

import (
	"context"
	"fmt"
	"maps"
	"time"

	"pkt.systems/berth/internal/appconfig"
	"pkt.systems/berth/internal/shipohoy"
	"pkt.systems/berth/internal/shipohoy/buildkit"
	"pkt.systems/berth/internal/shipohoy/containerd"
	"pkt.systems/berth/internal/shipohoy/docker"
)

// selectRuntime connects the configured container engine and the matching
// image builder.
func selectRuntime(ctx context.Context, cfg appconfig.Config) (shipohoy.Runtime, shipohoy.BuilderWithEvents, func() error, error) {
	pull := time.Duration(cfg.Runtime.PullTimeoutMinutes) * time.Minute
	stop := time.Duration(cfg.Runtime.StopTimeoutSeconds) * time.Second
	switch cfg.Runtime.Driver {
	case "docker":
		rt, err := docker.New(ctx, docker.Config{
			Address:     cfg.Runtime.Docker.Address,
			APIVersion:  cfg.Runtime.Docker.APIVersion,
			PullTimeout: pull,
			StopTimeout: stop,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("docker connection failed (%s): %w", cfg.Runtime.Docker.Address, err)
		}
		return rt, rt.Builder(), rt.Close, nil
	case "containerd":
		rt, err := containerd.New(ctx, containerd.Config{
			Address:     cfg.Runtime.Containerd.Address,
			Namespace:   cfg.Runtime.Containerd.Namespace,
			PullTimeout: pull,
			StopTimeout: stop,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("containerd connection failed (%s): %w", cfg.Runtime.Containerd.Address, err)
		}
		return rt, buildkit.New(buildkit.Config{Address: cfg.Runtime.BuildKit.Address}), rt.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported runtime.driver %q", cfg.Runtime.Driver)
	}
}

// yardPlan is applied to every container berth creates. Configured labels
// also scope listings, so leave them empty to see every container on the host.
func yardPlan(cfg appconfig.RuntimeConfig) shipohoy.Plan {
	return shipohoy.Plan{
		Labels: maps.Clone(cfg.Labels),
		ResourceCaps: shipohoy.ResourceCaps{
			MemoryBytes: int64(cfg.MemoryLimitMB) << 20,
		},
	}
}
