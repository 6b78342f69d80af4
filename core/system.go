package core

import (
	"context"

	"pkt.systems/berth/internal/logx"
	"pkt.systems/berth/internal/policy"
	"pkt.systems/berth/schema"
)

func (s *service) SystemStats(ctx context.Context, p schema.Principal) (schema.SystemStats, error) {
	if err := requirePrincipal(p); err != nil {
		return schema.SystemStats{}, err
	}
	if !policy.IsElevated(p.Role) {
		return schema.SystemStats{}, schema.ErrForbidden
	}
	info, err := s.runtime.Info(ctx)
	if err != nil {
		logx.WithUser(ctx, p.ID).Warn("system stats failed", "err", err)
		return schema.SystemStats{}, upstream("host info", err)
	}
	return schema.SystemStats{
		Containers:    info.Containers,
		Running:       info.Running,
		Paused:        info.Paused,
		Stopped:       info.Stopped,
		Images:        info.Images,
		CPUs:          info.CPUs,
		Memory:        info.MemoryBytes,
		OS:            info.OS,
		DockerVersion: info.Version,
	}, nil
}

func (s *service) UserConfig(ctx context.Context, p schema.Principal) (schema.UserConfig, error) {
	if err := requirePrincipal(p); err != nil {
		return schema.UserConfig{}, err
	}
	return s.store.UserConfig(ctx, p.ID)
}

func (s *service) SaveUserConfig(ctx context.Context, p schema.Principal, cfg schema.UserConfig) error {
	if err := requirePrincipal(p); err != nil {
		return err
	}
	if err := s.store.PutUserConfig(ctx, p.ID, cfg); err != nil {
		logx.WithUser(ctx, p.ID).Warn("configs save failed", "err", err)
		return err
	}
	logx.WithUser(ctx, p.ID).Debug("configs save ok", "vars", len(cfg.SavedVars))
	return nil
}
