package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"pkt.systems/berth/internal/appconfig"
	"pkt.systems/berth/internal/store"
	"pkt.systems/pslog"
)

// openStore opens the configured store, seeding it from config when empty.
func openStore(ctx context.Context, cfg appconfig.Config) (*store.Store, error) {
	logger := pslog.Ctx(ctx)
	path := cfg.StorePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("store dir: %w", err)
	}
	driver, err := store.NewDriver(cfg.Store.Driver, path, logger)
	if err != nil {
		return nil, err
	}
	seeds, err := cfg.Auth.SeedRecords()
	if err != nil {
		_ = driver.Close()
		return nil, err
	}
	st, err := store.Open(ctx, driver, seeds, logger)
	if err != nil {
		_ = driver.Close()
		return nil, err
	}
	logger.Debug("store open ok", "driver", cfg.Store.Driver, "path", path)
	return st, nil
}
