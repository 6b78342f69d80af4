package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/berth/internal/appconfig"
	"pkt.systems/pslog"
)

func newDoctorCmd() *cobra.Command {
	var cfgPath string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run berth diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())

			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			configPath := cfgPath
			if strings.TrimSpace(configPath) == "" {
				path, err := appconfig.DefaultConfigPath()
				if err != nil {
					return err
				}
				configPath = path
			}
			logger.Info("doctor start", "config", configPath)

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			if err := doctorStore(ctx, logger, cfg); err != nil {
				return err
			}
			if err := doctorBuildDir(cfg.Runtime.BuildDir); err != nil {
				return err
			}
			logger.Info("doctor build dir ok", "path", cfg.Runtime.BuildDir)

			rt, builder, closeFn, err := selectRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closeFn() }()
			info, err := rt.Info(ctx)
			if err != nil {
				return fmt.Errorf("doctor runtime: %w", err)
			}
			logger.Info("doctor runtime ok",
				"driver", cfg.Runtime.Driver,
				"version", info.Version,
				"os", info.OS,
				"containers", info.Containers,
				"images", info.Images,
			)
			if builder == nil {
				logger.Warn("doctor builder missing", "driver", cfg.Runtime.Driver)
			} else {
				logger.Info("doctor builder ok", "driver", cfg.Runtime.Driver)
			}
			if cfg.Auth.HasPlaintextSeeds() {
				logger.Warn("doctor seed users carry plaintext passwords; they are hashed on first login")
			}
			logger.Info("doctor complete")
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "timeout for runtime checks")
	return cmd
}

func doctorStore(ctx context.Context, logger pslog.Logger, cfg appconfig.Config) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("doctor store: %w", err)
	}
	defer func() { _ = st.Close() }()
	users, err := st.Users(ctx)
	if err != nil {
		return fmt.Errorf("doctor store: %w", err)
	}
	logger.Info("doctor store ok", "driver", cfg.Store.Driver, "path", cfg.StorePath(), "users", len(users))
	return nil
}

// doctorBuildDir checks that build workspaces can be created.
func doctorBuildDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return errors.New("doctor build dir: runtime.build_dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("doctor build dir: %w", err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("doctor build dir not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
