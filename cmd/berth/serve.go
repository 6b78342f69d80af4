package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/berth"
	"pkt.systems/berth/core"
	"pkt.systems/berth/httpapi"
	"pkt.systems/berth/internal/appconfig"
	"pkt.systems/berth/internal/auth"
	"pkt.systems/berth/internal/metrics"
	"pkt.systems/berth/internal/repo"
	"pkt.systems/berth/internal/shipohoy"
	"pkt.systems/berth/internal/store"
	"pkt.systems/pslog"
)

type closeFunc func() error

func (f closeFunc) Close() error { return f() }

func newServeCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the berth API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if cfg.Auth.HasPlaintextSeeds() {
				logger.Warn("seed users carry plaintext passwords; they are hashed on first login")
			}

			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			closers := []io.Closer{st}
			defer func() {
				for _, c := range closers {
					_ = c.Close()
				}
			}()
			authn, err := newAuthService(st, cfg.Auth)
			if err != nil {
				return err
			}

			logger.Info("runtime selected", "driver", cfg.Runtime.Driver)
			rt, builder, closeRuntime, err := selectRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			closers = append([]io.Closer{closeFunc(closeRuntime)}, closers...)

			workspaces, err := repo.NewManager(cfg.Runtime.BuildDir)
			if err != nil {
				return err
			}
			var m *metrics.Metrics
			if cfg.HTTP.Metrics {
				m = metrics.New()
			}

			httpCfg, err := toHTTPConfig(cfg.HTTP)
			if err != nil {
				return err
			}
			serverCfg := berth.ServerConfig{
				Service: core.Config{
					LogTailLines: cfg.Runtime.LogTailLines,
					BuildTimeout: time.Duration(cfg.Runtime.BuildTimeoutMinutes) * time.Minute,
				},
				HTTP: httpCfg,
			}
			server, err := berth.New(serverCfg, berth.ServerDeps{
				ServiceDeps: core.ServiceDeps{
					Runtime:    shipohoy.Commission(yardPlan(cfg.Runtime), rt),
					Builder:    builder,
					Store:      st,
					Workspaces: workspaces,
					Metrics:    m,
					Logger:     logger,
				},
				Auth:    authn,
				Closers: closers,
			})
			if err != nil {
				return err
			}
			// The server owns the closers from here on.
			closers = nil

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger.Info("http server listening", "addr", serverCfg.HTTP.Addr, "base_path", serverCfg.HTTP.BasePath)
			if err := server.Start(ctx); err != nil {
				return err
			}
			waitErr := server.Wait()
			stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := server.Stop(stopCtx); err != nil {
				logger.Warn("server stop failed", "err", err)
			}
			return waitErr
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	return cmd
}

func newAuthService(st *store.Store, cfg appconfig.AuthConfig) (*auth.Service, error) {
	tokens, err := auth.NewTokenIssuer([]byte(cfg.JWTSecret), cfg.TokenTTL())
	if err != nil {
		return nil, err
	}
	return auth.NewService(st, tokens, auth.Config{
		BcryptCost:            cfg.BcryptCost,
		MinPasswordLength:     cfg.MinPasswordLength,
		DefaultContainerLimit: cfg.DefaultContainerLimit,
		DefaultImageLimit:     cfg.DefaultImageLimit,
	})
}

func toHTTPConfig(cfg appconfig.HTTPConfig) (httpapi.Config, error) {
	trusted, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:     cfg.Addr,
		BasePath: cfg.BasePath,
		RateLimit: httpapi.RateLimit{
			Requests: cfg.RateLimit.Requests,
			Window:   cfg.RateLimit.Window(),
		},
		Metrics:        cfg.Metrics,
		TrustedProxies: trusted,
		CORSOrigins:    slices.Clone(cfg.CORS.AllowedOrigins),
	}, nil
}
