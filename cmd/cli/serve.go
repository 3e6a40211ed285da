package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nstogner/deskpilot/pkg/config"
	"github.com/nstogner/deskpilot/pkg/server"
)

func serveCmd() *cobra.Command {
	var (
		addr    string
		webDir  string
		origins []string
		watch   bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}

			a, err := newApp(cfg, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			opts := []server.Option{
				server.WithCredentials(a.keys),
				server.WithBrowser(a.browser),
				server.WithAllowedOrigins(origins...),
			}
			if a.computer != nil {
				opts = append(opts, server.WithScreenshotter(a.computer))
			}
			if webDir != "" {
				opts = append(opts, server.WithStatic(os.DirFS(webDir)))
			}
			srv := server.New(a.runner, a.conversations, opts...)

			if watch {
				w, err := config.NewWatcher(configPath)
				if err != nil {
					return fmt.Errorf("failed to watch config: %w", err)
				}
				w.OnChange(a.applyConfig)
				if err := w.Start(); err != nil {
					slog.Warn("Config hot reload disabled", "path", configPath, "error", err)
				} else {
					defer w.Stop()
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start(cfg.Addr) }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			slog.Info("Shutting down")
			a.runner.Stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&webDir, "web-dir", "", "serve a built web UI from this directory")
	cmd.Flags().StringSliceVar(&origins, "allowed-origin", nil, "allowed CORS origins (default all)")
	cmd.Flags().BoolVar(&watch, "watch", true, "reload log_level and max_turns when the config file changes")
	return cmd
}

// applyConfig applies the settings that can change without a restart.
func (a *app) applyConfig(cfg *config.Config) {
	if logLevel == "" {
		a.level.Set(cfg.Level())
	}
	a.runner.SetMaxTurns(cfg.MaxTurns)
	slog.Info("Applied config", "logLevel", cfg.LogLevel, "maxTurns", cfg.MaxTurns)
}
