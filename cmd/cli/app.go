package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nstogner/deskpilot/pkg/browser"
	"github.com/nstogner/deskpilot/pkg/config"
	"github.com/nstogner/deskpilot/pkg/credentials"
	"github.com/nstogner/deskpilot/pkg/desktop/docker"
	"github.com/nstogner/deskpilot/pkg/logging"
	"github.com/nstogner/deskpilot/pkg/models"
	"github.com/nstogner/deskpilot/pkg/models/gemini"
	"github.com/nstogner/deskpilot/pkg/models/openai"
	"github.com/nstogner/deskpilot/pkg/runner"
	"github.com/nstogner/deskpilot/pkg/store"
	"github.com/nstogner/deskpilot/pkg/store/jsonl"
	"github.com/nstogner/deskpilot/pkg/store/sqlite"
	"github.com/nstogner/deskpilot/pkg/tools"
)

// app holds everything a command needs, built from the config.
type app struct {
	cfg   *config.Config
	level *slog.LevelVar

	conversations store.Manager
	keys          credentials.Store
	runner        *runner.Runner
	browser       *browser.Manager
	desktop       *docker.Desktop
	computer      *tools.ComputerTool

	closers []io.Closer
}

type appOptions struct {
	// console keeps logs off stderr, for the TUI.
	console bool
}

func newApp(cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, level: new(slog.LevelVar)}
	a.level.Set(cfg.Level())

	logPath := cfg.LogFile
	if opts.console && logPath == "" {
		logPath = filepath.Join(cfg.DataDir, "deskpilot.log")
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	logCloser, err := logging.Setup(a.level, logPath)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, logCloser)

	if err := a.openStores(); err != nil {
		a.Close()
		return nil, err
	}

	state := runner.NewRunState()
	if cfg.APIKey != "" {
		state.SetAPIKey(cfg.APIKey)
	}

	a.browser = browser.New(
		browser.WithHeadless(cfg.Browser.Headless),
		browser.WithProfileDir(cfg.Browser.ProfileDir),
		browser.WithLogger(slog.Default()),
	)
	a.closers = append(a.closers, a.browser)

	encoder := tools.ScreenshotEncoder{MaxSide: cfg.Tools.ScreenshotMaxSide}
	registry := tools.NewRegistry()
	registry.Register(tools.NewBrowserTool(a.browser, encoder))

	desktop, err := docker.New(docker.Config{Image: cfg.Desktop.Image, VNC: cfg.Desktop.VNC})
	if err != nil {
		slog.Warn("Computer mode unavailable", "error", err)
	} else {
		a.desktop = desktop
		a.closers = append(a.closers, desktop)
		a.computer = tools.NewComputerTool(desktop, encoder)
		registry.Register(a.computer)
	}

	dispatcher := tools.NewDispatcher(registry,
		tools.WithWorkers(cfg.Tools.Workers),
		tools.WithRateLimit(cfg.Tools.ActionsPerSecond, 1),
	)

	a.runner = runner.New(state, providerFactory(cfg), dispatcher,
		runner.WithCredentials(a.keys),
		runner.WithConversations(a.conversations),
		runner.WithConfig(runner.Config{
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			MaxTurns:  cfg.MaxTurns,
			Service:   cfg.Provider,
		}),
	)

	slog.Info("Initialized", "provider", cfg.Provider, "model", cfg.Model, "store", cfg.Store, "credentials", cfg.Credentials, "dataDir", cfg.DataDir)
	return a, nil
}

func (a *app) openStores() error {
	var db *sqlite.Store
	if a.cfg.Store == config.StoreSQLite || a.cfg.Credentials == config.CredentialsSQLite {
		s, err := sqlite.New(a.cfg.DBPath())
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		db = s
		a.closers = append(a.closers, s)
	}

	switch a.cfg.Store {
	case config.StoreSQLite:
		a.conversations = db
	default:
		mgr, err := jsonl.NewManager(filepath.Join(a.cfg.DataDir, "conversations"))
		if err != nil {
			return fmt.Errorf("failed to open conversation store: %w", err)
		}
		a.conversations = mgr
		a.closers = append(a.closers, mgr)
	}

	switch a.cfg.Credentials {
	case config.CredentialsSQLite:
		a.keys = db.Credentials()
	case config.CredentialsEnv:
		a.keys = credentials.NewEnv()
	default:
		a.keys = credentials.NewKeyring("deskpilot")
	}
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			slog.Warn("Failed to close resource", "error", err)
		}
	}
	a.closers = nil
	return nil
}

// providerFactory builds the configured provider for a key.
func providerFactory(cfg *config.Config) runner.ProviderFactory {
	return func(ctx context.Context, apiKey string) (models.ModelProvider, error) {
		if cfg.Provider == config.ProviderOpenAI {
			c, err := openai.New(openai.Config{APIKey: apiKey, BaseURL: cfg.BaseURL, Name: cfg.Provider})
			if err != nil {
				return nil, err
			}
			return c, nil
		}
		m, err := gemini.New(ctx, apiKey)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
}
