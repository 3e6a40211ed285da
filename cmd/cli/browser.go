package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/nstogner/deskpilot/pkg/browser"
	"github.com/nstogner/deskpilot/pkg/config"
)

func browserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "browser",
		Short: "Manage the agent's persistent browser profile",
	}
	cmd.AddCommand(browserOpenCmd())
	cmd.AddCommand(browserStatusCmd())
	cmd.AddCommand(browserResetCmd())
	cmd.AddCommand(browserClearCookiesCmd())
	return cmd
}

// browserOpenCmd opens the profile so the user can sign in to sites the
// agent will use, and keeps it open until interrupted.
func browserOpenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open [url]",
		Short: "Open the profile in a visible browser until Ctrl-C",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBrowser(false, func(m *browser.Manager) error {
				var err error
				if len(args) == 1 {
					err = m.OpenURL(cmd.Context(), args[0])
				} else {
					err = m.Open(cmd.Context())
				}
				if err != nil {
					return err
				}
				fmt.Printf("Browser open with profile %s. Press Ctrl-C to close.\n", m.ProfileDir())

				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
				defer stop()
				<-ctx.Done()
				return nil
			})
		},
	}
}

func browserStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the profile location",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBrowser(true, func(m *browser.Manager) error {
				return printJSON(m.Status())
			})
		},
	}
}

func browserResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Delete the profile, signing out of every site",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBrowser(true, func(m *browser.Manager) error {
				if err := m.Reset(cmd.Context()); err != nil {
					return err
				}
				fmt.Printf("Removed %s\n", m.ProfileDir())
				return nil
			})
		},
	}
}

func browserClearCookiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-cookies [domain]",
		Short: "Delete the cookies of a domain and its subdomains",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBrowser(true, func(m *browser.Manager) error {
				return m.ClearDomainCookies(cmd.Context(), args[0])
			})
		},
	}
}

func withBrowser(headless bool, fn func(*browser.Manager) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m := newBrowser(cfg, headless)
	defer m.Close()
	return fn(m)
}

func newBrowser(cfg *config.Config, headless bool) *browser.Manager {
	return browser.New(
		browser.WithHeadless(headless),
		browser.WithProfileDir(cfg.Browser.ProfileDir),
	)
}
