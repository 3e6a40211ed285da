package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nstogner/deskpilot/pkg/credentials"
)

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage provider API keys",
	}
	cmd.AddCommand(keysSetCmd())
	cmd.AddCommand(keysStatusCmd())
	cmd.AddCommand(keysDeleteCmd())
	return cmd
}

func keysSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set [service] [key]",
		Short: "Save an API key; reads it from stdin when omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := ""
			if len(args) == 2 {
				key = args[1]
			} else {
				fmt.Fprint(os.Stderr, "API key: ")
				line, err := bufio.NewReader(os.Stdin).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("failed to read key: %w", err)
				}
				key = line
			}
			key = strings.TrimSpace(key)
			if key == "" {
				return errors.New("key must not be empty")
			}

			return withKeys(func(keys credentials.Store) error {
				if err := keys.Save(args[0], key); err != nil {
					return err
				}
				fmt.Printf("Saved key for %s\n", args[0])
				return nil
			})
		},
	}
}

func keysStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show which services have a key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeys(func(keys credentials.Store) error {
				status := credentials.Status(keys)
				services := make([]string, 0, len(status))
				for s := range status {
					services = append(services, s)
				}
				sort.Strings(services)
				for _, s := range services {
					state := "missing"
					if status[s] {
						state = "configured"
					}
					fmt.Printf("%-10s %s\n", s, state)
				}
				return nil
			})
		},
	}
}

func keysDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [service]",
		Short: "Delete a saved key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeys(func(keys credentials.Store) error {
				err := keys.Delete(args[0])
				if errors.Is(err, credentials.ErrNotFound) {
					return fmt.Errorf("no key saved for %s", args[0])
				}
				if err != nil {
					return err
				}
				fmt.Printf("Deleted key for %s\n", args[0])
				return nil
			})
		},
	}
}

// withKeys opens only the stores, not the desktop or browser.
func withKeys(fn func(credentials.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a := &app{cfg: cfg}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return err
	}
	if err := a.openStores(); err != nil {
		return err
	}
	defer a.Close()
	return fn(a.keys)
}
