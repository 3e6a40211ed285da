package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nstogner/deskpilot/pkg/store"
)

func conversationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "View and manage stored conversations",
	}
	cmd.AddCommand(conversationsListCmd())
	cmd.AddCommand(conversationsShowCmd())
	cmd.AddCommand(conversationsDeleteCmd())
	return cmd
}

func conversationsListCmd() *cobra.Command {
	var (
		limit, offset int
		jsonOutput    bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConversations(func(mgr store.Manager) error {
				infos, err := mgr.ListConversations(limit, offset)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(infos)
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tMODE\tMESSAGES\tMODIFIED\tTITLE")
				for _, c := range infos {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", c.ID, c.Mode, c.MessageCount, c.Modified.Format(time.RFC822), c.Title)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of conversations")
	cmd.Flags().IntVar(&offset, "offset", 0, "skip this many conversations")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func conversationsShowCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "show [id]",
		Short: "Print a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConversations(func(mgr store.Manager) error {
				conv, err := mgr.LoadConversation(args[0])
				if err != nil {
					return err
				}
				defer conv.Close()

				msgs, err := conv.Messages()
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(msgs)
				}
				h := conv.Header()
				fmt.Printf("%s  (%s, %s)\n\n", h.Title, h.Mode, h.Model)
				fmt.Print(renderTranscript(msgs, nil))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func conversationsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConversations(func(mgr store.Manager) error {
				if err := mgr.DeleteConversation(args[0]); err != nil {
					return err
				}
				fmt.Printf("Deleted conversation: %s\n", args[0])
				return nil
			})
		},
	}
}

func withConversations(fn func(store.Manager) error) error {
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
	return fn(a.conversations)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
