package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nstogner/deskpilot/pkg/models"
	"github.com/nstogner/deskpilot/pkg/runner"
)

func runCmd() *cobra.Command {
	var (
		mode           string
		model          string
		conversationID string
		screenshot     bool
		maxTurns       int
	)
	cmd := &cobra.Command{
		Use:   "run [instructions]",
		Short: "Run one instruction to completion and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()
			if maxTurns > 0 {
				a.runner.SetMaxTurns(maxTurns)
			}

			m, err := models.ParseMode(mode)
			if err != nil {
				return err
			}
			req := runner.RunRequest{
				Instructions:   strings.Join(args, " "),
				Model:          model,
				Mode:           m,
				ConversationID: conversationID,
			}
			if screenshot && m == models.ModeComputer && a.computer != nil {
				shot, err := a.computer.Capture(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to capture screenshot: %w", err)
				}
				req.ContextScreenshot = shot.Source
			}

			events, unsubscribe := a.runner.Events().Subscribe(0)
			defer unsubscribe()
			go printEvents(events)

			// Interrupt stops the run; the loop then returns a cancelled result.
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt)
			defer signal.Stop(sig)
			go func() {
				if _, ok := <-sig; ok {
					a.runner.Stop()
				}
			}()

			res, err := a.runner.Run(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Println()
			fmt.Fprintf(os.Stderr, "%s after %d turns (%d in / %d out tokens), conversation %s\n",
				res.Status, res.Turns, res.Usage.InputTokens, res.Usage.OutputTokens, res.ConversationID)
			if res.Status == runner.StatusFailed {
				return res.Err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(models.ModeComputer), "agent mode: computer or browser")
	cmd.Flags().StringVar(&model, "model", "", "model name (overrides config)")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "continue or create this conversation")
	cmd.Flags().BoolVar(&screenshot, "screenshot", true, "attach a screenshot of the desktop to the first turn")
	cmd.Flags().IntVar(&maxTurns, "max-turns", 0, "turn cap (overrides config)")
	return cmd
}

// printEvents writes streamed text to stdout and tool activity to stderr.
func printEvents(events <-chan runner.Event) {
	for ev := range events {
		switch ev.Type {
		case runner.EventStream:
			if ev.Stream != nil && ev.Stream.Type == models.EventTextDelta {
				fmt.Print(ev.Stream.Text)
			}
		case runner.EventToolStarted:
			if ev.ToolUse != nil {
				fmt.Fprintf(os.Stderr, "\n[%s %v]\n", ev.ToolUse.Name, ev.ToolUse.Input["action"])
			}
		case runner.EventToolResult:
			if ev.ToolResult != nil && ev.ToolResult.IsError {
				fmt.Fprintf(os.Stderr, "[error: %s]\n", ev.ToolResult.Content)
			}
		}
	}
}
