package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/steveyegge/mergetrain/internal/types"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

	statusStyles = map[types.Status]lipgloss.Style{
		types.StatusPending:         lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		types.StatusClaimed:         lipgloss.NewStyle().Foreground(lipgloss.Color("14")),
		types.StatusRebasing:        lipgloss.NewStyle().Foreground(lipgloss.Color("14")),
		types.StatusTesting:         lipgloss.NewStyle().Foreground(lipgloss.Color("14")),
		types.StatusReadyToMerge:    lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		types.StatusMerging:         lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		types.StatusMerged:          lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
		types.StatusFailedRetryable: lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		types.StatusFailedTerminal:  lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		types.StatusCancelled:       lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	}
)

func renderStatus(s types.Status) string {
	if style, ok := statusStyles[s]; ok {
		return style.Render(string(s))
	}
	return string(s)
}

func newQueueCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the merge queue",
	}
	cmd.AddCommand(
		newQueueListCmd(c),
		newQueueShowCmd(c),
		newQueueKickCmd(c),
		newQueueReclaimCmd(c),
	)
	return cmd
}

func newQueueListCmd(c *cli) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := c.openStore(ctx); err != nil {
				return err
			}

			entries, err := c.store.ListPending(ctx)
			if err != nil {
				return err
			}
			if all {
				entries, err = c.store.ListAll(ctx)
				if err != nil {
					return err
				}
			}

			if c.jsonOut {
				outputJSON(entries)
				return nil
			}
			if len(entries) == 0 {
				fmt.Println("Queue is empty.")
				return nil
			}

			fmt.Println(headerStyle.Render(fmt.Sprintf("%-4s %-24s %-16s %-10s %-4s %s",
				"POS", "WORKSPACE", "STATUS", "HEAD", "PRI", "AGE")))
			for _, e := range entries {
				pos := "-"
				if e.Position > 0 {
					pos = strconv.Itoa(e.Position)
				}
				head := e.HeadRef
				if len(head) > 10 {
					head = head[:10]
				}
				age := time.Since(e.AddedAt).Round(time.Second)
				fmt.Printf("%-4s %-24s %-16s %-10s %-4d %s\n",
					pos, e.Workspace, renderStatus(e.Status), head, e.Priority,
					dimStyle.Render(age.String()))
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include non-pending entries")
	return cmd
}

func newQueueShowCmd(c *cli) *cobra.Command {
	var withEvents bool
	cmd := &cobra.Command{
		Use:   "show <workspace|entry-id>",
		Short: "Show one entry with its audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := c.openStore(ctx); err != nil {
				return err
			}

			entry, err := resolveEntry(c, cmd, args[0])
			if err != nil {
				return err
			}

			if c.jsonOut {
				out := map[string]any{"entry": entry}
				if withEvents {
					events, err := c.store.GetEvents(ctx, entry.ID, 0)
					if err != nil {
						return err
					}
					out["events"] = events
				}
				outputJSON(out)
				return nil
			}

			fmt.Printf("Entry %d  %s\n", entry.ID, renderStatus(entry.Status))
			fmt.Printf("  workspace:  %s\n", entry.Workspace)
			fmt.Printf("  dedupe key: %s\n", entry.DedupeKey)
			fmt.Printf("  head:       %s\n", entry.HeadRef)
			if entry.TestedAgainstRef != "" {
				fmt.Printf("  tested vs:  %s\n", entry.TestedAgainstRef)
			}
			if entry.Position > 0 {
				fmt.Printf("  position:   %d\n", entry.Position)
			}
			fmt.Printf("  priority:   %d\n", entry.Priority)
			fmt.Printf("  attempts:   %d/%d\n", entry.AttemptCount, entry.MaxAttempts)
			if entry.AgentID != "" {
				fmt.Printf("  agent:      %s\n", entry.AgentID)
			}
			if entry.BeadID != "" {
				fmt.Printf("  bead:       %s\n", entry.BeadID)
			}
			if entry.ErrorMessage != "" {
				fmt.Printf("  error:      %s\n", entry.ErrorMessage)
			}

			if withEvents {
				events, err := c.store.GetEvents(ctx, entry.ID, 0)
				if err != nil {
					return err
				}
				fmt.Println("\nEvents:")
				for _, ev := range events {
					details := ""
					if len(ev.Details) > 0 {
						details = " " + string(ev.Details)
					}
					fmt.Printf("  %s %-16s%s\n",
						dimStyle.Render(ev.CreatedAt.Format(time.RFC3339)), ev.Type, details)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&withEvents, "events", false, "include the audit trail")
	return cmd
}

func newQueueKickCmd(c *cli) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "kick <workspace|entry-id>",
		Short: "Cancel an entry and close its position gap",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := c.openStore(ctx); err != nil {
				return err
			}
			entry, err := resolveEntry(c, cmd, args[0])
			if err != nil {
				return err
			}

			kicked, err := c.store.KickEntry(ctx, entry.ID, c.cfg.Actor, reason)
			if err != nil {
				return err
			}
			if c.jsonOut {
				outputJSON(kicked)
				return nil
			}
			fmt.Printf("Kicked entry %d (%s)\n", kicked.ID, kicked.Workspace)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "kicked by operator", "reason recorded on the entry")
	return cmd
}

func newQueueReclaimCmd(c *cli) *cobra.Command {
	var threshold int
	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Reset stale claimed entries back to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := c.openStore(ctx); err != nil {
				return err
			}
			n, err := c.store.ReclaimStale(ctx, time.Duration(threshold)*time.Second)
			if err != nil {
				return err
			}
			if c.jsonOut {
				outputJSON(map[string]int{"reclaimed": n})
				return nil
			}
			fmt.Printf("Reclaimed %d entries\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&threshold, "threshold", 300, "staleness threshold in seconds")
	return cmd
}

// resolveEntry accepts either a numeric entry ID or a workspace name.
func resolveEntry(c *cli, cmd *cobra.Command, arg string) (*types.QueueEntry, error) {
	ctx := cmd.Context()
	if id, err := strconv.ParseInt(arg, 10, 64); err == nil {
		return c.store.GetEntry(ctx, id)
	}
	if strings.TrimSpace(arg) == "" {
		return nil, &exitError{code: exitUsage, err: fmt.Errorf("empty entry reference")}
	}
	return c.store.GetEntryByWorkspace(ctx, arg)
}
