package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/mergetrain/internal/storage"
)

func newLockCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect and manage the processing lock",
	}
	cmd.AddCommand(newLockStatusCmd(c), newLockReleaseCmd(c))
	return cmd
}

func newLockStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current processing lease",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := c.openStore(ctx); err != nil {
				return err
			}

			lock, err := c.store.GetLock(ctx)
			if errors.Is(err, storage.ErrNotFound) {
				if c.jsonOut {
					outputJSON(map[string]any{"held": false})
					return nil
				}
				fmt.Println("No train is running.")
				return nil
			}
			if err != nil {
				return err
			}

			stale := lock.ExpiresAt.Before(time.Now().UTC())
			if c.jsonOut {
				outputJSON(map[string]any{"held": true, "stale": stale, "lock": lock})
				return nil
			}
			state := "live"
			if stale {
				state = "stale"
			}
			fmt.Printf("Held by %s (%s), acquired %s, expires %s\n",
				lock.AgentID, state,
				lock.AcquiredAt.Format(time.RFC3339),
				lock.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
}

func newLockReleaseCmd(c *cli) *cobra.Command {
	var (
		agentID string
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "release",
		Short: "Release the processing lease",
		Long: `Release drops the lease held by --agent. With --force an expired lease is
swept regardless of holder; a live foreign lease is never broken.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := c.openStore(ctx); err != nil {
				return err
			}

			if force {
				stats, err := c.store.DetectAndRecoverStale(ctx, 0)
				if err != nil {
					return err
				}
				if c.jsonOut {
					outputJSON(stats)
					return nil
				}
				fmt.Printf("Swept %d expired locks, reclaimed %d entries\n",
					stats.LocksCleaned, stats.EntriesReclaimed)
				return nil
			}

			if agentID == "" {
				return &exitError{code: exitUsage, err: fmt.Errorf("release requires --agent or --force")}
			}
			released, err := c.store.ReleaseLock(ctx, agentID)
			if err != nil {
				return err
			}
			if c.jsonOut {
				outputJSON(map[string]bool{"released": released})
				return nil
			}
			if released {
				fmt.Println("Lock released.")
			} else {
				fmt.Println("Lock not held by that agent; nothing released.")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent that holds the lease")
	cmd.Flags().BoolVar(&force, "force", false, "sweep an expired lease regardless of holder")
	return cmd
}
