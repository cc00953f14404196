package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steveyegge/mergetrain/internal/storage"
	"github.com/steveyegge/mergetrain/internal/types"
)

func newSubmitCmd(c *cli) *cobra.Command {
	var (
		priority int
		agentID  string
		beadID   string
		headRef  string
		change   string
	)

	cmd := &cobra.Command{
		Use:   "submit <workspace>",
		Short: "Submit a workspace to the merge queue",
		Long: `Submit extracts the workspace's change identity and upserts it into the
queue. Submitting the same change again updates the queued head; submitting
after a merge re-queues the change at the tail.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			workspace := args[0]

			if err := c.openStore(ctx); err != nil {
				return err
			}

			// Identity comes from jj unless explicitly pinned by flags
			// (useful in scripts that already know the refs).
			if headRef == "" || change == "" {
				id, err := c.adapter().IdentityOf(ctx, workspace)
				if err != nil {
					return err
				}
				if headRef == "" {
					headRef = id.HeadRef
				}
				if change == "" {
					change = id.ChangeRef
				}
			}

			entry, outcome, err := c.store.Submit(ctx, storage.SubmitRequest{
				Workspace: workspace,
				HeadRef:   headRef,
				DedupeKey: types.DedupeKey(workspace, change),
				Priority:  priority,
				AgentID:   agentID,
				BeadID:    beadID,
			})
			if err != nil {
				return err
			}

			if c.jsonOut {
				outputJSON(map[string]any{
					"outcome": outcome,
					"entry":   entry,
				})
				return nil
			}
			switch outcome {
			case storage.OutcomeNew:
				fmt.Printf("Queued %s at position %d (entry %d)\n", workspace, entry.Position, entry.ID)
			case storage.OutcomeUpdated:
				fmt.Printf("Updated %s in place at position %d (entry %d)\n", workspace, entry.Position, entry.ID)
			case storage.OutcomeResubmitted:
				fmt.Printf("Re-queued %s at position %d (entry %d)\n", workspace, entry.Position, entry.ID)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "queue priority (lower runs first)")
	cmd.Flags().StringVar(&agentID, "agent", "", "submitting agent identity")
	cmd.Flags().StringVar(&beadID, "bead", "", "correlation id of the tracking bead")
	cmd.Flags().StringVar(&headRef, "head", "", "head ref (skips jj extraction)")
	cmd.Flags().StringVar(&change, "change", "", "change ref (skips jj extraction)")
	return cmd
}
