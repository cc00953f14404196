package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/mergetrain/internal/storage"
	"github.com/steveyegge/mergetrain/internal/types"
)

func newResolutionsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolutions",
		Short: "Read and append the conflict-resolution audit",
	}
	cmd.AddCommand(newResolutionsListCmd(c), newResolutionsLogCmd(c))
	return cmd
}

func newResolutionsListCmd(c *cli) *cobra.Command {
	var (
		session string
		decider string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded conflict resolutions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := c.openStore(ctx); err != nil {
				return err
			}
			resolutions, err := c.store.ListResolutions(ctx, storage.ResolutionFilter{
				Session: session,
				Decider: decider,
				Limit:   limit,
			})
			if err != nil {
				return err
			}
			if c.jsonOut {
				outputJSON(resolutions)
				return nil
			}
			if len(resolutions) == 0 {
				fmt.Println("No resolutions recorded.")
				return nil
			}
			for _, r := range resolutions {
				fmt.Printf("%s  %-8s %-20s %-14s %s\n",
					r.Timestamp.Format(time.RFC3339), r.Decider, r.Session, r.Strategy, r.File)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "filter by workspace")
	cmd.Flags().StringVar(&decider, "decider", "", "filter by decider (ai|human)")
	cmd.Flags().IntVar(&limit, "limit", 0, "cap the number of rows")
	return cmd
}

func newResolutionsLogCmd(c *cli) *cobra.Command {
	var (
		session    string
		file       string
		strategy   string
		reason     string
		decider    string
		confidence float64
	)
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Append one conflict-resolution record",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := c.openStore(ctx); err != nil {
				return err
			}

			record := &types.ConflictResolution{
				Session:  session,
				File:     file,
				Strategy: strategy,
				Reason:   reason,
				Decider:  types.Decider(decider),
			}
			if cmd.Flags().Changed("confidence") {
				record.Confidence = &confidence
			}

			id, err := c.store.RecordResolution(ctx, record)
			if err != nil {
				return err
			}
			if c.jsonOut {
				outputJSON(map[string]int64{"id": id})
				return nil
			}
			fmt.Printf("Recorded resolution %d\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "workspace the conflict was in")
	cmd.Flags().StringVar(&file, "file", "", "conflicting path")
	cmd.Flags().StringVar(&strategy, "strategy", "", "resolution strategy label")
	cmd.Flags().StringVar(&reason, "reason", "", "optional reason")
	cmd.Flags().StringVar(&decider, "decider", "", "who decided: ai or human")
	cmd.Flags().Float64Var(&confidence, "confidence", 0, "decision confidence in [0,1]")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("strategy")
	_ = cmd.MarkFlagRequired("decider")
	return cmd
}
