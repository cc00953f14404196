package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/steveyegge/mergetrain/internal/jsonl"
	"github.com/steveyegge/mergetrain/internal/train"
)

func newTrainCmd(c *cli) *cobra.Command {
	var (
		agentID     string
		testCmd     string
		testTimeout int
		maxFailures int
		logFile     string
		dryRun      bool
	)

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run the merge train over the pending queue",
		Long: `Train claims the processing lock and drives each pending entry through
rebase, tests, conflict check, and merge, emitting one JSON line per step.
Entries with unresolvable conflicts are kicked and everything behind them is
rebased onto the new trunk tip.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := c.openStore(ctx); err != nil {
				return err
			}

			if dryRun {
				pending, err := c.store.ListPending(ctx)
				if err != nil {
					return err
				}
				outputJSON(pending)
				return nil
			}

			if agentID == "" {
				agentID = c.cfg.Actor
			}
			if agentID == "" {
				agentID = "train-" + uuid.NewString()[:8]
			}
			if testCmd == "" {
				testCmd = c.cfg.TestCommand
			}
			if testTimeout <= 0 {
				testTimeout = c.cfg.TestTimeoutSeconds
			}
			if maxFailures <= 0 {
				maxFailures = c.cfg.MaxFailures
			}

			policyCfg, err := c.policyConfig()
			if err != nil {
				return &exitError{code: exitUsage, err: err}
			}

			proc := train.New(c.store, c.adapter(), policyCfg, os.Stdout, train.Config{
				AgentID:                agentID,
				TestCommand:            testCmd,
				TestTimeout:            time.Duration(testTimeout) * time.Second,
				LockTTL:                time.Duration(c.cfg.LockTTLSeconds) * time.Second,
				MaxConsecutiveFailures: maxFailures,
				LogDir:                 c.cfg.ProjectRoot,
			})

			if logFile != "" {
				if !filepath.IsAbs(logFile) {
					logFile = filepath.Join(c.cfg.ProjectRoot, logFile)
				}
				f, err := jsonl.AppendFile(logFile)
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				proc.SetMirror(f)
			}

			result, err := proc.Run(ctx)
			if err != nil {
				return err
			}
			if len(result.Failed) > 0 || len(result.Kicked) > 0 {
				return &exitError{code: exitTrainFailure}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&agentID, "agent", "", "agent identity for the lock and events")
	cmd.Flags().StringVar(&testCmd, "test-cmd", "", "test command (overrides config)")
	cmd.Flags().IntVar(&testTimeout, "test-timeout", 0, "test timeout in seconds (overrides config)")
	cmd.Flags().IntVar(&maxFailures, "max-failures", 0, "stop after N consecutive terminal failures")
	cmd.Flags().StringVar(&logFile, "log-file", "", "mirror the JSONL stream to this file")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the pending queue and exit without claiming")
	return cmd
}

// summarize renders a short human line for a finished train. Used by tests.
func summarize(merged, failed, kicked []string) string {
	return fmt.Sprintf("merged=%s failed=%s kicked=%s",
		join(merged), join(failed), join(kicked))
}

func join(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ",")
}
