// Command mt is the merge-train CLI: submit workspaces to the queue, run the
// train, and inspect the queue, lock, and audit streams.
//
// Exit codes: 0 all merged, 1 at least one entry failed or was kicked,
// 2 invalid arguments, 3 store or lock error, 4 version-control adapter
// error.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/steveyegge/mergetrain/internal/configfile"
	"github.com/steveyegge/mergetrain/internal/debug"
	"github.com/steveyegge/mergetrain/internal/policy"
	"github.com/steveyegge/mergetrain/internal/storage"
	"github.com/steveyegge/mergetrain/internal/storage/sqlite"
	"github.com/steveyegge/mergetrain/internal/train"
	"github.com/steveyegge/mergetrain/internal/vcs"
)

var version = "dev"

// Exit codes for the train command, per the queue's operating contract.
const (
	exitOK           = 0
	exitTrainFailure = 1
	exitUsage        = 2
	exitStore        = 3
	exitAdapter      = 4
)

// exitError carries an explicit process exit code through cobra's RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

// classifyExit maps an error to the documented exit codes.
func classifyExit(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	switch {
	case errors.Is(err, storage.ErrInvalidInput):
		return exitUsage
	case train.IsAdapterError(err):
		return exitAdapter
	case train.IsStoreError(err):
		return exitStore
	default:
		return exitTrainFailure
	}
}

// cli bundles the lazily-opened collaborators commands share.
type cli struct {
	cfg     *configfile.Config
	store   *sqlite.Store
	jsonOut bool
}

// openStore loads config and opens the queue database once per invocation.
func (c *cli) openStore(ctx context.Context) error {
	if c.store != nil {
		return nil
	}
	cfg, err := configfile.Load()
	if err != nil {
		return err
	}
	c.cfg = cfg

	store, err := sqlite.New(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	store.SetQueueCapacity(cfg.QueueCapacity)
	c.store = store
	return nil
}

// close releases the store if it was opened.
func (c *cli) close() {
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			debug.Logf("close store: %v\n", err)
		}
	}
}

// adapter builds the jj adapter from config.
func (c *cli) adapter() *vcs.JJ {
	return vcs.New(c.cfg.WorkspaceRoot, c.cfg.Trunk)
}

// policyConfig loads the layered conflict-resolution configuration.
func (c *cli) policyConfig() (policy.Config, error) {
	return policy.Load(configfile.GlobalConfigPath(), c.cfg.ProjectConfigPath)
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "mt",
		Short:         "Sequential merge train for multi-workspace development",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&c.jsonOut, "json", false, "machine-readable JSON output")
	var verbose bool
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose diagnostics on stderr")
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		debug.SetVerbose(verbose)
	}

	root.AddCommand(
		newSubmitCmd(c),
		newTrainCmd(c),
		newQueueCmd(c),
		newLockCmd(c),
		newResolutionsCmd(c),
		newConfigCmd(c),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := &cli{}
	defer c.close()

	root := newRootCmd(c)
	if err := root.ExecuteContext(ctx); err != nil {
		code := classifyExit(err)
		var ee *exitError
		if errors.As(err, &ee) && ee.err == nil {
			// The command already reported its outcome (e.g. the train's
			// JSONL result); just carry the code.
			c.close()
			os.Exit(code)
		}
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		c.close()
		os.Exit(code)
	}
}
