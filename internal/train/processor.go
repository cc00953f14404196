// Package train implements the sequential merge-train processor: claim the
// head of the queue, drive it through rebase -> test -> conflict check ->
// merge, and on unrecoverable conflicts kick the entry and rebase everything
// behind it onto the new trunk tip.
//
// Exactly one train runs at a time; the durable processing lock in the store
// is the only mutual exclusion. Every observable action is emitted as one
// JSONL line on the output writer.
package train

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/steveyegge/mergetrain/internal/debug"
	"github.com/steveyegge/mergetrain/internal/jsonl"
	"github.com/steveyegge/mergetrain/internal/policy"
	"github.com/steveyegge/mergetrain/internal/storage"
	"github.com/steveyegge/mergetrain/internal/storage/sqlite"
	"github.com/steveyegge/mergetrain/internal/types"
	"github.com/steveyegge/mergetrain/internal/vcs"
)

// VCS is the slice of the version-control adapter the train drives. The
// production implementation is vcs.JJ; tests substitute a scripted fake.
type VCS interface {
	TrunkBookmark() string
	TrunkTip(ctx context.Context) (string, error)
	RebaseOnto(ctx context.Context, workspace, baseRef string) (string, error)
	ProbeConflicts(ctx context.Context, workspace, trunkRef string) ([]string, error)
	Merge(ctx context.Context, workspace, trunkRef string) (string, error)
	PushBookmark(ctx context.Context, workspace, bookmark string) error
	RunTests(ctx context.Context, workspace, command string, timeout time.Duration) (vcs.TestResult, error)
}

// Config tunes one train run.
type Config struct {
	AgentID     string
	TestCommand string
	// TestTimeout bounds each test run. Values below MinTestTimeout are
	// raised to it.
	TestTimeout time.Duration
	// LockTTL is the processing lease lifetime.
	LockTTL time.Duration
	// MaxConsecutiveFailures stops the train after this many failed_terminal
	// outcomes in a row.
	MaxConsecutiveFailures int
	// LogDir receives the diagnostic train.log; empty disables it.
	LogDir string
}

const (
	// DefaultTestTimeout bounds a test run when config does not say.
	DefaultTestTimeout = 10 * time.Minute
	// MinTestTimeout is the enforced floor.
	MinTestTimeout = 10 * time.Second
	// DefaultMaxConsecutiveFailures stops a train that keeps burying entries.
	DefaultMaxConsecutiveFailures = 3
)

// Processor drives one train run.
type Processor struct {
	store  *sqlite.Store
	vcs    VCS
	policy policy.Config
	out    *jsonl.Writer
	mirror *jsonl.Writer
	cfg    Config
}

// New builds a processor writing its JSONL stream to out.
func New(store *sqlite.Store, adapter VCS, policyCfg policy.Config, out io.Writer, cfg Config) *Processor {
	if cfg.TestTimeout <= 0 {
		cfg.TestTimeout = DefaultTestTimeout
	}
	if cfg.TestTimeout < MinTestTimeout {
		cfg.TestTimeout = MinTestTimeout
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = sqlite.DefaultLockTTL
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	return &Processor{
		store:  store,
		vcs:    adapter,
		policy: policyCfg,
		out:    jsonl.NewWriter(out),
		cfg:    cfg,
	}
}

// SetMirror adds a second writer (typically a log file) that receives every
// event line the stream gets.
func (p *Processor) SetMirror(w io.Writer) {
	p.mirror = jsonl.NewWriter(w)
}

// entryOutcome summarizes what processing one entry did.
type entryOutcome struct {
	status types.Status
	kicked bool
}

// Run executes the train until the queue drains, the lock is lost to another
// worker, or repeated terminal failures trip the stop threshold. The returned
// result is valid even when err is non-nil.
func (p *Processor) Run(ctx context.Context) (*types.TrainResult, error) {
	started := time.Now().UTC()
	result := &types.TrainResult{
		Type:    types.TrainResultEventType,
		Merged:  []string{},
		Failed:  []string{},
		Kicked:  []string{},
		AgentID: p.cfg.AgentID,
	}

	counts, err := p.store.CountByStatus(ctx)
	if err != nil {
		return result, fmt.Errorf("train start: %w", err)
	}
	p.emit(types.TrainStart{
		Type:       types.TrainEventType,
		AgentID:    p.cfg.AgentID,
		StartedAt:  started,
		QueueDepth: counts[types.StatusPending],
	})
	if err := p.store.AppendTrainEvent(ctx, types.EventTrainStarted, p.cfg.AgentID, map[string]any{
		"queue_depth": counts[types.StatusPending],
	}); err != nil {
		debug.Logf("train: record start event: %v\n", err)
	}

	defer func() {
		if _, rerr := p.store.ReleaseLock(context.Background(), p.cfg.AgentID); rerr != nil {
			debug.Logf("train: release lock: %v\n", rerr)
		}
	}()

	consecutiveTerminal := 0
	var runErr error

	for {
		if ctx.Err() != nil {
			runErr = ctx.Err()
			break
		}
		if consecutiveTerminal >= p.cfg.MaxConsecutiveFailures {
			debug.Logf("train: stopping after %d consecutive terminal failures\n", consecutiveTerminal)
			break
		}

		entry, err := p.store.ClaimNext(ctx, p.cfg.AgentID, p.cfg.LockTTL)
		if err != nil {
			if errors.Is(err, sqlite.ErrLockHeld) {
				debug.Logf("train: lock held by another agent, exiting\n")
				break
			}
			runErr = fmt.Errorf("claim next: %w", err)
			break
		}
		if entry == nil {
			break // queue drained
		}

		p.step(entry, types.ActionClaimed, types.StatusClaimed, "", nil)
		outcome, err := p.processEntry(ctx, entry)
		if err != nil {
			runErr = err
			break
		}

		result.TotalProcessed++
		switch {
		case outcome.kicked:
			result.Kicked = append(result.Kicked, entry.Workspace)
			consecutiveTerminal = 0
		case outcome.status == types.StatusMerged:
			result.Merged = append(result.Merged, entry.Workspace)
			consecutiveTerminal = 0
		case outcome.status == types.StatusFailedTerminal:
			result.Failed = append(result.Failed, entry.Workspace)
			consecutiveTerminal++
		case outcome.status == types.StatusFailedRetryable:
			// Parked for an external resolver; not a terminal strike.
			result.Failed = append(result.Failed, entry.Workspace)
			consecutiveTerminal = 0
		default:
			// Entry went back to pending (bounded by attempt_count); nothing
			// to record.
			result.TotalProcessed--
		}
	}

	result.DurationSecs = time.Since(started).Seconds()
	result.FinishedAt = time.Now().UTC()
	p.emit(result)
	if err := p.store.AppendTrainEvent(ctx, types.EventTrainFinished, p.cfg.AgentID, map[string]any{
		"merged": len(result.Merged),
		"failed": len(result.Failed),
		"kicked": len(result.Kicked),
	}); err != nil {
		debug.Logf("train: record finish event: %v\n", err)
	}
	return result, runErr
}

// processEntry drives one claimed entry through the per-entry state machine.
func (p *Processor) processEntry(ctx context.Context, entry *types.QueueEntry) (entryOutcome, error) {
	trunkTip, err := p.vcs.TrunkTip(ctx)
	if err != nil {
		// Without a trunk tip nothing can proceed; put the entry back and
		// surface the adapter failure as train-fatal.
		if _, terr := p.store.Transition(ctx, entry.ID, types.StatusPending, sqlite.TransitionOpts{}); terr != nil {
			debug.Logf("train: requeue entry %d: %v\n", entry.ID, terr)
		} else {
			p.step(entry, types.ActionSkipped, types.StatusPending, fmt.Sprintf("trunk tip: %v", err), nil)
		}
		return entryOutcome{}, fmt.Errorf("trunk tip: %w", err)
	}

	// Rebase, unless the entry was already tested against the current tip.
	if entry.TestedAgainstRef != trunkTip {
		if _, err := p.store.Transition(ctx, entry.ID, types.StatusRebasing, sqlite.TransitionOpts{AgentID: p.cfg.AgentID}); err != nil {
			return entryOutcome{}, err
		}
		p.step(entry, types.ActionRebasing, types.StatusRebasing, "", map[string]any{"base": trunkTip})

		newHead, err := p.vcs.RebaseOnto(ctx, entry.Workspace, trunkTip)
		if err != nil {
			if errors.Is(err, vcs.ErrRebaseConflict) {
				// The change no longer applies to trunk; terminal for this
				// attempt. Trunk did not move, so nothing behind needs help.
				msg := fmt.Sprintf("rebase conflict against %s", trunkTip)
				if _, terr := p.store.Transition(ctx, entry.ID, types.StatusFailedTerminal, sqlite.TransitionOpts{
					ErrorMessage: msg,
				}); terr != nil {
					return entryOutcome{}, terr
				}
				p.step(entry, types.ActionConflictsDetected, types.StatusFailedTerminal, msg, nil)
				return entryOutcome{status: types.StatusFailedTerminal}, nil
			}
			return p.failRetryable(ctx, entry, types.ActionRebasing, fmt.Sprintf("rebase: %v", err))
		}
		if err := p.store.UpdateHeadRef(ctx, entry.ID, newHead, ""); err != nil {
			return entryOutcome{}, err
		}
		entry.HeadRef = newHead
	}

	// Test.
	if _, err := p.store.Transition(ctx, entry.ID, types.StatusTesting, sqlite.TransitionOpts{AgentID: p.cfg.AgentID}); err != nil {
		return entryOutcome{}, err
	}
	p.step(entry, types.ActionTesting, types.StatusTesting, "", nil)

	testRes, err := p.vcs.RunTests(ctx, entry.Workspace, p.cfg.TestCommand, p.cfg.TestTimeout)
	if err != nil {
		if errors.Is(err, vcs.ErrTestTimeout) {
			return p.failRetryable(ctx, entry, types.ActionTestsFailed, fmt.Sprintf("tests timed out after %v", p.cfg.TestTimeout))
		}
		return p.failRetryable(ctx, entry, types.ActionTestsFailed, fmt.Sprintf("tests: %v", err))
	}
	if testRes.ExitCode != 0 {
		msg := fmt.Sprintf("tests failed (exit %d)", testRes.ExitCode)
		if testRes.StderrTail != "" {
			msg += ": " + strings.TrimSpace(testRes.StderrTail)
		}
		return p.failRetryable(ctx, entry, types.ActionTestsFailed, msg)
	}
	p.step(entry, types.ActionTestsPassed, types.StatusTesting, "", nil)

	// Conflict probe against trunk.
	conflicts, err := p.vcs.ProbeConflicts(ctx, entry.Workspace, trunkTip)
	if err != nil {
		return p.failRetryable(ctx, entry, types.ActionConflictsDetected, fmt.Sprintf("conflict probe: %v", err))
	}
	if len(conflicts) > 0 {
		return p.handleConflicts(ctx, entry, conflicts)
	}

	// Merge.
	if _, err := p.store.Transition(ctx, entry.ID, types.StatusReadyToMerge, sqlite.TransitionOpts{AgentID: p.cfg.AgentID}); err != nil {
		return entryOutcome{}, err
	}
	p.step(entry, types.ActionReadyToMerge, types.StatusReadyToMerge, "", nil)

	if _, err := p.store.Transition(ctx, entry.ID, types.StatusMerging, sqlite.TransitionOpts{AgentID: p.cfg.AgentID}); err != nil {
		return entryOutcome{}, err
	}
	p.step(entry, types.ActionMerging, types.StatusMerging, "", nil)

	mergeTip, err := p.vcs.Merge(ctx, entry.Workspace, trunkTip)
	if err != nil {
		return p.failRetryable(ctx, entry, types.ActionMerging, fmt.Sprintf("merge: %v", err))
	}
	if err := p.vcs.PushBookmark(ctx, entry.Workspace, p.vcs.TrunkBookmark()); err != nil {
		return p.failRetryable(ctx, entry, types.ActionMerging, fmt.Sprintf("push: %v", err))
	}

	if _, err := p.store.Transition(ctx, entry.ID, types.StatusMerged, sqlite.TransitionOpts{
		TestedAgainstRef: mergeTip,
	}); err != nil {
		return entryOutcome{}, err
	}
	p.step(entry, types.ActionMerged, types.StatusMerged, "", map[string]any{"trunk_tip": mergeTip})
	p.logEvent("MERGED", entry)
	return entryOutcome{status: types.StatusMerged}, nil
}

// handleConflicts routes a conflicting entry: when no conflicting path may be
// auto-resolved, the entry is kicked and everything behind it is rebased;
// otherwise it is parked as failed_retryable for an external resolver.
func (p *Processor) handleConflicts(ctx context.Context, entry *types.QueueEntry, conflicts []string) (entryOutcome, error) {
	autoResolvable := false
	for _, path := range conflicts {
		if p.policy.CanAutoResolve(path) {
			autoResolvable = true
			break
		}
	}

	details := map[string]any{"paths": conflicts}
	if !autoResolvable {
		msg := fmt.Sprintf("merge conflicts require human review: %s", strings.Join(conflicts, ", "))
		p.step(entry, types.ActionConflictsDetected, types.StatusTesting, msg, details)

		if p.policy.LogResolutions {
			// Routing record: the decision here is "a human must decide",
			// which is itself a human-owned decision, never an AI one.
			for _, path := range conflicts {
				if _, err := p.store.RecordResolution(ctx, &types.ConflictResolution{
					Session:  entry.Workspace,
					File:     path,
					Strategy: "skip",
					Reason:   "routed to human review by merge train",
					Decider:  types.DeciderHuman,
				}); err != nil {
					debug.Logf("train: record routing resolution: %v\n", err)
				}
			}
		}

		if err := p.kickAndRebaseBehind(ctx, entry, msg); err != nil {
			return entryOutcome{}, err
		}
		return entryOutcome{status: types.StatusCancelled, kicked: true}, nil
	}

	// Some paths are auto-resolvable: detection and routing only, the actual
	// resolution belongs to an external resolver. Park the entry.
	msg := fmt.Sprintf("merge conflicts pending resolution: %s", strings.Join(conflicts, ", "))
	if _, err := p.store.Transition(ctx, entry.ID, types.StatusFailedRetryable, sqlite.TransitionOpts{
		ErrorMessage: msg,
	}); err != nil {
		return entryOutcome{}, err
	}
	p.step(entry, types.ActionConflictsDetected, types.StatusFailedRetryable, msg, details)
	return entryOutcome{status: types.StatusFailedRetryable}, nil
}

// failRetryable applies the bounded-retry policy: increment the attempt
// count, then either requeue the entry (attempts remain) or fail it
// terminally.
func (p *Processor) failRetryable(ctx context.Context, entry *types.QueueEntry, action types.TrainAction, msg string) (entryOutcome, error) {
	updated, err := p.store.Transition(ctx, entry.ID, types.StatusFailedRetryable, sqlite.TransitionOpts{
		ErrorMessage:     msg,
		IncrementAttempt: true,
	})
	if err != nil {
		return entryOutcome{}, err
	}
	p.step(entry, action, types.StatusFailedRetryable, msg, map[string]any{
		"attempt":      updated.AttemptCount,
		"max_attempts": updated.MaxAttempts,
	})

	if updated.AttemptCount >= updated.MaxAttempts {
		final := fmt.Sprintf("%s (attempt %d/%d)", msg, updated.AttemptCount, updated.MaxAttempts)
		if _, err := p.store.Transition(ctx, entry.ID, types.StatusFailedTerminal, sqlite.TransitionOpts{
			ErrorMessage: final,
		}); err != nil {
			return entryOutcome{}, err
		}
		p.step(entry, action, types.StatusFailedTerminal, final, nil)
		p.logEvent("FAILED", entry)
		return entryOutcome{status: types.StatusFailedTerminal}, nil
	}

	// Attempts remain: back to pending for another round. Position ordering
	// is (priority, added_at), so the entry resumes at its original place.
	if _, err := p.store.Transition(ctx, entry.ID, types.StatusPending, sqlite.TransitionOpts{}); err != nil {
		return entryOutcome{}, err
	}
	p.step(entry, action, types.StatusPending, "", map[string]any{"requeued": true})
	return entryOutcome{status: types.StatusPending}, nil
}

// kickAndRebaseBehind is the failure-recovery path: cancel the offender, then
// move every still-pending entry onto the current trunk tip so the ordering
// stays valid. Rebase failures behind the kick are terminal for the affected
// entry but never stop the sweep.
func (p *Processor) kickAndRebaseBehind(ctx context.Context, entry *types.QueueEntry, reason string) error {
	kicked, err := p.store.KickEntry(ctx, entry.ID, p.cfg.AgentID, reason)
	if err != nil {
		return err
	}
	p.step(entry, types.ActionKicked, kicked.Status, reason, nil)
	p.logEvent("KICKED", entry)

	trunkTip, err := p.vcs.TrunkTip(ctx)
	if err != nil {
		return fmt.Errorf("rebase-behind: trunk tip: %w", err)
	}

	pending, err := p.store.ListPending(ctx)
	if err != nil {
		return err
	}
	for _, behind := range pending {
		p.step(behind, types.ActionRebasing, behind.Status, "", map[string]any{"base": trunkTip})
		newHead, err := p.vcs.RebaseOnto(ctx, behind.Workspace, trunkTip)
		if err != nil {
			msg := fmt.Sprintf("rebase-behind onto %s: %v", trunkTip, err)
			if _, terr := p.store.Transition(ctx, behind.ID, types.StatusFailedTerminal, sqlite.TransitionOpts{
				ErrorMessage: msg,
			}); terr != nil {
				return terr
			}
			p.step(behind, types.ActionConflictsDetected, types.StatusFailedTerminal, msg, nil)
			continue
		}
		if err := p.store.UpdateHeadRef(ctx, behind.ID, newHead, trunkTip); err != nil {
			return err
		}
		p.step(behind, types.ActionReadyToMerge, behind.Status, "", map[string]any{"head_ref": newHead})
	}
	return nil
}

// step emits one TrainStep line.
func (p *Processor) step(entry *types.QueueEntry, action types.TrainAction, status types.Status, errMsg string, details map[string]any) {
	p.emit(types.TrainStep{
		Type:      types.TrainStepEventType,
		EntryID:   entry.ID,
		Workspace: entry.Workspace,
		Position:  entry.Position,
		Action:    action,
		Status:    status,
		Timestamp: time.Now().UTC(),
		Error:     errMsg,
		Details:   details,
	})
}

// emit writes one event line to the stream and the mirror.
func (p *Processor) emit(v any) {
	if err := p.out.Write(v); err != nil {
		debug.Logf("train: emit: %v\n", err)
	}
	if p.mirror != nil {
		if err := p.mirror.Write(v); err != nil {
			debug.Logf("train: mirror: %v\n", err)
		}
	}
}

// logEvent appends to the diagnostic train log when a log dir is configured.
func (p *Processor) logEvent(code string, entry *types.QueueEntry) {
	if p.cfg.LogDir == "" {
		return
	}
	debug.LogEvent(p.cfg.LogDir, code, fmt.Sprintf("%d", entry.ID), p.cfg.AgentID, entry.Workspace)
}

// Fatal classification for the CLI's exit codes.

// IsStoreError reports whether err is a store/lock failure (exit 3).
func IsStoreError(err error) bool {
	return errors.Is(err, storage.ErrStore) || errors.Is(err, storage.ErrBusy)
}

// IsAdapterError reports whether err came from the version-control adapter
// (exit 4).
func IsAdapterError(err error) bool {
	var cmdErr *vcs.CommandError
	return errors.As(err, &cmdErr) ||
		errors.Is(err, vcs.ErrNotInstalled) ||
		errors.Is(err, vcs.ErrNoSuchRef) ||
		errors.Is(err, vcs.ErrRemoteUnreachable)
}
