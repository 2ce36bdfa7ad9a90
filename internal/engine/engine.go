// Package engine orchestrates the full cycle for one action: plan,
// execute, verify, reflect. It owns the action registry, the approval
// gate, and rollback on verification failure.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/seamlab/intentd/internal/action"
	"github.com/seamlab/intentd/internal/diffengine"
	"github.com/seamlab/intentd/internal/executor"
	"github.com/seamlab/intentd/internal/planner"
	"github.com/seamlab/intentd/internal/reflector"
	"github.com/seamlab/intentd/internal/verifier"
)

// Common errors.
var (
	ErrMissingDependency = errors.New("engine is missing a required dependency")
	ErrUnknownAction     = errors.New("unknown action ID")
	ErrNotAwaitingReview = errors.New("action is not awaiting review")
)

// Deps wires the engine's collaborators.
type Deps struct {
	Planner    *planner.Planner
	Executor   *executor.Executor
	Verifier   *verifier.Verifier
	Reflector  *reflector.Reflector
	DiffEngine *diffengine.Engine

	Logger     *zap.Logger
	Registerer prometheus.Registerer
}

// Engine runs actions through their lifecycle.
type Engine struct {
	planner    *planner.Planner
	executor   *executor.Executor
	verifier   *verifier.Verifier
	reflector  *reflector.Reflector
	diffEngine *diffengine.Engine

	logger  *zap.Logger
	metrics *metrics

	mu      sync.RWMutex
	actions map[string]*action.Action
}

// New constructs an engine. All collaborators except the reflector
// are required; without a reflector cycles simply skip reflection.
func New(deps Deps) (*Engine, error) {
	if deps.Planner == nil || deps.Executor == nil || deps.Verifier == nil || deps.DiffEngine == nil {
		return nil, ErrMissingDependency
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Engine{
		planner:    deps.Planner,
		executor:   deps.Executor,
		verifier:   deps.Verifier,
		reflector:  deps.Reflector,
		diffEngine: deps.DiffEngine,
		logger:     deps.Logger.Named("engine"),
		metrics:    newMetrics(deps.Registerer),
		actions:    map[string]*action.Action{},
	}, nil
}

// SubmitRequest describes a new action.
type SubmitRequest struct {
	ProjectID  string
	Intent     string
	Permission action.PermissionLevel

	// Overview describes the project for planning context.
	Overview string

	// TargetFiles are optional path hints.
	TargetFiles []string

	// DryRun stages diffs without touching the workspace; verification
	// is skipped because nothing was written.
	DryRun bool
}

// Submit registers a new action and drives it as far as its
// permission level allows. The returned action reflects where the
// cycle stopped: completed, failed, rolled back, or pending review.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*action.Action, error) {
	a, err := action.New(req.ProjectID, req.Intent, req.Permission)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.actions[a.ID] = a
	e.mu.Unlock()

	e.runCycle(ctx, a, req)
	return e.snapshot(a), nil
}

// Approve resumes an action that paused for review.
func (e *Engine) Approve(ctx context.Context, id string, req SubmitRequest) (*action.Action, error) {
	a, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	if a.Status != action.StatusPending || a.Plan == nil || !a.RequiresApproval {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotAwaitingReview, id, a.Status)
	}

	a.RequiresApproval = false
	if err := a.Transition(action.StatusPlanning); err != nil {
		return nil, err
	}
	e.execute(ctx, a, req)
	return e.snapshot(a), nil
}

// Reject cancels an action that paused for review.
func (e *Engine) Reject(id string) (*action.Action, error) {
	a, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	if a.Status != action.StatusPending || a.Plan == nil || !a.RequiresApproval {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotAwaitingReview, id, a.Status)
	}
	if err := a.Transition(action.StatusCancelled); err != nil {
		return nil, err
	}
	e.metrics.finished(string(action.StatusCancelled))
	return e.snapshot(a), nil
}

// Snapshot returns a copy of an action's current state.
func (e *Engine) Snapshot(id string) (*action.Action, error) {
	a, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.snapshot(a), nil
}

// Actions returns snapshots of every registered action.
func (e *Engine) Actions() []*action.Action {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*action.Action, 0, len(e.actions))
	for _, a := range e.actions {
		out = append(out, e.snapshotLocked(a))
	}
	return out
}

// runCycle drives a fresh action from pending through planning and,
// permission allowing, the rest of the cycle.
func (e *Engine) runCycle(ctx context.Context, a *action.Action, req SubmitRequest) {
	if e.cancelled(ctx, a) {
		return
	}

	if err := a.Transition(action.StatusPlanning); err != nil {
		e.fail(a, err.Error())
		return
	}

	stop := e.metrics.timePhase("planning")
	pl, err := e.planner.GeneratePlan(ctx, planner.Request{
		ProjectID:   a.ProjectID,
		Intent:      a.Intent,
		Overview:    req.Overview,
		Files:       e.collectFiles(req.TargetFiles),
		TargetFiles: req.TargetFiles,
	})
	stop()
	if err != nil {
		e.fail(a, fmt.Sprintf("planning failed: %v", err))
		e.reflect(ctx, a)
		return
	}
	a.Plan = pl

	switch {
	case a.Permission == action.PermissionNone:
		// Plan-only mode: hand the plan back and stop.
		if err := a.Transition(action.StatusPending); err != nil {
			e.fail(a, err.Error())
		}
		return
	case a.Permission == action.PermissionReview || pl.RequiresApproval:
		a.RequiresApproval = true
		if err := a.Transition(action.StatusPending); err != nil {
			e.fail(a, err.Error())
			return
		}
		e.logger.Info("action awaiting review",
			zap.String("action_id", a.ID), zap.Int("steps", len(pl.Steps)))
		return
	}

	e.execute(ctx, a, req)
}

// execute runs the executing and verifying phases and finishes the
// action.
func (e *Engine) execute(ctx context.Context, a *action.Action, req SubmitRequest) {
	if e.cancelled(ctx, a) {
		return
	}

	if err := a.Transition(action.StatusExecuting); err != nil {
		e.fail(a, err.Error())
		return
	}

	stop := e.metrics.timePhase("executing")
	res, err := e.executor.Execute(ctx, executor.Request{
		ProjectID: a.ProjectID,
		Plan:      a.Plan,
		Files:     e.collectFiles(planFiles(a)),
		DryRun:    req.DryRun,
	})
	stop()
	if err != nil {
		// Execution failures apply nothing, so there is no rollback.
		e.fail(a, fmt.Sprintf("execution failed: %v", err))
		e.reflect(ctx, a)
		return
	}
	a.Diffs = res.Diffs

	if e.cancelled(ctx, a) {
		e.rollback(a)
		return
	}

	if err := a.Transition(action.StatusVerifying); err != nil {
		e.fail(a, err.Error())
		return
	}

	if req.DryRun {
		// Nothing reached the disk; verification would inspect stale
		// state.
		e.complete(ctx, a)
		return
	}

	stop = e.metrics.timePhase("verifying")
	report, err := e.verifier.Verify(ctx, changedPaths(res))
	stop()
	if err != nil {
		e.failAndRollback(a, fmt.Sprintf("verification could not run: %v", err))
		e.reflect(ctx, a)
		return
	}
	a.Verification = report

	if !report.Passed {
		e.failAndRollback(a, "verification failed")
		e.reflect(ctx, a)
		return
	}

	e.complete(ctx, a)
}

func (e *Engine) complete(ctx context.Context, a *action.Action) {
	if err := a.Transition(action.StatusCompleted); err != nil {
		e.fail(a, err.Error())
		return
	}
	e.metrics.finished(string(action.StatusCompleted))
	e.logger.Info("action completed",
		zap.String("action_id", a.ID), zap.Int("diffs", len(a.Diffs)))
	e.reflect(ctx, a)
}

// fail marks the action failed and counts the terminal status.
func (e *Engine) fail(a *action.Action, reason string) {
	if !e.markFailed(a, reason) {
		return
	}
	e.metrics.finished(string(action.StatusFailed))
}

// failAndRollback marks the action failed, undoes its diffs, and
// counts whichever terminal status the action settles on: rolled_back
// when rollback succeeded, failed when it did not. Each action is
// counted under exactly one status.
func (e *Engine) failAndRollback(a *action.Action, reason string) {
	marked := e.markFailed(a, reason)
	e.rollback(a)
	if marked {
		e.metrics.finished(string(a.Status))
	}
}

// markFailed records the failure; illegal transitions are logged, not
// propagated, because this is already the error path.
func (e *Engine) markFailed(a *action.Action, reason string) bool {
	if err := a.Fail(reason); err != nil {
		e.logger.Error("could not mark action failed",
			zap.String("action_id", a.ID), zap.Error(err))
		return false
	}
	e.logger.Warn("action failed",
		zap.String("action_id", a.ID), zap.String("reason", reason))
	return true
}

// rollback undoes every applied diff and advances failed actions to
// rolled_back. The caller accounts for metrics.
func (e *Engine) rollback(a *action.Action) {
	if len(a.Diffs) == 0 {
		return
	}
	res := e.diffEngine.RollbackAll(a.Diffs)
	if res.Failed > 0 {
		e.logger.Error("rollback incomplete",
			zap.String("action_id", a.ID),
			zap.Int("rolled_back", res.RolledBack),
			zap.Int("failed", res.Failed))
		return
	}
	if a.Status == action.StatusFailed {
		if err := a.Transition(action.StatusRolledBack); err != nil {
			e.logger.Error("could not mark action rolled back",
				zap.String("action_id", a.ID), zap.Error(err))
		}
	}
	e.logger.Info("workspace rolled back",
		zap.String("action_id", a.ID), zap.Int("diffs", res.RolledBack))
}

// reflect runs reflection; failures never change the action's fate.
func (e *Engine) reflect(ctx context.Context, a *action.Action) {
	if e.reflector == nil {
		return
	}
	stop := e.metrics.timePhase("reflecting")
	defer stop()

	in := reflector.Input{
		ProjectID:     a.ProjectID,
		ActionID:      a.ID,
		Intent:        a.Intent,
		Succeeded:     a.Status == action.StatusCompleted,
		FailureReason: a.Error,
	}
	if a.Plan != nil {
		in.PlanSummary = a.Plan.Summary
	}
	for _, d := range a.Diffs {
		in.FilesChanged = append(in.FilesChanged, d.Path)
	}
	if a.Verification != nil {
		for _, v := range a.Verification.Violations {
			in.Violations = append(in.Violations, fmt.Sprintf("%s:%d: %s (%s)", v.File, v.Line, v.Message, v.Tool))
		}
	}

	refl, err := e.reflector.Reflect(ctx, in)
	if err != nil {
		e.logger.Warn("reflection failed", zap.String("action_id", a.ID), zap.Error(err))
		return
	}
	a.Reflection = refl
}

// cancelled checks for context cancellation at a stage boundary and
// cancels the action when the context is gone.
func (e *Engine) cancelled(ctx context.Context, a *action.Action) bool {
	if ctx.Err() == nil {
		return false
	}
	if err := a.Transition(action.StatusCancelled); err == nil {
		e.metrics.finished(string(action.StatusCancelled))
		e.logger.Info("action cancelled", zap.String("action_id", a.ID))
	}
	return true
}

func (e *Engine) lookup(id string) (*action.Action, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.actions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, id)
	}
	return a, nil
}

func (e *Engine) snapshot(a *action.Action) *action.Action {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshotLocked(a)
}

func (e *Engine) snapshotLocked(a *action.Action) *action.Action {
	cp := *a
	return &cp
}

// Source extensions worth offering as planning context.
var contextExts = map[string]bool{
	".go": true, ".py": true, ".ts": true, ".tsx": true, ".js": true,
	".jsx": true, ".sql": true, ".sh": true, ".yaml": true, ".yml": true,
	".json": true, ".md": true, ".toml": true,
}

const (
	maxContextFiles    = 40
	maxContextFileSize = 64 * 1024
)

// collectFiles reads workspace files for prompt context: the hinted
// targets first, then other source files up to a cap. Oversized files
// and anything under a dot-directory are skipped.
func (e *Engine) collectFiles(hints []string) map[string]string {
	root := e.diffEngine.Root()
	files := map[string]string{}

	readIn := func(rel string) {
		if len(files) >= maxContextFiles {
			return
		}
		if _, ok := files[rel]; ok {
			return
		}
		full := filepath.Join(root, rel)
		info, err := os.Stat(full)
		if err != nil || !info.Mode().IsRegular() || info.Size() > maxContextFileSize {
			return
		}
		raw, err := os.ReadFile(full)
		if err != nil {
			return
		}
		files[rel] = string(raw)
	}

	for _, hint := range hints {
		readIn(hint)
	}

	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if name := d.Name(); strings.HasPrefix(name, ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if len(files) >= maxContextFiles {
			return filepath.SkipAll
		}
		if !contextExts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		readIn(rel)
		return nil
	})

	return files
}

func planFiles(a *action.Action) []string {
	if a.Plan == nil {
		return nil
	}
	var out []string
	for _, s := range a.Plan.Steps {
		out = append(out, s.Path)
	}
	return out
}

func changedPaths(res *executor.Result) []string {
	var out []string
	out = append(out, res.FilesCreated...)
	out = append(out, res.FilesModified...)
	return out
}
