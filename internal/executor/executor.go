// Package executor turns an approved plan into applied file diffs.
//
// Content for each step is produced by the reasoning service, staged
// as reversible diffs, and applied through the diff engine only after
// every step succeeded. Independent steps generate concurrently under
// a bounded worker pool; dependent steps run in dependency order.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/seamlab/intentd/internal/diffengine"
	"github.com/seamlab/intentd/internal/plan"
	"github.com/seamlab/intentd/internal/reasoning"
)

// DefaultConcurrency bounds concurrent content generation.
const DefaultConcurrency = 4

// Sentinel errors.
var (
	ErrNoClient = errors.New("executor requires a reasoning client")
	ErrNoEngine = errors.New("executor requires a diff engine")
	ErrNilPlan  = errors.New("plan cannot be nil")
)

// StepError records which step failed and why.
type StepError struct {
	StepNumber int
	Path       string
	Err        error
}

func (e StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.StepNumber, e.Path, e.Err)
}

func (e StepError) Unwrap() error { return e.Err }

// ExecutionError aggregates step failures. When it is returned no
// diffs were applied to the workspace.
type ExecutionError struct {
	Steps []StepError
}

func (e *ExecutionError) Error() string {
	msgs := make([]string, len(e.Steps))
	for i, s := range e.Steps {
		msgs[i] = s.Error()
	}
	return fmt.Sprintf("%d step(s) failed: %s", len(e.Steps), strings.Join(msgs, "; "))
}

// Request identifies the plan to execute.
type Request struct {
	ProjectID string
	Plan      *plan.Plan

	// Summary and file context from planning, used to ground content
	// generation. Files maps path to current content.
	Files map[string]string

	// DryRun stages and validates diffs without touching the disk.
	DryRun bool
}

// Result is the outcome of executing a plan.
type Result struct {
	Completed bool
	DryRun    bool

	Diffs []*diffengine.Diff
	Batch *diffengine.BatchResult

	FilesCreated  []string
	FilesModified []string
	FilesDeleted  []string

	// Stubbed lists paths whose generated content fell below the
	// usefulness threshold and was replaced with a stub.
	Stubbed []string
}

// Options configures an Executor.
type Options struct {
	Concurrency int
	Logger      *zap.Logger
}

// Executor generates and applies plan steps.
type Executor struct {
	client      reasoning.Client
	engine      *diffengine.Engine
	concurrency int
	logger      *zap.Logger
}

// New constructs an executor.
func New(client reasoning.Client, engine *diffengine.Engine, opts Options) (*Executor, error) {
	if client == nil {
		return nil, ErrNoClient
	}
	if engine == nil {
		return nil, ErrNoEngine
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Executor{
		client:      client,
		engine:      engine,
		concurrency: opts.Concurrency,
		logger:      opts.Logger.Named("executor"),
	}, nil
}

// Execute runs every step of the plan, then applies all resulting
// diffs as one batch. If any step fails nothing is applied and the
// error is an *ExecutionError.
func (x *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.Plan == nil {
		return nil, ErrNilPlan
	}

	independent, dependent := partition(req.Plan.Steps)
	x.logger.Info("executing plan",
		zap.String("project_id", req.ProjectID),
		zap.Int("steps", len(req.Plan.Steps)),
		zap.Int("concurrent", len(independent)),
		zap.Bool("dry_run", req.DryRun))

	diffsByStep := make(map[int]*diffengine.Diff, len(req.Plan.Steps))
	var stubbed []string
	var stepErrs []StepError
	var mu sync.Mutex

	record := func(step plan.Step, d *diffengine.Diff, wasStubbed bool, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			stepErrs = append(stepErrs, StepError{StepNumber: step.Number, Path: step.Path, Err: err})
			return
		}
		diffsByStep[step.Number] = d
		if wasStubbed {
			stubbed = append(stubbed, step.Path)
		}
	}

	// Independent steps share a bounded worker pool.
	sem := make(chan struct{}, x.concurrency)
	var wg sync.WaitGroup
	for _, step := range independent {
		wg.Add(1)
		go func(step plan.Step) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			d, wasStubbed, err := x.runStep(ctx, req, step)
			record(step, d, wasStubbed, err)
		}(step)
	}
	wg.Wait()

	// Dependent steps run once their predecessors are done. The plan is
	// acyclic after normalization so every pass makes progress.
	done := make(map[int]bool, len(diffsByStep))
	mu.Lock()
	for n := range diffsByStep {
		done[n] = true
	}
	failed := len(stepErrs) > 0
	mu.Unlock()

	pending := dependent
	for len(pending) > 0 && !failed {
		var next []plan.Step
		progressed := false
		for _, step := range pending {
			if !depsSatisfied(step, done) {
				next = append(next, step)
				continue
			}
			progressed = true
			d, wasStubbed, err := x.runStep(ctx, req, step)
			record(step, d, wasStubbed, err)
			if err != nil {
				failed = true
				break
			}
			done[step.Number] = true
		}
		if !progressed {
			// A dependency failed earlier; the remaining steps cannot run.
			for _, step := range next {
				record(step, nil, false, fmt.Errorf("dependency never completed"))
			}
			break
		}
		pending = next
		failed = failed || len(stepErrs) > 0
	}

	if len(stepErrs) > 0 {
		sort.Slice(stepErrs, func(i, j int) bool { return stepErrs[i].StepNumber < stepErrs[j].StepNumber })
		return nil, &ExecutionError{Steps: stepErrs}
	}

	diffs := make([]*diffengine.Diff, 0, len(diffsByStep))
	for _, step := range req.Plan.Steps {
		if d, ok := diffsByStep[step.Number]; ok {
			diffs = append(diffs, d)
		}
	}

	batch, err := x.engine.ApplyAll(diffs, req.DryRun)
	if err != nil {
		return nil, fmt.Errorf("applying diffs: %w", err)
	}

	res := &Result{
		Completed: true,
		DryRun:    req.DryRun,
		Diffs:     diffs,
		Batch:     batch,
		Stubbed:   stubbed,
	}
	for _, d := range diffs {
		switch d.Op {
		case diffengine.OpCreate:
			res.FilesCreated = append(res.FilesCreated, d.Path)
		case diffengine.OpModify:
			res.FilesModified = append(res.FilesModified, d.Path)
		case diffengine.OpDelete:
			res.FilesDeleted = append(res.FilesDeleted, d.Path)
		}
	}
	return res, nil
}

// runStep produces the diff for a single step.
func (x *Executor) runStep(ctx context.Context, req Request, step plan.Step) (*diffengine.Diff, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	if step.Action == plan.ActionDelete {
		d, err := x.engine.CreateDiff(step.Path, "", diffengine.OpDelete)
		return d, false, err
	}

	content, wasStubbed, err := x.generateContent(ctx, req, step)
	if err != nil {
		return nil, false, err
	}

	op := diffengine.OpCreate
	if step.Action == plan.ActionModify {
		op = diffengine.OpModify
	}
	d, err := x.engine.CreateDiff(step.Path, content, op)
	return d, wasStubbed, err
}

func (x *Executor) generateContent(ctx context.Context, req Request, step plan.Step) (string, bool, error) {
	profile := profileFor(step.Path)

	raw, err := x.client.Generate(ctx, reasoning.Request{
		System:      profile.systemPrompt,
		Prompt:      buildStepPrompt(req, step),
		Temperature: 0.1,
	})
	if err != nil {
		return "", false, fmt.Errorf("generating content: %w", err)
	}

	content := extractCode(raw)
	if len(strings.TrimSpace(content)) < minGeneratedLength {
		x.logger.Warn("generated content too short, writing stub",
			zap.String("path", step.Path), zap.Int("length", len(content)))
		return profile.stub(step), true, nil
	}
	return ensureTrailingNewline(content), false, nil
}

// buildStepPrompt assembles the generation prompt for one step.
func buildStepPrompt(req Request, step plan.Step) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Task: %s\n", step.Title)
	if step.Description != "" {
		fmt.Fprintf(&b, "Details: %s\n", step.Description)
	}
	if step.Intent != "" {
		fmt.Fprintf(&b, "Intent: %s\n", step.Intent)
	}
	fmt.Fprintf(&b, "Target file: %s\n", step.Path)
	if req.Plan.Summary != "" {
		fmt.Fprintf(&b, "\nOverall change: %s\n", req.Plan.Summary)
	}

	if step.Action == plan.ActionModify {
		if current, ok := req.Files[step.Path]; ok {
			b.WriteString("\nCurrent file content:\n```\n")
			b.WriteString(trimMiddle(current, modifyContextHeadBytes, modifyContextTailBytes))
			b.WriteString("\n```\n")
			b.WriteString("\nProduce the COMPLETE new content of the file, not a fragment or a diff.\n")
		} else {
			b.WriteString("\nThe file's current content is unavailable; produce complete new content consistent with the intent.\n")
		}
	} else {
		b.WriteString("\nProduce the complete content of the new file.\n")
	}
	return b.String()
}

// trimMiddle keeps the head and tail of oversized content and marks
// the elision, so both the file's opening declarations and its trailing
// context survive.
func trimMiddle(s string, head, tail int) string {
	if len(s) <= head+tail {
		return s
	}
	return s[:head] + "\n... [middle elided] ...\n" + s[len(s)-tail:]
}

func ensureTrailingNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

func partition(steps []plan.Step) (independent, dependent []plan.Step) {
	for _, s := range steps {
		if s.Independent() {
			independent = append(independent, s)
		} else {
			dependent = append(dependent, s)
		}
	}
	return independent, dependent
}

func depsSatisfied(step plan.Step, done map[int]bool) bool {
	for _, d := range step.DependsOn {
		if !done[d] {
			return false
		}
	}
	return true
}
