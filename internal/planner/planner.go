// Package planner turns a natural-language intent into a structured,
// dependency-aware execution plan by way of the reasoning service.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/seamlab/intentd/internal/lessons"
	"github.com/seamlab/intentd/internal/plan"
	"github.com/seamlab/intentd/internal/reasoning"
)

// ErrNoClient is returned by New when no reasoning client is supplied.
var ErrNoClient = errors.New("planner requires a reasoning client")

// PlanError wraps a planning failure with the intent that caused it.
type PlanError struct {
	Intent string
	Err    error
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("planning %q: %v", truncate(e.Intent, 80), e.Err)
}

func (e *PlanError) Unwrap() error { return e.Err }

// Request carries everything the planner may draw on.
type Request struct {
	// ProjectID scopes lesson retrieval.
	ProjectID string

	// Intent is the user's natural-language goal.
	Intent string

	// Overview describes the project (structure, conventions, stack).
	Overview string

	// Files maps workspace-relative paths to current content, used as
	// source context. The builder budgets how much of it survives.
	Files map[string]string

	// History is the recent conversation, newest last.
	History []Turn

	// TargetFiles are optional path hints from the caller.
	TargetFiles []string
}

// Turn is one prior conversational exchange.
type Turn struct {
	Role    string
	Content string
}

// Planner generates execution plans.
type Planner struct {
	client reasoning.Client
	store  *lessons.Store
	logger *zap.Logger
}

// New constructs a planner. The lesson store is optional; without one
// plans are generated without prior-lesson context.
func New(client reasoning.Client, store *lessons.Store, logger *zap.Logger) (*Planner, error) {
	if client == nil {
		return nil, ErrNoClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{
		client: client,
		store:  store,
		logger: logger.Named("planner"),
	}, nil
}

// rawStep is the loosely-typed shape the reasoning service returns.
type rawStep struct {
	Number      int    `json:"number"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Action      string `json:"action"`
	Path        string `json:"path"`
	Intent      string `json:"intent"`
	DependsOn   []int  `json:"depends_on"`
	Risk        string `json:"risk"`
}

type rawPlan struct {
	Summary          string              `json:"summary"`
	Understanding    string              `json:"understanding"`
	Steps            []rawStep           `json:"steps"`
	NewDependencies  map[string][]string `json:"new_dependencies"`
	Risks            []string            `json:"risks"`
	Assumptions      []string            `json:"assumptions"`
	SuccessCriteria  []string            `json:"success_criteria"`
	Complexity       string              `json:"complexity"`
	RequiresApproval bool                `json:"requires_approval"`
}

// GeneratePlan produces a normalized plan for the request.
//
// Reasoning failures surface as *PlanError. A response that parses but
// yields no usable steps falls back to a single-step stub when the
// caller named target files; otherwise it is also a *PlanError.
func (p *Planner) GeneratePlan(ctx context.Context, req Request) (*plan.Plan, error) {
	if strings.TrimSpace(req.Intent) == "" {
		return nil, &PlanError{Intent: req.Intent, Err: errors.New("intent cannot be empty")}
	}

	prompt := p.buildPrompt(req)

	var raw rawPlan
	err := p.client.GenerateJSON(ctx, reasoning.Request{
		System:      planningSystemPrompt,
		Prompt:      prompt,
		Temperature: 0.2,
	}, &raw)
	if err != nil {
		return nil, &PlanError{Intent: req.Intent, Err: err}
	}

	pl := toPlan(raw)
	if err := pl.Normalize(); err != nil {
		if errors.Is(err, plan.ErrNoSteps) && len(req.TargetFiles) > 0 {
			p.logger.Warn("plan had no usable steps, falling back to stub",
				zap.String("project_id", req.ProjectID))
			return p.fallbackPlan(req), nil
		}
		return nil, &PlanError{Intent: req.Intent, Err: err}
	}

	applyApprovalHeuristics(pl)

	p.logger.Info("plan generated",
		zap.String("project_id", req.ProjectID),
		zap.Int("steps", len(pl.Steps)),
		zap.String("complexity", string(pl.Complexity)),
		zap.Bool("requires_approval", pl.RequiresApproval))
	return pl, nil
}

func toPlan(raw rawPlan) *plan.Plan {
	pl := &plan.Plan{
		Summary:          strings.TrimSpace(raw.Summary),
		Understanding:    strings.TrimSpace(raw.Understanding),
		NewDependencies:  raw.NewDependencies,
		Risks:            raw.Risks,
		Assumptions:      raw.Assumptions,
		SuccessCriteria:  raw.SuccessCriteria,
		Complexity:       plan.ParseRiskLevel(raw.Complexity),
		RequiresApproval: raw.RequiresApproval,
	}
	for _, s := range raw.Steps {
		pl.Steps = append(pl.Steps, plan.Step{
			Number:      s.Number,
			Title:       strings.TrimSpace(s.Title),
			Description: strings.TrimSpace(s.Description),
			Action:      plan.ParseActionKind(s.Action),
			Path:        strings.TrimSpace(s.Path),
			Intent:      strings.TrimSpace(s.Intent),
			DependsOn:   s.DependsOn,
			Risk:        plan.ParseRiskLevel(s.Risk),
		})
	}
	return pl
}

// applyApprovalHeuristics forces the approval gate on regardless of
// what the reasoning service claimed when the plan looks dangerous.
func applyApprovalHeuristics(pl *plan.Plan) {
	if len(pl.FilesByAction(plan.ActionDelete)) > 0 {
		pl.RequiresApproval = true
		return
	}
	if pl.Complexity == plan.RiskHigh {
		pl.RequiresApproval = true
		return
	}
	if len(pl.Risks) > 2 {
		pl.RequiresApproval = true
		return
	}
	for _, r := range pl.Risks {
		if strings.Contains(strings.ToLower(r), "breaking") {
			pl.RequiresApproval = true
			return
		}
	}
}

// fallbackPlan builds a minimal sequential plan over the caller's
// target files when the reasoning service produced nothing usable.
func (p *Planner) fallbackPlan(req Request) *plan.Plan {
	pl := &plan.Plan{
		Summary:          "Fallback plan: " + truncate(req.Intent, 120),
		Complexity:       plan.RiskMedium,
		RequiresApproval: true,
		Assumptions:      []string{"plan was generated without reasoning-service guidance"},
	}
	for i, path := range req.TargetFiles {
		action := plan.ActionModify
		if _, exists := req.Files[path]; !exists {
			action = plan.ActionCreate
		}
		pl.Steps = append(pl.Steps, plan.Step{
			Number: i + 1,
			Title:  fmt.Sprintf("Update %s", path),
			Action: action,
			Path:   path,
			Intent: req.Intent,
			Risk:   plan.RiskMedium,
		})
	}
	return pl
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
