// Package plan models the structured execution plan produced by the
// planner: an ordered, dependency-aware sequence of file-level steps.
package plan

import (
	"errors"
	"fmt"
)

// Common errors for plan validation.
var (
	ErrNoSteps            = errors.New("plan has no steps")
	ErrUnknownDependency  = errors.New("step depends on an unknown step")
	ErrCircularDependency = errors.New("plan contains a circular step dependency")
)

// ActionKind is the closed set of operations a step may perform on its
// target file. Unrecognized input coerces to ActionModify rather than
// failing the whole plan.
type ActionKind string

const (
	ActionCreate ActionKind = "create"
	ActionModify ActionKind = "modify"
	ActionDelete ActionKind = "delete"
)

// ParseActionKind maps raw reasoning-service output onto the closed
// variant, defaulting to modify on anything unrecognized.
func ParseActionKind(raw string) ActionKind {
	switch ActionKind(raw) {
	case ActionCreate, ActionModify, ActionDelete:
		return ActionKind(raw)
	default:
		return ActionModify
	}
}

// RiskLevel grades a step or plan.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ParseRiskLevel defaults to low on unrecognized input.
func ParseRiskLevel(raw string) RiskLevel {
	switch RiskLevel(raw) {
	case RiskLow, RiskMedium, RiskHigh:
		return RiskLevel(raw)
	default:
		return RiskLow
	}
}

// Step is one file-level unit of work.
type Step struct {
	// Number is the 1-based position in the plan. Contiguous after
	// Normalize; dependency references use these numbers.
	Number int `json:"number"`

	// Title is a short human-readable label.
	Title string `json:"title"`

	// Description explains what the step should accomplish.
	Description string `json:"description,omitempty"`

	// Action is the file operation this step performs.
	Action ActionKind `json:"action"`

	// Path is the target file, relative to the workspace root.
	Path string `json:"path"`

	// Intent is the natural-language description of the content the
	// step should produce. It is the prompt seed for generation.
	Intent string `json:"intent,omitempty"`

	// DependsOn lists predecessor step numbers that must complete
	// before this step runs.
	DependsOn []int `json:"depends_on,omitempty"`

	// Risk grades the step.
	Risk RiskLevel `json:"risk"`
}

// Independent reports whether the step is eligible for concurrent
// execution: pure file creation with no unresolved dependencies.
func (s Step) Independent() bool {
	return s.Action == ActionCreate && len(s.DependsOn) == 0
}

// Dependencies declares packages a plan expects to be installed,
// keyed by ecosystem ("go", "python", "npm").
type Dependencies map[string][]string

// Plan is an ordered sequence of steps plus plan-level metadata.
type Plan struct {
	Summary          string       `json:"summary"`
	Understanding    string       `json:"understanding,omitempty"`
	Steps            []Step       `json:"steps"`
	NewDependencies  Dependencies `json:"new_dependencies,omitempty"`
	Risks            []string     `json:"risks,omitempty"`
	Assumptions      []string     `json:"assumptions,omitempty"`
	SuccessCriteria  []string     `json:"success_criteria,omitempty"`
	Complexity       RiskLevel    `json:"complexity"`
	RequiresApproval bool         `json:"requires_approval"`
}

// FilesByAction returns the target paths of all steps with the given
// action, in step order.
func (p *Plan) FilesByAction(kind ActionKind) []string {
	var paths []string
	for _, s := range p.Steps {
		if s.Action == kind {
			paths = append(paths, s.Path)
		}
	}
	return paths
}

// Normalize coerces and validates the plan in place.
//
// Steps with an empty path are dropped. Remaining steps are renumbered
// into a contiguous 1..n sequence and every DependsOn reference is
// remapped through the same renumbering. Structural problems that
// cannot be coerced away — dangling dependency references or cycles —
// are rejected.
func (p *Plan) Normalize() error {
	kept := p.Steps[:0]
	for _, s := range p.Steps {
		if s.Path == "" {
			continue
		}
		s.Action = ParseActionKind(string(s.Action))
		s.Risk = ParseRiskLevel(string(s.Risk))
		kept = append(kept, s)
	}
	p.Steps = kept

	if len(p.Steps) == 0 {
		return ErrNoSteps
	}

	// Renumber contiguously, remembering old -> new.
	renumber := make(map[int]int, len(p.Steps))
	for i := range p.Steps {
		old := p.Steps[i].Number
		p.Steps[i].Number = i + 1
		if old != 0 {
			renumber[old] = i + 1
		}
	}

	for i := range p.Steps {
		deps := p.Steps[i].DependsOn
		for j, d := range deps {
			mapped, ok := renumber[d]
			if !ok {
				return fmt.Errorf("step %d: dependency %d: %w", p.Steps[i].Number, d, ErrUnknownDependency)
			}
			deps[j] = mapped
		}
	}

	if cycleStart := p.findCycle(); cycleStart != 0 {
		return fmt.Errorf("step %d: %w", cycleStart, ErrCircularDependency)
	}

	p.Complexity = ParseRiskLevel(string(p.Complexity))
	return nil
}

// findCycle returns the number of a step participating in a dependency
// cycle, or 0 when the graph is acyclic.
func (p *Plan) findCycle() int {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[int]int, len(p.Steps))
	deps := make(map[int][]int, len(p.Steps))
	for _, s := range p.Steps {
		deps[s.Number] = s.DependsOn
	}

	var visit func(n int) int
	visit = func(n int) int {
		switch state[n] {
		case visiting:
			return n
		case done:
			return 0
		}
		state[n] = visiting
		for _, d := range deps[n] {
			if hit := visit(d); hit != 0 {
				return hit
			}
		}
		state[n] = done
		return 0
	}

	for _, s := range p.Steps {
		if hit := visit(s.Number); hit != 0 {
			return hit
		}
	}
	return 0
}
