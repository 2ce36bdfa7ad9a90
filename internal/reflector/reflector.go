// Package reflector closes the loop after a cycle: it distills what
// happened into lessons, persists them, and surfaces relevant prior
// lessons for new work. Reflection is best-effort; when the reasoning
// service is unavailable a heuristic pass still extracts the basics.
package reflector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/seamlab/intentd/internal/lessons"
	"github.com/seamlab/intentd/internal/reasoning"
)

// ErrNoClient is returned by New when no reasoning client is supplied.
var ErrNoClient = errors.New("reflector requires a reasoning client")

// maxLessonsPerReflection bounds how many lessons one cycle may mint.
const maxLessonsPerReflection = 5

// Input describes a finished cycle.
type Input struct {
	ProjectID string
	ActionID  string
	Intent    string

	Succeeded   bool
	PlanSummary string

	FilesChanged []string

	// Violations are verification findings, already rendered to text.
	Violations []string

	// FailureReason is set when the cycle failed outside verification.
	FailureReason string
}

// Reflection is the distilled outcome of one cycle.
type Reflection struct {
	Summary        string          `json:"summary"`
	Lessons        []lessons.Entry `json:"lessons"`
	SuccessFactors []string        `json:"success_factors,omitempty"`
	FailureFactors []string        `json:"failure_factors,omitempty"`
	Patterns       []string        `json:"patterns,omitempty"`

	// Heuristic marks a reflection produced without the reasoning
	// service.
	Heuristic bool `json:"heuristic"`
}

// Reflector generates and persists reflections.
type Reflector struct {
	client reasoning.Client
	store  *lessons.Store
	logger *zap.Logger
}

// New constructs a reflector. The store is optional; without one
// reflections are returned but not persisted.
func New(client reasoning.Client, store *lessons.Store, logger *zap.Logger) (*Reflector, error) {
	if client == nil {
		return nil, ErrNoClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reflector{
		client: client,
		store:  store,
		logger: logger.Named("reflector"),
	}, nil
}

type rawLesson struct {
	Text     string `json:"text"`
	Category string `json:"category"`
	Severity string `json:"severity"`
}

type rawReflection struct {
	Summary        string      `json:"summary"`
	LessonsLearned []rawLesson `json:"lessons_learned"`
	SuccessFactors []string    `json:"success_factors"`
	FailureFactors []string    `json:"failure_factors"`
	Patterns       []string    `json:"patterns"`
}

const reflectionSystemPrompt = `You review the outcome of an automated code change and extract durable lessons.

Respond with a single JSON object:
{
  "summary": "what happened and why, in one or two sentences",
  "lessons_learned": [
    {"text": "a concrete, reusable lesson", "category": "quality|security|performance|architecture", "severity": "info|warning|critical"}
  ],
  "success_factors": [],
  "failure_factors": [],
  "patterns": ["recurring issue shapes worth watching for"]
}

Lessons must be general enough to apply to future work, not a restatement
of this change. At most five.`

// Reflect produces a reflection for the cycle and persists it when a
// store is configured. It never fails the caller over reasoning
// errors: those degrade to the heuristic pass.
func (r *Reflector) Reflect(ctx context.Context, in Input) (*Reflection, error) {
	refl := r.generate(ctx, in)

	if r.store != nil && in.ProjectID != "" {
		if added, err := r.store.Append(in.ProjectID, refl.Lessons); err != nil {
			r.logger.Warn("persisting lessons failed", zap.Error(err))
		} else if added > 0 {
			r.logger.Info("lessons stored",
				zap.String("project_id", in.ProjectID), zap.Int("added", added))
		}
		if len(refl.Patterns) > 0 {
			if err := r.store.AddPatterns(in.ProjectID, refl.Patterns); err != nil {
				r.logger.Warn("persisting patterns failed", zap.Error(err))
			}
		}
		if err := r.store.RecordOutcome(in.ProjectID, in.Succeeded); err != nil {
			r.logger.Warn("recording outcome failed", zap.Error(err))
		}
	}
	return refl, nil
}

func (r *Reflector) generate(ctx context.Context, in Input) *Reflection {
	var raw rawReflection
	err := r.client.GenerateJSON(ctx, reasoning.Request{
		System:      reflectionSystemPrompt,
		Prompt:      buildReflectionPrompt(in),
		Temperature: 0.3,
	}, &raw)
	if err != nil {
		r.logger.Warn("reflection generation failed, using heuristics", zap.Error(err))
		return heuristicReflection(in)
	}

	refl := &Reflection{
		Summary:        strings.TrimSpace(raw.Summary),
		SuccessFactors: raw.SuccessFactors,
		FailureFactors: raw.FailureFactors,
		Patterns:       raw.Patterns,
	}
	for _, l := range raw.LessonsLearned {
		if len(refl.Lessons) >= maxLessonsPerReflection {
			break
		}
		entry, err := lessons.NewEntry(
			lessons.ParseCategory(l.Category),
			lessons.ParseSeverity(l.Severity),
			l.Text, in.ActionID)
		if err != nil {
			continue
		}
		refl.Lessons = append(refl.Lessons, entry)
	}
	if refl.Summary == "" {
		refl.Summary = heuristicSummary(in)
	}
	return refl
}

func buildReflectionPrompt(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Intent: %s\n", in.Intent)
	if in.PlanSummary != "" {
		fmt.Fprintf(&b, "Plan: %s\n", in.PlanSummary)
	}
	fmt.Fprintf(&b, "Outcome: %s\n", outcomeWord(in.Succeeded))
	if len(in.FilesChanged) > 0 {
		fmt.Fprintf(&b, "Files changed: %s\n", strings.Join(in.FilesChanged, ", "))
	}
	if in.FailureReason != "" {
		fmt.Fprintf(&b, "Failure reason: %s\n", in.FailureReason)
	}
	if len(in.Violations) > 0 {
		b.WriteString("Verification findings:\n")
		for _, v := range in.Violations {
			fmt.Fprintf(&b, "- %s\n", v)
		}
	}
	return b.String()
}

// heuristicReflection extracts lessons without the reasoning service:
// verification findings become warning lessons, and outright failures
// record their reason.
func heuristicReflection(in Input) *Reflection {
	refl := &Reflection{
		Summary:   heuristicSummary(in),
		Heuristic: true,
	}

	if in.Succeeded {
		refl.SuccessFactors = []string{"plan executed and verified cleanly"}
		return refl
	}

	for _, v := range in.Violations {
		if len(refl.Lessons) >= 3 {
			break
		}
		entry, err := lessons.NewEntry(lessons.CategoryQuality, lessons.SeverityWarning,
			"Verification flagged: "+v, in.ActionID)
		if err != nil {
			continue
		}
		refl.Lessons = append(refl.Lessons, entry)
		refl.FailureFactors = append(refl.FailureFactors, v)
	}
	if in.FailureReason != "" {
		refl.FailureFactors = append(refl.FailureFactors, in.FailureReason)
	}
	if len(in.Violations) > 0 {
		refl.Patterns = []string{"verification failures after automated changes"}
	}
	return refl
}

func heuristicSummary(in Input) string {
	if in.Succeeded {
		return fmt.Sprintf("Completed: %s", in.Intent)
	}
	if in.FailureReason != "" {
		return fmt.Sprintf("Failed: %s (%s)", in.Intent, in.FailureReason)
	}
	return fmt.Sprintf("Failed: %s", in.Intent)
}

func outcomeWord(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// intentCategories maps keywords in an intent to lesson categories.
var intentCategories = []struct {
	keywords []string
	category lessons.Category
}{
	{[]string{"auth", "security", "password", "token", "secret", "crypt"}, lessons.CategorySecurity},
	{[]string{"performance", "slow", "optimi", "cache", "latency", "memory"}, lessons.CategoryPerformance},
	{[]string{"refactor", "architecture", "structure", "module", "decouple"}, lessons.CategoryArchitecture},
}

// Suggest returns stored lessons relevant to a new intent, keyed off
// keyword-derived categories. An intent matching no keyword searches
// every category.
func (r *Reflector) Suggest(projectID, intent string, limit int) ([]lessons.Entry, error) {
	if r.store == nil {
		return nil, nil
	}
	lower := strings.ToLower(intent)
	var cats []lessons.Category
	for _, m := range intentCategories {
		for _, kw := range m.keywords {
			if strings.Contains(lower, kw) {
				cats = append(cats, m.category)
				break
			}
		}
	}
	return r.store.Match(projectID, cats, limit)
}
