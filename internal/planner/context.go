package planner

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/seamlab/intentd/internal/lessons"
)

// Per-section token budgets for the assembled prompt. Each section is
// capped independently so one oversized source file cannot crowd out
// the lessons or the conversation window.
const (
	overviewTokenBudget = 2_000
	filesTokenBudget    = 24_000
	lessonsTokenBudget  = 1_500
	historyTokenBudget  = 2_000

	maxLessonsInContext = 8
	maxHistoryTurns     = 6
)

const planningSystemPrompt = `You are a senior software engineer producing an execution plan for a code change.

Respond with a single JSON object:
{
  "summary": "one-sentence summary of the change",
  "understanding": "your reading of the request and the codebase",
  "steps": [
    {
      "number": 1,
      "title": "short label",
      "description": "what this step accomplishes",
      "action": "create|modify|delete",
      "path": "relative/path/to/file",
      "intent": "precise description of the content this step must produce",
      "depends_on": [],
      "risk": "low|medium|high"
    }
  ],
  "new_dependencies": {"go": [], "python": [], "npm": []},
  "risks": [],
  "assumptions": [],
  "success_criteria": [],
  "complexity": "low|medium|high",
  "requires_approval": false
}

Rules:
- Every step targets exactly one file.
- depends_on lists step numbers that must complete first; steps that
  create new files with no dependencies can run concurrently.
- Prefer small, reviewable steps over one sweeping rewrite.
- Mark requires_approval true for anything destructive or far-reaching.`

// estimateTokens approximates the token count of a string. Four bytes
// per token tracks close enough for budgeting purposes.
func estimateTokens(s string) int {
	return len(s)/4 + 1
}

// trimToBudget cuts a string to roughly the given token budget,
// keeping the head and marking the cut.
func trimToBudget(s string, budget int) string {
	limit := budget * 4
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n... [truncated]"
}

// buildPrompt assembles the planning prompt from the request and any
// stored lessons, each section within its own budget.
func (p *Planner) buildPrompt(req Request) string {
	var b strings.Builder

	b.WriteString("## Request\n\n")
	b.WriteString(req.Intent)
	b.WriteString("\n")

	if overview := strings.TrimSpace(req.Overview); overview != "" {
		b.WriteString("\n## Project Overview\n\n")
		b.WriteString(trimToBudget(overview, overviewTokenBudget))
		b.WriteString("\n")
	}

	if section := p.lessonsSection(req.ProjectID); section != "" {
		b.WriteString("\n## Lessons From Previous Work\n\n")
		b.WriteString(section)
	}

	if section := historySection(req.History); section != "" {
		b.WriteString("\n## Recent Conversation\n\n")
		b.WriteString(section)
	}

	if section := filesSection(req.Files); section != "" {
		b.WriteString("\n## Source Files\n\n")
		b.WriteString(section)
	}

	if len(req.TargetFiles) > 0 {
		b.WriteString("\n## Suggested Target Files\n\n")
		for _, f := range req.TargetFiles {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}

	return b.String()
}

// lessonsSection retrieves stored lessons, security first, then the
// rest by severity and recency, within the lessons budget.
func (p *Planner) lessonsSection(projectID string) string {
	if p.store == nil || projectID == "" {
		return ""
	}

	security, err := p.store.Match(projectID, []lessons.Category{lessons.CategorySecurity}, maxLessonsInContext/2)
	if err != nil {
		p.logger.Warn("lesson retrieval failed", zap.Error(err))
		return ""
	}
	rest, err := p.store.Match(projectID, nil, maxLessonsInContext)
	if err != nil {
		p.logger.Warn("lesson retrieval failed", zap.Error(err))
		return ""
	}

	seen := map[string]bool{}
	var picked []lessons.Entry
	for _, e := range append(security, rest...) {
		if seen[e.HashKey] || len(picked) >= maxLessonsInContext {
			continue
		}
		seen[e.HashKey] = true
		picked = append(picked, e)
	}
	if len(picked) == 0 {
		return ""
	}

	var b strings.Builder
	used := 0
	for _, e := range picked {
		line := fmt.Sprintf("- [%s/%s] %s\n", e.Category, e.Severity, e.Text)
		if used += estimateTokens(line); used > lessonsTokenBudget {
			break
		}
		b.WriteString(line)
	}
	return b.String()
}

// historySection renders the most recent turns, newest last, within
// the history budget.
func historySection(history []Turn) string {
	if len(history) == 0 {
		return ""
	}
	if len(history) > maxHistoryTurns {
		history = history[len(history)-maxHistoryTurns:]
	}

	var b strings.Builder
	used := 0
	for _, t := range history {
		line := fmt.Sprintf("%s: %s\n", t.Role, trimToBudget(t.Content, historyTokenBudget/maxHistoryTurns))
		if used += estimateTokens(line); used > historyTokenBudget {
			break
		}
		b.WriteString(line)
	}
	return b.String()
}

// filesSection renders source files in deterministic path order until
// the files budget runs out. A file that would overflow the remaining
// budget is truncated rather than skipped, so later small files still
// depend on stable ordering, not luck.
func filesSection(files map[string]string) string {
	if len(files) == 0 {
		return ""
	}
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var b strings.Builder
	remaining := filesTokenBudget
	for _, path := range paths {
		if remaining <= 0 {
			break
		}
		content := trimToBudget(files[path], remaining)
		block := fmt.Sprintf("### %s\n```\n%s\n```\n\n", path, content)
		remaining -= estimateTokens(block)
		b.WriteString(block)
	}
	return b.String()
}
