package executor

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/seamlab/intentd/internal/plan"
)

const (
	// minGeneratedLength is the floor below which generated content is
	// treated as unusable and replaced with a stub.
	minGeneratedLength = 10

	// Head and tail of an oversized file kept when building modify
	// prompts; the middle is elided.
	modifyContextHeadBytes = 6_000
	modifyContextTailBytes = 2_000
)

// languageProfile carries the per-language generation system prompt
// and stub shape.
type languageProfile struct {
	name         string
	systemPrompt string
	commentLead  string
}

const basePrompt = `You are an expert software engineer writing production code.
Output ONLY the file content. No explanations, no markdown prose around it.
If you use a code fence, put the entire file in one fence.`

var profiles = map[string]languageProfile{
	"go": {
		name:        "go",
		commentLead: "//",
		systemPrompt: basePrompt + `
The file is Go. Follow standard Go style: gofmt layout, explicit error
returns, doc comments on exported identifiers.`,
	},
	"python": {
		name:        "python",
		commentLead: "#",
		systemPrompt: basePrompt + `
The file is Python. Follow PEP 8, use type hints, and prefer standard
library solutions unless the project clearly uses a framework.`,
	},
	"typescript": {
		name:        "typescript",
		commentLead: "//",
		systemPrompt: basePrompt + `
The file is TypeScript. Use strict typing, no implicit any, and match
modern ES module conventions.`,
	},
	"javascript": {
		name:        "javascript",
		commentLead: "//",
		systemPrompt: basePrompt + `
The file is JavaScript. Use ES modules and modern syntax.`,
	},
	"sql": {
		name:        "sql",
		commentLead: "--",
		systemPrompt: basePrompt + `
The file is SQL. Write portable statements and comment any
vendor-specific syntax.`,
	},
	"shell": {
		name:        "shell",
		commentLead: "#",
		systemPrompt: basePrompt + `
The file is a shell script. Start with a shebang, use set -euo pipefail,
and quote variable expansions.`,
	},
}

var genericProfile = languageProfile{
	name:         "generic",
	commentLead:  "#",
	systemPrompt: basePrompt,
}

var extToProfile = map[string]string{
	".go":   "go",
	".py":   "python",
	".ts":   "typescript",
	".tsx":  "typescript",
	".js":   "javascript",
	".jsx":  "javascript",
	".mjs":  "javascript",
	".sql":  "sql",
	".sh":   "shell",
	".bash": "shell",
}

// profileFor picks the language profile from the file extension.
func profileFor(path string) languageProfile {
	if name, ok := extToProfile[strings.ToLower(filepath.Ext(path))]; ok {
		return profiles[name]
	}
	return genericProfile
}

// stub produces a minimal placeholder when generation came back
// unusable, so the step still yields a reviewable artifact.
func (p languageProfile) stub(step plan.Step) string {
	intent := step.Intent
	if intent == "" {
		intent = step.Title
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s TODO: %s\n", p.commentLead, intent)
	if p.name == "go" {
		pkg := filepath.Base(filepath.Dir(step.Path))
		if pkg == "." || pkg == "/" || pkg == "" {
			pkg = "main"
		}
		fmt.Fprintf(&b, "package %s\n", sanitizeGoPackage(pkg))
	}
	return b.String()
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]`)

func sanitizeGoPackage(name string) string {
	name = nonAlnum.ReplaceAllString(strings.ToLower(name), "")
	if name == "" || name[0] >= '0' && name[0] <= '9' {
		return "main"
	}
	return name
}

// fencedBlock matches one fenced code block, tolerating a language tag.
var fencedBlock = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*[ \t]*\n(.*?)```")

// extractCode pulls file content out of a reasoning response. When
// the response contains fenced blocks the longest one wins, which
// copes with short illustrative snippets around the real content.
// Responses without fences are taken whole.
func extractCode(raw string) string {
	matches := fencedBlock.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return strings.TrimSpace(raw)
	}
	longest := ""
	for _, m := range matches {
		if len(m[1]) > len(longest) {
			longest = m[1]
		}
	}
	return strings.TrimRight(longest, "\n")
}
