package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// checkSyntax validates one file. Go, JSON, and YAML are parsed
// in-process; Python and JavaScript shell out to their interpreters
// when available. Unknown types and missing interpreters are skipped,
// not failed.
func (v *Verifier) checkSyntax(ctx context.Context, rel string) (ok, skipped bool, message string) {
	full := filepath.Join(v.root, rel)

	switch strings.ToLower(filepath.Ext(rel)) {
	case ".go":
		fset := token.NewFileSet()
		if _, err := parser.ParseFile(fset, full, nil, parser.AllErrors); err != nil {
			return false, false, err.Error()
		}
		return true, false, ""

	case ".json":
		raw, err := os.ReadFile(full)
		if err != nil {
			return false, false, err.Error()
		}
		if !json.Valid(raw) {
			return false, false, "invalid JSON"
		}
		return true, false, ""

	case ".yaml", ".yml":
		raw, err := os.ReadFile(full)
		if err != nil {
			return false, false, err.Error()
		}
		var out any
		if err := yaml.Unmarshal(raw, &out); err != nil {
			return false, false, err.Error()
		}
		return true, false, ""

	case ".py":
		if !lookTool("python3") {
			return true, true, "python3 not available"
		}
		res, err := runCommand(ctx, v.timeout, v.root, "python3", "-c",
			"import ast, sys\nast.parse(open(sys.argv[1]).read(), sys.argv[1])", rel)
		if err != nil {
			return true, true, fmt.Sprintf("python3 failed to start: %v", err)
		}
		if res.ExitCode != 0 {
			return false, false, res.Output
		}
		return true, false, ""

	case ".js", ".mjs", ".cjs":
		if !lookTool("node") {
			return true, true, "node not available"
		}
		res, err := runCommand(ctx, v.timeout, v.root, "node", "--check", rel)
		if err != nil {
			return true, true, fmt.Sprintf("node failed to start: %v", err)
		}
		if res.ExitCode != 0 {
			return false, false, res.Output
		}
		return true, false, ""

	default:
		// TypeScript has no standalone syntax checker; tsc covers it in
		// the type-check stage. Everything else has no checker at all.
		return true, true, "no syntax checker for this file type"
	}
}
