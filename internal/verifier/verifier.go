// Package verifier checks applied changes with real tooling: per-file
// syntax validation, project linters when they are configured, and the
// project's own test suite. Tools that are not installed or not
// configured are skipped, never failed.
package verifier

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds any single verification subprocess.
const DefaultTimeout = 5 * time.Minute

// ErrNoRoot is returned by New when the workspace root is missing.
var ErrNoRoot = errors.New("verifier requires a workspace root")

// Violation is one tool finding tied to a location.
type Violation struct {
	File    string `json:"file"`
	Line    int    `json:"line,omitempty"`
	Message string `json:"message"`
	Tool    string `json:"tool"`
}

// CheckResult is the outcome of one verification category.
type CheckResult struct {
	Ran      bool          `json:"ran"`
	Passed   bool          `json:"passed"`
	Skipped  int           `json:"skipped,omitempty"`
	Output   string        `json:"output,omitempty"`
	Duration time.Duration `json:"duration"`
}

// TestCounts breaks the test run down. Skipped is tracked apart from
// Failed: a skipped test never fails the category.
type TestCounts struct {
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Report is the combined verification outcome.
type Report struct {
	Passed bool `json:"passed"`

	Syntax    CheckResult `json:"syntax"`
	Lint      CheckResult `json:"lint"`
	TypeCheck CheckResult `json:"type_check"`
	Tests     CheckResult `json:"tests"`

	Violations []Violation `json:"violations,omitempty"`

	// TestCounts holds per-test tallies parsed from the runner output.
	TestCounts TestCounts `json:"test_counts"`

	// Coverage is the test coverage percentage when the runner
	// reported one; negative means unknown.
	Coverage float64 `json:"coverage"`
}

// Options configures a Verifier.
type Options struct {
	Timeout time.Duration
	Logger  *zap.Logger
}

// Verifier runs verification against a workspace.
type Verifier struct {
	root    string
	timeout time.Duration
	logger  *zap.Logger
}

// New constructs a verifier rooted at the workspace directory.
func New(root string, opts Options) (*Verifier, error) {
	if root == "" {
		return nil, ErrNoRoot
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Verifier{
		root:    root,
		timeout: opts.Timeout,
		logger:  opts.Logger.Named("verifier"),
	}, nil
}

// Verify checks the given changed files (workspace-relative) and the
// project around them. The report is returned even when checks fail;
// the error is reserved for the verifier's own malfunctions.
func (v *Verifier) Verify(ctx context.Context, changedFiles []string) (*Report, error) {
	report := &Report{Coverage: -1}

	report.Syntax = v.verifySyntax(ctx, changedFiles, report)
	report.Lint = v.verifyLint(ctx, report)
	report.TypeCheck = v.verifyTypeCheck(ctx, report)
	report.Tests = v.verifyTests(ctx, report)

	report.Passed = report.Syntax.Passed && report.Lint.Passed &&
		report.TypeCheck.Passed && report.Tests.Passed

	v.logger.Info("verification finished",
		zap.Bool("passed", report.Passed),
		zap.Bool("syntax", report.Syntax.Passed),
		zap.Bool("lint", report.Lint.Passed),
		zap.Bool("type_check", report.TypeCheck.Passed),
		zap.Bool("tests", report.Tests.Passed),
		zap.Int("tests_passed", report.TestCounts.Passed),
		zap.Int("tests_failed", report.TestCounts.Failed),
		zap.Int("tests_skipped", report.TestCounts.Skipped),
		zap.Int("violations", len(report.Violations)),
		zap.Float64("coverage", report.Coverage))
	return report, nil
}

// verifySyntax checks changed files concurrently.
func (v *Verifier) verifySyntax(ctx context.Context, files []string, report *Report) CheckResult {
	start := time.Now()
	result := CheckResult{Ran: true, Passed: true}
	if len(files) == 0 {
		result.Duration = time.Since(start)
		return result
	}

	type finding struct {
		file    string
		ok      bool
		skipped bool
		message string
	}
	findings := make([]finding, len(files))

	var wg sync.WaitGroup
	for i, rel := range files {
		wg.Add(1)
		go func(i int, rel string) {
			defer wg.Done()
			ok, skipped, msg := v.checkSyntax(ctx, rel)
			findings[i] = finding{file: rel, ok: ok, skipped: skipped, message: msg}
		}(i, rel)
	}
	wg.Wait()

	for _, f := range findings {
		if f.skipped {
			result.Skipped++
			continue
		}
		if !f.ok {
			result.Passed = false
			report.Violations = append(report.Violations, parseViolations(f.file, f.message, "syntax")...)
		}
	}
	result.Duration = time.Since(start)
	return result
}

// verifyLint runs whichever linters the project has configured.
// No configured linter means the category passes vacuously.
func (v *Verifier) verifyLint(ctx context.Context, report *Report) CheckResult {
	start := time.Now()
	result := CheckResult{Passed: true}

	type linter struct {
		tool       string
		configured bool
		args       []string
	}
	linters := []linter{
		{"golangci-lint", v.hasAny(".golangci.yml", ".golangci.yaml", ".golangci.toml"), []string{"run", "--timeout", v.timeout.String()}},
		{"ruff", v.hasAny("ruff.toml", ".ruff.toml") || v.pyprojectHas("ruff"), []string{"check", "."}},
		{"eslint", v.hasAny(".eslintrc", ".eslintrc.js", ".eslintrc.json", ".eslintrc.yml", "eslint.config.js", "eslint.config.mjs"), []string{"."}},
	}

	var outputs []string
	for _, l := range linters {
		if !l.configured || !lookTool(l.tool) {
			continue
		}
		result.Ran = true
		res, err := runCommand(ctx, v.timeout, v.root, l.tool, l.args...)
		if err != nil {
			v.logger.Warn("linter failed to start", zap.String("tool", l.tool), zap.Error(err))
			continue
		}
		outputs = append(outputs, res.Output)
		if res.TimedOut {
			result.Passed = false
			report.Violations = append(report.Violations, Violation{Message: "linter timed out", Tool: l.tool})
			continue
		}
		if res.ExitCode != 0 {
			result.Passed = false
			report.Violations = append(report.Violations, parseViolations("", res.Output, l.tool)...)
		}
	}

	result.Output = truncateOutput(strings.Join(outputs, "\n"))
	result.Duration = time.Since(start)
	return result
}

// verifyTypeCheck runs the TypeScript compiler when the project has a
// tsconfig. Projects without one pass vacuously. Type failures are a
// category of their own so they are never mistaken for lint findings.
func (v *Verifier) verifyTypeCheck(ctx context.Context, report *Report) CheckResult {
	start := time.Now()
	result := CheckResult{Passed: true}

	if !v.hasAny("tsconfig.json") || !lookTool("tsc") {
		result.Duration = time.Since(start)
		return result
	}

	res, err := runCommand(ctx, v.timeout, v.root, "tsc", "--noEmit")
	if err != nil {
		v.logger.Warn("type checker failed to start", zap.Error(err))
		result.Duration = time.Since(start)
		return result
	}
	result.Ran = true
	result.Output = res.Output
	result.Duration = time.Since(start)
	switch {
	case res.TimedOut:
		result.Passed = false
		report.Violations = append(report.Violations, Violation{Message: "type check timed out", Tool: "tsc"})
	case res.ExitCode != 0:
		result.Passed = false
		report.Violations = append(report.Violations, parseViolations("", res.Output, "tsc")...)
	}
	return result
}

// verifyTests detects the project's test runner and executes it.
// A project with no tests passes; this is deliberate so greenfield
// work is not blocked by an empty suite.
func (v *Verifier) verifyTests(ctx context.Context, report *Report) (result CheckResult) {
	start := time.Now()
	result = CheckResult{Passed: true}
	defer func() { result.Duration = time.Since(start) }()

	switch {
	case v.hasAny("go.mod") && lookTool("go"):
		res, err := runCommand(ctx, v.timeout, v.root, "go", "test", "-cover", "./...")
		if err != nil {
			return result
		}
		result.Ran = true
		result.Output = res.Output
		result.Passed = res.ExitCode == 0 || goOutputIsNoTests(res.Output)
		if res.TimedOut {
			result.Passed = false
		}
		report.TestCounts = parseGoTestCounts(res.Output)
		result.Skipped = report.TestCounts.Skipped
		report.Coverage = maxCoverage(goCoverageRe, res.Output, report.Coverage)

	case v.hasPytestProject() && lookTool("pytest"):
		res, err := runCommand(ctx, v.timeout, v.root, "pytest", "--tb=short", "-q")
		if err != nil {
			return result
		}
		result.Ran = true
		result.Output = res.Output
		// Exit 5 is pytest's "no tests collected".
		result.Passed = res.ExitCode == 0 || res.ExitCode == 5
		if res.TimedOut {
			result.Passed = false
		}
		report.TestCounts = parsePytestCounts(res.Output)
		result.Skipped = report.TestCounts.Skipped
		report.Coverage = maxCoverage(pytestCoverageRe, res.Output, report.Coverage)

	case v.packageJSONHasTest() && lookTool("npm"):
		res, err := runCommand(ctx, v.timeout, v.root, "npm", "test", "--silent")
		if err != nil {
			return result
		}
		result.Ran = true
		result.Output = res.Output
		result.Passed = res.ExitCode == 0 && !res.TimedOut
	}

	if result.Ran && !result.Passed {
		report.Violations = append(report.Violations, Violation{Message: "test suite failed", Tool: "tests"})
	}
	return result
}

var (
	goCoverageRe     = regexp.MustCompile(`coverage: (\d+(?:\.\d+)?)% of statements`)
	pytestCoverageRe = regexp.MustCompile(`TOTAL\s+\d+\s+\d+\s+(\d+)%`)

	// locationRe matches "path:line[:col]: message" tool output.
	locationRe = regexp.MustCompile(`^([^\s:]+):(\d+)(?::\d+)?:\s*(.+)$`)

	// Pytest's summary line: "3 passed, 1 failed, 2 skipped in 0.12s".
	pytestPassedRe  = regexp.MustCompile(`(\d+) passed`)
	pytestFailedRe  = regexp.MustCompile(`(\d+) failed`)
	pytestSkippedRe = regexp.MustCompile(`(\d+) skipped`)
	pytestErrorRe   = regexp.MustCompile(`(\d+) error`)

	goFailPackageRe = regexp.MustCompile(`^FAIL\s+\S+`)
)

// parseGoTestCounts tallies a non-verbose go test run: passing
// packages count as passed, per-test FAIL/SKIP markers as failed and
// skipped. When no per-test failures surfaced, failing package lines
// stand in for the failed count.
func parseGoTestCounts(output string) TestCounts {
	var c TestCounts
	failedPackages := 0
	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "ok ") || strings.HasPrefix(line, "ok\t"):
			c.Passed++
		case strings.HasPrefix(line, "--- FAIL:"):
			c.Failed++
		case strings.HasPrefix(line, "--- SKIP:"):
			c.Skipped++
		case goFailPackageRe.MatchString(line):
			failedPackages++
		}
	}
	if c.Failed == 0 {
		c.Failed = failedPackages
	}
	return c
}

// parsePytestCounts reads pytest's trailing summary; collection
// errors count as failures.
func parsePytestCounts(output string) TestCounts {
	last := func(re *regexp.Regexp) int {
		matches := re.FindAllStringSubmatch(output, -1)
		if len(matches) == 0 {
			return 0
		}
		n, err := strconv.Atoi(matches[len(matches)-1][1])
		if err != nil {
			return 0
		}
		return n
	}
	return TestCounts{
		Passed:  last(pytestPassedRe),
		Failed:  last(pytestFailedRe) + last(pytestErrorRe),
		Skipped: last(pytestSkippedRe),
	}
}

// goOutputIsNoTests reports whether every package line was a
// "no test files" notice.
func goOutputIsNoTests(output string) bool {
	sawAny := false
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		sawAny = true
		if !strings.Contains(line, "no test files") && !strings.HasPrefix(line, "ok") {
			return false
		}
	}
	return sawAny
}

// maxCoverage scans output for coverage figures and keeps the highest
// seen so far.
func maxCoverage(re *regexp.Regexp, output string, current float64) float64 {
	for _, m := range re.FindAllStringSubmatch(output, -1) {
		if pct, err := strconv.ParseFloat(m[1], 64); err == nil && pct > current {
			current = pct
		}
	}
	return current
}

// parseViolations extracts located findings from tool output. Lines
// without a recognizable location collapse into one summary violation.
func parseViolations(fallbackFile, output, tool string) []Violation {
	var out []Violation
	var unlocated []string
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if m := locationRe.FindStringSubmatch(line); m != nil {
			lineNo, _ := strconv.Atoi(m[2])
			out = append(out, Violation{File: m[1], Line: lineNo, Message: m[3], Tool: tool})
			continue
		}
		unlocated = append(unlocated, line)
	}
	if len(out) == 0 && len(unlocated) > 0 {
		out = append(out, Violation{
			File:    fallbackFile,
			Message: truncateOutput(strings.Join(unlocated, " | ")),
			Tool:    tool,
		})
	}
	return out
}

func (v *Verifier) hasAny(names ...string) bool {
	for _, name := range names {
		if _, err := os.Stat(filepath.Join(v.root, name)); err == nil {
			return true
		}
	}
	return false
}

// hasPytestProject detects the usual pytest project markers.
func (v *Verifier) hasPytestProject() bool {
	if v.hasAny("pytest.ini", "conftest.py", "setup.cfg", "tox.ini") {
		return true
	}
	return v.pyprojectHas("pytest")
}

func (v *Verifier) pyprojectHas(tool string) bool {
	raw, err := os.ReadFile(filepath.Join(v.root, "pyproject.toml"))
	if err != nil {
		return false
	}
	return strings.Contains(string(raw), "[tool."+tool)
}

// packageJSONHasTest reports whether package.json declares a real test
// script.
func (v *Verifier) packageJSONHasTest() bool {
	raw, err := os.ReadFile(filepath.Join(v.root, "package.json"))
	if err != nil {
		return false
	}
	content := string(raw)
	if !strings.Contains(content, `"test"`) {
		return false
	}
	// npm's default placeholder script only echoes an error.
	return !strings.Contains(content, "no test specified")
}
