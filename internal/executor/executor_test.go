package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seamlab/intentd/internal/diffengine"
	"github.com/seamlab/intentd/internal/plan"
	"github.com/seamlab/intentd/internal/reasoning"
)

func newTestExecutor(t *testing.T, client reasoning.Client) (*Executor, *diffengine.Engine) {
	t.Helper()
	engine, err := diffengine.New(t.TempDir(), diffengine.Options{})
	require.NoError(t, err)
	x, err := New(client, engine, Options{Concurrency: 2})
	require.NoError(t, err)
	return x, engine
}

func goResponse(body string) string {
	return "Here is the file:\n```go\n" + body + "\n```\n"
}

func TestNew_Validation(t *testing.T) {
	engine, err := diffengine.New(t.TempDir(), diffengine.Options{})
	require.NoError(t, err)

	_, err = New(nil, engine, Options{})
	require.ErrorIs(t, err, ErrNoClient)
	_, err = New(reasoning.NewScriptedClient(), nil, Options{})
	require.ErrorIs(t, err, ErrNoEngine)
}

func TestExecute_CreatesAndModifies(t *testing.T) {
	client := reasoning.NewScriptedClient(
		reasoning.ScriptEntry{Response: goResponse("package alpha\n\nfunc Alpha() int { return 1 }")},
	)
	x, engine := newTestExecutor(t, client)

	existing := filepath.Join(engine.Root(), "main.go")
	require.NoError(t, os.WriteFile(existing, []byte("package main\n"), 0o644))

	pl := &plan.Plan{
		Summary: "add alpha package",
		Steps: []plan.Step{
			{Number: 1, Title: "create alpha", Action: plan.ActionCreate, Path: "alpha/alpha.go", Intent: "alpha helpers"},
			{Number: 2, Title: "wire main", Action: plan.ActionModify, Path: "main.go", DependsOn: []int{1}, Intent: "use alpha"},
		},
	}
	require.NoError(t, pl.Normalize())

	res, err := x.Execute(context.Background(), Request{
		ProjectID: "proj",
		Plan:      pl,
		Files:     map[string]string{"main.go": "package main\n"},
	})
	require.NoError(t, err)

	assert.True(t, res.Completed)
	assert.Equal(t, []string{"alpha/alpha.go"}, res.FilesCreated)
	assert.Equal(t, []string{"main.go"}, res.FilesModified)
	assert.Equal(t, 2, client.Calls())

	created, err := os.ReadFile(filepath.Join(engine.Root(), "alpha", "alpha.go"))
	require.NoError(t, err)
	assert.Contains(t, string(created), "package alpha")
}

func TestExecute_DeleteSkipsGeneration(t *testing.T) {
	client := reasoning.NewScriptedClient()
	x, engine := newTestExecutor(t, client)

	target := filepath.Join(engine.Root(), "old.go")
	require.NoError(t, os.WriteFile(target, []byte("package old\n"), 0o644))

	pl := &plan.Plan{Steps: []plan.Step{
		{Number: 1, Title: "drop old", Action: plan.ActionDelete, Path: "old.go"},
	}}
	require.NoError(t, pl.Normalize())

	res, err := x.Execute(context.Background(), Request{Plan: pl})
	require.NoError(t, err)

	assert.Equal(t, []string{"old.go"}, res.FilesDeleted)
	assert.Zero(t, client.Calls())
	assert.NoFileExists(t, target)
}

func TestExecute_FailedStepAppliesNothing(t *testing.T) {
	boom := errors.New("service unavailable")
	client := reasoning.NewScriptedClient(reasoning.ScriptEntry{Err: boom})
	x, engine := newTestExecutor(t, client)

	pl := &plan.Plan{Steps: []plan.Step{
		{Number: 1, Title: "new file", Action: plan.ActionCreate, Path: "new.go"},
	}}
	require.NoError(t, pl.Normalize())

	_, err := x.Execute(context.Background(), Request{Plan: pl})
	var xerr *ExecutionError
	require.ErrorAs(t, err, &xerr)
	require.Len(t, xerr.Steps, 1)
	assert.ErrorIs(t, xerr.Steps[0].Err, boom)
	assert.NoFileExists(t, filepath.Join(engine.Root(), "new.go"))
}

func TestExecute_DependentOnFailedStepReported(t *testing.T) {
	client := reasoning.NewScriptedClient(reasoning.ScriptEntry{Err: errors.New("down")})
	x, _ := newTestExecutor(t, client)

	pl := &plan.Plan{Steps: []plan.Step{
		{Number: 1, Title: "base", Action: plan.ActionCreate, Path: "base.go"},
		{Number: 2, Title: "uses base", Action: plan.ActionModify, Path: "user.go", DependsOn: []int{1}},
	}}
	require.NoError(t, pl.Normalize())

	_, err := x.Execute(context.Background(), Request{Plan: pl})
	var xerr *ExecutionError
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, 1, xerr.Steps[0].StepNumber)
}

func TestExecute_ShortResponseGetsStub(t *testing.T) {
	client := reasoning.NewScriptedClient(reasoning.ScriptEntry{Response: "ok"})
	x, engine := newTestExecutor(t, client)

	pl := &plan.Plan{Steps: []plan.Step{
		{Number: 1, Title: "helpers", Action: plan.ActionCreate, Path: "util/helpers.go", Intent: "string helpers"},
	}}
	require.NoError(t, pl.Normalize())

	res, err := x.Execute(context.Background(), Request{Plan: pl})
	require.NoError(t, err)
	assert.Equal(t, []string{"util/helpers.go"}, res.Stubbed)

	content, err := os.ReadFile(filepath.Join(engine.Root(), "util", "helpers.go"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "// TODO: string helpers")
	assert.Contains(t, string(content), "package util")
}

func TestExecute_DryRunTouchesNothing(t *testing.T) {
	client := reasoning.NewScriptedClient(reasoning.ScriptEntry{Response: goResponse("package dry\n")})
	x, engine := newTestExecutor(t, client)

	pl := &plan.Plan{Steps: []plan.Step{
		{Number: 1, Title: "file", Action: plan.ActionCreate, Path: "dry.go"},
	}}
	require.NoError(t, pl.Normalize())

	res, err := x.Execute(context.Background(), Request{Plan: pl, DryRun: true})
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.NoFileExists(t, filepath.Join(engine.Root(), "dry.go"))
}

func TestExtractCode(t *testing.T) {
	t.Run("longest fence wins", func(t *testing.T) {
		raw := "Short example:\n```go\nx := 1\n```\nFull file:\n```go\npackage main\n\nfunc main() {}\n```\n"
		assert.Equal(t, "package main\n\nfunc main() {}", extractCode(raw))
	})

	t.Run("mislabeled fence still extracted", func(t *testing.T) {
		raw := "```python\npackage main\n```"
		assert.Equal(t, "package main", extractCode(raw))
	})

	t.Run("no fence takes whole response", func(t *testing.T) {
		assert.Equal(t, "package main", extractCode("  package main\n"))
	})
}

func TestTrimMiddle(t *testing.T) {
	s := strings.Repeat("a", 100) + strings.Repeat("z", 100)
	trimmed := trimMiddle(s, 20, 10)
	assert.True(t, strings.HasPrefix(trimmed, strings.Repeat("a", 20)))
	assert.True(t, strings.HasSuffix(trimmed, strings.Repeat("z", 10)))
	assert.Contains(t, trimmed, "[middle elided]")

	assert.Equal(t, "small", trimMiddle("small", 20, 10))
}

func TestProfileFor(t *testing.T) {
	assert.Equal(t, "go", profileFor("cmd/main.go").name)
	assert.Equal(t, "python", profileFor("scripts/run.py").name)
	assert.Equal(t, "typescript", profileFor("web/app.tsx").name)
	assert.Equal(t, "shell", profileFor("deploy.sh").name)
	assert.Equal(t, "generic", profileFor("README.md").name)
}
