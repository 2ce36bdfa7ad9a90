package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seamlab/intentd/internal/action"
	"github.com/seamlab/intentd/internal/diffengine"
	"github.com/seamlab/intentd/internal/executor"
	"github.com/seamlab/intentd/internal/lessons"
	"github.com/seamlab/intentd/internal/planner"
	"github.com/seamlab/intentd/internal/reasoning"
	"github.com/seamlab/intentd/internal/reflector"
	"github.com/seamlab/intentd/internal/verifier"
)

const singleStepPlanJSON = `{
  "summary": "create hello",
  "steps": [
    {"number": 1, "title": "hello file", "action": "create", "path": "hello.go", "intent": "a hello program", "risk": "low"}
  ],
  "complexity": "low",
  "requires_approval": false
}`

const reflectionJSON = `{
  "summary": "clean run",
  "lessons_learned": [{"text": "small plans verify fast", "category": "quality", "severity": "info"}]
}`

const validGoResponse = "```go\npackage main\n\nfunc main() {}\n```"
const brokenGoResponse = "```go\npackage main\n\nfunc main( {\n```"

type testEnv struct {
	engine *Engine
	root   string
	store  *lessons.Store
}

func newTestEngine(t *testing.T, planClient, execClient, reflClient reasoning.Client) *testEnv {
	t.Helper()
	root := t.TempDir()

	de, err := diffengine.New(root, diffengine.Options{})
	require.NoError(t, err)
	store, err := lessons.Open(t.TempDir(), nil)
	require.NoError(t, err)

	pl, err := planner.New(planClient, store, nil)
	require.NoError(t, err)
	ex, err := executor.New(execClient, de, executor.Options{})
	require.NoError(t, err)
	ve, err := verifier.New(root, verifier.Options{})
	require.NoError(t, err)
	re, err := reflector.New(reflClient, store, nil)
	require.NoError(t, err)

	eng, err := New(Deps{
		Planner:    pl,
		Executor:   ex,
		Verifier:   ve,
		Reflector:  re,
		DiffEngine: de,
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	return &testEnv{engine: eng, root: root, store: store}
}

func TestSubmit_FullCycleCompletes(t *testing.T) {
	env := newTestEngine(t,
		reasoning.NewScriptedClient(reasoning.ScriptEntry{Response: singleStepPlanJSON}),
		reasoning.NewScriptedClient(reasoning.ScriptEntry{Response: validGoResponse}),
		reasoning.NewScriptedClient(reasoning.ScriptEntry{Response: reflectionJSON}),
	)

	a, err := env.engine.Submit(context.Background(), SubmitRequest{
		ProjectID:  "proj",
		Intent:     "create a hello program",
		Permission: action.PermissionAuto,
	})
	require.NoError(t, err)

	assert.Equal(t, action.StatusCompleted, a.Status)
	require.NotNil(t, a.Verification)
	assert.True(t, a.Verification.Passed)
	require.NotNil(t, a.Reflection)
	assert.FileExists(t, filepath.Join(env.root, "hello.go"))

	stored, err := env.store.ForProject("proj")
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestSubmit_VerificationFailureRollsBack(t *testing.T) {
	env := newTestEngine(t,
		reasoning.NewScriptedClient(reasoning.ScriptEntry{Response: singleStepPlanJSON}),
		reasoning.NewScriptedClient(reasoning.ScriptEntry{Response: brokenGoResponse}),
		reasoning.NewScriptedClient(reasoning.ScriptEntry{Response: reflectionJSON}),
	)

	a, err := env.engine.Submit(context.Background(), SubmitRequest{
		ProjectID:  "proj",
		Intent:     "create a hello program",
		Permission: action.PermissionAuto,
	})
	require.NoError(t, err)

	assert.Equal(t, action.StatusRolledBack, a.Status)
	assert.Equal(t, "verification failed", a.Error)
	require.NotNil(t, a.Verification)
	assert.False(t, a.Verification.Passed)
	// The broken file must be gone again.
	assert.NoFileExists(t, filepath.Join(env.root, "hello.go"))
}

func TestSubmit_TerminalStatusCountedOnce(t *testing.T) {
	env := newTestEngine(t,
		reasoning.NewScriptedClient(reasoning.ScriptEntry{Response: singleStepPlanJSON}),
		reasoning.NewScriptedClient(reasoning.ScriptEntry{Response: brokenGoResponse}),
		reasoning.NewScriptedClient(reasoning.ScriptEntry{Response: reflectionJSON}),
	)

	a, err := env.engine.Submit(context.Background(), SubmitRequest{
		ProjectID:  "proj",
		Intent:     "create a hello program",
		Permission: action.PermissionAuto,
	})
	require.NoError(t, err)
	require.Equal(t, action.StatusRolledBack, a.Status)

	// A rolled-back action lands in exactly one bucket.
	counts := env.engine.metrics.actionsTotal
	assert.Equal(t, 1.0, testutil.ToFloat64(counts.WithLabelValues(string(action.StatusRolledBack))))
	assert.Equal(t, 0.0, testutil.ToFloat64(counts.WithLabelValues(string(action.StatusFailed))))
	assert.Equal(t, 0.0, testutil.ToFloat64(counts.WithLabelValues(string(action.StatusCompleted))))
}

func TestSubmit_ModifyRollbackRestoresOriginal(t *testing.T) {
	planJSON := `{
	  "summary": "break main",
	  "steps": [{"number": 1, "title": "edit", "action": "modify", "path": "main.go", "risk": "low"}],
	  "complexity": "low"
	}`
	env := newTestEngine(t,
		reasoning.NewScriptedClient(reasoning.ScriptEntry{Response: planJSON}),
		reasoning.NewScriptedClient(reasoning.ScriptEntry{Response: brokenGoResponse}),
		reasoning.NewScriptedClient(reasoning.ScriptEntry{Response: reflectionJSON}),
	)

	original := "package main\n\nfunc main() {}\n"
	require.NoError(t, os.WriteFile(filepath.Join(env.root, "main.go"), []byte(original), 0o644))

	a, err := env.engine.Submit(context.Background(), SubmitRequest{
		ProjectID:  "proj",
		Intent:     "edit main",
		Permission: action.PermissionAuto,
	})
	require.NoError(t, err)

	assert.Equal(t, action.StatusRolledBack, a.Status)
	restored, err := os.ReadFile(filepath.Join(env.root, "main.go"))
	require.NoError(t, err)
	assert.Equal(t, original, string(restored))
}

func TestSubmit_ReviewPermissionPausesForApproval(t *testing.T) {
	env := newTestEngine(t,
		reasoning.NewScriptedClient(reasoning.ScriptEntry{Response: singleStepPlanJSON}),
		reasoning.NewScriptedClient(reasoning.ScriptEntry{Response: validGoResponse}),
		reasoning.NewScriptedClient(reasoning.ScriptEntry{Response: reflectionJSON}),
	)

	a, err := env.engine.Submit(context.Background(), SubmitRequest{
		ProjectID:  "proj",
		Intent:     "create a hello program",
		Permission: action.PermissionReview,
	})
	require.NoError(t, err)

	assert.Equal(t, action.StatusPending, a.Status)
	assert.True(t, a.RequiresApproval)
	require.NotNil(t, a.Plan)
	assert.NoFileExists(t, filepath.Join(env.root, "hello.go"))

	approved, err := env.engine.Approve(context.Background(), a.ID, SubmitRequest{})
	require.NoError(t, err)
	assert.Equal(t, action.StatusCompleted, approved.Status)
	assert.FileExists(t, filepath.Join(env.root, "hello.go"))
}

func TestReject_CancelsPendingAction(t *testing.T) {
	env := newTestEngine(t,
		reasoning.NewScriptedClient(reasoning.ScriptEntry{Response: singleStepPlanJSON}),
		reasoning.NewScriptedClient(),
		reasoning.NewScriptedClient(),
	)

	a, err := env.engine.Submit(context.Background(), SubmitRequest{
		ProjectID:  "proj",
		Intent:     "create a hello program",
		Permission: action.PermissionReview,
	})
	require.NoError(t, err)

	rejected, err := env.engine.Reject(a.ID)
	require.NoError(t, err)
	assert.Equal(t, action.StatusCancelled, rejected.Status)
	assert.NoFileExists(t, filepath.Join(env.root, "hello.go"))

	// A decided action cannot be decided again.
	_, err = env.engine.Approve(context.Background(), a.ID, SubmitRequest{})
	require.ErrorIs(t, err, ErrNotAwaitingReview)
}

func TestSubmit_PermissionNoneIsPlanOnly(t *testing.T) {
	env := newTestEngine(t,
		reasoning.NewScriptedClient(reasoning.ScriptEntry{Response: singleStepPlanJSON}),
		reasoning.NewScriptedClient(),
		reasoning.NewScriptedClient(),
	)

	a, err := env.engine.Submit(context.Background(), SubmitRequest{
		ProjectID:  "proj",
		Intent:     "create a hello program",
		Permission: action.PermissionNone,
	})
	require.NoError(t, err)

	assert.Equal(t, action.StatusPending, a.Status)
	assert.False(t, a.RequiresApproval)
	require.NotNil(t, a.Plan)
	assert.NoFileExists(t, filepath.Join(env.root, "hello.go"))
}

func TestSubmit_PlanDemandingApprovalOverridesAuto(t *testing.T) {
	deletePlan := `{
	  "summary": "remove legacy file",
	  "steps": [{"number": 1, "title": "drop", "action": "delete", "path": "legacy.go", "risk": "high"}],
	  "complexity": "low"
	}`
	env := newTestEngine(t,
		reasoning.NewScriptedClient(reasoning.ScriptEntry{Response: deletePlan}),
		reasoning.NewScriptedClient(),
		reasoning.NewScriptedClient(),
	)
	require.NoError(t, os.WriteFile(filepath.Join(env.root, "legacy.go"), []byte("package legacy\n"), 0o644))

	a, err := env.engine.Submit(context.Background(), SubmitRequest{
		ProjectID:  "proj",
		Intent:     "remove the legacy file",
		Permission: action.PermissionAuto,
	})
	require.NoError(t, err)

	assert.Equal(t, action.StatusPending, a.Status)
	assert.True(t, a.RequiresApproval)
	assert.FileExists(t, filepath.Join(env.root, "legacy.go"))
}

func TestSubmit_CancelledContext(t *testing.T) {
	env := newTestEngine(t,
		reasoning.NewScriptedClient(reasoning.ScriptEntry{Response: singleStepPlanJSON}),
		reasoning.NewScriptedClient(),
		reasoning.NewScriptedClient(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a, err := env.engine.Submit(ctx, SubmitRequest{
		ProjectID:  "proj",
		Intent:     "anything",
		Permission: action.PermissionAuto,
	})
	require.NoError(t, err)
	assert.Equal(t, action.StatusCancelled, a.Status)
}

func TestSubmit_DryRunSkipsVerification(t *testing.T) {
	env := newTestEngine(t,
		reasoning.NewScriptedClient(reasoning.ScriptEntry{Response: singleStepPlanJSON}),
		reasoning.NewScriptedClient(reasoning.ScriptEntry{Response: validGoResponse}),
		reasoning.NewScriptedClient(reasoning.ScriptEntry{Response: reflectionJSON}),
	)

	a, err := env.engine.Submit(context.Background(), SubmitRequest{
		ProjectID:  "proj",
		Intent:     "create a hello program",
		Permission: action.PermissionAuto,
		DryRun:     true,
	})
	require.NoError(t, err)

	assert.Equal(t, action.StatusCompleted, a.Status)
	assert.Nil(t, a.Verification)
	assert.NoFileExists(t, filepath.Join(env.root, "hello.go"))
}

func TestSnapshot_UnknownAction(t *testing.T) {
	env := newTestEngine(t,
		reasoning.NewScriptedClient(),
		reasoning.NewScriptedClient(),
		reasoning.NewScriptedClient(),
	)
	_, err := env.engine.Snapshot("nope")
	require.ErrorIs(t, err, ErrUnknownAction)
}
