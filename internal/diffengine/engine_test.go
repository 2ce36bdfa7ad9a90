package diffengine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	e, err := New(t.TempDir(), opts)
	require.NoError(t, err)
	return e
}

func writeWorkspaceFile(t *testing.T, e *Engine, rel, content string) {
	t.Helper()
	full := filepath.Join(e.Root(), rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func readWorkspaceFile(t *testing.T, e *Engine, rel string) string {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(e.Root(), rel))
	require.NoError(t, err)
	return string(raw)
}

func TestRoundTrip_ModifyThenRollbackRestoresOriginal(t *testing.T) {
	e := newTestEngine(t, Options{})
	writeWorkspaceFile(t, e, "src/app.go", "package app\n\nvar V = 1\n")

	d, err := e.CreateDiff("src/app.go", "package app\n\nvar V = 2\n", OpModify)
	require.NoError(t, err)
	require.NotNil(t, d.OriginalContent)
	assert.NotEqual(t, d.ChecksumBefore, d.ChecksumAfter)

	res, err := e.ApplyDiff(d, false)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, "package app\n\nvar V = 2\n", readWorkspaceFile(t, e, "src/app.go"))

	require.NoError(t, e.Rollback(d))
	assert.Equal(t, "package app\n\nvar V = 1\n", readWorkspaceFile(t, e, "src/app.go"))
	assert.False(t, d.Applied)
}

func TestRoundTrip_CreateThenRollbackRemovesFile(t *testing.T) {
	e := newTestEngine(t, Options{})

	d, err := e.CreateDiff("new/handler.go", "package handler\n", OpCreate)
	require.NoError(t, err)
	_, err = e.ApplyDiff(d, false)
	require.NoError(t, err)

	require.NoError(t, e.Rollback(d))
	_, statErr := os.Stat(filepath.Join(e.Root(), "new/handler.go"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRollback_FallsBackToBackupFile(t *testing.T) {
	e := newTestEngine(t, Options{})
	writeWorkspaceFile(t, e, "cfg.yaml", "a: 1\n")

	d, err := e.CreateDiff("cfg.yaml", "a: 2\n", OpModify)
	require.NoError(t, err)
	_, err = e.ApplyDiff(d, false)
	require.NoError(t, err)
	require.NotEmpty(t, d.BackupPath)

	// Simulate a diff that lost its in-memory original.
	d.OriginalContent = nil
	require.NoError(t, e.Rollback(d))
	assert.Equal(t, "a: 1\n", readWorkspaceFile(t, e, "cfg.yaml"))
}

func TestRollback_FailsWhenNothingToRestoreFrom(t *testing.T) {
	e := newTestEngine(t, Options{})
	writeWorkspaceFile(t, e, "cfg.yaml", "a: 1\n")

	d, err := e.CreateDiff("cfg.yaml", "a: 2\n", OpModify)
	require.NoError(t, err)
	_, err = e.ApplyDiff(d, false)
	require.NoError(t, err)

	d.OriginalContent = nil
	d.BackupPath = ""
	err = e.Rollback(d)
	var rbErr *RollbackError
	require.ErrorAs(t, err, &rbErr)
	assert.Equal(t, "cfg.yaml", rbErr.Path)
}

func TestApplyAll_AtomicOnFailure(t *testing.T) {
	e := newTestEngine(t, Options{MaxFileSize: 64})
	writeWorkspaceFile(t, e, "a.txt", "original a\n")

	good, err := e.CreateDiff("a.txt", "changed a\n", OpModify)
	require.NoError(t, err)
	tooBig, err := e.CreateDiff("b.txt", strings.Repeat("x", 128), OpCreate)
	require.NoError(t, err)

	batch, err := e.ApplyAll([]*Diff{good, tooBig}, false)
	require.ErrorIs(t, err, ErrFileTooLarge)
	assert.Equal(t, 1, batch.Failed)
	assert.Equal(t, 1, batch.RolledBack)
	assert.Equal(t, 0, batch.Applied)

	// Workspace must look exactly as it did before the cycle.
	assert.Equal(t, "original a\n", readWorkspaceFile(t, e, "a.txt"))
	_, statErr := os.Stat(filepath.Join(e.Root(), "b.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestApplyDiff_DryRunTouchesNothing(t *testing.T) {
	e := newTestEngine(t, Options{})
	writeWorkspaceFile(t, e, "a.txt", "before\n")

	d, err := e.CreateDiff("a.txt", "after\n", OpModify)
	require.NoError(t, err)

	res, err := e.ApplyDiff(d, true)
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.False(t, res.Applied)
	assert.False(t, d.Applied)
	assert.Equal(t, "before\n", readWorkspaceFile(t, e, "a.txt"))
}

func TestApplyDiff_IntegrityWarnProceeds(t *testing.T) {
	e := newTestEngine(t, Options{Integrity: IntegrityWarn})
	writeWorkspaceFile(t, e, "a.txt", "v1\n")

	d, err := e.CreateDiff("a.txt", "v2\n", OpModify)
	require.NoError(t, err)

	// Mutate the file underneath the cycle.
	writeWorkspaceFile(t, e, "a.txt", "sneaky edit\n")

	res, err := e.ApplyDiff(d, false)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.True(t, res.IntegrityWarning)
	assert.NotEmpty(t, res.Warnings)
	assert.Equal(t, "v2\n", readWorkspaceFile(t, e, "a.txt"))
}

func TestApplyDiff_IntegrityAbortFails(t *testing.T) {
	e := newTestEngine(t, Options{Integrity: IntegrityAbort})
	writeWorkspaceFile(t, e, "a.txt", "v1\n")

	d, err := e.CreateDiff("a.txt", "v2\n", OpModify)
	require.NoError(t, err)
	writeWorkspaceFile(t, e, "a.txt", "sneaky edit\n")

	_, err = e.ApplyDiff(d, false)
	require.ErrorIs(t, err, ErrIntegrityDrift)
	assert.Equal(t, "sneaky edit\n", readWorkspaceFile(t, e, "a.txt"))
}

func TestCreateDiff_ModifyMissingFileCoercesToCreate(t *testing.T) {
	e := newTestEngine(t, Options{})

	d, err := e.CreateDiff("ghost.go", "package ghost\n", OpModify)
	require.NoError(t, err)
	assert.Equal(t, OpCreate, d.Op)
	assert.Nil(t, d.OriginalContent)
	assert.Empty(t, d.ChecksumBefore)
}

func TestCreateDiff_RejectsPathEscape(t *testing.T) {
	e := newTestEngine(t, Options{})
	_, err := e.CreateDiff("../outside.txt", "x", OpCreate)
	require.ErrorIs(t, err, ErrOutsideRoot)
}

func TestBackupNamingAndCleanup(t *testing.T) {
	e := newTestEngine(t, Options{BackupRetention: time.Hour})
	writeWorkspaceFile(t, e, "main.go", "package main\n")

	d, err := e.CreateDiff("main.go", "package main // v2\n", OpModify)
	require.NoError(t, err)
	_, err = e.ApplyDiff(d, false)
	require.NoError(t, err)

	base := filepath.Base(d.BackupPath)
	assert.True(t, strings.HasPrefix(base, "main-"), "backup name carries the stem: %s", base)
	assert.True(t, strings.HasSuffix(base, ".bak"))
	raw, err := os.ReadFile(d.BackupPath)
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(raw))

	// Fresh backup survives cleanup.
	removed, err := e.CleanupBackups()
	require.NoError(t, err)
	assert.Zero(t, removed)

	// Aged-out backup is purged.
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(d.BackupPath, old, old))
	removed, err = e.CleanupBackups()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, statErr := os.Stat(d.BackupPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestLineChanges(t *testing.T) {
	adds, dels := lineChanges("a\nb\nc\n", "a\nB\nc\nd\n")
	assert.Equal(t, 2, adds)
	assert.Equal(t, 1, dels)

	adds, dels = lineChanges("", "one\ntwo\n")
	assert.Equal(t, 2, adds)
	assert.Zero(t, dels)
}

func TestPreviewText(t *testing.T) {
	orig := "hello\n"
	d := &Diff{Op: OpModify, Path: "greet.txt", OriginalContent: &orig, NewContent: "goodbye\n", Additions: 1, Deletions: 1}
	out := PreviewText(d)
	assert.Contains(t, out, "MODIFY")
	assert.Contains(t, out, "greet.txt")
	assert.Contains(t, out, "+1 / -1")
}

func TestPreviewHTML_SideBySide(t *testing.T) {
	orig := "left\nsame\n"
	d := &Diff{Op: OpModify, Path: "x", OriginalContent: &orig, NewContent: "right\nsame\n"}
	out := PreviewHTML(d)
	assert.Contains(t, out, "<table")
	assert.Contains(t, out, "Before")
	assert.Contains(t, out, "After")
	assert.Contains(t, out, `class="del"`)
	assert.Contains(t, out, `class="ins"`)
}

func TestPreviewHTML_EscapesContent(t *testing.T) {
	d := &Diff{Op: OpCreate, Path: "x", NewContent: "<script>alert(1)</script>\n"}
	out := PreviewHTML(d)
	assert.NotContains(t, out, "<script>")
	assert.Contains(t, out, "&lt;script&gt;")
}
