// Package diffengine provides atomic, reversible file mutations for a
// single workspace. Every write is checksummed, backed up, and
// serialized through one engine-wide lock so concurrent step execution
// cannot interleave partial writes.
package diffengine

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
	"go.uber.org/zap"
)

// IntegrityPolicy decides what happens when the on-disk file no longer
// matches the checksum recorded at diff creation time.
type IntegrityPolicy string

const (
	// IntegrityWarn proceeds with the write and flags a warning on the
	// result. Favors forward progress with visibility.
	IntegrityWarn IntegrityPolicy = "warn"

	// IntegrityAbort fails the apply instead.
	IntegrityAbort IntegrityPolicy = "abort"
)

const (
	// DefaultMaxFileSize is the write ceiling. Guards against runaway
	// generations corrupting the workspace.
	DefaultMaxFileSize = 5 * 1024 * 1024

	// DefaultBackupRetention is how long backup artifacts are kept
	// before CleanupBackups may purge them.
	DefaultBackupRetention = 7 * 24 * time.Hour

	// largeChangeLines triggers an advisory warning, not a rejection.
	largeChangeLines = 500

	backupSuffix = ".bak"
)

// Sentinel errors.
var (
	ErrFileTooLarge   = errors.New("new content exceeds the size ceiling")
	ErrIntegrityDrift = errors.New("file changed on disk since the diff was created")
	ErrOutsideRoot    = errors.New("path escapes the workspace root")
)

// Options configures an Engine.
type Options struct {
	// MaxFileSize is the write ceiling in bytes. Zero means default.
	MaxFileSize int

	// BackupRetention bounds CleanupBackups. Zero means default.
	BackupRetention time.Duration

	// Integrity selects the checksum-drift policy. Empty means warn.
	Integrity IntegrityPolicy

	Logger *zap.Logger
}

// Engine applies and reverses diffs against one workspace root.
//
// All filesystem writes, and the reads backing checksum verification
// and backups, go through a single mutex. The lock scope is this
// engine instance only; it does not coordinate across processes.
type Engine struct {
	root      string
	maxSize   int
	retention time.Duration
	policy    IntegrityPolicy
	logger    *zap.Logger

	mu sync.Mutex
}

// New creates an engine rooted at the given workspace directory.
func New(root string, opts Options) (*Engine, error) {
	if root == "" {
		return nil, errors.New("workspace root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if opts.BackupRetention <= 0 {
		opts.BackupRetention = DefaultBackupRetention
	}
	if opts.Integrity == "" {
		opts.Integrity = IntegrityWarn
	}
	if opts.Integrity != IntegrityWarn && opts.Integrity != IntegrityAbort {
		return nil, fmt.Errorf("unknown integrity policy %q", opts.Integrity)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{
		root:      abs,
		maxSize:   opts.MaxFileSize,
		retention: opts.BackupRetention,
		policy:    opts.Integrity,
		logger:    opts.Logger.Named("diffengine"),
	}, nil
}

// Root returns the absolute workspace root.
func (e *Engine) Root() string { return e.root }

// CreateDiff builds a Diff without touching the filesystem beyond
// reading the current file content.
//
// A modify against a missing file is coerced to create. Delete records
// the current content so the removal stays reversible.
func (e *Engine) CreateDiff(path string, newContent string, op Op) (*Diff, error) {
	full, err := e.resolve(path)
	if err != nil {
		return nil, err
	}

	var original *string
	if op == OpModify || op == OpDelete {
		raw, err := os.ReadFile(full)
		switch {
		case err == nil:
			s := string(raw)
			original = &s
		case errors.Is(err, fs.ErrNotExist) && op == OpModify:
			e.logger.Warn("modify target missing, treating as create", zap.String("path", path))
			op = OpCreate
		case errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("delete target %s does not exist", path)
		default:
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	d := &Diff{
		Op:         op,
		Path:       path,
		NewContent: newContent,
	}
	if original != nil {
		d.OriginalContent = original
		d.ChecksumBefore = checksum(*original)
	}
	if op != OpDelete {
		d.ChecksumAfter = checksum(newContent)
	}
	d.Additions, d.Deletions = lineChanges(deref(original), effectiveContent(d))

	return d, nil
}

// ApplyDiff writes one diff to disk.
//
// With dryRun the same result shape is computed and returned without
// any filesystem mutation. On-disk drift from ChecksumBefore is
// handled per the engine's integrity policy.
func (e *Engine) ApplyDiff(d *Diff, dryRun bool) (ApplyResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applyLocked(d, dryRun)
}

func (e *Engine) applyLocked(d *Diff, dryRun bool) (ApplyResult, error) {
	res := ApplyResult{Path: d.Path, DryRun: dryRun}

	full, err := e.resolve(d.Path)
	if err != nil {
		return res, err
	}

	if d.Op != OpDelete && len(d.NewContent) > e.maxSize {
		return res, fmt.Errorf("%s: %d bytes: %w", d.Path, len(d.NewContent), ErrFileTooLarge)
	}
	if total := d.Additions + d.Deletions; total > largeChangeLines {
		res.Warnings = append(res.Warnings, fmt.Sprintf("large change: %d lines in %s", total, d.Path))
	}

	// Recompute the on-disk checksum right before writing. A mismatch
	// means the file changed underneath the cycle.
	if d.ChecksumBefore != "" {
		raw, err := os.ReadFile(full)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return res, fmt.Errorf("reading %s: %w", d.Path, err)
		}
		current := ""
		if err == nil {
			current = checksum(string(raw))
		}
		if current != d.ChecksumBefore {
			if e.policy == IntegrityAbort {
				return res, fmt.Errorf("%s: %w", d.Path, ErrIntegrityDrift)
			}
			res.IntegrityWarning = true
			res.Warnings = append(res.Warnings, fmt.Sprintf("integrity: %s changed since the diff was created", d.Path))
			e.logger.Warn("integrity drift, proceeding per policy", zap.String("path", d.Path))
		}
	}

	if dryRun {
		return res, nil
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return res, fmt.Errorf("creating parent directory for %s: %w", d.Path, err)
	}

	// Snapshot the existing file before any destructive write.
	if d.Op == OpModify || d.Op == OpDelete {
		backup, err := e.snapshotLocked(full)
		if err != nil {
			return res, fmt.Errorf("backing up %s: %w", d.Path, err)
		}
		d.BackupPath = backup
	}

	switch d.Op {
	case OpCreate, OpModify:
		if err := os.WriteFile(full, []byte(d.NewContent), 0o644); err != nil {
			return res, fmt.Errorf("writing %s: %w", d.Path, err)
		}
	case OpDelete:
		if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return res, fmt.Errorf("deleting %s: %w", d.Path, err)
		}
	default:
		return res, fmt.Errorf("unknown diff op %q", d.Op)
	}

	d.Applied = true
	d.AppliedAt = time.Now().UTC()
	res.Applied = true

	e.logger.Info("diff applied",
		zap.String("op", string(d.Op)),
		zap.String("path", d.Path),
		zap.Int("additions", d.Additions),
		zap.Int("deletions", d.Deletions))
	return res, nil
}

// ApplyAll applies a diff set in order, stopping on the first failure
// and rolling back everything already applied. The returned error is
// nil only when every diff applied cleanly.
func (e *Engine) ApplyAll(diffs []*Diff, dryRun bool) (*BatchResult, error) {
	batch := &BatchResult{}
	var applied []*Diff
	var failure error

	for _, d := range diffs {
		res, err := e.ApplyDiff(d, dryRun)
		batch.Results = append(batch.Results, res)
		if err != nil {
			batch.Failed++
			failure = fmt.Errorf("applying %s: %w", d.Path, err)
			break
		}
		batch.Applied++
		if !dryRun {
			applied = append(applied, d)
		}
	}

	if failure != nil && len(applied) > 0 {
		e.logger.Warn("apply failed, rolling back batch", zap.Int("applied", len(applied)))
		rb := e.RollbackAll(applied)
		batch.RolledBack = rb.RolledBack
		batch.Applied -= rb.RolledBack
	}
	return batch, failure
}

// Rollback reverses one applied diff: original content first, backup
// file second, failure when neither is available.
func (e *Engine) Rollback(d *Diff) error {
	if !d.Applied {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	full, err := e.resolve(d.Path)
	if err != nil {
		return err
	}

	switch d.Op {
	case OpCreate:
		if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return &RollbackError{Path: d.Path, Err: err}
		}
	case OpModify, OpDelete:
		switch {
		case d.OriginalContent != nil:
			if err := os.WriteFile(full, []byte(*d.OriginalContent), 0o644); err != nil {
				return &RollbackError{Path: d.Path, Err: err}
			}
		case d.BackupPath != "":
			raw, err := os.ReadFile(d.BackupPath)
			if err != nil {
				return &RollbackError{Path: d.Path, Err: err}
			}
			if err := os.WriteFile(full, raw, 0o644); err != nil {
				return &RollbackError{Path: d.Path, Err: err}
			}
		default:
			return &RollbackError{Path: d.Path}
		}
	}

	d.Applied = false
	e.logger.Info("diff rolled back", zap.String("op", string(d.Op)), zap.String("path", d.Path))
	return nil
}

// RollbackAll reverses a diff set in reverse application order.
// Individual failures are counted, not fatal, so the rest of the set
// still gets restored.
func (e *Engine) RollbackAll(diffs []*Diff) RollbackResult {
	res := RollbackResult{Total: len(diffs)}
	for i := len(diffs) - 1; i >= 0; i-- {
		if err := e.Rollback(diffs[i]); err != nil {
			res.Failed++
			e.logger.Error("rollback failed", zap.String("path", diffs[i].Path), zap.Error(err))
			continue
		}
		res.RolledBack++
	}
	return res
}

// CleanupBackups removes backup artifacts older than the retention
// window and returns how many were deleted. Purging is explicit; the
// engine never expires backups on its own.
func (e *Engine) CleanupBackups() (int, error) {
	cutoff := time.Now().Add(-e.retention)
	removed := 0
	err := filepath.WalkDir(e.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), backupSuffix) {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
		return nil
	})
	if removed > 0 {
		e.logger.Info("backups purged", zap.Int("count", removed))
	}
	return removed, err
}

// snapshotLocked copies an existing file to a uniquely named backup
// beside it: <stem>-<contenthash8>-<microtimestamp>.bak. Stem hash and
// microsecond timestamp together make collisions across concurrent
// writers practically impossible.
func (e *Engine) snapshotLocked(full string) (string, error) {
	raw, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	stem := strings.TrimSuffix(filepath.Base(full), filepath.Ext(full))
	name := fmt.Sprintf("%s-%s-%d%s", stem, checksum(string(raw))[:8], time.Now().UTC().UnixMicro(), backupSuffix)
	backup := filepath.Join(filepath.Dir(full), name)
	if err := os.WriteFile(backup, raw, 0o644); err != nil {
		return "", err
	}
	return backup, nil
}

// resolve joins a workspace-relative path and rejects escapes.
func (e *Engine) resolve(path string) (string, error) {
	if path == "" {
		return "", errors.New("path cannot be empty")
	}
	full := filepath.Join(e.root, filepath.Clean(path))
	if full != e.root && !strings.HasPrefix(full, e.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", path, ErrOutsideRoot)
	}
	return full, nil
}

// lineChanges computes added and deleted line counts with a line-mode
// diff.
func lineChanges(before, after string) (additions, deletions int) {
	if before == after {
		return 0, 0
	}
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)
	for _, d := range diffs {
		n := countLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			additions += n
		case diffmatchpatch.DiffDelete:
			deletions += n
		}
	}
	return additions, deletions
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}

func effectiveContent(d *Diff) string {
	if d.Op == OpDelete {
		return ""
	}
	return d.NewContent
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
