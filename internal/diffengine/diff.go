package diffengine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Op is the file operation a diff performs.
type Op string

const (
	OpCreate Op = "create"
	OpModify Op = "modify"
	OpDelete Op = "delete"
)

// Diff is a reversible record of one pending or applied file mutation.
//
// It is the sole authority for undoing a change: it carries the
// original content (or its absence), the new content, checksums taken
// at creation time, and the backup artifact written at apply time.
// Once applied a diff must not be mutated by callers.
type Diff struct {
	// Op is the operation this diff performs.
	Op Op `json:"op"`

	// Path is the target file, relative to the engine's workspace root.
	Path string `json:"path"`

	// OriginalContent is the file content before the change. Nil means
	// the file did not exist when the diff was created.
	OriginalContent *string `json:"original_content,omitempty"`

	// NewContent is the content to write. Ignored for delete.
	NewContent string `json:"new_content,omitempty"`

	// Additions and Deletions are line-change counts.
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`

	// ChecksumBefore is the sha256 of OriginalContent, empty when the
	// file was absent. ChecksumAfter is the sha256 of NewContent.
	ChecksumBefore string `json:"checksum_before,omitempty"`
	ChecksumAfter  string `json:"checksum_after,omitempty"`

	// BackupPath is the backup artifact written immediately before the
	// mutation. Empty until applied, and for create operations.
	BackupPath string `json:"backup_path,omitempty"`

	// Applied records whether the diff has been written to disk.
	Applied bool `json:"applied"`

	// AppliedAt is when the mutation happened.
	AppliedAt time.Time `json:"applied_at,omitzero"`
}

// ApplyResult is the outcome of applying one diff.
type ApplyResult struct {
	Path string `json:"path"`

	// Applied is true when the mutation was written (always false in
	// dry-run mode, even on success).
	Applied bool `json:"applied"`

	// DryRun marks a preview result.
	DryRun bool `json:"dry_run"`

	// IntegrityWarning is set when the on-disk file no longer matched
	// ChecksumBefore at apply time and the engine's policy chose to
	// proceed anyway.
	IntegrityWarning bool `json:"integrity_warning"`

	// Warnings carries non-fatal findings (integrity drift, oversized
	// change advisories).
	Warnings []string `json:"warnings,omitempty"`
}

// BatchResult aggregates ApplyAll over a diff set.
type BatchResult struct {
	Results    []ApplyResult `json:"results"`
	Applied    int           `json:"applied"`
	Failed     int           `json:"failed"`
	RolledBack int           `json:"rolled_back"`
}

// RollbackResult is the outcome of reversing a diff set.
type RollbackResult struct {
	Total      int `json:"total"`
	RolledBack int `json:"rolled_back"`
	Failed     int `json:"failed"`
}

// RollbackError reports a diff that could not be reversed: neither the
// original content nor the backup artifact is available. This is the
// most severe diff-engine outcome and is surfaced, never swallowed.
type RollbackError struct {
	Path string
	Err  error
}

func (e *RollbackError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rollback of %s failed: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("rollback of %s failed: no original content or backup available", e.Path)
}

func (e *RollbackError) Unwrap() error { return e.Err }

func checksum(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
