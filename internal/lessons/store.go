// Package lessons provides the persistent lesson store: deduplicated,
// categorized takeaways from completed cycles, fed back into future
// planning. The store is file-backed by design — one append-mostly
// JSON collection per project — and survives process restarts.
package lessons

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sentinel errors.
var (
	ErrClosed         = errors.New("lesson store is closed")
	ErrEmptyProjectID = errors.New("project ID cannot be empty")
	ErrEmptyText      = errors.New("lesson text cannot be empty")
)

// Category groups lessons by the concern they address.
type Category string

const (
	CategoryQuality      Category = "quality"
	CategorySecurity     Category = "security"
	CategoryPerformance  Category = "performance"
	CategoryArchitecture Category = "architecture"
)

// ParseCategory defaults to quality on unrecognized input.
func ParseCategory(raw string) Category {
	switch Category(raw) {
	case CategoryQuality, CategorySecurity, CategoryPerformance, CategoryArchitecture:
		return Category(raw)
	default:
		return CategoryQuality
	}
}

// Severity grades a lesson. Higher severities rank first in retrieval.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ParseSeverity defaults to info on unrecognized input.
func ParseSeverity(raw string) Severity {
	switch Severity(raw) {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return Severity(raw)
	default:
		return SeverityInfo
	}
}

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Entry is one deduplicated lesson.
type Entry struct {
	// HashKey content-addresses the lesson text; the store never holds
	// two entries with the same key.
	HashKey string `json:"hash_key"`

	Category Category `json:"category"`
	Severity Severity `json:"severity"`
	Text     string   `json:"text"`

	Timestamp time.Time `json:"timestamp"`

	// SourceActionID links back to the action whose cycle produced it.
	SourceActionID string `json:"source_action_id,omitempty"`
}

// NewEntry builds an entry with its content hash.
func NewEntry(category Category, severity Severity, text, sourceActionID string) (Entry, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Entry{}, ErrEmptyText
	}
	return Entry{
		HashKey:        HashText(text),
		Category:       ParseCategory(string(category)),
		Severity:       ParseSeverity(string(severity)),
		Text:           text,
		Timestamp:      time.Now().UTC(),
		SourceActionID: sourceActionID,
	}, nil
}

// HashText content-addresses lesson text, case- and space-insensitive.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(text))))
	return hex.EncodeToString(sum[:])[:12]
}

const (
	// MaxLessonsPerProject bounds retention; the oldest entries are
	// pruned past this.
	MaxLessonsPerProject = 100

	// MaxPatternsPerProject bounds the recurring-pattern list.
	MaxPatternsPerProject = 30
)

// projectLog is the on-disk shape of one project's collection.
type projectLog struct {
	Lessons   []Entry  `json:"lessons"`
	Patterns  []string `json:"patterns,omitempty"`
	Successes int      `json:"successes"`
	Failures  int      `json:"failures"`
}

// Store is the process-wide lesson store. The storage directory is
// injectable so tests can isolate per run; in-memory-only operation is
// deliberately not offered.
type Store struct {
	dir    string
	logger *zap.Logger

	mu     sync.Mutex
	cache  map[string]*projectLog
	closed bool
}

// Open creates or reopens a store rooted at dir.
func Open(dir string, logger *zap.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("store directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating lesson store directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		dir:    dir,
		logger: logger.Named("lessons"),
		cache:  map[string]*projectLog{},
	}, nil
}

// Close marks the store unusable. Writes are synchronous, so there is
// nothing to flush; the explicit lifecycle keeps ownership clear.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Append stores entries for a project, skipping any whose content hash
// is already present, and returns how many were actually added.
func (s *Store) Append(projectID string, entries []Entry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, err := s.loadLocked(projectID)
	if err != nil {
		return 0, err
	}

	seen := make(map[string]bool, len(log.Lessons))
	for _, e := range log.Lessons {
		seen[e.HashKey] = true
	}

	added := 0
	for _, e := range entries {
		if e.Text == "" || seen[e.HashKey] {
			continue
		}
		log.Lessons = append(log.Lessons, e)
		seen[e.HashKey] = true
		added++
	}

	if excess := len(log.Lessons) - MaxLessonsPerProject; excess > 0 {
		log.Lessons = log.Lessons[excess:]
	}

	if added == 0 {
		return 0, nil
	}
	if err := s.saveLocked(projectID, log); err != nil {
		return 0, err
	}
	s.logger.Debug("lessons appended", zap.String("project_id", projectID), zap.Int("added", added))
	return added, nil
}

// AddPatterns records recurring patterns, deduplicated and capped.
func (s *Store) AddPatterns(projectID string, patterns []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, err := s.loadLocked(projectID)
	if err != nil {
		return err
	}

	seen := map[string]bool{}
	var merged []string
	for _, p := range append(log.Patterns, patterns...) {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		merged = append(merged, p)
	}
	if len(merged) > MaxPatternsPerProject {
		merged = merged[len(merged)-MaxPatternsPerProject:]
	}
	log.Patterns = merged
	return s.saveLocked(projectID, log)
}

// RecordOutcome tallies a completed cycle.
func (s *Store) RecordOutcome(projectID string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, err := s.loadLocked(projectID)
	if err != nil {
		return err
	}
	if success {
		log.Successes++
	} else {
		log.Failures++
	}
	return s.saveLocked(projectID, log)
}

// ForProject returns every stored lesson for a project, oldest first.
func (s *Store) ForProject(projectID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, err := s.loadLocked(projectID)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, len(log.Lessons))
	copy(out, log.Lessons)
	return out, nil
}

// Patterns returns the recurring-pattern list for a project.
func (s *Store) Patterns(projectID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, err := s.loadLocked(projectID)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(log.Patterns))
	copy(out, log.Patterns)
	return out, nil
}

// Outcomes returns the success/failure tallies for a project.
func (s *Store) Outcomes(projectID string) (successes, failures int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, err := s.loadLocked(projectID)
	if err != nil {
		return 0, 0, err
	}
	return log.Successes, log.Failures, nil
}

// Match retrieves the lessons most relevant to the given categories,
// ranked by severity then recency. Empty categories matches all.
func (s *Store) Match(projectID string, categories []Category, limit int) ([]Entry, error) {
	all, err := s.ForProject(projectID)
	if err != nil {
		return nil, err
	}
	wanted := map[Category]bool{}
	for _, c := range categories {
		wanted[c] = true
	}

	var matched []Entry
	for _, e := range all {
		if len(wanted) == 0 || wanted[e.Category] {
			matched = append(matched, e)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		ri, rj := severityRank(matched[i].Severity), severityRank(matched[j].Severity)
		if ri != rj {
			return ri > rj
		}
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *Store) loadLocked(projectID string) (*projectLog, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if projectID == "" {
		return nil, ErrEmptyProjectID
	}
	if log, ok := s.cache[projectID]; ok {
		return log, nil
	}

	log := &projectLog{}
	raw, err := os.ReadFile(s.path(projectID))
	switch {
	case err == nil:
		if uerr := json.Unmarshal(raw, log); uerr != nil {
			// A corrupt collection must not poison future cycles.
			s.logger.Warn("lesson collection unreadable, starting fresh",
				zap.String("project_id", projectID), zap.Error(uerr))
			log = &projectLog{}
		}
	case errors.Is(err, os.ErrNotExist):
		// First lesson for this project.
	default:
		return nil, fmt.Errorf("reading lesson collection: %w", err)
	}

	s.cache[projectID] = log
	return log, nil
}

func (s *Store) saveLocked(projectID string, log *projectLog) error {
	raw, err := json.MarshalIndent(log, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding lesson collection: %w", err)
	}
	if err := os.WriteFile(s.path(projectID), raw, 0o644); err != nil {
		return fmt.Errorf("writing lesson collection: %w", err)
	}
	s.cache[projectID] = log
	return nil
}

var unsafeID = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

func (s *Store) path(projectID string) string {
	return filepath.Join(s.dir, "lessons_"+unsafeID.ReplaceAllString(projectID, "_")+".json")
}
