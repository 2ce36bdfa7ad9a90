package lessons

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func mustEntry(t *testing.T, cat Category, sev Severity, text string) Entry {
	t.Helper()
	e, err := NewEntry(cat, sev, text, "action-1")
	require.NoError(t, err)
	return e
}

func TestAppend_DeduplicatesByContentHash(t *testing.T) {
	s := openTestStore(t)

	e := mustEntry(t, CategoryQuality, SeverityInfo, "Add a syntax pre-check before applying diffs")
	added, err := s.Append("proj", []Entry{e})
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	// Same text, different whitespace and case, still a duplicate.
	dup := mustEntry(t, CategoryQuality, SeverityInfo, "  add a SYNTAX pre-check before applying diffs ")
	added, err = s.Append("proj", []Entry{dup})
	require.NoError(t, err)
	assert.Zero(t, added)

	all, err := s.ForProject("proj")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	require.NoError(t, err)

	_, err = s.Append("proj", []Entry{mustEntry(t, CategorySecurity, SeverityCritical, "Hash passwords with bcrypt")})
	require.NoError(t, err)
	require.NoError(t, s.RecordOutcome("proj", false))
	require.NoError(t, s.Close())

	reopened, err := Open(dir, nil)
	require.NoError(t, err)
	all, err := reopened.ForProject("proj")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Hash passwords with bcrypt", all[0].Text)

	_, failures, err := reopened.Outcomes("proj")
	require.NoError(t, err)
	assert.Equal(t, 1, failures)
}

func TestMatch_RanksBySeverityThenRecency(t *testing.T) {
	s := openTestStore(t)

	older := mustEntry(t, CategorySecurity, SeverityWarning, "older warning")
	older.Timestamp = time.Now().Add(-2 * time.Hour)
	newer := mustEntry(t, CategorySecurity, SeverityWarning, "newer warning")
	newer.Timestamp = time.Now().Add(-time.Hour)
	critical := mustEntry(t, CategorySecurity, SeverityCritical, "critical one")
	critical.Timestamp = time.Now().Add(-3 * time.Hour)
	info := mustEntry(t, CategoryQuality, SeverityInfo, "quality info")

	_, err := s.Append("proj", []Entry{older, newer, critical, info})
	require.NoError(t, err)

	matched, err := s.Match("proj", []Category{CategorySecurity}, 10)
	require.NoError(t, err)
	require.Len(t, matched, 3)
	assert.Equal(t, "critical one", matched[0].Text)
	assert.Equal(t, "newer warning", matched[1].Text)
	assert.Equal(t, "older warning", matched[2].Text)
}

func TestMatch_LimitAndEmptyCategories(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Append("proj", []Entry{
		mustEntry(t, CategoryQuality, SeverityInfo, "one"),
		mustEntry(t, CategoryPerformance, SeverityInfo, "two"),
		mustEntry(t, CategoryArchitecture, SeverityInfo, "three"),
	})
	require.NoError(t, err)

	matched, err := s.Match("proj", nil, 2)
	require.NoError(t, err)
	assert.Len(t, matched, 2)
}

func TestAppend_PrunesPastRetentionCap(t *testing.T) {
	s := openTestStore(t)

	entries := make([]Entry, 0, MaxLessonsPerProject+10)
	for i := 0; i < MaxLessonsPerProject+10; i++ {
		entries = append(entries, mustEntry(t, CategoryQuality, SeverityInfo, lessonText(i)))
	}
	_, err := s.Append("proj", entries)
	require.NoError(t, err)

	all, err := s.ForProject("proj")
	require.NoError(t, err)
	assert.Len(t, all, MaxLessonsPerProject)
	// Oldest entries fell off the front.
	assert.Equal(t, lessonText(10), all[0].Text)
}

func lessonText(i int) string {
	return "lesson number " + string(rune('a'+i%26)) + " " + time.Unix(int64(i), 0).UTC().String()
}

func TestAddPatterns_DeduplicatesAndCaps(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.AddPatterns("proj", []string{"missing error handling", "missing error handling", "n+1 query"}))

	patterns, err := s.Patterns("proj")
	require.NoError(t, err)
	assert.Equal(t, []string{"missing error handling", "n+1 query"}, patterns)
}

func TestStore_ClosedRejectsUse(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Close())

	_, err := s.ForProject("proj")
	require.ErrorIs(t, err, ErrClosed)
}

func TestNewEntry_Validation(t *testing.T) {
	_, err := NewEntry(CategoryQuality, SeverityInfo, "   ", "a")
	require.ErrorIs(t, err, ErrEmptyText)

	e, err := NewEntry(Category("bogus"), Severity("loud"), "text", "a")
	require.NoError(t, err)
	assert.Equal(t, CategoryQuality, e.Category)
	assert.Equal(t, SeverityInfo, e.Severity)
	assert.Len(t, e.HashKey, 12)
}
