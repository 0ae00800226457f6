package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndHistory(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)

	require.NoError(t, l.Append("10.0.0.1", "web", "rel-1", "proj/web:rel-1"))
	require.NoError(t, l.Append("10.0.0.1", "web", "rel-2", "proj/web:rel-2"))
	require.NoError(t, l.Append("10.0.0.1", "api", "rel-1", "proj/api:rel-1"))

	history, err := l.History("10.0.0.1", "web")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "rel-1", history[0].ReleaseID)
	assert.Equal(t, "rel-2", history[1].ReleaseID)
}

func TestHistoryEmptyWhenFileMissing(t *testing.T) {
	l := New(t.TempDir())
	history, err := l.History("10.0.0.1", "web")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestHistorySkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)
	require.NoError(t, l.Append("host", "web", "rel-1", "img:rel-1"))

	f, err := os.OpenFile(filepath.Join(dir, "releases.jsonl"), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	history, err := l.History("host", "web")
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func entryAt(releaseID string, t time.Time) Entry {
	return Entry{Timestamp: t.UTC().Format(time.RFC3339Nano), ReleaseID: releaseID}
}

func TestPrunableKeepsNewestAndProtectsLatest(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	history := []Entry{
		entryAt("rel-1", now.Add(-5*time.Hour)),
		entryAt("rel-2", now.Add(-4*time.Hour)),
		entryAt("rel-3", now.Add(-3*time.Hour)),
		entryAt("rel-4", now.Add(-2*time.Hour)),
		entryAt("rel-5", now), // newest, always protected
	}

	prunable := Prunable(history, 2, 0)
	ids := releaseIDs(prunable)
	assert.ElementsMatch(t, []string{"rel-1", "rel-2"}, ids)
}

func TestPrunableByAgeUnion(t *testing.T) {
	now := time.Now()
	history := []Entry{
		entryAt("rel-1", now.Add(-100*24*time.Hour)), // old, but within keep window
		entryAt("rel-2", now.Add(-2*time.Hour)),
		entryAt("rel-3", now), // protected newest
	}

	// keep=5 alone would prune nothing (only 2 candidates, both <= keep),
	// but rel-1 is also older than maxAge, so it's still eligible.
	prunable := Prunable(history, 5, 24*time.Hour)
	ids := releaseIDs(prunable)
	assert.ElementsMatch(t, []string{"rel-1"}, ids)
}

func TestPrunableSingleEntryIsNeverPruned(t *testing.T) {
	history := []Entry{entryAt("rel-1", time.Now())}
	assert.Empty(t, Prunable(history, 0, 0))
	assert.Empty(t, Prunable(history, 5, time.Hour))
}

func TestPrunableZeroKeepPrunesEverythingButNewest(t *testing.T) {
	now := time.Now()
	history := []Entry{entryAt("rel-1", now.Add(-time.Hour)), entryAt("rel-2", now)}
	assert.ElementsMatch(t, []string{"rel-1"}, releaseIDs(Prunable(history, 0, 0)))
}

func releaseIDs(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ReleaseID)
	}
	return out
}
