package persistence_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bakalover/changelog/persistence"
	"github.com/stretchr/testify/assert"
)

func blob(s string) []byte { return []byte(s) }

func newChangelog(t *testing.T, dir string, rotate uint64) *persistence.Changelog {
	t.Helper()
	c, err := persistence.New(dir, rotate)
	assert.NoError(t, err)
	return c
}

// Scenario A: fresh directory produces one empty preallocated segment.
func TestScenarioA_FreshDirectory(t *testing.T) {
	dir := t.TempDir()
	c := newChangelog(t, dir, 5)
	assert.NoError(t, c.ReadAndInit(0))

	info, err := os.Stat(filepath.Join(dir, "changelog_1_5.bin"))
	assert.NoError(t, err)
	assert.Zero(t, info.Size())
	assert.Equal(t, uint64(0), c.LastIndex())
}

// Scenario B: 7 appends with rotate_interval=5 split across two segments.
func TestScenarioB_RotationBoundary(t *testing.T) {
	dir := t.TempDir()
	c := newChangelog(t, dir, 5)
	assert.NoError(t, c.ReadAndInit(0))

	letters := []string{"a", "b", "c", "d", "e", "f", "g"}
	for i, l := range letters {
		assert.NoError(t, c.Append(uint64(i+1), persistence.LogEntry{Term: 1, Blob: blob(l)}, true))
	}

	_, err := os.Stat(filepath.Join(dir, "changelog_1_5.bin"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "changelog_6_10.bin"))
	assert.NoError(t, err)

	assert.Equal(t, "g", string(c.LastEntry().Blob))
}

// Scenario C: torn tail in the trailing segment is truncated on recovery.
func TestScenarioC_TornTailRecovery(t *testing.T) {
	dir := t.TempDir()
	c := newChangelog(t, dir, 5)
	assert.NoError(t, c.ReadAndInit(0))
	letters := []string{"a", "b", "c", "d", "e", "f", "g"}
	for i, l := range letters {
		assert.NoError(t, c.Append(uint64(i+1), persistence.LogEntry{Term: 1, Blob: blob(l)}, true))
	}
	assert.NoError(t, c.Flush())

	// Truncate changelog_6_10.bin so entry 7 (the second record in that
	// segment) is chopped off entirely.
	path := filepath.Join(dir, "changelog_6_10.bin")
	info, err := os.Stat(path)
	assert.NoError(t, err)
	// Entry 6 is the sole whole record; find its length by re-deriving:
	// single-byte blob records are headerSize+1 bytes each.
	firstRecordLen := info.Size() / 2
	assert.NoError(t, os.Truncate(path, firstRecordLen))

	c2 := newChangelog(t, dir, 5)
	assert.NoError(t, c2.ReadAndInit(0))

	_, ok6 := c2.EntryAt(6)
	assert.True(t, ok6)
	_, ok7 := c2.EntryAt(7)
	assert.False(t, ok7)
}

// Scenario D: write_at crosses a segment boundary and rolls back the suffix.
func TestScenarioD_WriteAtRollback(t *testing.T) {
	dir := t.TempDir()
	c := newChangelog(t, dir, 5)
	assert.NoError(t, c.ReadAndInit(0))
	letters := []string{"a", "b", "c", "d", "e", "f", "g"}
	for i, l := range letters {
		assert.NoError(t, c.Append(uint64(i+1), persistence.LogEntry{Term: 1, Blob: blob(l)}, true))
	}

	assert.NoError(t, c.WriteAt(3, persistence.LogEntry{Term: 2, Blob: blob("x")}, true))

	_, err := os.Stat(filepath.Join(dir, "changelog_6_10.bin"))
	assert.True(t, os.IsNotExist(err))

	e3, ok := c.EntryAt(3)
	assert.True(t, ok)
	assert.Equal(t, "x", string(e3.Blob))
	_, ok4 := c.EntryAt(4)
	assert.False(t, ok4)
	assert.Equal(t, uint64(3), c.LastIndex())
}

// Scenario E: compaction deletes whole segments up to the boundary.
func TestScenarioE_CompactionMonotonicity(t *testing.T) {
	dir := t.TempDir()
	c := newChangelog(t, dir, 5)
	assert.NoError(t, c.ReadAndInit(0))
	letters := []string{"a", "b", "c", "d", "e", "f", "g"}
	for i, l := range letters {
		assert.NoError(t, c.Append(uint64(i+1), persistence.LogEntry{Term: 1, Blob: blob(l)}, true))
	}

	assert.NoError(t, c.Compact(5))

	_, err := os.Stat(filepath.Join(dir, "changelog_1_5.bin"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "changelog_6_10.bin"))
	assert.NoError(t, err)

	_, ok4 := c.EntryAt(4)
	assert.False(t, ok4)
	e6, ok6 := c.EntryAt(6)
	assert.True(t, ok6)
	assert.Equal(t, "f", string(e6.Blob))
}

// Scenario F: bulk serialize/apply round-trips entries between instances.
func TestScenarioF_BulkSerializeApply(t *testing.T) {
	dir := t.TempDir()
	c := newChangelog(t, dir, 5)
	assert.NoError(t, c.ReadAndInit(0))
	letters := []string{"a", "b", "c", "d", "e", "f", "g"}
	for i, l := range letters {
		assert.NoError(t, c.Append(uint64(i+1), persistence.LogEntry{Term: 1, Blob: blob(l)}, true))
	}

	buf, err := c.SerializeEntries(1, 3)
	assert.NoError(t, err)

	dir2 := t.TempDir()
	c2 := newChangelog(t, dir2, 5)
	assert.NoError(t, c2.ReadAndInit(0))
	assert.NoError(t, c2.ApplyFromBuffer(1, buf, true))

	for i, want := range []string{"a", "b", "c"} {
		e, ok := c2.EntryAt(uint64(i + 1))
		assert.True(t, ok)
		assert.Equal(t, want, string(e.Blob))
	}
}

// Property 1: round trip of an arbitrary sequence of appends.
func TestRoundTripAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	c := newChangelog(t, dir, 4)
	assert.NoError(t, c.ReadAndInit(0))

	const n = 11
	for i := uint64(1); i <= n; i++ {
		assert.NoError(t, c.Append(i, persistence.LogEntry{Term: i, ValueType: uint8(i % 3), Blob: []byte{byte(i), byte(i + 1)}}, i%2 == 0))
	}
	assert.NoError(t, c.Flush())

	c2 := newChangelog(t, dir, 4)
	assert.NoError(t, c2.ReadAndInit(0))

	for i := uint64(1); i <= n; i++ {
		e, ok := c2.EntryAt(i)
		assert.True(t, ok, "index %d", i)
		assert.Equal(t, i, e.Term)
		assert.Equal(t, uint8(i%3), e.ValueType)
		assert.Equal(t, []byte{byte(i), byte(i + 1)}, e.Blob)
	}
}

// Property 6: write_at after append of 1..10, rollback from 5.
func TestWriteAtLeavesExactPrefix(t *testing.T) {
	dir := t.TempDir()
	c := newChangelog(t, dir, 10)
	assert.NoError(t, c.ReadAndInit(0))
	for i := uint64(1); i <= 10; i++ {
		assert.NoError(t, c.Append(i, persistence.LogEntry{Term: 1, Blob: []byte{byte(i)}}, true))
	}

	assert.NoError(t, c.WriteAt(5, persistence.LogEntry{Term: 2, Blob: []byte("replaced")}, true))

	for i := uint64(6); i <= 10; i++ {
		_, ok := c.EntryAt(i)
		assert.False(t, ok)
	}
	e5, ok := c.EntryAt(5)
	assert.True(t, ok)
	assert.Equal(t, "replaced", string(e5.Blob))
}

func TestEntriesBetweenHalfOpenRangeWithAbsentSlots(t *testing.T) {
	dir := t.TempDir()
	c := newChangelog(t, dir, 10)
	assert.NoError(t, c.ReadAndInit(0))
	assert.NoError(t, c.Append(1, persistence.LogEntry{Term: 1, Blob: []byte("a")}, true))
	assert.NoError(t, c.Append(2, persistence.LogEntry{Term: 1, Blob: []byte("b")}, true))

	got := c.EntriesBetween(1, 4)
	assert.Len(t, got, 3)
	assert.NotNil(t, got[0])
	assert.NotNil(t, got[1])
	assert.Nil(t, got[2])
}

func TestAppendBeforeInitIsLogicalError(t *testing.T) {
	dir := t.TempDir()
	c := newChangelog(t, dir, 5)
	err := c.Append(1, persistence.LogEntry{Term: 1}, true)
	assert.Error(t, err)
}

func TestSerializeEntriesMissingEntryIsLogicalError(t *testing.T) {
	dir := t.TempDir()
	c := newChangelog(t, dir, 5)
	assert.NoError(t, c.ReadAndInit(0))
	assert.NoError(t, c.Append(1, persistence.LogEntry{Term: 1, Blob: []byte("a")}, true))

	_, err := c.SerializeEntries(1, 3)
	assert.Error(t, err)
}

func TestCloseFlushesWithoutError(t *testing.T) {
	dir := t.TempDir()
	c := newChangelog(t, dir, 5)
	assert.NoError(t, c.ReadAndInit(0))
	assert.NoError(t, c.Append(1, persistence.LogEntry{Term: 1, Blob: []byte("a")}, false))
	assert.NoError(t, c.Close())
}
