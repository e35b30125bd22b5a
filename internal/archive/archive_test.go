package archive

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/mkessler/gateway/internal/turn"
)

func openTestArchive(t *testing.T) *Archive {
	t.Helper()
	dir := t.TempDir()
	a, err := Open(filepath.Join(dir, "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestArchiveBatchAndRead(t *testing.T) {
	a := openTestArchive(t)

	ids, err := a.Archive([]turn.Turn{
		{Role: turn.RoleUser, Content: "hello", Timestamp: 1000, SessionKey: "main:cli:main"},
		{Role: turn.RoleAssistant, Content: "hi", Timestamp: 1001, SessionKey: "main:cli:main"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	rec, err := a.Read(ids[0])
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "hello", rec.Content)

	recent, err := a.GetRecentTurns("main:cli:main", 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, "hi", recent[0].Content) // newest-first
}

// TestArchiveSearchMergeDedup matches spec scenario S3: rows "alpha",
// "alpha beta", "beta gamma" inserted; searchGrep("alpha") returns rows
// 1,2; searchBM25("alpha beta") ranks row 2 first; the merged helper with
// limit=3 returns row 2, row 1, then row 3.
func TestArchiveSearchMergeDedup(t *testing.T) {
	a := openTestArchive(t)

	ids, err := a.Archive([]turn.Turn{
		{Role: turn.RoleUser, Content: "alpha", Timestamp: 1, SessionKey: "k"},
		{Role: turn.RoleUser, Content: "alpha beta", Timestamp: 2, SessionKey: "k"},
		{Role: turn.RoleUser, Content: "beta gamma", Timestamp: 3, SessionKey: "k"},
	})
	require.NoError(t, err)
	row1, row2, row3 := ids[0], ids[1], ids[2]

	grepResults, err := a.SearchGrep("alpha", 10)
	require.NoError(t, err)
	grepIDs := idsOf(grepResults)
	require.ElementsMatch(t, []int64{row1, row2}, grepIDs)

	bm25Results, err := a.SearchBM25("alpha beta", 10)
	require.NoError(t, err)
	require.NotEmpty(t, bm25Results)
	require.Equal(t, row2, bm25Results[0].ID)

	merged, err := a.Search("alpha beta", 3)
	require.NoError(t, err)
	want := []int64{row2, row1, row3}
	if diff := cmp.Diff(want, idsOf(merged)); diff != "" {
		t.Errorf("search merge order is the only contract clients may rely on (-want +got):\n%s", diff)
	}
}

func TestArchiveSearchBM25MalformedQueryReturnsEmpty(t *testing.T) {
	a := openTestArchive(t)
	results, err := a.SearchBM25("\"\"\"***", 10)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestArchiveWorldModelHistory(t *testing.T) {
	a := openTestArchive(t)

	require.NoError(t, a.ArchiveWorldModelItem("Current Task", "Working on", "old value", "superseded"))

	items, err := a.ListWorldModelHistory("Current Task", "", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "old value", items[0].Value)
}

func idsOf(records []Record) []int64 {
	out := make([]int64, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}
