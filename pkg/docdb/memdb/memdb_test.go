package memdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/leafsync/pkg/docdb"
)

func TestPutGet_RoundTrips(t *testing.T) {
	ctx := context.Background()
	d := New()

	rev, err := d.Put(ctx, docdb.Doc{ID: "a", Body: []byte("hello")})
	require.NoError(t, err)
	assert.NotEmpty(t, rev)

	doc, err := d.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), doc.Body)
}

func TestGet_MissingReturnsErrNotFound(t *testing.T) {
	d := New()
	_, err := d.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, docdb.ErrNotFound)
}

func TestPut_StaleRevIsConflict(t *testing.T) {
	ctx := context.Background()
	d := New()

	_, err := d.Put(ctx, docdb.Doc{ID: "a", Body: []byte("v1")})
	require.NoError(t, err)

	_, err = d.Put(ctx, docdb.Doc{ID: "a", Rev: "bogus-rev", Body: []byte("v2")})
	assert.ErrorIs(t, err, docdb.ErrConflict)
}

func TestDelete_HidesFromGet(t *testing.T) {
	ctx := context.Background()
	d := New()

	rev, err := d.Put(ctx, docdb.Doc{ID: "a", Body: []byte("v1")})
	require.NoError(t, err)

	_, err = d.Put(ctx, docdb.Doc{ID: "a", Rev: rev, Deleted: true, Body: []byte("v1")})
	require.NoError(t, err)

	_, err = d.Get(ctx, "a")
	assert.ErrorIs(t, err, docdb.ErrNotFound)
}

func TestBulkDocs_AppliesEachAndReportsPerDocResult(t *testing.T) {
	ctx := context.Background()
	d := New()

	results, err := d.BulkDocs(ctx, []docdb.Doc{
		{ID: "a", Body: []byte("1")},
		{ID: "b", Body: []byte("2")},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NoError(t, r.Err)
		assert.NotEmpty(t, r.Rev)
	}
}

func TestAllDocs_KeysModePreservesRequestOrderAndReportsMissing(t *testing.T) {
	ctx := context.Background()
	d := New()

	_, err := d.Put(ctx, docdb.Doc{ID: "a", Body: []byte("1")})
	require.NoError(t, err)
	_, err = d.Put(ctx, docdb.Doc{ID: "b", Body: []byte("2")})
	require.NoError(t, err)

	rows, err := d.AllDocs(ctx, docdb.AllDocsOptions{Keys: []string{"b", "missing", "a"}})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "b", rows[0].ID)
	assert.ErrorIs(t, rows[1].Err, docdb.ErrNotFound)
	assert.Equal(t, "a", rows[2].ID)
}

func TestAllDocs_ScanIsSortedAndRespectsLimit(t *testing.T) {
	ctx := context.Background()
	d := New()

	for _, id := range []string{"c", "a", "b"} {
		_, err := d.Put(ctx, docdb.Doc{ID: id, Body: []byte("x")})
		require.NoError(t, err)
	}

	rows, err := d.AllDocs(ctx, docdb.AllDocsOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0].ID)
	assert.Equal(t, "b", rows[1].ID)
}

func TestChanges_BufferedReplayFromSeq(t *testing.T) {
	ctx := context.Background()
	d := New()

	for _, id := range []string{"a", "b", "c"} {
		_, err := d.Put(ctx, docdb.Doc{ID: id, Body: []byte("x")})
		require.NoError(t, err)
	}

	feed, err := d.Changes(ctx, docdb.ChangesOptions{Since: 1})
	require.NoError(t, err)
	defer feed.Cancel()

	var ids []string
	for {
		ev, ok, err := feed.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		ids = append(ids, ev.ID)
	}
	assert.Equal(t, []string{"b", "c"}, ids)
}

func TestChanges_LiveFeedReceivesSubsequentWrites(t *testing.T) {
	ctx := context.Background()
	d := New()

	feed, err := d.Changes(ctx, docdb.ChangesOptions{Live: true})
	require.NoError(t, err)
	defer feed.Cancel()

	_, err = d.Put(ctx, docdb.Doc{ID: "live", Body: []byte("v")})
	require.NoError(t, err)

	ev, ok, err := feed.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "live", ev.ID)
}

func TestChanges_FilterExcludesNonMatchingEvents(t *testing.T) {
	ctx := context.Background()
	d := New()

	feed, err := d.Changes(ctx, docdb.ChangesOptions{
		Live:   true,
		Filter: func(ev docdb.ChangeEvent) bool { return ev.ID == "keep" },
	})
	require.NoError(t, err)
	defer feed.Cancel()

	_, err = d.Put(ctx, docdb.Doc{ID: "drop", Body: []byte("x")})
	require.NoError(t, err)
	_, err = d.Put(ctx, docdb.Doc{ID: "keep", Body: []byte("x")})
	require.NoError(t, err)

	ev, ok, err := feed.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "keep", ev.ID)
}

func TestInfo_ReportsDocCountExcludingDeleted(t *testing.T) {
	ctx := context.Background()
	d := New()

	_, err := d.Put(ctx, docdb.Doc{ID: "a", Body: []byte("x")})
	require.NoError(t, err)
	rev, err := d.Put(ctx, docdb.Doc{ID: "b", Body: []byte("x")})
	require.NoError(t, err)
	_, err = d.Put(ctx, docdb.Doc{ID: "b", Rev: rev, Deleted: true, Body: []byte("x")})
	require.NoError(t, err)

	info, err := d.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.DocCount)
}

func TestDestroy_ClearsAllDocsAndResetsSeq(t *testing.T) {
	ctx := context.Background()
	d := New()

	_, err := d.Put(ctx, docdb.Doc{ID: "a", Body: []byte("x")})
	require.NoError(t, err)

	require.NoError(t, d.Destroy(ctx))

	_, err = d.Get(ctx, "a")
	assert.ErrorIs(t, err, docdb.ErrNotFound)

	info, err := d.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.UpdateSeq)
}
