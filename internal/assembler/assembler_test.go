package assembler

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/leafsync/internal/chunksplit"
	"github.com/i5heu/leafsync/internal/corrupt"
	"github.com/i5heu/leafsync/internal/filefilter"
	"github.com/i5heu/leafsync/internal/hashcache"
	"github.com/i5heu/leafsync/internal/idlock"
	"github.com/i5heu/leafsync/internal/leafstore"
	"github.com/i5heu/leafsync/internal/leafwait"
	"github.com/i5heu/leafsync/pkg/docdb"
	"github.com/i5heu/leafsync/pkg/docdb/memdb"
	"github.com/i5heu/leafsync/pkg/model"
)

func newAssembler(t *testing.T) (*Assembler, *memdb.DB) {
	db := memdb.New()
	cache, err := hashcache.New(256)
	require.NoError(t, err)
	leaves := leafstore.New(db, cache, nil, nil)
	waiter := leafwait.New(0, nil)
	locks := idlock.New()
	filter, err := filefilter.New("", "")
	require.NoError(t, err)
	corrupted := corrupt.New()

	opts := Options{Policy: chunksplit.Policy{MaxDocSizeBin: 1024, CustomChunkSize: 1, MaxChunkSize: 1024 * 1024, MaxDocSize: 512}}
	return New(db, leaves, waiter, locks, filter, corrupted, nil, opts, nil), db
}

func TestPutEntry_RoundTripsData(t *testing.T) {
	ctx := context.Background()
	a, _ := newAssembler(t)

	written, err := a.PutEntry(ctx, model.Note{ID: "a.md", Data: "hello"}, false)
	require.NoError(t, err)
	assert.Len(t, written.Children, 1)

	got, err := a.GetEntry(ctx, "a.md", false, false)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Data)
}

func TestPutEntry_LargePayloadChildrenCountMatchesFormula(t *testing.T) {
	ctx := context.Background()
	a, _ := newAssembler(t)
	a.opts.Policy = chunksplit.Policy{MaxDocSizeBin: 1024, CustomChunkSize: 1, MaxChunkSize: 1024 * 1024}

	payload := strings.Repeat("X", 50000)
	written, err := a.PutEntry(ctx, model.Note{ID: "a.md", Data: payload}, false)
	require.NoError(t, err)
	assert.Equal(t, 49, len(written.Children)) // ceil(50000/1024)

	got, err := a.GetEntry(ctx, "a.md", false, false)
	require.NoError(t, err)
	assert.Equal(t, payload, got.Data)
}

func TestPutEntry_IdempotentOnIdenticalContent(t *testing.T) {
	ctx := context.Background()
	a, db := newAssembler(t)

	_, err := a.PutEntry(ctx, model.Note{ID: "b.md", Data: "foo"}, false)
	require.NoError(t, err)
	infoBefore, err := db.Info(ctx)
	require.NoError(t, err)

	_, err = a.PutEntry(ctx, model.Note{ID: "c.md", Data: "foo"}, false)
	require.NoError(t, err)
	infoAfter, err := db.Info(ctx)
	require.NoError(t, err)

	// Only one new document (c.md's metadata) should have been created;
	// no new leaf, since "foo" was already stored under b.md.
	assert.Equal(t, infoBefore.DocCount+1, infoAfter.DocCount)
}

func TestGetEntry_EmptyPayloadRoundTrips(t *testing.T) {
	ctx := context.Background()
	a, _ := newAssembler(t)

	_, err := a.PutEntry(ctx, model.Note{ID: "empty.md", Data: ""}, false)
	require.NoError(t, err)

	got, err := a.GetEntry(ctx, "empty.md", false, false)
	require.NoError(t, err)
	assert.Empty(t, got.Data)
	assert.Empty(t, got.Children)
}

func TestGetEntry_LegacyFlatNoteKeepsInlineData(t *testing.T) {
	ctx := context.Background()
	a, db := newAssembler(t)

	body, err := json.Marshal(model.Note{Type: model.TypeNotes, Data: "legacy-inline"})
	require.NoError(t, err)
	_, err = db.Put(ctx, docdb.Doc{ID: "legacy.md", Body: body})
	require.NoError(t, err)

	got, err := a.GetEntry(ctx, "legacy.md", false, false)
	require.NoError(t, err)
	assert.Equal(t, "legacy-inline", got.Data)

	meta, err := a.GetMeta(ctx, "legacy.md", false)
	require.NoError(t, err)
	assert.Equal(t, "legacy-inline", meta.Data)
}

func TestDeleteEntry_TombstonesAndHidesFromGet(t *testing.T) {
	ctx := context.Background()
	a, _ := newAssembler(t)

	_, err := a.PutEntry(ctx, model.Note{ID: "d.md", Data: "bye"}, false)
	require.NoError(t, err)

	require.NoError(t, a.DeleteEntry(ctx, "d.md", DeleteOptions{}))

	_, err = a.GetEntry(ctx, "d.md", false, false)
	assert.ErrorIs(t, err, ErrAbsent)

	meta, err := a.GetMeta(ctx, "d.md", true)
	require.NoError(t, err)
	assert.True(t, meta.Deleted)
}

func TestPutEntry_ExcludedByFilter(t *testing.T) {
	ctx := context.Background()
	db := memdb.New()
	cache, err := hashcache.New(16)
	require.NoError(t, err)
	leaves := leafstore.New(db, cache, nil, nil)
	waiter := leafwait.New(0, nil)
	locks := idlock.New()
	filter, err := filefilter.New("\\.md$", "")
	require.NoError(t, err)
	corrupted := corrupt.New()
	a := New(db, leaves, waiter, locks, filter, corrupted, nil, Options{Policy: chunksplit.Policy{MaxDocSizeBin: 100}}, nil)

	_, err = a.PutEntry(ctx, model.Note{ID: "a.bin", Data: "x"}, false)
	assert.ErrorIs(t, err, ErrExcluded)
}

func TestDeleteByPrefix_DeletesMatchingIDs(t *testing.T) {
	ctx := context.Background()
	a, _ := newAssembler(t)

	for _, id := range []string{"notes/a.md", "notes/b.md", "other/c.md"} {
		_, err := a.PutEntry(ctx, model.Note{ID: id, Data: "x"}, false)
		require.NoError(t, err)
	}

	n, err := a.DeleteByPrefix(ctx, "notes")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = a.GetEntry(ctx, "other/c.md", false, false)
	assert.NoError(t, err)
}
