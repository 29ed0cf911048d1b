package leafstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/leafsync/internal/hashcache"
	"github.com/i5heu/leafsync/pkg/docdb"
	"github.com/i5heu/leafsync/pkg/docdb/memdb"
	"github.com/i5heu/leafsync/pkg/model"
)

func leafOf(data string) model.Leaf {
	return model.Leaf{Type: model.TypeLeaf, Data: data}
}

func docOf(id string, body []byte) docdb.Doc {
	return docdb.Doc{ID: id, Body: body}
}

func newStore(t *testing.T, passphrase []byte) *Store {
	cache, err := hashcache.New(1024)
	require.NoError(t, err)
	return New(memdb.New(), cache, passphrase, nil)
}

func TestPutLeaf_CacheShortCircuitsOnSecondCall(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil)

	id1, err := s.PutLeaf(ctx, []byte("hello"))
	require.NoError(t, err)
	require.NoError(t, s.Flush(ctx))

	id2, err := s.PutLeaf(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Equal(t, 0, s.Pending())
}

func TestPutLeaf_DistinctContentDistinctIDs(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil)

	id1, err := s.PutLeaf(ctx, []byte("foo"))
	require.NoError(t, err)
	id2, err := s.PutLeaf(ctx, []byte("bar"))
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)
}

func TestPutLeaf_HashCollisionGetsSuffixedAndDistinctData(t *testing.T) {
	ctx := context.Background()
	cache, err := hashcache.New(16)
	require.NoError(t, err)
	db := memdb.New()
	s := New(db, cache, nil, nil)

	// Force a collision by writing a leaf under the exact base id our
	// hash function would produce, with different content, before
	// resolving the real payload through PutLeaf.
	base := "h:" + s.h32([]byte("alpha"))
	body, err := marshalLeaf(leafOf("not-alpha"))
	require.NoError(t, err)
	_, err = db.Put(ctx, docOf(base, body))
	require.NoError(t, err)

	id, err := s.PutLeaf(ctx, []byte("alpha"))
	require.NoError(t, err)
	assert.Equal(t, base+"0", id)

	require.NoError(t, s.Flush(ctx))

	data, err := s.GetLeaf(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha"), data)

	other, err := s.GetLeaf(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, []byte("not-alpha"), other)
}

func TestPutLeaf_EncryptionXorsPassphraseHash(t *testing.T) {
	ctx := context.Background()
	plain := newStore(t, nil)
	enc := newStore(t, []byte("secret"))

	idPlain, err := plain.PutLeaf(ctx, []byte("same content"))
	require.NoError(t, err)
	idEnc, err := enc.PutLeaf(ctx, []byte("same content"))
	require.NoError(t, err)

	assert.NotEqual(t, idPlain, idEnc)
	assert.Equal(t, byte('+'), idEnc[len("h:")])
}

// conflictingDB answers every bulk write with a per-item conflict, the
// result a store gives when another writer already stored that leaf.
type conflictingDB struct{ *memdb.DB }

func (conflictingDB) BulkDocs(_ context.Context, docs []docdb.Doc) ([]docdb.BulkResult, error) {
	results := make([]docdb.BulkResult, len(docs))
	for i, d := range docs {
		results[i] = docdb.BulkResult{ID: d.ID, Err: docdb.ErrConflict}
	}
	return results, nil
}

func TestFlush_TolerantOfConflict(t *testing.T) {
	ctx := context.Background()
	cache, err := hashcache.New(16)
	require.NoError(t, err)
	db := conflictingDB{memdb.New()}
	s := New(db, cache, nil, nil)

	_, err = s.PutLeaf(ctx, []byte("payload"))
	require.NoError(t, err)

	// Another writer won the race for the same leaf id, so the bulk
	// write reports a conflict; Flush tolerates it silently.
	require.NoError(t, s.Flush(ctx))
}
