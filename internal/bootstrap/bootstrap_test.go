package bootstrap

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/leafsync/pkg/docdb"
	"github.com/i5heu/leafsync/pkg/docdb/memdb"
	"github.com/i5heu/leafsync/pkg/model"
)

func TestCheckFreeSpace_NoopWhenUnconfigured(t *testing.T) {
	b := New(Options{})
	assert.NoError(t, b.CheckFreeSpace())
}

func TestCheckFreeSpace_ImpossibleMinimumFails(t *testing.T) {
	b := New(Options{Path: "/", MinimumFreeGB: 1 << 30})
	err := b.CheckFreeSpace()
	assert.ErrorIs(t, err, ErrNotEnoughSpace)
}

func TestInit_NoOldGenerationAssignsNodeID(t *testing.T) {
	ctx := context.Background()
	newDB := memdb.New()
	b := New(Options{})

	nodeID, ready, err := b.Init(ctx, newDB, nil)
	require.NoError(t, err)
	assert.True(t, ready)
	assert.Len(t, nodeID, 10)
}

func TestInit_IsIdempotentOnNodeID(t *testing.T) {
	ctx := context.Background()
	newDB := memdb.New()
	b := New(Options{})

	id1, _, err := b.Init(ctx, newDB, nil)
	require.NoError(t, err)
	id2, _, err := b.Init(ctx, newDB, nil)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestInit_EmptyOldGenerationSkipsMigration(t *testing.T) {
	ctx := context.Background()
	newDB := memdb.New()
	oldDB := memdb.New()
	b := New(Options{})

	_, ready, err := b.Init(ctx, newDB, oldDB)
	require.NoError(t, err)
	assert.True(t, ready)

	info, err := oldDB.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.DocCount)
}

func TestInit_MigratesNonEmptyOldGenerationAndDestroysIt(t *testing.T) {
	ctx := context.Background()
	newDB := memdb.New()
	oldDB := memdb.New()

	note := model.Note{Type: model.TypeNotes, Data: "legacy"}
	body, err := json.Marshal(note)
	require.NoError(t, err)
	_, err = oldDB.Put(ctx, docdb.Doc{ID: "legacy.md", Body: body})
	require.NoError(t, err)

	b := New(Options{})
	nodeID, ready, err := b.Init(ctx, newDB, oldDB)
	require.NoError(t, err)
	assert.True(t, ready)
	assert.NotEmpty(t, nodeID)

	_, err = newDB.Get(ctx, "legacy.md")
	assert.NoError(t, err)

	_, err = oldDB.Get(ctx, "legacy.md")
	assert.ErrorIs(t, err, docdb.ErrNotFound)
}

func TestInit_EncryptOldIsAppliedBeforeMigration(t *testing.T) {
	ctx := context.Background()
	newDB := memdb.New()
	oldDB := memdb.New()

	body, err := json.Marshal(model.Note{Type: model.TypeNotes, Data: "x"})
	require.NoError(t, err)
	_, err = oldDB.Put(ctx, docdb.Doc{ID: "x.md", Body: body})
	require.NoError(t, err)

	called := false
	b := New(Options{EncryptOld: func(old docdb.DB) docdb.DB {
		called = true
		return old
	}})

	_, _, err = b.Init(ctx, newDB, oldDB)
	require.NoError(t, err)
	assert.True(t, called)
}

func TestResetDatabase_DestroysNewDB(t *testing.T) {
	ctx := context.Background()
	newDB := memdb.New()
	_, err := newDB.Put(ctx, docdb.Doc{ID: "a", Body: []byte("{}")})
	require.NoError(t, err)

	b := New(Options{})
	require.NoError(t, b.ResetDatabase(ctx, newDB))

	info, err := newDB.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.DocCount)
}

func TestResetLocalOldDatabase_NilIsNoop(t *testing.T) {
	b := New(Options{})
	assert.NoError(t, b.ResetLocalOldDatabase(context.Background(), nil))
}
