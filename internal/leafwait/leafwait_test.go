package leafwait

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/leafsync/pkg/docdb"
	"github.com/i5heu/leafsync/pkg/docdb/memdb"
	"github.com/i5heu/leafsync/pkg/model"
)

func TestWaitForLeaf_TimesOutWithoutArrival(t *testing.T) {
	w := New(20*time.Millisecond, nil)
	err := w.WaitForLeaf(context.Background(), "h:missing")
	assert.Error(t, err)
}

func TestWaitForLeaf_CancelledContextReturnsCtxErr(t *testing.T) {
	w := New(time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WaitForLeaf(ctx, "h:1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWatch_WakesWaiterOnMatchingLeafArrival(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db := memdb.New()
	w := New(2*time.Second, nil)
	require.NoError(t, w.Watch(ctx, db))
	defer w.Close()

	done := make(chan error, 1)
	go func() {
		done <- w.WaitForLeaf(context.Background(), "h:1")
	}()

	time.Sleep(20 * time.Millisecond)

	body, err := json.Marshal(model.Leaf{Type: model.TypeLeaf, Data: "x"})
	require.NoError(t, err)
	_, err = db.Put(context.Background(), docdb.Doc{ID: "h:1", Body: body})
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestWatch_IgnoresNonLeafDocs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db := memdb.New()
	w := New(50*time.Millisecond, nil)
	require.NoError(t, w.Watch(ctx, db))
	defer w.Close()

	done := make(chan error, 1)
	go func() {
		done <- w.WaitForLeaf(context.Background(), "h:1")
	}()

	noteBody, _ := json.Marshal(model.Note{Type: model.TypeNewNote})
	_, err := db.Put(context.Background(), docdb.Doc{ID: "h:1", Body: noteBody})
	require.NoError(t, err)

	err = <-done
	assert.Error(t, err) // times out; a non-leaf doc must not wake it
}
