package wal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/RaoAhmadRaza/guardian-sync/pkg/storage"
)

func newTestService(t *testing.T) (*Service, storage.Store) {
	store := storage.NewMemoryStore()
	svc, err := NewService(store, zaptest.NewLogger(t))
	require.NoError(t, err)
	return svc, store
}

func readBox(t *testing.T, store storage.Store, boxName, key string) ([]byte, bool) {
	box, err := store.Box(boxName)
	require.NoError(t, err)
	v, ok, err := box.Get(context.Background(), key)
	require.NoError(t, err)
	return v, ok
}

func TestCommitAppliesAllWrites(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	txn := svc.Begin()
	require.NoError(t, txn.Write(storage.BoxPendingOps, "op-1", []byte("op")))
	require.NoError(t, txn.Write(storage.BoxPendingOpsIndex, "order", []byte("index")))
	require.NoError(t, txn.Commit(ctx))

	v, ok := readBox(t, store, storage.BoxPendingOps, "op-1")
	assert.True(t, ok)
	assert.Equal(t, []byte("op"), v)
	v, ok = readBox(t, store, storage.BoxPendingOpsIndex, "order")
	assert.True(t, ok)
	assert.Equal(t, []byte("index"), v)

	// The log entry ends up applied.
	data, ok := readBox(t, store, storage.BoxSyncWAL, txn.ID())
	require.True(t, ok)
	var rec Record
	require.NoError(t, storage.Decode(data, &rec))
	assert.Equal(t, TxnApplied, rec.State)
	assert.NotNil(t, rec.CommittedAt)
	assert.NotNil(t, rec.AppliedAt)
}

func TestCommitWithDeleteRemovesKey(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	box, err := store.Box(storage.BoxPendingOps)
	require.NoError(t, err)
	require.NoError(t, box.Put(ctx, "op-1", []byte("op")))

	txn := svc.Begin()
	require.NoError(t, txn.Delete(storage.BoxPendingOps, "op-1"))
	require.NoError(t, txn.Commit(ctx))

	_, ok := readBox(t, store, storage.BoxPendingOps, "op-1")
	assert.False(t, ok)
}

func TestRollbackAppliesNothing(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	txn := svc.Begin()
	require.NoError(t, txn.Write(storage.BoxPendingOps, "op-1", []byte("op")))
	require.NoError(t, txn.Rollback(ctx))

	_, ok := readBox(t, store, storage.BoxPendingOps, "op-1")
	assert.False(t, ok)

	data, ok := readBox(t, store, storage.BoxSyncWAL, txn.ID())
	require.True(t, ok)
	var rec Record
	require.NoError(t, storage.Decode(data, &rec))
	assert.Equal(t, TxnFailed, rec.State)
}

func TestClosedTxnRejectsFurtherUse(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	txn := svc.Begin()
	require.NoError(t, txn.Commit(ctx))
	assert.Error(t, txn.Write(storage.BoxPendingOps, "k", []byte("v")))
	assert.Error(t, txn.Commit(ctx))
	assert.Error(t, txn.Rollback(ctx))
}

// A committed-but-unapplied record simulates a crash between the commit
// flush and the target writes. Recovery must replay it.
func TestRecoverReplaysCommitted(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	now := time.Now().UTC()
	rec := Record{
		SchemaVersion: storage.CurrentSchemaVersion,
		TxnID:         newTxnID(now),
		State:         TxnCommitted,
		StartedAt:     now,
		CommittedAt:   &now,
		Ops: []StagedWrite{
			{Box: storage.BoxPendingOps, Key: "op-9", Value: []byte("op")},
			{Box: storage.BoxPendingOpsIndex, Key: "order", Value: []byte("index")},
		},
	}
	data, err := storage.Encode(&rec)
	require.NoError(t, err)
	walBox, err := store.Box(storage.BoxSyncWAL)
	require.NoError(t, err)
	require.NoError(t, walBox.Put(ctx, rec.TxnID, data))

	report, err := svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Replayed)
	assert.Equal(t, 0, report.Discarded)

	_, ok := readBox(t, store, storage.BoxPendingOps, "op-9")
	assert.True(t, ok)
	_, ok = readBox(t, store, storage.BoxPendingOpsIndex, "order")
	assert.True(t, ok)
}

// A pending record simulates a crash before the commit flush. Recovery
// must discard it without touching the target boxes.
func TestRecoverDiscardsPending(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	now := time.Now().UTC()
	rec := Record{
		SchemaVersion: storage.CurrentSchemaVersion,
		TxnID:         newTxnID(now),
		State:         TxnPending,
		StartedAt:     now,
		Ops:           []StagedWrite{{Box: storage.BoxPendingOps, Key: "op-9", Value: []byte("op")}},
	}
	data, err := storage.Encode(&rec)
	require.NoError(t, err)
	walBox, err := store.Box(storage.BoxSyncWAL)
	require.NoError(t, err)
	require.NoError(t, walBox.Put(ctx, rec.TxnID, data))

	report, err := svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Replayed)
	assert.Equal(t, 1, report.Discarded)

	_, ok := readBox(t, store, storage.BoxPendingOps, "op-9")
	assert.False(t, ok)

	data, ok = readBox(t, store, storage.BoxSyncWAL, rec.TxnID)
	require.True(t, ok)
	var after Record
	require.NoError(t, storage.Decode(data, &after))
	assert.Equal(t, TxnFailed, after.State)
}

func TestRecoverIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	txn := svc.Begin()
	require.NoError(t, txn.Write(storage.BoxPendingOps, "op-1", []byte("op")))
	require.NoError(t, txn.Commit(ctx))

	for i := 0; i < 2; i++ {
		report, err := svc.Recover(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, report.Replayed)
		assert.Equal(t, 0, report.Discarded)
	}
}

func TestPruneRemovesOldTerminalEntries(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	txn := svc.Begin()
	require.NoError(t, txn.Write(storage.BoxPendingOps, "op-1", []byte("op")))
	require.NoError(t, txn.Commit(ctx))

	// Not old enough yet.
	pruned, err := svc.Prune(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, pruned)

	pruned, err = svc.Prune(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	walBox, err := store.Box(storage.BoxSyncWAL)
	require.NoError(t, err)
	n, err := walBox.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestTxnIDsSortByTime(t *testing.T) {
	a := newTxnID(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := newTxnID(time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC))
	assert.Less(t, a, b)
}
