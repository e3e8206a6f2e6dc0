package badger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/pagedfs/pkg/store"
)

func openStore(t *testing.T, dir string, capacity uint64) *Store {
	t.Helper()
	st, err := NewStore(context.Background(), Config{Path: dir, Capacity: capacity})
	require.NoError(t, err)
	return st
}

func pattern(n int, b byte) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = b
	}
	return data
}

func borrowTxn(t *testing.T, st *Store, obj *Object) store.Transaction {
	t.Helper()
	txn, err := st.NewTransaction(context.Background(),
		[]store.LockKey{{ObjectID: obj.ObjectID()}},
		store.TransactionOptions{BorrowMetadataSpace: true})
	require.NoError(t, err)
	return txn
}

func commitWrite(t *testing.T, st *Store, obj *Object, r store.Range, data []byte) {
	t.Helper()
	txn := borrowTxn(t, st, obj)
	defer txn.Discard()
	require.NoError(t, obj.MultiWrite(txn, []store.Range{r}, data))
	require.NoError(t, txn.Commit(context.Background()))
}

func readRange(t *testing.T, obj *Object, r store.Range) []byte {
	t.Helper()
	buf := make([]byte, r.Length())
	_, err := obj.ReadAt(context.Background(), buf, r.Start)
	require.NoError(t, err)
	return buf
}

func TestWriteReadRoundtrip(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, t.TempDir(), 0)
	defer st.Close()

	obj, err := st.CreateObject(ctx, 7)
	require.NoError(t, err)

	data := pattern(100, 0xAB)
	commitWrite(t, st, obj, store.Range{Start: 0, End: 100}, data)

	assert.Equal(t, data, readRange(t, obj, store.Range{Start: 0, End: 100}))
	assert.Equal(t, pattern(50, 0x00), readRange(t, obj, store.Range{Start: 100, End: 150}),
		"holes read as zeroes")
	assert.Equal(t, uint64(100), st.BaseAllocator().AllocatedBytes(7))
}

func TestStateSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	st := openStore(t, dir, 0)
	obj, err := st.CreateObject(ctx, 7)
	require.NoError(t, err)
	id := obj.ObjectID()

	commitWrite(t, st, obj, store.Range{Start: 0, End: 100}, pattern(100, 0x11))
	commitWrite(t, st, obj, store.Range{Start: 200, End: 300}, pattern(100, 0x22))

	txn := borrowTxn(t, st, obj)
	require.NoError(t, obj.Allocate(txn, store.Range{Start: 300, End: 400}))
	size := uint64(400)
	mtime := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC).UnixNano()
	require.NoError(t, obj.UpdateAttributes(txn, store.ObjectAttributes{ContentSize: &size, ModifyTime: &mtime}))
	require.NoError(t, txn.Commit(ctx))
	require.NoError(t, st.Close())

	reopened := openStore(t, dir, 0)
	defer reopened.Close()

	obj2, err := reopened.OpenObject(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), obj2.OwnerID())

	// The index rebuild restores content, attributes, the overwrite
	// mirror, and allocator accounting.
	assert.Equal(t, pattern(100, 0x11), readRange(t, obj2, store.Range{Start: 0, End: 100}))
	assert.Equal(t, pattern(100, 0x22), readRange(t, obj2, store.Range{Start: 200, End: 300}))

	props, err := obj2.GetProperties(ctx)
	require.NoError(t, err)
	assert.Equal(t, size, props.ContentSize)
	assert.Equal(t, mtime, props.ModifyTime)
	assert.Equal(t, uint64(300), props.StorageSize)
	assert.True(t, props.HasOverwriteExtents)

	ranges := obj2.OverwriteRanges()
	require.Len(t, ranges, 1)
	assert.Equal(t, store.Range{Start: 300, End: 400}, ranges[0])

	assert.Equal(t, uint64(300), reopened.BaseAllocator().AllocatedBytes(7))
}

func TestObjectIDsContinueAfterReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	st := openStore(t, dir, 0)
	first, err := st.CreateObject(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	reopened := openStore(t, dir, 0)
	defer reopened.Close()
	second, err := reopened.CreateObject(ctx, 1)
	require.NoError(t, err)
	assert.Greater(t, second.ObjectID(), first.ObjectID())
}

func TestRewriteCarvesOldExtent(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, t.TempDir(), 0)
	defer st.Close()

	obj, err := st.CreateObject(ctx, 7)
	require.NoError(t, err)

	commitWrite(t, st, obj, store.Range{Start: 0, End: 100}, pattern(100, 0x01))
	commitWrite(t, st, obj, store.Range{Start: 50, End: 150}, pattern(100, 0x02))

	assert.Equal(t, uint64(150), st.BaseAllocator().AllocatedBytes(7))
	assert.Equal(t, pattern(50, 0x01), readRange(t, obj, store.Range{Start: 0, End: 50}))
	assert.Equal(t, pattern(100, 0x02), readRange(t, obj, store.Range{Start: 50, End: 150}))
}

func TestZeroFreesAllocation(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, t.TempDir(), 0)
	defer st.Close()

	obj, err := st.CreateObject(ctx, 7)
	require.NoError(t, err)
	commitWrite(t, st, obj, store.Range{Start: 0, End: 100}, pattern(100, 0x11))

	txn := borrowTxn(t, st, obj)
	require.NoError(t, obj.Zero(txn, store.Range{Start: 25, End: 75}))
	require.NoError(t, txn.Commit(ctx))

	assert.Equal(t, uint64(50), st.BaseAllocator().AllocatedBytes(7))
	assert.Equal(t, pattern(25, 0x11), readRange(t, obj, store.Range{Start: 0, End: 25}))
	assert.Equal(t, pattern(50, 0x00), readRange(t, obj, store.Range{Start: 25, End: 75}))
	assert.Equal(t, pattern(25, 0x11), readRange(t, obj, store.Range{Start: 75, End: 100}))
}

func TestOverwriteStaysInPlace(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, t.TempDir(), 0)
	defer st.Close()

	obj, err := st.CreateObject(ctx, 7)
	require.NoError(t, err)

	txn := borrowTxn(t, st, obj)
	require.NoError(t, obj.Allocate(txn, store.Range{Start: 0, End: 200}))
	require.NoError(t, txn.Commit(ctx))
	require.Equal(t, uint64(200), st.BaseAllocator().AllocatedBytes(7))

	txn = borrowTxn(t, st, obj)
	require.NoError(t, obj.MultiOverwrite(txn, []store.Range{{Start: 50, End: 150}}, pattern(100, 0x33)))
	require.NoError(t, txn.Commit(ctx))

	assert.Equal(t, uint64(200), st.BaseAllocator().AllocatedBytes(7))
	assert.Equal(t, pattern(50, 0x00), readRange(t, obj, store.Range{Start: 0, End: 50}))
	assert.Equal(t, pattern(100, 0x33), readRange(t, obj, store.Range{Start: 50, End: 150}))

	txn = borrowTxn(t, st, obj)
	defer txn.Discard()
	err = obj.MultiOverwrite(txn, []store.Range{{Start: 150, End: 250}}, pattern(100, 0x44))
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrInvalidRange)
}

func TestShrinkAndTrimReclaimSpace(t *testing.T) {
	ctx := context.Background()
	st, err := NewStore(ctx, Config{Path: t.TempDir(), ExtentDeletionBudget: 2})
	require.NoError(t, err)
	defer st.Close()

	obj, err := st.CreateObject(ctx, 7)
	require.NoError(t, err)

	// Five discontiguous extents of 10 bytes at 0, 20, 40, 60, 80.
	for i := uint64(0); i < 5; i++ {
		commitWrite(t, st, obj, store.Range{Start: i * 20, End: i*20 + 10}, pattern(10, byte(i+1)))
	}
	require.Equal(t, uint64(50), st.BaseAllocator().AllocatedBytes(7))

	txn := borrowTxn(t, st, obj)
	needsTrim, err := obj.Shrink(txn, 5)
	require.NoError(t, err)
	assert.True(t, needsTrim)
	require.NoError(t, txn.Commit(ctx))
	assert.Equal(t, uint64(30), st.BaseAllocator().AllocatedBytes(7))

	require.NoError(t, st.TrimObject(ctx, obj.ObjectID()))
	assert.Equal(t, uint64(5), st.BaseAllocator().AllocatedBytes(7))
	assert.Equal(t, pattern(5, 0x01), readRange(t, obj, store.Range{Start: 0, End: 5}))

	props, err := obj.GetProperties(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), props.StorageSize)
}

func TestTrimmedStateSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	st, err := NewStore(ctx, Config{Path: dir, ExtentDeletionBudget: 2})
	require.NoError(t, err)
	obj, err := st.CreateObject(ctx, 7)
	require.NoError(t, err)
	id := obj.ObjectID()

	commitWrite(t, st, obj, store.Range{Start: 0, End: 100}, pattern(100, 0x55))

	txn := borrowTxn(t, st, obj)
	_, err = obj.Shrink(txn, 40)
	require.NoError(t, err)
	require.NoError(t, txn.Commit(ctx))
	require.NoError(t, st.TrimObject(ctx, id))
	require.NoError(t, st.Close())

	reopened := openStore(t, dir, 0)
	defer reopened.Close()
	obj2, err := reopened.OpenObject(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), reopened.BaseAllocator().AllocatedBytes(7))
	assert.Equal(t, pattern(40, 0x55), readRange(t, obj2, store.Range{Start: 0, End: 40}))
}

func TestCommitFailsCleanlyWithoutCapacity(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, t.TempDir(), 50)
	defer st.Close()

	obj, err := st.CreateObject(ctx, 7)
	require.NoError(t, err)

	txn := borrowTxn(t, st, obj)
	defer txn.Discard()
	require.NoError(t, obj.MultiWrite(txn, []store.Range{{Start: 0, End: 100}}, pattern(100, 0x66)))

	err = txn.Commit(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNoSpace)
	assert.Zero(t, st.BaseAllocator().AllocatedBytes(7))
	assert.Equal(t, pattern(100, 0x00), readRange(t, obj, store.Range{Start: 0, End: 100}))
}

func TestReservationFundsCommit(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, t.TempDir(), 0)
	defer st.Close()

	obj, err := st.CreateObject(ctx, 7)
	require.NoError(t, err)

	res, err := st.BaseAllocator().Reserve(7, 100)
	require.NoError(t, err)

	txn, err := st.NewTransaction(ctx,
		[]store.LockKey{{ObjectID: obj.ObjectID()}},
		store.TransactionOptions{Reservation: res})
	require.NoError(t, err)
	require.NoError(t, obj.MultiWrite(txn, []store.Range{{Start: 0, End: 60}}, pattern(60, 0x77)))
	require.NoError(t, txn.Commit(ctx))

	assert.Equal(t, uint64(60), st.BaseAllocator().AllocatedBytes(7))
	assert.Equal(t, uint64(40), st.BaseAllocator().ReservedBytes(7))
}

func TestOpenObjectUnknownFails(t *testing.T) {
	st := openStore(t, t.TempDir(), 0)
	defer st.Close()

	_, err := st.OpenObject(999)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrObjectNotFound)
}
