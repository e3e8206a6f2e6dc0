package badger

import (
	"context"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/pagedfs/pkg/store"
)

// Object is the badger store's data object handle, implementing
// store.DataObject.
//
// Multiple handles may refer to the same object; committed state is shared
// through the store.
type Object struct {
	store *Store
	obj   *object
}

// ObjectID implements store.DataObject.
func (o *Object) ObjectID() uint64 { return o.obj.id }

// OwnerID implements store.DataObject.
func (o *Object) OwnerID() uint64 { return o.obj.ownerID }

// ReadAt implements store.DataObject. Holes and the region past the
// content size read as zeroes. The extent index is snapshotted under the
// store mutex; data is read from the database outside it.
func (o *Object) ReadAt(ctx context.Context, buf []byte, offset uint64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r := store.Range{Start: offset, End: offset + uint64(len(buf))}
	o.store.mu.Lock()
	var covered []extentMeta
	for _, ext := range o.obj.extents {
		if !ext.rng.Intersect(r).IsEmpty() {
			covered = append(covered, ext)
		}
	}
	o.store.mu.Unlock()

	for i := range buf {
		buf[i] = 0
	}
	err := o.store.db.View(func(txn *badger.Txn) error {
		for _, ext := range covered {
			item, err := txn.Get(keyExtent(o.obj.id, ext.rng.Start))
			if err == badger.ErrKeyNotFound {
				// Deleted between snapshot and read; it reads as a hole.
				continue
			}
			if err != nil {
				return err
			}
			overlap := ext.rng.Intersect(r)
			if err := item.Value(func(val []byte) error {
				data := val[1:]
				copy(buf[overlap.Start-offset:], data[overlap.Start-ext.rng.Start:overlap.End-ext.rng.Start])
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reading object %d at %d: %w", o.obj.id, offset, err)
	}
	return len(buf), nil
}

// GetProperties implements store.DataObject.
func (o *Object) GetProperties(ctx context.Context) (store.ObjectProperties, error) {
	if err := ctx.Err(); err != nil {
		return store.ObjectProperties{}, err
	}
	o.store.mu.Lock()
	defer o.store.mu.Unlock()
	props := store.ObjectProperties{
		ContentSize: o.obj.contentSize,
		CreateTime:  o.obj.createTime,
		ModifyTime:  o.obj.modifyTime,
	}
	for _, ext := range o.obj.extents {
		props.StorageSize += ext.rng.Length()
		if ext.overwrite {
			props.HasOverwriteExtents = true
		}
	}
	return props, nil
}

// txnFor asserts the transaction belongs to this store.
func (o *Object) txnFor(txn store.Transaction) (*transaction, error) {
	t, ok := txn.(*transaction)
	if !ok || t.store != o.store {
		return nil, fmt.Errorf("transaction from a different store: %w", store.ErrInternalConsistency)
	}
	return t, nil
}

func validateRanges(ranges []store.Range, data []byte) error {
	var total uint64
	prev := uint64(0)
	for i, r := range ranges {
		if r.IsEmpty() {
			return fmt.Errorf("range %d is empty: %w", i, store.ErrInvalidRange)
		}
		if i > 0 && r.Start < prev {
			return fmt.Errorf("ranges not ascending and disjoint: %w", store.ErrInvalidRange)
		}
		prev = r.End
		total += r.Length()
	}
	if data != nil && total != uint64(len(data)) {
		return fmt.Errorf("payload is %d bytes for %d bytes of ranges: %w", len(data), total, store.ErrInvalidRange)
	}
	return nil
}

// MultiWrite implements store.DataObject.
func (o *Object) MultiWrite(txn store.Transaction, ranges []store.Range, data []byte) error {
	t, err := o.txnFor(txn)
	if err != nil {
		return err
	}
	if err := validateRanges(ranges, data); err != nil {
		return err
	}
	t.stage(mutation{kind: opMultiWrite, obj: o.obj, ranges: ranges, data: data})
	return nil
}

// MultiOverwrite implements store.DataObject.
func (o *Object) MultiOverwrite(txn store.Transaction, ranges []store.Range, data []byte) error {
	t, err := o.txnFor(txn)
	if err != nil {
		return err
	}
	if err := validateRanges(ranges, data); err != nil {
		return err
	}
	for _, r := range ranges {
		if !o.insideOverwriteExtent(r) {
			return fmt.Errorf("overwrite of [%d,%d) outside any overwrite extent: %w", r.Start, r.End, store.ErrInvalidRange)
		}
	}
	t.stage(mutation{kind: opMultiOverwrite, obj: o.obj, ranges: ranges, data: data})
	return nil
}

func (o *Object) insideOverwriteExtent(r store.Range) bool {
	o.obj.overwriteMu.Lock()
	defer o.obj.overwriteMu.Unlock()
	for _, ow := range o.obj.overwriteRanges {
		if r.Start >= ow.Start && r.End <= ow.End {
			return true
		}
	}
	return false
}

// Zero implements store.DataObject.
func (o *Object) Zero(txn store.Transaction, r store.Range) error {
	t, err := o.txnFor(txn)
	if err != nil {
		return err
	}
	if r.IsEmpty() {
		return nil
	}
	t.stage(mutation{kind: opZero, obj: o.obj, ranges: []store.Range{r}})
	return nil
}

// Allocate implements store.DataObject.
func (o *Object) Allocate(txn store.Transaction, r store.Range) error {
	t, err := o.txnFor(txn)
	if err != nil {
		return err
	}
	if r.IsEmpty() {
		return fmt.Errorf("allocate of empty range: %w", store.ErrInvalidRange)
	}
	t.stage(mutation{kind: opAllocate, obj: o.obj, ranges: []store.Range{r}})
	return nil
}

// Shrink implements store.DataObject. needsTrim is computed against
// committed state at staging time; the engine holds the object's flush lock
// so no competing mutation can change the answer before commit.
func (o *Object) Shrink(txn store.Transaction, newSize uint64) (bool, error) {
	t, err := o.txnFor(txn)
	if err != nil {
		return false, err
	}
	o.store.mu.Lock()
	beyond := 0
	for i := len(o.obj.extents) - 1; i >= 0; i-- {
		if o.obj.extents[i].rng.End <= newSize {
			break
		}
		beyond++
	}
	budget := o.store.deletionBudget
	o.store.mu.Unlock()
	t.stage(mutation{kind: opShrink, obj: o.obj, size: newSize})
	return beyond > budget, nil
}

// UpdateAttributes implements store.DataObject.
func (o *Object) UpdateAttributes(txn store.Transaction, attrs store.ObjectAttributes) error {
	t, err := o.txnFor(txn)
	if err != nil {
		return err
	}
	t.stage(mutation{kind: opUpdateAttributes, obj: o.obj, attrs: attrs})
	return nil
}

// OverwriteRanges implements store.DataObject.
func (o *Object) OverwriteRanges() []store.Range {
	o.obj.overwriteMu.Lock()
	defer o.obj.overwriteMu.Unlock()
	out := make([]store.Range, len(o.obj.overwriteRanges))
	copy(out, o.obj.overwriteRanges)
	return out
}

// TruncateOverwriteRanges implements store.DataObject.
func (o *Object) TruncateOverwriteRanges(newSize uint64) {
	o.obj.overwriteMu.Lock()
	defer o.obj.overwriteMu.Unlock()
	var out []store.Range
	for _, r := range o.obj.overwriteRanges {
		if r.Start >= newSize {
			continue
		}
		if r.End > newSize {
			r.End = newSize
		}
		out = append(out, r)
	}
	o.obj.overwriteRanges = out
}
