package badger

import (
	"fmt"
	"sort"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/pagedfs/pkg/store"
)

// shadowObject is a transaction's private copy of one object's index and
// attributes. Mutations apply to the shadow and stage key writes in the
// database transaction; publish swaps the shadow into the cached object
// only after the database commit succeeds, so a failed commit leaves the
// cache untouched.
type shadowObject struct {
	obj        *object
	attrs      attrsRecord
	attrsDirty bool
	extents    []extentMeta

	// Deferred side effects, applied on publish.
	freed          uint64
	mergeOverwrite []store.Range
}

func newShadow(obj *object) *shadowObject {
	sh := &shadowObject{obj: obj, attrs: obj.attrs()}
	sh.extents = append(sh.extents, obj.extents...)
	return sh
}

// publish installs the shadow state. Caller holds the store mutex and the
// database commit has succeeded.
func (sh *shadowObject) publish(s *Store) {
	obj := sh.obj
	obj.contentSize = sh.attrs.contentSize
	obj.createTime = sh.attrs.createTime
	obj.modifyTime = sh.attrs.modifyTime
	obj.extents = sh.extents
	if sh.freed > 0 {
		s.alloc.FreeAllocation(obj.ownerID, sh.freed)
	}
	for _, r := range sh.mergeOverwrite {
		mergeOverwriteRange(obj, r)
	}
}

// applyInTxn applies one staged mutation to the shadow, writing and
// deleting extent keys in the database transaction. Caller holds the store
// mutex.
func (s *Store) applyInTxn(txn *badger.Txn, sh *shadowObject, m mutation) error {
	switch m.kind {
	case opMultiWrite, opMultiOverwrite:
		offset := 0
		for _, r := range m.ranges {
			n := int(r.Length())
			data := m.data[offset : offset+n]
			offset += n
			if m.kind == opMultiOverwrite {
				if err := sh.overwriteInTxn(txn, r, data); err != nil {
					return err
				}
				continue
			}
			if err := sh.carveInTxn(txn, r); err != nil {
				return err
			}
			if err := sh.setExtentInTxn(txn, extentMeta{rng: r}, data); err != nil {
				return err
			}
		}
	case opZero:
		if err := sh.carveInTxn(txn, m.ranges[0]); err != nil {
			return err
		}
	case opAllocate:
		r := m.ranges[0]
		for _, gap := range unallocatedGaps(sh.extents, r) {
			meta := extentMeta{rng: gap, overwrite: true}
			if err := sh.setExtentInTxn(txn, meta, make([]byte, gap.Length())); err != nil {
				return err
			}
		}
		sh.mergeOverwrite = append(sh.mergeOverwrite, r)
	case opShrink:
		if err := sh.shrinkInTxn(txn, m.size, s.deletionBudget); err != nil {
			return err
		}
	case opUpdateAttributes:
		if m.attrs.ContentSize != nil {
			sh.attrs.contentSize = *m.attrs.ContentSize
		}
		if m.attrs.CreateTime != nil {
			sh.attrs.createTime = *m.attrs.CreateTime
		}
		if m.attrs.ModifyTime != nil {
			sh.attrs.modifyTime = *m.attrs.ModifyTime
		}
		sh.attrsDirty = true
	}
	return nil
}

// getExtentData reads an extent's flags and data bytes.
func (sh *shadowObject) getExtentData(txn *badger.Txn, start uint64) (byte, []byte, error) {
	item, err := txn.Get(keyExtent(sh.obj.id, start))
	if err != nil {
		return 0, nil, fmt.Errorf("extent of object %d at %d: %w", sh.obj.id, start, err)
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return 0, nil, err
	}
	return val[0], val[1:], nil
}

// setExtentInTxn writes an extent record and inserts it into the shadow
// index. Any overlap must have been carved out first.
func (sh *shadowObject) setExtentInTxn(txn *badger.Txn, meta extentMeta, data []byte) error {
	val := make([]byte, 1+len(data))
	if meta.overwrite {
		val[0] = extentFlagOverwrite
	}
	copy(val[1:], data)
	if err := txn.Set(keyExtent(sh.obj.id, meta.rng.Start), val); err != nil {
		return err
	}
	i := sort.Search(len(sh.extents), func(i int) bool {
		return sh.extents[i].rng.Start >= meta.rng.Start
	})
	sh.extents = append(sh.extents, extentMeta{})
	copy(sh.extents[i+1:], sh.extents[i:])
	sh.extents[i] = meta
	return nil
}

// carveInTxn removes the parts of extents overlapping r, splitting
// straddling extents, and accounts the freed bytes for publish.
func (sh *shadowObject) carveInTxn(txn *badger.Txn, r store.Range) error {
	var out []extentMeta
	for _, ext := range sh.extents {
		overlap := ext.rng.Intersect(r)
		if overlap.IsEmpty() {
			out = append(out, ext)
			continue
		}
		sh.freed += overlap.Length()
		flags, data, err := sh.getExtentData(txn, ext.rng.Start)
		if err != nil {
			return err
		}
		if err := txn.Delete(keyExtent(sh.obj.id, ext.rng.Start)); err != nil {
			return err
		}
		if ext.rng.Start < overlap.Start {
			left := extentMeta{
				rng:       store.Range{Start: ext.rng.Start, End: overlap.Start},
				overwrite: flags&extentFlagOverwrite != 0,
			}
			val := make([]byte, 1+left.rng.Length())
			val[0] = flags
			copy(val[1:], data[:left.rng.Length()])
			if err := txn.Set(keyExtent(sh.obj.id, left.rng.Start), val); err != nil {
				return err
			}
			out = append(out, left)
		}
		if ext.rng.End > overlap.End {
			right := extentMeta{
				rng:       store.Range{Start: overlap.End, End: ext.rng.End},
				overwrite: flags&extentFlagOverwrite != 0,
			}
			val := make([]byte, 1+right.rng.Length())
			val[0] = flags
			copy(val[1:], data[overlap.End-ext.rng.Start:])
			if err := txn.Set(keyExtent(sh.obj.id, right.rng.Start), val); err != nil {
				return err
			}
			out = append(out, right)
		}
	}
	sh.extents = out
	return nil
}

// overwriteInTxn copies data into the extents covering r in place, without
// changing allocation. The engine guarantees overwrite ranges lie inside
// pre-allocated extents.
func (sh *shadowObject) overwriteInTxn(txn *badger.Txn, r store.Range, data []byte) error {
	for _, ext := range sh.extents {
		overlap := ext.rng.Intersect(r)
		if overlap.IsEmpty() {
			continue
		}
		flags, extData, err := sh.getExtentData(txn, ext.rng.Start)
		if err != nil {
			return err
		}
		copy(extData[overlap.Start-ext.rng.Start:],
			data[overlap.Start-r.Start:overlap.End-r.Start])
		val := make([]byte, 1+len(extData))
		val[0] = flags
		copy(val[1:], extData)
		if err := txn.Set(keyExtent(sh.obj.id, ext.rng.Start), val); err != nil {
			return err
		}
	}
	return nil
}

// shrinkInTxn truncates the object to newSize, deleting extents beyond it
// up to the budget. The straddling extent, if any, is clipped and counts
// against the budget.
func (sh *shadowObject) shrinkInTxn(txn *badger.Txn, newSize uint64, budget int) error {
	sh.attrs.contentSize = newSize
	sh.attrsDirty = true
	deleted := 0
	for i := len(sh.extents) - 1; i >= 0 && deleted < budget; i-- {
		ext := sh.extents[i]
		if ext.rng.Start < newSize {
			if ext.rng.End > newSize {
				keep := newSize - ext.rng.Start
				flags, data, err := sh.getExtentData(txn, ext.rng.Start)
				if err != nil {
					return err
				}
				val := make([]byte, 1+keep)
				val[0] = flags
				copy(val[1:], data[:keep])
				if err := txn.Set(keyExtent(sh.obj.id, ext.rng.Start), val); err != nil {
					return err
				}
				sh.freed += ext.rng.End - newSize
				sh.extents[i].rng.End = newSize
				deleted++
			}
			break
		}
		if err := txn.Delete(keyExtent(sh.obj.id, ext.rng.Start)); err != nil {
			return err
		}
		sh.freed += ext.rng.Length()
		sh.extents = sh.extents[:i]
		deleted++
	}
	return nil
}

// ============================================================================
// Index helpers (caller holds the store mutex)
// ============================================================================

// unallocatedGaps returns the sub-ranges of r not covered by any extent.
func unallocatedGaps(extents []extentMeta, r store.Range) []store.Range {
	var gaps []store.Range
	cursor := r.Start
	for _, ext := range extents {
		if ext.rng.End <= cursor {
			continue
		}
		if ext.rng.Start >= r.End {
			break
		}
		if ext.rng.Start > cursor {
			gaps = append(gaps, store.Range{Start: cursor, End: min(ext.rng.Start, r.End)})
		}
		cursor = max(cursor, ext.rng.End)
		if cursor >= r.End {
			break
		}
	}
	if cursor < r.End {
		gaps = append(gaps, store.Range{Start: cursor, End: r.End})
	}
	return gaps
}

func unallocatedLength(obj *object, r store.Range) uint64 {
	var total uint64
	for _, gap := range unallocatedGaps(obj.extents, r) {
		total += gap.Length()
	}
	return total
}

// mergeOverwriteRange adds r to the object's in-memory overwrite mirror,
// coalescing with neighbors.
func mergeOverwriteRange(obj *object, r store.Range) {
	obj.overwriteMu.Lock()
	defer obj.overwriteMu.Unlock()
	merged := append([]store.Range{}, obj.overwriteRanges...)
	merged = append(merged, r)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Start < merged[j].Start })
	var out []store.Range
	for _, cur := range merged {
		if len(out) > 0 && cur.Start <= out[len(out)-1].End {
			if cur.End > out[len(out)-1].End {
				out[len(out)-1].End = cur.End
			}
			continue
		}
		out = append(out, cur)
	}
	obj.overwriteRanges = out
}
