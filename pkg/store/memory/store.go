// Package memory provides an in-memory implementation of the store
// contracts in pkg/store.
//
// This implementation keeps every object's extents in process memory. It is
// suitable for:
//   - The paged-file engine's unit and scenario tests
//   - Development and benchmarks where persistence is not needed
//   - Acting as the reference for store semantics (the badger store must
//     behave observably the same)
//
// It also carries the commit fault injection hook the engine tests use to
// exercise partial-flush recovery: see Store.FailCommits.
//
// Thread Safety:
// All operations are protected by a single store mutex. Transactions stage
// mutations privately and apply them under the mutex at commit, so a commit
// is atomic with respect to readers and other commits.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/marmos91/pagedfs/pkg/store"
)

// DefaultExtentDeletionBudget bounds how many extent deletions one shrink
// or trim transaction may carry. Freeing many scattered extents can exceed
// a single transaction's mutation budget, which is why truncation is split
// into shrink + trim phases.
const DefaultExtentDeletionBudget = 8

// extent is one contiguous committed run of bytes.
type extent struct {
	rng       store.Range
	data      []byte
	overwrite bool
}

// object holds the committed state of one data object.
type object struct {
	id          uint64
	ownerID     uint64
	contentSize uint64
	createTime  int64
	modifyTime  int64
	extents     []extent // ascending, disjoint

	// overwriteMu guards the in-memory overwrite range mirror, which is
	// read by mark-dirty classification without a transaction.
	overwriteMu     sync.Mutex
	overwriteRanges []store.Range
}

// Store is the in-memory store implementation.
type Store struct {
	mu      sync.Mutex
	alloc   *store.SimpleAllocator
	objects map[uint64]*object
	nextID  uint64

	locks struct {
		sync.Mutex
		held map[store.LockKey]chan struct{}
	}

	fault struct {
		sync.Mutex
		skip  int // commits to let through before failing
		count int // commits to fail once triggered
		err   error
	}

	deletionBudget int
}

// NewStore creates an in-memory store whose allocator manages capacity
// bytes (0 = unbounded).
func NewStore(capacity uint64) *Store {
	s := &Store{
		alloc:          store.NewSimpleAllocator(capacity),
		objects:        make(map[uint64]*object),
		nextID:         1,
		deletionBudget: DefaultExtentDeletionBudget,
	}
	s.locks.held = make(map[store.LockKey]chan struct{})
	return s
}

// SetExtentDeletionBudget overrides the per-transaction extent deletion
// budget. Tests use small budgets to force multi-phase truncation.
func (s *Store) SetExtentDeletionBudget(n int) {
	s.mu.Lock()
	s.deletionBudget = n
	s.mu.Unlock()
}

// FailCommits arms commit fault injection: the next skip commits succeed,
// then count commits fail with err (store.ErrInjectedFailure if err is
// nil). Trim transactions count as commits.
func (s *Store) FailCommits(skip, count int, err error) {
	if err == nil {
		err = store.ErrInjectedFailure
	}
	s.fault.Lock()
	s.fault.skip = skip
	s.fault.count = count
	s.fault.err = err
	s.fault.Unlock()
}

// commitFault returns the injected error for this commit, if armed.
func (s *Store) commitFault() error {
	s.fault.Lock()
	defer s.fault.Unlock()
	if s.fault.count == 0 {
		return nil
	}
	if s.fault.skip > 0 {
		s.fault.skip--
		return nil
	}
	s.fault.count--
	return s.fault.err
}

// CreateObject creates a new empty data object for ownerID and returns its
// handle.
func (s *Store) CreateObject(ownerID uint64) *Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UnixNano()
	obj := &object{
		id:         s.nextID,
		ownerID:    ownerID,
		createTime: now,
		modifyTime: now,
	}
	s.nextID++
	s.objects[obj.id] = obj
	return &Object{store: s, obj: obj}
}

// OpenObject returns a handle to an existing object.
func (s *Store) OpenObject(objectID uint64) (*Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[objectID]
	if !ok {
		return nil, fmt.Errorf("object %d: %w", objectID, store.ErrObjectNotFound)
	}
	return &Object{store: s, obj: obj}, nil
}

// Allocator implements store.Store.
func (s *Store) Allocator() store.Allocator {
	return s.alloc
}

// BaseAllocator returns the concrete allocator for accounting assertions in
// tests.
func (s *Store) BaseAllocator() *store.SimpleAllocator {
	return s.alloc
}

// ============================================================================
// Locking
// ============================================================================

func (s *Store) acquireLocks(ctx context.Context, keys []store.LockKey) error {
	// Sorted acquisition order prevents deadlock between transactions
	// taking overlapping key sets.
	sorted := make([]store.LockKey, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ObjectID < sorted[j].ObjectID })

	acquired := 0
	for _, key := range sorted {
		for {
			s.locks.Lock()
			ch, held := s.locks.held[key]
			if !held {
				s.locks.held[key] = make(chan struct{})
				s.locks.Unlock()
				acquired++
				break
			}
			s.locks.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				s.releaseLocks(sorted[:acquired])
				return ctx.Err()
			}
		}
	}
	return nil
}

func (s *Store) releaseLocks(keys []store.LockKey) {
	s.locks.Lock()
	defer s.locks.Unlock()
	for _, key := range keys {
		if ch, held := s.locks.held[key]; held {
			delete(s.locks.held, key)
			close(ch)
		}
	}
}

// NewTransaction implements store.Store. It blocks until the lock keys are
// available or ctx is done.
func (s *Store) NewTransaction(ctx context.Context, keys []store.LockKey, opts store.TransactionOptions) (store.Transaction, error) {
	if err := s.acquireLocks(ctx, keys); err != nil {
		return nil, err
	}
	return &transaction{store: s, keys: keys, opts: opts}, nil
}

// ============================================================================
// Transactions
// ============================================================================

type mutationKind int

const (
	opMultiWrite mutationKind = iota
	opMultiOverwrite
	opZero
	opAllocate
	opShrink
	opUpdateAttributes
)

type mutation struct {
	kind   mutationKind
	obj    *object
	ranges []store.Range
	data   []byte
	size   uint64
	attrs  store.ObjectAttributes
}

type transaction struct {
	store    *Store
	keys     []store.LockKey
	opts     store.TransactionOptions
	muts     []mutation
	finished bool
}

func (t *transaction) stage(m mutation) {
	t.muts = append(t.muts, m)
}

// Commit implements store.Transaction.
func (t *transaction) Commit(ctx context.Context) error {
	if t.finished {
		return fmt.Errorf("transaction reused after finish: %w", store.ErrInternalConsistency)
	}
	t.finished = true
	defer t.store.releaseLocks(t.keys)

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.store.commitFault(); err != nil {
		return err
	}

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	// First pass: account new allocations so a commit that cannot be funded
	// fails before any object state changes.
	var newBytes uint64
	var owner uint64
	for _, m := range t.muts {
		owner = m.obj.ownerID
		switch m.kind {
		case opMultiWrite:
			for _, r := range m.ranges {
				newBytes += r.Length()
			}
		case opAllocate:
			newBytes += unallocatedLength(m.obj, m.ranges[0])
		}
	}
	if newBytes > 0 {
		if err := s.alloc.CommitAllocation(owner, newBytes, t.opts.Reservation); err != nil {
			return err
		}
	}

	for _, m := range t.muts {
		s.applyLocked(m)
	}
	return nil
}

// Discard implements store.Transaction.
func (t *transaction) Discard() {
	if t.finished {
		return
	}
	t.finished = true
	t.muts = nil
	t.store.releaseLocks(t.keys)
}

// applyLocked applies one staged mutation. Caller holds s.mu.
func (s *Store) applyLocked(m mutation) {
	obj := m.obj
	switch m.kind {
	case opMultiWrite, opMultiOverwrite:
		offset := 0
		for _, r := range m.ranges {
			n := int(r.Length())
			data := make([]byte, n)
			copy(data, m.data[offset:offset+n])
			offset += n
			if m.kind == opMultiOverwrite {
				writeInPlace(obj, r, data)
			} else {
				freed := carveOut(obj, r)
				s.alloc.FreeAllocation(obj.ownerID, freed)
				insertExtent(obj, extent{rng: r, data: data})
			}
		}
	case opZero:
		freed := carveOut(obj, m.ranges[0])
		s.alloc.FreeAllocation(obj.ownerID, freed)
	case opAllocate:
		// Content size is the engine's to manage; allocation only carves
		// overwrite extents, staged alongside an attribute update when the
		// range grows the file.
		r := m.ranges[0]
		for _, gap := range unallocatedGaps(obj, r) {
			insertExtent(obj, extent{rng: gap, data: make([]byte, gap.Length()), overwrite: true})
		}
		mergeOverwriteRange(obj, r)
	case opShrink:
		obj.contentSize = m.size
		deleted := 0
		for i := len(obj.extents) - 1; i >= 0 && deleted < s.deletionBudget; i-- {
			ext := obj.extents[i]
			if ext.rng.Start < m.size {
				if ext.rng.End > m.size {
					// Clip the straddling extent; counts against the budget.
					keep := m.size - ext.rng.Start
					s.alloc.FreeAllocation(obj.ownerID, ext.rng.End-m.size)
					obj.extents[i].rng.End = m.size
					obj.extents[i].data = ext.data[:keep]
					deleted++
				}
				break
			}
			s.alloc.FreeAllocation(obj.ownerID, ext.rng.Length())
			obj.extents = obj.extents[:i]
			deleted++
		}
	case opUpdateAttributes:
		if m.attrs.ContentSize != nil {
			obj.contentSize = *m.attrs.ContentSize
		}
		if m.attrs.CreateTime != nil {
			obj.createTime = *m.attrs.CreateTime
		}
		if m.attrs.ModifyTime != nil {
			obj.modifyTime = *m.attrs.ModifyTime
		}
	}
}

// TrimObject implements store.Store. Extents beyond the object's content
// size are deleted in budget-bounded batches, each batch being its own
// commit (and its own fault injection point).
func (s *Store) TrimObject(ctx context.Context, objectID uint64) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.commitFault(); err != nil {
			return err
		}
		s.mu.Lock()
		obj, ok := s.objects[objectID]
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("trim object %d: %w", objectID, store.ErrObjectNotFound)
		}
		deleted := 0
		for i := len(obj.extents) - 1; i >= 0 && deleted < s.deletionBudget; i-- {
			ext := obj.extents[i]
			if ext.rng.Start < obj.contentSize {
				if ext.rng.End > obj.contentSize {
					// A budget-exhausted shrink can leave the straddling
					// extent unclipped; finish the job here.
					keep := obj.contentSize - ext.rng.Start
					s.alloc.FreeAllocation(obj.ownerID, ext.rng.End-obj.contentSize)
					obj.extents[i].rng.End = obj.contentSize
					obj.extents[i].data = ext.data[:keep]
					deleted++
				}
				break
			}
			s.alloc.FreeAllocation(obj.ownerID, ext.rng.Length())
			obj.extents = obj.extents[:i]
			deleted++
		}
		s.mu.Unlock()
		if deleted < s.deletionBudget {
			return nil
		}
	}
}

// ============================================================================
// Extent bookkeeping helpers (caller holds s.mu)
// ============================================================================

// carveOut removes the parts of extents overlapping r, splitting straddling
// extents, and returns how many allocated bytes were freed.
func carveOut(obj *object, r store.Range) uint64 {
	var out []extent
	var freed uint64
	for _, ext := range obj.extents {
		overlap := ext.rng.Intersect(r)
		if overlap.IsEmpty() {
			out = append(out, ext)
			continue
		}
		freed += overlap.Length()
		if ext.rng.Start < overlap.Start {
			left := ext
			left.rng.End = overlap.Start
			left.data = ext.data[:overlap.Start-ext.rng.Start]
			out = append(out, left)
		}
		if ext.rng.End > overlap.End {
			right := ext
			right.rng.Start = overlap.End
			right.data = ext.data[overlap.End-ext.rng.Start:]
			out = append(out, right)
		}
	}
	obj.extents = out
	return freed
}

// insertExtent inserts ext keeping the slice ascending. The caller must
// have carved out any overlap first.
func insertExtent(obj *object, ext extent) {
	i := sort.Search(len(obj.extents), func(i int) bool {
		return obj.extents[i].rng.Start >= ext.rng.Start
	})
	obj.extents = append(obj.extents, extent{})
	copy(obj.extents[i+1:], obj.extents[i:])
	obj.extents[i] = ext
}

// writeInPlace copies data into the extents covering r without changing
// allocation. Ranges outside any extent are ignored; the engine guarantees
// overwrite ranges lie inside pre-allocated extents.
func writeInPlace(obj *object, r store.Range, data []byte) {
	for i := range obj.extents {
		overlap := obj.extents[i].rng.Intersect(r)
		if overlap.IsEmpty() {
			continue
		}
		copy(obj.extents[i].data[overlap.Start-obj.extents[i].rng.Start:],
			data[overlap.Start-r.Start:overlap.End-r.Start])
	}
}

// unallocatedGaps returns the sub-ranges of r not covered by any extent.
func unallocatedGaps(obj *object, r store.Range) []store.Range {
	var gaps []store.Range
	cursor := r.Start
	for _, ext := range obj.extents {
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
	for _, gap := range unallocatedGaps(obj, r) {
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
