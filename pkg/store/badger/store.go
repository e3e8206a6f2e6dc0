// Package badger provides a persistent implementation of the store
// contracts in pkg/store, backed by BadgerDB.
//
// This implementation keeps extent data in BadgerDB and is suitable for:
//   - Deployments where file content must survive process restarts
//   - Workloads larger than memory (Badger pages values from disk)
//
// Storage Model:
// Each object has a fixed-size record (owner, content size, timestamps) and
// one database entry per extent, keyed by object ID and start offset so
// range scans walk extents in order (see keys.go for the schema). A cached
// in-memory index of extent ranges is kept per object; extent data itself
// is read from the database on demand.
//
// Thread Safety:
// All operations are protected by a single store mutex, mirroring the
// in-memory backend. Transactions stage mutations privately and apply them
// in one BadgerDB update at commit, so a commit is atomic with respect to
// readers, other commits, and crashes.
package badger

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/marmos91/pagedfs/pkg/store"
)

// DefaultExtentDeletionBudget bounds extent deletions per shrink or trim
// transaction, matching the in-memory backend.
const DefaultExtentDeletionBudget = 8

// extentMeta is one entry of an object's cached extent index. The data
// bytes live in the database; the index only records where they are.
type extentMeta struct {
	rng       store.Range
	overwrite bool
}

// object is the cached state of one data object. Extent data is not cached
// here, only the index.
type object struct {
	id          uint64
	ownerID     uint64
	contentSize uint64
	createTime  int64
	modifyTime  int64
	extents     []extentMeta // ascending, disjoint

	// overwriteMu guards the in-memory overwrite range mirror, which is
	// read by mark-dirty classification without a transaction.
	overwriteMu     sync.Mutex
	overwriteRanges []store.Range
}

func (o *object) attrs() attrsRecord {
	return attrsRecord{
		ownerID:     o.ownerID,
		contentSize: o.contentSize,
		createTime:  o.createTime,
		modifyTime:  o.modifyTime,
	}
}

// Config configures the BadgerDB store.
type Config struct {
	// Path is the database directory.
	Path string

	// Capacity is the space budget in bytes the allocator hands out
	// (0 = unbounded).
	Capacity uint64

	// ExtentDeletionBudget caps extent deletions per shrink or trim
	// transaction (0 = DefaultExtentDeletionBudget).
	ExtentDeletionBudget int

	// SyncWrites forces fsync on every commit.
	SyncWrites bool

	// BadgerOptions overrides the database options entirely when non-nil;
	// Path and SyncWrites are ignored in that case.
	BadgerOptions *badger.Options
}

// Store is the BadgerDB store implementation.
type Store struct {
	mu      sync.Mutex
	db      *badger.DB
	alloc   *store.SimpleAllocator
	objects map[uint64]*object
	nextID  uint64

	locks struct {
		sync.Mutex
		held map[store.LockKey]chan struct{}
	}

	deletionBudget int
}

// NewStore opens (or creates) the database at config.Path and loads the
// object and extent index. Allocator accounting is rebuilt from the index,
// so it survives restarts without a separate record.
func NewStore(ctx context.Context, config Config) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var opts badger.Options
	if config.BadgerOptions != nil {
		opts = *config.BadgerOptions
	} else {
		opts = badger.DefaultOptions(config.Path)
		// Extent values are already page-sized chunks of file data;
		// compressing them costs CPU for little gain.
		opts = opts.WithLoggingLevel(badger.WARNING)
		opts = opts.WithCompression(options.None)
		opts = opts.WithSyncWrites(config.SyncWrites)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", config.Path, err)
	}

	budget := config.ExtentDeletionBudget
	if budget == 0 {
		budget = DefaultExtentDeletionBudget
	}
	s := &Store{
		db:             db,
		alloc:          store.NewSimpleAllocator(config.Capacity),
		objects:        make(map[uint64]*object),
		nextID:         1,
		deletionBudget: budget,
	}
	s.locks.held = make(map[store.LockKey]chan struct{})

	if err := s.loadIndex(); err != nil {
		db.Close()
		return nil, fmt.Errorf("loading store index: %w", err)
	}
	return s, nil
}

// loadIndex scans the database and rebuilds the in-memory object map,
// extent indexes, overwrite mirrors and allocator accounting.
func (s *Store) loadIndex() error {
	return s.db.View(func(txn *badger.Txn) error {
		if item, err := txn.Get([]byte(keyNextID)); err == nil {
			if err := item.Value(func(val []byte) error {
				s.nextID = decodeUint64(val)
				return nil
			}); err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte("a:")})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			id := objectIDFromAttrsKey(item.Key())
			var rec attrsRecord
			if err := item.Value(func(val []byte) error {
				rec = decodeAttrs(val)
				return nil
			}); err != nil {
				return err
			}
			s.objects[id] = &object{
				id:          id,
				ownerID:     rec.ownerID,
				contentSize: rec.contentSize,
				createTime:  rec.createTime,
				modifyTime:  rec.modifyTime,
			}
		}

		for id, obj := range s.objects {
			if err := s.loadExtents(txn, id, obj); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) loadExtents(txn *badger.Txn, id uint64, obj *object) error {
	prefix := keyExtentPrefix(id)
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
	defer it.Close()
	var allocated uint64
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		start := extentStartFromKey(item.Key())
		var meta extentMeta
		if err := item.Value(func(val []byte) error {
			meta = extentMeta{
				rng:       store.Range{Start: start, End: start + uint64(len(val)) - 1},
				overwrite: val[0]&extentFlagOverwrite != 0,
			}
			return nil
		}); err != nil {
			return err
		}
		obj.extents = append(obj.extents, meta)
		allocated += meta.rng.Length()
		if meta.overwrite {
			mergeOverwriteRange(obj, meta.rng)
		}
	}
	if allocated > 0 {
		if err := s.alloc.AdoptAllocation(obj.ownerID, allocated); err != nil {
			return fmt.Errorf("object %d: %w", id, err)
		}
	}
	return nil
}

// Close flushes and closes the database. In-flight transactions must have
// finished.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateObject creates a new empty data object for ownerID and returns its
// handle. The object record and ID counter are persisted immediately.
func (s *Store) CreateObject(ctx context.Context, ownerID uint64) (*Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UnixNano()
	obj := &object{
		id:         s.nextID,
		ownerID:    ownerID,
		createTime: now,
		modifyTime: now,
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(keyAttrs(obj.id), obj.attrs().encode()); err != nil {
			return err
		}
		return txn.Set([]byte(keyNextID), encodeUint64(obj.id+1))
	})
	if err != nil {
		return nil, fmt.Errorf("creating object: %w", err)
	}
	s.nextID = obj.id + 1
	s.objects[obj.id] = obj
	return &Object{store: s, obj: obj}, nil
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

// Commit implements store.Transaction. Accounting is consumed before the
// database update; if the update fails the consumed bytes are returned to
// free space (the reservation ticket has already paid for them).
func (t *transaction) Commit(ctx context.Context) error {
	if t.finished {
		return fmt.Errorf("transaction reused after finish: %w", store.ErrInternalConsistency)
	}
	t.finished = true
	defer t.store.releaseLocks(t.keys)

	if err := ctx.Err(); err != nil {
		return err
	}

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

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

	// Mutations apply to a shadow copy of each object's index; the shadow
	// replaces the cached state only if the database update commits.
	shadows := make(map[uint64]*shadowObject)
	shadowFor := func(obj *object) *shadowObject {
		sh, ok := shadows[obj.id]
		if !ok {
			sh = newShadow(obj)
			shadows[obj.id] = sh
		}
		return sh
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		for _, m := range t.muts {
			if err := s.applyInTxn(txn, shadowFor(m.obj), m); err != nil {
				return err
			}
		}
		for _, sh := range shadows {
			if sh.attrsDirty {
				if err := txn.Set(keyAttrs(sh.obj.id), sh.attrs.encode()); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		if newBytes > 0 {
			s.alloc.FreeAllocation(owner, newBytes)
		}
		return fmt.Errorf("badger commit: %w", err)
	}

	for _, sh := range shadows {
		sh.publish(s)
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

// TrimObject implements store.Store. Extents beyond the object's content
// size are deleted in budget-bounded batches, each its own database
// update.
func (s *Store) TrimObject(ctx context.Context, objectID uint64) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.mu.Lock()
		obj, ok := s.objects[objectID]
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("trim object %d: %w", objectID, store.ErrObjectNotFound)
		}
		var victims []extentMeta
		clip := false
		for i := len(obj.extents) - 1; i >= 0 && len(victims) < s.deletionBudget; i-- {
			ext := obj.extents[i]
			if ext.rng.Start < obj.contentSize {
				// A budget-exhausted shrink can leave the straddling
				// extent unclipped; finish the job here.
				clip = ext.rng.End > obj.contentSize
				break
			}
			victims = append(victims, ext)
		}
		if len(victims) > 0 || clip {
			err := s.db.Update(func(txn *badger.Txn) error {
				for _, v := range victims {
					if err := txn.Delete(keyExtent(objectID, v.rng.Start)); err != nil {
						return err
					}
				}
				if clip {
					meta := obj.extents[len(obj.extents)-len(victims)-1]
					item, err := txn.Get(keyExtent(objectID, meta.rng.Start))
					if err != nil {
						return err
					}
					val, err := item.ValueCopy(nil)
					if err != nil {
						return err
					}
					keep := obj.contentSize - meta.rng.Start
					return txn.Set(keyExtent(objectID, meta.rng.Start), val[:1+keep])
				}
				return nil
			})
			if err != nil {
				s.mu.Unlock()
				return fmt.Errorf("trim object %d: %w", objectID, err)
			}
			var freed uint64
			for _, v := range victims {
				freed += v.rng.Length()
			}
			obj.extents = obj.extents[:len(obj.extents)-len(victims)]
			if clip {
				last := &obj.extents[len(obj.extents)-1]
				freed += last.rng.End - obj.contentSize
				last.rng.End = obj.contentSize
			}
			s.alloc.FreeAllocation(obj.ownerID, freed)
		}
		s.mu.Unlock()
		if len(victims) < s.deletionBudget {
			return nil
		}
	}
}

func encodeUint64(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}

func decodeUint64(buf []byte) uint64 {
	return binary.BigEndian.Uint64(buf)
}
