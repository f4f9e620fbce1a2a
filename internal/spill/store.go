package spill

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/spillq/internal/storage/pebble"
)

// ErrNoSpace is returned by Append when the filesystem is out of space.
// All other storage failures surface as ordinary errors.
var ErrNoSpace = fmt.Errorf("spill: no space left on device")

// Store is the persistent ordered store backing one queue: an append-only
// keyed log with strictly increasing 64-bit keys. Entries are removed
// individually once their record reaches a terminal verdict.
type Store struct {
	db   *pebblestore.DB
	name string

	mu      sync.Mutex
	lastSeq uint64
	count   uint64
}

// Open opens or creates the named store. The next key is recovered from the
// key space itself (max existing + 1); the meta record is only a fast path
// for the entry count, which is recomputed by a scan when the meta record is
// absent or stale (the meta record itself is not rewritten here).
func Open(db *pebblestore.DB, name string) (*Store, error) {
	if name == "" {
		return nil, fmt.Errorf("spill: store name is required")
	}
	s := &Store{db: db, name: name}

	prefix := EntryPrefix(name)
	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, fmt.Errorf("spill: open iterator: %w", err)
	}
	defer iter.Close()

	if iter.Last() {
		if seq, ok := SeqFromEntryKey(iter.Key()); ok {
			s.lastSeq = seq
		}
	}

	if meta, err := db.Get(MetaKey(name)); err == nil && len(meta) >= 16 {
		metaLast := binary.BigEndian.Uint64(meta[0:8])
		if metaLast == s.lastSeq {
			s.count = binary.BigEndian.Uint64(meta[8:16])
			return s, nil
		}
	}

	// Meta missing or stale (e.g. crash between entry and meta writes):
	// recount from the key space.
	var n uint64
	for ok := iter.First(); ok; ok = iter.Next() {
		n++
	}
	s.count = n
	return s, nil
}

// Append assigns the next key and durably writes (key, payload) together with
// updated meta. Concurrent appenders are serialized; allocated keys reflect
// call-arrival order.
func (s *Store) Append(ctx context.Context, payload []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.lastSeq + 1
	b := s.db.NewBatch()
	defer b.Close()

	if err := b.Set(EntryKey(s.name, seq), payload, nil); err != nil {
		return 0, fmt.Errorf("spill: append entry: %w", err)
	}
	if err := b.Set(MetaKey(s.name), s.encodeMeta(seq, s.count+1), nil); err != nil {
		return 0, fmt.Errorf("spill: append meta: %w", err)
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		if pebblestore.IsNoSpace(err) {
			return 0, fmt.Errorf("%w: %v", ErrNoSpace, err)
		}
		return 0, fmt.Errorf("spill: commit append: %w", err)
	}
	s.lastSeq = seq
	s.count++
	return seq, nil
}

// PeekFrom returns the first entry with key >= seq without removing it.
// PeekFrom(0) peeks the oldest entry. The third return is false when no such
// entry exists.
func (s *Store) PeekFrom(seq uint64) (uint64, []byte, bool, error) {
	prefix := EntryPrefix(s.name)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: EntryKey(s.name, seq), UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return 0, nil, false, fmt.Errorf("spill: peek iterator: %w", err)
	}
	defer iter.Close()

	if !iter.First() {
		return 0, nil, false, nil
	}
	key, ok := SeqFromEntryKey(iter.Key())
	if !ok {
		return 0, nil, false, fmt.Errorf("spill: malformed entry key %q", iter.Key())
	}
	val := append([]byte(nil), iter.Value()...)
	return key, val, true, nil
}

// Remove deletes the entry, durable before return. Removing a key that is
// already gone is a no-op.
func (s *Store) Remove(ctx context.Context, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Get(EntryKey(s.name, seq)); err != nil {
		if pebblestore.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("spill: remove lookup: %w", err)
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(EntryKey(s.name, seq), nil); err != nil {
		return fmt.Errorf("spill: remove entry: %w", err)
	}
	next := s.count
	if next > 0 {
		next--
	}
	if err := b.Set(MetaKey(s.name), s.encodeMeta(s.lastSeq, next), nil); err != nil {
		return fmt.Errorf("spill: remove meta: %w", err)
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("spill: commit remove: %w", err)
	}
	s.count = next
	return nil
}

// Size returns the current entry count.
func (s *Store) Size() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// LastSeq returns the most recently allocated key (0 if none ever).
func (s *Store) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

func (s *Store) encodeMeta(lastSeq, count uint64) []byte {
	var meta [16]byte
	binary.BigEndian.PutUint64(meta[0:8], lastSeq)
	binary.BigEndian.PutUint64(meta[8:16], count)
	return meta[:]
}
