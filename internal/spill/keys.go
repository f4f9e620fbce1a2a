package spill

import (
	"encoding/binary"
	"fmt"
)

// Keyspace for one spill store, all under q/{name}/:
//
//	entry/{seq 8B BE}  - persisted record envelope
//	meta               - lastSeq (8B BE) | count (8B BE)
//
// Big-endian sequence keys sort numerically, so iteration order is
// insertion order.

func queuePrefix(name string) string {
	return fmt.Sprintf("q/%s/", name)
}

// EntryKey returns the key for a spilled entry.
func EntryKey(name string, seq uint64) []byte {
	prefix := queuePrefix(name) + "entry/"
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], seq)
	return key
}

// EntryPrefix returns the prefix for scanning all entries.
func EntryPrefix(name string) []byte {
	return []byte(queuePrefix(name) + "entry/")
}

// MetaKey returns the metadata key for the store.
func MetaKey(name string) []byte {
	return []byte(queuePrefix(name) + "meta")
}

// SeqFromEntryKey extracts the sequence from an entry key.
func SeqFromEntryKey(key []byte) (uint64, bool) {
	if len(key) < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[len(key)-8:]), true
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix)+1)
	copy(end, prefix)
	end[len(prefix)] = 0xFF
	return end
}
