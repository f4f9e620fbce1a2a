package spill

import (
	"context"
	"testing"

	pebblestore "github.com/rzbill/spillq/internal/storage/pebble"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	s, err := Open(db, "test")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s, dir
}

func TestAppendAssignsIncreasingKeys(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	var prev uint64
	for i := 0; i < 10; i++ {
		seq, err := s.Append(ctx, []byte{byte(i)})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if seq <= prev {
			t.Fatalf("seq %d not increasing after %d", seq, prev)
		}
		prev = seq
	}
	if s.Size() != 10 {
		t.Fatalf("size = %d, want 10", s.Size())
	}
}

func TestPeekFromReturnsOldest(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	s1, _ := s.Append(ctx, []byte("a"))
	s2, _ := s.Append(ctx, []byte("b"))

	key, val, ok, err := s.PeekFrom(0)
	if err != nil || !ok {
		t.Fatalf("peek: ok=%v err=%v", ok, err)
	}
	if key != s1 || string(val) != "a" {
		t.Fatalf("peek got (%d,%q), want (%d,a)", key, val, s1)
	}

	// Peek is non-destructive.
	key, _, ok, _ = s.PeekFrom(0)
	if !ok || key != s1 {
		t.Fatalf("second peek should still see %d", s1)
	}

	key, val, ok, _ = s.PeekFrom(s1 + 1)
	if !ok || key != s2 || string(val) != "b" {
		t.Fatalf("peek from %d got (%d,%q)", s1+1, key, val)
	}
}

func TestRemoveIsDurableAndIdempotent(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	seq, _ := s.Append(ctx, []byte("x"))
	if err := s.Remove(ctx, seq); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if s.Size() != 0 {
		t.Fatalf("size after remove = %d", s.Size())
	}
	if err := s.Remove(ctx, seq); err != nil {
		t.Fatalf("second remove should be a no-op: %v", err)
	}
	if _, _, ok, _ := s.PeekFrom(0); ok {
		t.Fatalf("peek should find nothing after remove")
	}
}

func TestReopenRecoversNextKeyAndCount(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	s, err := Open(db, "re")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	var last uint64
	for i := 0; i < 5; i++ {
		last, _ = s.Append(ctx, []byte{byte(i)})
	}
	_ = s.Remove(ctx, 1)
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db2, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("reopen pebble: %v", err)
	}
	t.Cleanup(func() { _ = db2.Close() })
	s2, err := Open(db2, "re")
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	if s2.Size() != 4 {
		t.Fatalf("recovered size = %d, want 4", s2.Size())
	}
	seq, err := s2.Append(ctx, []byte("new"))
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if seq != last+1 {
		t.Fatalf("next key after reopen = %d, want %d", seq, last+1)
	}
}

func TestOpenEmptyStartsAtOne(t *testing.T) {
	s, _ := openTestStore(t)
	seq, err := s.Append(context.Background(), []byte("first"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if seq != 1 {
		t.Fatalf("first seq = %d, want 1", seq)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := Envelope{TryCount: 3, FirstAttemptMs: 1234567890, Payload: []byte("payload")}
	got, err := DecodeEnvelope(EncodeEnvelope(env))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.TryCount != env.TryCount || got.FirstAttemptMs != env.FirstAttemptMs || string(got.Payload) != string(env.Payload) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestEnvelopeRejectsCorruption(t *testing.T) {
	b := EncodeEnvelope(Envelope{TryCount: 1, Payload: []byte("data")})
	b[len(b)-5] ^= 0xFF
	if _, err := DecodeEnvelope(b); err == nil {
		t.Fatalf("expected checksum failure")
	}
	if _, err := DecodeEnvelope(b[:8]); err == nil {
		t.Fatalf("expected truncation failure")
	}
}
