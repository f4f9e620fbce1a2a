package spill

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// Envelope frame: tryCount(4B BE) | firstAttemptMs(8B BE) | payload | crc32c(meta|payload)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ErrBadEnvelope indicates a truncated or corrupt persisted entry.
var ErrBadEnvelope = errors.New("spill: bad envelope")

// Envelope carries a serialized record together with its retry metadata so
// both round-trip through persistence.
type Envelope struct {
	TryCount       uint32
	FirstAttemptMs int64
	Payload        []byte
}

// EncodeEnvelope frames the envelope for storage.
func EncodeEnvelope(env Envelope) []byte {
	out := make([]byte, 0, 12+len(env.Payload)+4)
	var meta [12]byte
	binary.BigEndian.PutUint32(meta[0:4], env.TryCount)
	binary.BigEndian.PutUint64(meta[4:12], uint64(env.FirstAttemptMs))
	out = append(out, meta[:]...)
	out = append(out, env.Payload...)
	crc := crc32.Update(0, castagnoli, meta[:])
	crc = crc32.Update(crc, castagnoli, env.Payload)
	var cb [4]byte
	binary.BigEndian.PutUint32(cb[:], crc)
	return append(out, cb[:]...)
}

// DecodeEnvelope parses and checksums a stored frame.
func DecodeEnvelope(b []byte) (Envelope, error) {
	if len(b) < 16 {
		return Envelope{}, ErrBadEnvelope
	}
	meta := b[:12]
	payload := b[12 : len(b)-4]
	expect := binary.BigEndian.Uint32(b[len(b)-4:])
	crc := crc32.Update(0, castagnoli, meta)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != expect {
		return Envelope{}, ErrBadEnvelope
	}
	return Envelope{
		TryCount:       binary.BigEndian.Uint32(meta[0:4]),
		FirstAttemptMs: int64(binary.BigEndian.Uint64(meta[4:12])),
		Payload:        append([]byte(nil), payload...),
	}, nil
}
