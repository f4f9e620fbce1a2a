package queue

import "encoding/json"

// Codec serializes records for the spill store. Implementations must be
// deterministic and lossless for every field that participates in queue
// invariants. One codec serves a single record type per queue instance.
type Codec[T any] interface {
	Encode(record T) ([]byte, error)
	Decode(b []byte) (T, error)
}

// JSONCodec is the default codec.
type JSONCodec[T any] struct{}

// Encode implements Codec.
func (JSONCodec[T]) Encode(record T) ([]byte, error) {
	return json.Marshal(record)
}

// Decode implements Codec.
func (JSONCodec[T]) Decode(b []byte) (T, error) {
	var record T
	err := json.Unmarshal(b, &record)
	return record, err
}
