package queue

import (
	"fmt"
	"math"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rzbill/spillq/internal/retry"
	pebblestore "github.com/rzbill/spillq/internal/storage/pebble"
	"github.com/rzbill/spillq/pkg/log"
)

// RetryAlgorithm selects the delay schedule for FailRequeue records.
type RetryAlgorithm = retry.Algorithm

// Retry algorithms.
const (
	RetryFixed       = retry.Fixed
	RetryExponential = retry.Exponential
)

// Config describes one queue instance. Name, Path, and Consumer are
// required; everything else has a usable default.
type Config[T any] struct {
	// Name is the logical queue name, used as the store map name.
	Name string
	// Path is a writable directory for the store files.
	Path string
	// Codec serializes records. Defaults to JSONCodec[T].
	Codec Codec[T]
	// Consumer receives deliveries and reports verdicts.
	Consumer Consumer[T]
	// Expiration, if set, is invoked when a record exhausts MaxTries.
	Expiration Expiration[T]

	// MaxQueueSize is the admission ceiling. Defaults to math.MaxInt32.
	// Note that after a restart the on-disk backlog pre-acquires permits:
	// a spill larger than MaxQueueSize leaves no headroom for new submits
	// until it drains.
	MaxQueueSize int
	// MaxTries caps delivery attempts; 0 retries forever.
	MaxTries uint32
	// RetryDelay is the base in-memory retry delay. Defaults to 1s.
	RetryDelay time.Duration
	// MaxRetryDelay caps the exponential schedule. Defaults to 60s.
	MaxRetryDelay time.Duration
	// RetryAlgorithm is RetryFixed or RetryExponential.
	RetryAlgorithm RetryAlgorithm
	// PersistRetryDelay is the spill rescan interval. Defaults to 1s.
	PersistRetryDelay time.Duration
	// Workers is the consumer pool size. Defaults to runtime.NumCPU().
	Workers int

	// Fsync selects store durability. Defaults to FsyncModeAlways.
	Fsync pebblestore.FsyncMode
	// Logger receives engine logs. Defaults to a console logger.
	Logger log.Logger
	// Registerer, if set, receives the queue's prometheus collectors.
	Registerer prometheus.Registerer
}

// withDefaults returns a copy with zero values filled in.
func (c Config[T]) withDefaults() Config[T] {
	if c.Codec == nil {
		c.Codec = JSONCodec[T]{}
	}
	if c.MaxQueueSize == 0 {
		c.MaxQueueSize = math.MaxInt32
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = time.Second
	}
	if c.MaxRetryDelay == 0 {
		c.MaxRetryDelay = 60 * time.Second
	}
	if c.PersistRetryDelay == 0 {
		c.PersistRetryDelay = time.Second
	}
	if c.Workers == 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.Fsync == pebblestore.FsyncModeUnspecified {
		c.Fsync = pebblestore.FsyncModeAlways
	}
	if c.Logger == nil {
		c.Logger = log.NewLogger()
	}
	return c
}

func (c Config[T]) validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: Name is required", ErrInvalidArg)
	}
	if c.Path == "" {
		return fmt.Errorf("%w: Path is required", ErrInvalidArg)
	}
	if c.Consumer == nil {
		return fmt.Errorf("%w: Consumer is required", ErrInvalidArg)
	}
	if c.MaxQueueSize < 0 {
		return fmt.Errorf("%w: MaxQueueSize must be >= 0", ErrInvalidArg)
	}
	if c.Workers < 0 {
		return fmt.Errorf("%w: Workers must be >= 0", ErrInvalidArg)
	}
	if c.RetryDelay < 0 || c.MaxRetryDelay < 0 || c.PersistRetryDelay < 0 {
		return fmt.Errorf("%w: delays must be >= 0", ErrInvalidArg)
	}
	if c.RetryAlgorithm == RetryExponential && c.MaxRetryDelay < c.RetryDelay {
		return fmt.Errorf("%w: MaxRetryDelay must be >= RetryDelay", ErrInvalidArg)
	}
	return nil
}

func (c Config[T]) retryPolicy() retry.Policy {
	return retry.Policy{
		Algorithm: c.RetryAlgorithm,
		Delay:     c.RetryDelay,
		MaxDelay:  c.MaxRetryDelay,
	}
}
