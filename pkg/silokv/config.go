// Package silokv is the database facade: it wires the epoch framework,
// thread pool, callback engine, logger, checkpointer, table
// dictionary, and metrics registry into a single embeddable handle,
// and exposes the host-facing operations (execute_transaction,
// begin/end_transaction, fence, create_table, create_secondary_index).
package silokv

import (
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
)

// Protocol names the concurrency-control protocol a Database is opened
// with. The string values double as the metrics registry's "protocol"
// label, so they must match pkg/metrics's precomputed label set.
type Protocol string

const (
	ProtocolSilo    Protocol = "silo"
	ProtocolSiloNWR Protocol = "silonwr"
	ProtocolTwoPL   Protocol = "twopl"
)

// Config holds every knob for opening a Database.
// Zero-valued fields are replaced by DefaultConfig's values in Open,
// except the Enable* booleans and OnFatal, which are used as given.
type Config struct {
	// MaxThread bounds both the worker-pool size and the number of
	// concurrently live transactions (epoch-framework worker slots).
	MaxThread int
	// EpochDuration is how often the epoch-writer goroutine attempts to
	// advance the global epoch.
	EpochDuration time.Duration
	// Protocol selects Silo, SiloNWR, or Two-Phase Locking.
	Protocol Protocol

	EnableLogging       bool
	EnableRecovery      bool
	EnableCheckpointing bool
	CheckpointPeriod    time.Duration

	// WorkDir holds thread logs, durable_epoch.json, and checkpoint.log.
	WorkDir string

	// RehashThreshold is the point-index load factor that triggers a
	// background rehash.
	RehashThreshold float64
	// QueueSize bounds each worker's per-worker job queue.
	QueueSize int

	// Logger receives the ambient stack's structured log output. Nil
	// defaults to a zerolog.Logger writing to stderr.
	Logger *zerolog.Logger
	// OnFatal, if set, is invoked instead of os.Exit(1) when a
	// durability or recovery failure is declared unrecoverable.
	OnFatal func(error)
}

// DefaultConfig returns the engine's out-of-the-box settings.
func DefaultConfig() Config {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	return Config{
		MaxThread:           runtime.NumCPU(),
		EpochDuration:       40 * time.Millisecond,
		Protocol:            ProtocolSilo,
		EnableLogging:       true,
		EnableRecovery:      true,
		EnableCheckpointing: true,
		CheckpointPeriod:    30 * time.Second,
		WorkDir:             "silokv-data",
		RehashThreshold:     0.75,
		QueueSize:           1024,
		Logger:              &logger,
	}
}

// withDefaults fills every zero-valued field from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxThread <= 0 {
		c.MaxThread = d.MaxThread
	}
	if c.EpochDuration <= 0 {
		c.EpochDuration = d.EpochDuration
	}
	if c.Protocol == "" {
		c.Protocol = d.Protocol
	}
	if c.CheckpointPeriod <= 0 {
		c.CheckpointPeriod = d.CheckpointPeriod
	}
	if c.WorkDir == "" {
		c.WorkDir = d.WorkDir
	}
	if c.RehashThreshold <= 0 {
		c.RehashThreshold = d.RehashThreshold
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	return c
}
