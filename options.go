package cprkv

import (
	"log/slog"

	"github.com/hupe1980/cprkv/allocator"
	"github.com/hupe1980/cprkv/checkpoint"
	"github.com/hupe1980/cprkv/internal/resource"
)

// LogAddresses are the hybrid log boundaries recorded in a checkpoint.
// The store does not own a log; WithLogAddresses supplies them.
type LogAddresses struct {
	Begin           int64
	Head            int64
	Flushed         int64
	Start           int64
	Final           int64
	Snapshot        int64
	UseSnapshotFile bool
}

// ResourceConfig bounds checkpoint and recovery device I/O.
type ResourceConfig = resource.Config

type options struct {
	pageBits         int
	metricsCollector MetricsCollector
	logger           *Logger
	serializer       checkpoint.Serializer
	cookie           func() []byte
	logAddresses     func() LogAddresses
	readCacheFilter  *allocator.ReadCacheFilter
	resources        *ResourceConfig
	epochTableSize   int
}

// Option configures Open.
type Option func(*options)

// WithPageBits sets log2 of the records per directory page.
func WithPageBits(bits int) Option {
	return func(o *options) {
		o.pageBits = bits
	}
}

// WithMetricsCollector configures a metrics collector for checkpoints and
// recoveries. Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &cprkv.BasicMetricsCollector{}
//	st, _ := cprkv.Open[Bucket](mgr, cprkv.WithMetricsCollector(metrics))
//	// ... checkpoint ...
//	stats := metrics.GetStats()
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging. Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithSerializer selects the metadata format written by checkpoints.
// Recovery detects the format of what it reads.
func WithSerializer(s checkpoint.Serializer) Option {
	return func(o *options) {
		if s != nil {
			o.serializer = s
		}
	}
}

// WithCommitCookie sets a function whose result is stored with every log
// checkpoint and returned by Recover.
func WithCommitCookie(fn func() []byte) Option {
	return func(o *options) {
		o.cookie = fn
	}
}

// WithLogAddresses sets the source of the log boundaries recorded in log
// checkpoints.
func WithLogAddresses(fn func() LogAddresses) Option {
	return func(o *options) {
		o.logAddresses = fn
	}
}

// WithReadCacheFilter makes checkpoints filter a copy of each page through
// f before writing it.
func WithReadCacheFilter(f allocator.ReadCacheFilter) Option {
	return func(o *options) {
		o.readCacheFilter = &f
	}
}

// WithResourceLimits throttles checkpoint and recovery device I/O.
func WithResourceLimits(cfg ResourceConfig) Option {
	return func(o *options) {
		o.resources = &cfg
	}
}

// WithEpochTableSize sets the number of epoch guard slots, which bounds
// the number of concurrently open sessions.
func WithEpochTableSize(n int) Option {
	return func(o *options) {
		o.epochTableSize = n
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		pageBits:         allocator.DefaultPageBits,
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
		serializer:       checkpoint.DefaultSerializer,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

// RecoverOption configures Recover.
type RecoverOption func(*recoverOptions)

type recoverOptions struct {
	scanDelta bool
	recoverTo int64
}

// WithDeltaScan recovers the newest version found in the checkpoint's
// delta log instead of its base version.
func WithDeltaScan() RecoverOption {
	return func(o *recoverOptions) {
		o.scanDelta = true
	}
}

// WithRecoverTo limits a delta scan to versions up to v.
func WithRecoverTo(v int64) RecoverOption {
	return func(o *recoverOptions) {
		o.scanDelta = true
		o.recoverTo = v
	}
}
