package cprkv

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems.
// VictoriaMetricsCollector publishes them in Prometheus format.
type MetricsCollector interface {
	// RecordCheckpoint is called after each full or incremental checkpoint.
	// pages is the number of directory pages written, err is nil if
	// successful.
	RecordCheckpoint(duration time.Duration, pages int, bytes uint64, err error)

	// RecordRecovery is called after each recovery.
	RecordRecovery(duration time.Duration, pages int, bytes uint64, err error)

	// RecordPageIOError is called for every failed page write ("checkpoint")
	// or read ("recovery").
	RecordPageIOError(op string)

	// RecordSessionResumed is called when a session resumes from a
	// recovered commit point.
	RecordSessionResumed()
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordCheckpoint(time.Duration, int, uint64, error) {}
func (NoopMetricsCollector) RecordRecovery(time.Duration, int, uint64, error)   {}
func (NoopMetricsCollector) RecordPageIOError(string)                           {}
func (NoopMetricsCollector) RecordSessionResumed()                              {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	CheckpointCount      atomic.Int64
	CheckpointErrors     atomic.Int64
	CheckpointTotalNanos atomic.Int64
	CheckpointBytes      atomic.Int64
	RecoveryCount        atomic.Int64
	RecoveryErrors       atomic.Int64
	RecoveryTotalNanos   atomic.Int64
	PageWriteErrors      atomic.Int64
	PageReadErrors       atomic.Int64
	SessionsResumed      atomic.Int64
}

// RecordCheckpoint implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCheckpoint(duration time.Duration, _ int, bytes uint64, err error) {
	b.CheckpointCount.Add(1)
	b.CheckpointTotalNanos.Add(duration.Nanoseconds())
	b.CheckpointBytes.Add(int64(bytes))
	if err != nil {
		b.CheckpointErrors.Add(1)
	}
}

// RecordRecovery implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRecovery(duration time.Duration, _ int, _ uint64, err error) {
	b.RecoveryCount.Add(1)
	b.RecoveryTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.RecoveryErrors.Add(1)
	}
}

// RecordPageIOError implements MetricsCollector.
func (b *BasicMetricsCollector) RecordPageIOError(op string) {
	if op == "recovery" {
		b.PageReadErrors.Add(1)
		return
	}
	b.PageWriteErrors.Add(1)
}

// RecordSessionResumed implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSessionResumed() {
	b.SessionsResumed.Add(1)
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		CheckpointCount:    b.CheckpointCount.Load(),
		CheckpointErrors:   b.CheckpointErrors.Load(),
		CheckpointAvgNanos: avg(b.CheckpointTotalNanos.Load(), b.CheckpointCount.Load()),
		CheckpointBytes:    b.CheckpointBytes.Load(),
		RecoveryCount:      b.RecoveryCount.Load(),
		RecoveryErrors:     b.RecoveryErrors.Load(),
		RecoveryAvgNanos:   avg(b.RecoveryTotalNanos.Load(), b.RecoveryCount.Load()),
		PageWriteErrors:    b.PageWriteErrors.Load(),
		PageReadErrors:     b.PageReadErrors.Load(),
		SessionsResumed:    b.SessionsResumed.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	CheckpointCount    int64
	CheckpointErrors   int64
	CheckpointAvgNanos int64
	CheckpointBytes    int64
	RecoveryCount      int64
	RecoveryErrors     int64
	RecoveryAvgNanos   int64
	PageWriteErrors    int64
	PageReadErrors     int64
	SessionsResumed    int64
}
