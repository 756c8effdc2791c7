package cprkv

import (
	"fmt"
	"io"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// VictoriaMetricsCollector publishes store metrics through a metrics.Set.
type VictoriaMetricsCollector struct {
	set *metrics.Set

	checkpoints        *metrics.Counter
	checkpointErrors   *metrics.Counter
	checkpointBytes    *metrics.Counter
	checkpointDuration *metrics.Histogram
	recoveries         *metrics.Counter
	recoveryErrors     *metrics.Counter
	recoveryDuration   *metrics.Histogram
	sessionsResumed    *metrics.Counter
}

// NewVictoriaMetricsCollector registers the store metrics in a new set.
func NewVictoriaMetricsCollector() *VictoriaMetricsCollector {
	set := metrics.NewSet()
	return &VictoriaMetricsCollector{
		set:                set,
		checkpoints:        set.NewCounter("cprkv_checkpoints_total"),
		checkpointErrors:   set.NewCounter("cprkv_checkpoint_errors_total"),
		checkpointBytes:    set.NewCounter("cprkv_checkpoint_bytes_total"),
		checkpointDuration: set.NewHistogram("cprkv_checkpoint_duration_seconds"),
		recoveries:         set.NewCounter("cprkv_recoveries_total"),
		recoveryErrors:     set.NewCounter("cprkv_recovery_errors_total"),
		recoveryDuration:   set.NewHistogram("cprkv_recovery_duration_seconds"),
		sessionsResumed:    set.NewCounter("cprkv_sessions_resumed_total"),
	}
}

// RecordCheckpoint implements MetricsCollector.
func (v *VictoriaMetricsCollector) RecordCheckpoint(duration time.Duration, _ int, bytes uint64, err error) {
	v.checkpoints.Inc()
	v.checkpointBytes.Add(int(bytes))
	v.checkpointDuration.Update(duration.Seconds())
	if err != nil {
		v.checkpointErrors.Inc()
	}
}

// RecordRecovery implements MetricsCollector.
func (v *VictoriaMetricsCollector) RecordRecovery(duration time.Duration, _ int, _ uint64, err error) {
	v.recoveries.Inc()
	v.recoveryDuration.Update(duration.Seconds())
	if err != nil {
		v.recoveryErrors.Inc()
	}
}

// RecordPageIOError implements MetricsCollector.
func (v *VictoriaMetricsCollector) RecordPageIOError(op string) {
	v.set.GetOrCreateCounter(fmt.Sprintf(`cprkv_page_io_errors_total{op=%q}`, op)).Inc()
}

// RecordSessionResumed implements MetricsCollector.
func (v *VictoriaMetricsCollector) RecordSessionResumed() {
	v.sessionsResumed.Inc()
}

// WritePrometheus writes all metrics in Prometheus text format.
func (v *VictoriaMetricsCollector) WritePrometheus(w io.Writer) {
	v.set.WritePrometheus(w)
}
