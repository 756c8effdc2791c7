package cprkv

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBasicMetricsCollector(t *testing.T) {
	m := &BasicMetricsCollector{}
	m.RecordCheckpoint(2*time.Millisecond, 3, 4096, nil)
	m.RecordCheckpoint(4*time.Millisecond, 0, 0, errors.New("boom"))
	m.RecordRecovery(time.Millisecond, 1, 1024, nil)
	m.RecordPageIOError("checkpoint")
	m.RecordPageIOError("recovery")
	m.RecordPageIOError("recovery")
	m.RecordSessionResumed()

	stats := m.GetStats()
	assert.Equal(t, int64(2), stats.CheckpointCount)
	assert.Equal(t, int64(1), stats.CheckpointErrors)
	assert.Equal(t, int64(4096), stats.CheckpointBytes)
	assert.Equal(t, (3 * time.Millisecond).Nanoseconds(), stats.CheckpointAvgNanos)
	assert.Equal(t, int64(1), stats.RecoveryCount)
	assert.Equal(t, int64(0), stats.RecoveryErrors)
	assert.Equal(t, int64(1), stats.PageWriteErrors)
	assert.Equal(t, int64(2), stats.PageReadErrors)
	assert.Equal(t, int64(1), stats.SessionsResumed)
}

func TestVictoriaMetricsCollector(t *testing.T) {
	m := NewVictoriaMetricsCollector()
	m.RecordCheckpoint(time.Millisecond, 1, 512, nil)
	m.RecordRecovery(time.Millisecond, 1, 512, errors.New("boom"))
	m.RecordPageIOError("recovery")
	m.RecordSessionResumed()

	var buf bytes.Buffer
	m.WritePrometheus(&buf)
	out := buf.String()

	assert.Contains(t, out, "cprkv_checkpoints_total 1")
	assert.Contains(t, out, "cprkv_checkpoint_bytes_total 512")
	assert.Contains(t, out, "cprkv_recovery_errors_total 1")
	assert.Contains(t, out, `cprkv_page_io_errors_total{op="recovery"} 1`)
	assert.Contains(t, out, "cprkv_sessions_resumed_total 1")
	assert.Contains(t, out, "cprkv_checkpoint_duration_seconds_bucket")
}
