package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationStatusClassification(t *testing.T) {
	tests := []struct {
		code    OpCode
		success bool
		retry   bool
		pending bool
		direct  bool
	}{
		{OpSuccess, true, false, false, true},
		{OpNotFound, false, false, false, true},
		{OpCanceled, false, false, false, true},
		{OpRetryNow, false, true, false, false},
		{OpRetryLater, false, true, false, false},
		{OpRecordOnDisk, false, false, true, false},
		{OpSuccessUnmark, true, false, false, false},
		{OpCPRShiftDetected, false, true, false, false},
		{OpCPRPendingDetected, false, true, false, false},
		{OpAllocateFailed, false, true, false, false},
	}
	for _, tc := range tests {
		t.Run(tc.code.String(), func(t *testing.T) {
			s := NewOperationStatus(tc.code)
			assert.Equal(t, tc.success, s.IsCompletedSuccessfully())
			assert.Equal(t, tc.retry, s.IsRetry())
			assert.Equal(t, tc.pending, s.IsPending())
			_, ok := s.ToStatus()
			assert.Equal(t, tc.direct, ok)
		})
	}
}

func TestToStatusKeepsProvenance(t *testing.T) {
	s := NewOperationStatus(OpSuccess).WithProvenance(ProvenanceCopyUpdatedRecord)
	assert.True(t, s.IsAppend())

	st, ok := s.ToStatus()
	require.True(t, ok)
	assert.True(t, st.Found())
	assert.True(t, st.Record())
	assert.Equal(t, ProvenanceCopyUpdatedRecord, st.Provenance())
	assert.Equal(t, "Found|CopyUpdatedRecord", st.String())

	st, ok = NewOperationStatus(OpNotFound).ToStatus()
	require.True(t, ok)
	assert.True(t, st.NotFound())
	assert.False(t, st.Record())
	assert.True(t, st.IsCompleted())
	assert.Equal(t, "NotFound", st.String())
}

func TestInternalCodesDoNotOverlapStatusCodes(t *testing.T) {
	assert.Equal(t, OpCode(3), OpRetryNow)
	assert.Greater(t, OpRetryNow, opMaxDirect)
	assert.Equal(t, OpCode(Canceled), opMaxDirect)
}

func TestPhase(t *testing.T) {
	assert.Equal(t, "Rest", PhaseRest.String())
	assert.Equal(t, "Unknown(42)", Phase(42).String())
	assert.Less(t, PhaseWaitFlush, PhaseRest)
	assert.Greater(t, PhasePrepare, PhaseRest)
}
