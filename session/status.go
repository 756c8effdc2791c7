package session

import "fmt"

// StatusCode is the basic result visible to callers.
type StatusCode uint8

const (
	Found StatusCode = iota
	NotFound
	Canceled
	Pending
	Faulted
)

// Provenance records how a successful operation reached its result.
// The values occupy the high nibble of a Status.
type Provenance uint8

const (
	ProvenanceNone                    Provenance = 0x00
	ProvenanceCreatedRecord           Provenance = 0x10
	ProvenanceInPlaceUpdatedRecord    Provenance = 0x20
	ProvenanceCopyUpdatedRecord       Provenance = 0x30
	ProvenanceCopiedRecord            Provenance = 0x40
	ProvenanceCopiedRecordToReadCache Provenance = 0x50
	ProvenanceExpired                 Provenance = 0x80
)

const (
	statusBasicMask    = 0x0F
	statusAdvancedMask = 0xF0
)

func (p Provenance) String() string {
	switch p {
	case ProvenanceNone:
		return "None"
	case ProvenanceCreatedRecord:
		return "CreatedRecord"
	case ProvenanceInPlaceUpdatedRecord:
		return "InPlaceUpdatedRecord"
	case ProvenanceCopyUpdatedRecord:
		return "CopyUpdatedRecord"
	case ProvenanceCopiedRecord:
		return "CopiedRecord"
	case ProvenanceCopiedRecordToReadCache:
		return "CopiedRecordToReadCache"
	case ProvenanceExpired:
		return "Expired"
	default:
		return fmt.Sprintf("Unknown(%#x)", uint8(p))
	}
}

// Status is the one-byte result returned to callers: a StatusCode in the
// low nibble and a Provenance in the high nibble.
type Status uint8

// NewStatus combines a code with a provenance.
func NewStatus(code StatusCode, p Provenance) Status {
	return Status(uint8(code)&statusBasicMask | uint8(p)&statusAdvancedMask)
}

// Code returns the basic result.
func (s Status) Code() StatusCode { return StatusCode(s & statusBasicMask) }

// Provenance returns how the result was reached.
func (s Status) Provenance() Provenance { return Provenance(s & statusAdvancedMask) }

func (s Status) Found() bool       { return s.Code() == Found }
func (s Status) NotFound() bool    { return s.Code() == NotFound }
func (s Status) IsCanceled() bool  { return s.Code() == Canceled }
func (s Status) IsPending() bool   { return s.Code() == Pending }
func (s Status) IsFaulted() bool   { return s.Code() == Faulted }
func (s Status) IsCompleted() bool { return !s.IsPending() }

// Record reports whether the operation appended a record to the log.
func (s Status) Record() bool {
	p := s.Provenance()
	return p == ProvenanceCreatedRecord || p == ProvenanceCopyUpdatedRecord
}

func (s Status) String() string {
	var code string
	switch s.Code() {
	case Found:
		code = "Found"
	case NotFound:
		code = "NotFound"
	case Canceled:
		code = "Canceled"
	case Pending:
		code = "Pending"
	case Faulted:
		code = "Faulted"
	default:
		code = fmt.Sprintf("Unknown(%d)", s.Code())
	}
	if p := s.Provenance(); p != ProvenanceNone {
		return code + "|" + p.String()
	}
	return code
}

// OpCode is the internal result of one attempt at an operation. The first
// codes coincide with StatusCode; the rest never leave the engine.
type OpCode uint8

const (
	OpSuccess  = OpCode(Found)
	OpNotFound = OpCode(NotFound)
	OpCanceled = OpCode(Canceled)
)

// Internal-only codes.
const (
	OpRetryNow OpCode = iota + OpCanceled + 1
	OpRetryLater
	OpRecordOnDisk
	OpSuccessUnmark
	OpCPRShiftDetected
	OpCPRPendingDetected
	OpAllocateFailed
)

// opMaxDirect is the highest OpCode that maps straight onto a StatusCode.
const opMaxDirect = OpCanceled

func (c OpCode) String() string {
	switch c {
	case OpSuccess:
		return "Success"
	case OpNotFound:
		return "NotFound"
	case OpCanceled:
		return "Canceled"
	case OpRetryNow:
		return "RetryNow"
	case OpRetryLater:
		return "RetryLater"
	case OpRecordOnDisk:
		return "RecordOnDisk"
	case OpSuccessUnmark:
		return "SuccessUnmark"
	case OpCPRShiftDetected:
		return "CPRShiftDetected"
	case OpCPRPendingDetected:
		return "CPRPendingDetected"
	case OpAllocateFailed:
		return "AllocateFailed"
	default:
		return fmt.Sprintf("Unknown(%d)", c)
	}
}

// OperationStatus is an OpCode plus the provenance of a success.
type OperationStatus struct {
	Code       OpCode
	Provenance Provenance
}

// NewOperationStatus returns a status without provenance.
func NewOperationStatus(code OpCode) OperationStatus {
	return OperationStatus{Code: code}
}

// WithProvenance returns s with provenance p.
func (s OperationStatus) WithProvenance(p Provenance) OperationStatus {
	s.Provenance = p
	return s
}

// IsCompletedSuccessfully reports whether the operation finished and did
// what was asked, regardless of how.
func (s OperationStatus) IsCompletedSuccessfully() bool {
	return s.Code == OpSuccess || s.Code == OpSuccessUnmark
}

// IsRetry reports whether the engine must attempt the operation again.
func (s OperationStatus) IsRetry() bool {
	switch s.Code {
	case OpRetryNow, OpRetryLater, OpCPRShiftDetected, OpCPRPendingDetected, OpAllocateFailed:
		return true
	}
	return false
}

// IsPending reports whether the operation waits for a device read.
func (s OperationStatus) IsPending() bool {
	return s.Code == OpRecordOnDisk
}

// IsAppend reports whether the operation appended a new record.
func (s OperationStatus) IsAppend() bool {
	return s.Provenance == ProvenanceCreatedRecord || s.Provenance == ProvenanceCopyUpdatedRecord
}

// ToStatus converts s into a caller-visible Status. It reports false for
// internal-only codes.
func (s OperationStatus) ToStatus() (Status, bool) {
	if s.Code > opMaxDirect {
		return 0, false
	}
	return NewStatus(StatusCode(s.Code), s.Provenance), true
}

func (s OperationStatus) String() string {
	if s.Provenance == ProvenanceNone {
		return s.Code.String()
	}
	return s.Code.String() + "|" + s.Provenance.String()
}
