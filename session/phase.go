package session

import "fmt"

// Phase is a step of the checkpoint state machine a session observes.
type Phase int32

const (
	PhaseInProgress Phase = iota
	PhaseWaitIndexCheckpoint
	PhaseWaitFlush
	PhasePersistenceCallback
	PhaseRest
	PhasePrepare
	PhasePrepareGrow
	PhaseInProgressGrow
)

const numPhases = int(PhaseInProgressGrow) + 1

func (p Phase) String() string {
	switch p {
	case PhaseInProgress:
		return "InProgress"
	case PhaseWaitIndexCheckpoint:
		return "WaitIndexCheckpoint"
	case PhaseWaitFlush:
		return "WaitFlush"
	case PhasePersistenceCallback:
		return "PersistenceCallback"
	case PhaseRest:
		return "Rest"
	case PhasePrepare:
		return "Prepare"
	case PhasePrepareGrow:
		return "PrepareGrow"
	case PhaseInProgressGrow:
		return "InProgressGrow"
	default:
		return fmt.Sprintf("Unknown(%d)", p)
	}
}

// OperationType identifies the kind of a pending operation.
type OperationType uint8

const (
	OpRead OperationType = iota
	OpRMW
	OpUpsert
	OpDelete
	OpConditionalInsert
)

func (t OperationType) String() string {
	switch t {
	case OpRead:
		return "Read"
	case OpRMW:
		return "RMW"
	case OpUpsert:
		return "Upsert"
	case OpDelete:
		return "Delete"
	case OpConditionalInsert:
		return "ConditionalInsert"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}
