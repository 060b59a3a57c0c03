package system

import "time"

// Phase defines execution ordering within a single tick.
type Phase int

const (
	PhaseInput   Phase = iota // 0: drain link queues, dispatch messages
	PhaseUpdate               // 1: connection state machine + simulation step
	PhaseOutput               // 2: flush buffered messages to links
	PhasePersist              // 3: round archive batch flush
	PhaseCleanup              // 4: drop dead links
)

func (p Phase) String() string {
	switch p {
	case PhaseInput:
		return "input"
	case PhaseUpdate:
		return "update"
	case PhaseOutput:
		return "output"
	case PhasePersist:
		return "persist"
	case PhaseCleanup:
		return "cleanup"
	default:
		return "unknown"
	}
}

// System is one stage of a peer tick. A non-nil error from Update is fatal
// for the peer and aborts the rest of the tick.
type System interface {
	Phase() Phase
	Update(dt time.Duration) error
}
