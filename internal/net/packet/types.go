package packet

import "fmt"

// TypeID is the stable wire discriminator written as the first int32 of every
// message. Values are part of the protocol and must never be renumbered.
type TypeID int32

// Connection-control messages.
const (
	TypeHello           TypeID = 1
	TypeRejected        TypeID = 2
	TypeStateDownload   TypeID = 3
	TypePlayerJoined    TypeID = 4
	TypePlayerLeft      TypeID = 5
	TypeReadyForSync    TypeID = 6
	TypeSyncStart       TypeID = 7
	TypeSync            TypeID = 8
	TypeSimulationStart TypeID = 9
	TypeStateChecksum   TypeID = 10
)

// Orders. Every order is also a packet.
const (
	TypeIssueTask    TypeID = 100
	TypeCancelTasks  TypeID = 101
	TypeReplaceTasks TypeID = 102
	TypeTogglePaused TypeID = 103
	TypeBuild        TypeID = 104
)

// ConnState is the lockstep phase a peer is in when a message arrives.
type ConnState int

const (
	StateWaiting ConnState = iota
	StateSyncing
	StateSimulating
)

func (s ConnState) String() string {
	switch s {
	case StateWaiting:
		return "Waiting"
	case StateSyncing:
		return "Syncing"
	case StateSimulating:
		return "Simulating"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// AllStates lists every phase, for handlers that are valid at any time.
var AllStates = []ConnState{StateWaiting, StateSyncing, StateSimulating}
