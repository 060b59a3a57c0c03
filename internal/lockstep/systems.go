package lockstep

import (
	"time"

	"github.com/outpost/lockstep/internal/core/system"
	"github.com/outpost/lockstep/internal/net"
)

// InputSystem accepts new links (host only) and drains every link's inbox
// before anything else runs in the tick.
type InputSystem struct {
	peer     *Peer
	listener net.Listener
	clock    func() time.Time
}

func NewInputSystem(peer *Peer, listener net.Listener) *InputSystem {
	return &InputSystem{peer: peer, listener: listener, clock: time.Now}
}

func (s *InputSystem) Phase() system.Phase { return system.PhaseInput }

func (s *InputSystem) Update(_ time.Duration) error {
	if s.listener != nil {
	accept:
		for {
			select {
			case link := <-s.listener.NewLinks():
				s.peer.Accept(link)
			default:
				break accept
			}
		}
	}
	s.peer.Drain(s.clock())
	return nil
}

// SyncSystem advances the connection state machine, including the
// simulation step when a round completes.
type SyncSystem struct {
	peer  *Peer
	clock func() time.Time
}

func NewSyncSystem(peer *Peer) *SyncSystem {
	return &SyncSystem{peer: peer, clock: time.Now}
}

func (s *SyncSystem) Phase() system.Phase { return system.PhaseUpdate }

func (s *SyncSystem) Update(_ time.Duration) error {
	return s.peer.Update(s.clock())
}

// OutputSystem flushes buffered messages once per tick.
type OutputSystem struct {
	peer *Peer
}

func NewOutputSystem(peer *Peer) *OutputSystem {
	return &OutputSystem{peer: peer}
}

func (s *OutputSystem) Phase() system.Phase { return system.PhaseOutput }

func (s *OutputSystem) Update(_ time.Duration) error {
	s.peer.Flush()
	return nil
}
