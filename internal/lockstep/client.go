package lockstep

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/outpost/lockstep/internal/net"
	"github.com/outpost/lockstep/internal/net/packet"
	"github.com/outpost/lockstep/internal/world"
)

// NewClient creates a peer that joins the host on link. It sends Hello
// straight away and has no game state until the host's download arrives.
func NewClient(cfg Config, reg *packet.Registry, templates *world.Templates, tasks *world.TaskRegistry, link net.Link, log *zap.Logger) *Peer {
	p := &Peer{
		role:      RoleClient,
		cfg:       cfg,
		reg:       reg,
		log:       log.With(zap.String("role", "client")),
		templates: templates,
		tasks:     tasks,
		phase:     packet.StateWaiting,
		host:      &remote{link: link},
	}

	waiting := []packet.ConnState{packet.StateWaiting}
	syncing := []packet.ConnState{packet.StateSyncing}
	reg.Handle(packet.TypeRejected, packet.AllStates, func(_ any, pk packet.Packet) error {
		return fmt.Errorf("%w: %s", ErrRejected, pk.(*Rejected).Reason)
	})
	reg.Handle(packet.TypeStateDownload, waiting, func(_ any, pk packet.Packet) error {
		return p.onDownload(pk.(*StateDownload))
	})
	reg.Handle(packet.TypePlayerJoined, waiting, func(_ any, pk packet.Packet) error {
		return p.onPlayerJoined(pk.(*PlayerJoined))
	})
	reg.Handle(packet.TypePlayerLeft, packet.AllStates, func(_ any, pk packet.Packet) error {
		return p.onPlayerLeft(pk.(*PlayerLeft))
	})
	reg.Handle(packet.TypeSyncStart, waiting, func(_ any, pk packet.Packet) error {
		return p.onSyncStart()
	})
	reg.Handle(packet.TypeSync, syncing, func(_ any, pk packet.Packet) error {
		return p.onClientSync(pk.(*Sync))
	})
	reg.Handle(packet.TypeSimulationStart, syncing, func(_ any, pk packet.Packet) error {
		return p.onSimulationStart(pk.(*SimulationStart))
	})
	reg.Handle(packet.TypeStateChecksum, waiting, func(_ any, pk packet.Packet) error {
		return p.onStateChecksum(pk.(*StateChecksum))
	})

	hello := packet.Acquire[*Hello](reg, packet.TypeHello)
	hello.Name = cfg.Name
	hello.Password = cfg.Password
	p.send(p.host, hello)
	reg.Recycle(hello)
	return p
}

func (p *Peer) joined() error {
	if p.state == nil {
		return violationf("message before state download")
	}
	return nil
}

func (p *Peer) onDownload(m *StateDownload) error {
	if p.state != nil {
		return violationf("second state download")
	}
	raw, err := decompress(m.Blob)
	if err != nil {
		return violationf("%v", err)
	}
	state, err := LoadState(packet.NewReader(m.Session), packet.NewReader(raw), p.templates, p.tasks, p.cfg.World)
	if err != nil {
		return violationf("load state: %v", err)
	}
	me, ok := state.Players[m.Recipient]
	if !ok {
		return violationf("download for player %d does not list it", m.Recipient)
	}
	p.state = state
	p.local = m.Recipient
	p.log = p.log.With(zap.Int32("player", p.local))
	p.log.Info("joined session",
		zap.Int64("round", state.Round),
		zap.Int("players", len(state.Players)),
		zap.Int("entities", state.World.EntityCount()),
	)
	p.PlayerEvents.Notify(PlayerEvent{ID: me.ID, Name: me.Name, Joined: true})
	p.sendReady()
	return nil
}

func (p *Peer) sendReady() {
	p.state.Players[p.local].ReadyForSync = true
	m := packet.Acquire[*ReadyForSync](p.reg, packet.TypeReadyForSync)
	m.PlayerID = p.local
	p.send(p.host, m)
	p.reg.Recycle(m)
}

func (p *Peer) onPlayerJoined(m *PlayerJoined) error {
	if err := p.joined(); err != nil {
		return err
	}
	if _, dup := p.state.Players[m.ID]; dup {
		return violationf("player %d joined twice", m.ID)
	}
	p.state.Players[m.ID] = &Player{ID: m.ID, Name: m.Name}
	p.PlayerEvents.Notify(PlayerEvent{ID: m.ID, Name: m.Name, Joined: true})
	return nil
}

func (p *Peer) onPlayerLeft(m *PlayerLeft) error {
	if err := p.joined(); err != nil {
		return err
	}
	if m.ID == p.local {
		return ErrEvicted
	}
	p.removePlayer(m.ID, "left")
	return nil
}

func (p *Peer) onSyncStart() error {
	if err := p.joined(); err != nil {
		return err
	}
	p.host.link.Send(p.beginSync())
	return nil
}

func (p *Peer) onClientSync(m *Sync) error {
	if m.PlayerID == p.local {
		m.recycleOrders()
		return violationf("own sync echoed back")
	}
	return p.acceptSync(m)
}

// onSimulationStart runs the round's step with the host's elapsed time. The
// host only sends it after relaying every order, so a missing one means the
// streams have diverged.
func (p *Peer) onSimulationStart(m *SimulationStart) error {
	if !p.state.AllOrdersReceived() {
		return violationf("simulation start before all orders arrived")
	}
	if m.ElapsedMs < 0 {
		return violationf("negative elapsed time %d", m.ElapsedMs)
	}
	p.step(m.ElapsedMs)
	p.sendReady()
	return nil
}

func (p *Peer) onStateChecksum(m *StateChecksum) error {
	if err := p.joined(); err != nil {
		return err
	}
	if m.Round != p.state.Round {
		return violationf("checksum for round %d, local round is %d", m.Round, p.state.Round)
	}
	if sum := p.state.World.Checksum(); sum != m.Sum {
		return fmt.Errorf("%w: round %d local %x host %x", ErrDesync, m.Round, sum[:6], m.Sum[:6])
	}
	return nil
}
