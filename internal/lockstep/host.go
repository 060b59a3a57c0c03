package lockstep

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
	"lukechampine.com/blake3"

	"github.com/outpost/lockstep/internal/net"
	"github.com/outpost/lockstep/internal/net/packet"
)

const maxNameLen = 24

// NewHost creates the coordinating peer. The host plays as HostPlayerID and
// relays every other peer's orders.
func NewHost(cfg Config, reg *packet.Registry, state *SharedGameState, cache *SnapshotCache, log *zap.Logger) *Peer {
	if cfg.SyncPolicy == nil {
		cfg.SyncPolicy = Always{}
	}
	if cfg.MaxPlayers <= 0 {
		cfg.MaxPlayers = 8
	}
	p := &Peer{
		role:       RoleHost,
		cfg:        cfg,
		reg:        reg,
		log:        log.With(zap.String("role", "host")),
		templates:  state.World.Templates(),
		tasks:      state.World.Tasks(),
		state:      state,
		local:      HostPlayerID,
		phase:      packet.StateWaiting,
		remotes:    make(map[int32]*remote),
		nextPlayer: HostPlayerID + 1,
		cache:      cache,
	}
	state.Players[HostPlayerID] = &Player{ID: HostPlayerID, Name: normalizeName(cfg.Name, HostPlayerID), ReadyForSync: true}
	for id := range state.Players {
		if id >= p.nextPlayer {
			p.nextPlayer = id + 1
		}
	}

	in := func(from any) *inbound { return from.(*inbound) }
	reg.Handle(packet.TypeHello, []packet.ConnState{packet.StateWaiting}, func(from any, pk packet.Packet) error {
		return p.onHello(in(from).r, pk.(*Hello))
	})
	reg.Handle(packet.TypeReadyForSync, packet.AllStates, func(from any, pk packet.Packet) error {
		return p.onReadyForSync(in(from).r, pk.(*ReadyForSync))
	})
	reg.Handle(packet.TypeSync, []packet.ConnState{packet.StateSyncing}, func(from any, pk packet.Packet) error {
		src := in(from)
		return p.onHostSync(src.r, src.raw, pk.(*Sync))
	})
	return p
}

// Accept adds a freshly connected link to the lobby. It becomes a player once
// its Hello is accepted.
func (p *Peer) Accept(link net.Link) {
	p.lobby = append(p.lobby, &remote{link: link})
}

func (p *Peer) remoteIDs() []int32 {
	ids := make([]int32, 0, len(p.remotes))
	for id := range p.remotes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// broadcast sends raw to every joined link except the one for skip.
func (p *Peer) broadcast(raw []byte, skip int32) {
	for _, id := range p.remoteIDs() {
		if id != skip {
			p.remotes[id].link.Send(raw)
		}
	}
}

func (p *Peer) drainHost(now time.Time) {
	p.now = now
	for _, id := range p.remoteIDs() {
		if r, ok := p.remotes[id]; ok {
			p.drainLink(r)
		}
	}
	// Joins only happen between rounds.
	if p.phase != packet.StateWaiting {
		return
	}
	lobby := p.lobby
	for _, r := range lobby {
		if r.player == 0 && !r.closing {
			p.drainLink(r)
		}
	}
	kept := p.lobby[:0]
	for _, r := range p.lobby {
		if r.player == 0 {
			kept = append(kept, r)
		}
	}
	p.lobby = kept
}

func (p *Peer) onHello(r *remote, m *Hello) error {
	if r.player != 0 {
		return violationf("second hello from player %d", r.player)
	}
	if len(p.state.Players) >= p.cfg.MaxPlayers {
		p.reject(r, "lobby is full")
		return nil
	}
	if p.cfg.PasswordHash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(p.cfg.PasswordHash), []byte(m.Password)); err != nil {
			p.reject(r, "wrong password")
			return nil
		}
	}

	id := p.nextPlayer
	p.nextPlayer++
	name := normalizeName(m.Name, id)
	r.player = id
	if p.cfg.SyncTimeout > 0 {
		r.deadline = p.now.Add(p.cfg.SyncTimeout)
	}
	p.state.Players[id] = &Player{ID: id, Name: name}
	p.remotes[id] = r

	blob, err := p.download()
	if err != nil {
		return fmt.Errorf("build state download: %w", err)
	}
	session := packet.NewWriter()
	p.state.SaveSessionTo(session)
	dl := packet.Acquire[*StateDownload](p.reg, packet.TypeStateDownload)
	dl.Recipient = id
	dl.Round = p.state.Round
	dl.Session = session.Bytes()
	dl.Blob = blob
	p.send(r, dl)
	p.reg.Recycle(dl)

	joined := packet.Acquire[*PlayerJoined](p.reg, packet.TypePlayerJoined)
	joined.ID = id
	joined.Name = name
	p.broadcast(p.reg.Encode(joined), id)
	p.reg.Recycle(joined)

	p.log.Info("player joined", zap.Int32("player", id), zap.String("name", name), zap.String("remote", r.link.Remote()))
	p.PlayerEvents.Notify(PlayerEvent{ID: id, Name: name, Joined: true})
	return nil
}

func (p *Peer) reject(r *remote, reason string) {
	m := packet.Acquire[*Rejected](p.reg, packet.TypeRejected)
	m.Reason = reason
	p.send(r, m)
	p.reg.Recycle(m)
	r.closing = true
	p.log.Info("join rejected", zap.String("remote", r.link.Remote()), zap.String("reason", reason))
}

// download returns the lz4-compressed world. The world only changes when a
// round is simulated, so every join between two rounds shares one encoding.
func (p *Peer) download() ([]byte, error) {
	snap := p.state.World.Snapshot()
	key := snapshotKey(p.state.Round, blake3.Sum256(snap))
	if p.cache != nil {
		if blob, ok := p.cache.Get(key); ok {
			return blob, nil
		}
	}
	blob, err := compress(snap)
	if err != nil {
		return nil, err
	}
	if p.cache != nil {
		p.cache.Put(key, blob)
	}
	return blob, nil
}

func (p *Peer) onReadyForSync(r *remote, m *ReadyForSync) error {
	if r.player == 0 || m.PlayerID != r.player {
		return violationf("ready for sync for player %d on link of player %d", m.PlayerID, r.player)
	}
	if pl, ok := p.state.Players[r.player]; ok {
		pl.ReadyForSync = true
	}
	return nil
}

// onHostSync stores a client's orders and relays the message unchanged to
// every other client. The sender never gets its own orders back.
func (p *Peer) onHostSync(r *remote, raw []byte, m *Sync) error {
	if r.player == 0 || m.PlayerID != r.player {
		m.recycleOrders()
		return violationf("sync for player %d on link of player %d", m.PlayerID, r.player)
	}
	if err := p.acceptSync(m); err != nil {
		return err
	}
	p.broadcast(raw, r.player)
	return nil
}

func (p *Peer) updateHost(now time.Time) {
	p.now = now
	if p.lastSim.IsZero() {
		p.lastSim = now
	}
	p.reapLinks(now)

	if p.phase == packet.StateWaiting {
		p.evictLate(now, func(pl *Player) bool { return pl.ReadyForSync })
		if p.state.AllReadyForSync() && p.cfg.SyncPolicy.OkayToSync(now, p.lastSync) {
			p.hostBeginSync(now)
		}
	}
	if p.phase == packet.StateSyncing {
		p.evictLate(now, func(pl *Player) bool { return pl.OrdersReceived })
		if p.state.AllOrdersReceived() {
			p.hostSimulate(now)
		}
	}
}

func (p *Peer) hostBeginSync(now time.Time) {
	p.lastSync = now
	start := packet.Acquire[*SyncStart](p.reg, packet.TypeSyncStart)
	p.broadcast(p.reg.Encode(start), 0)
	p.reg.Recycle(start)
	p.broadcast(p.beginSync(), 0)
	p.armDeadlines(now)
}

func (p *Peer) hostSimulate(now time.Time) {
	elapsed := now.Sub(p.lastSim).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}
	if p.cfg.MaxStepMs > 0 && elapsed > int64(p.cfg.MaxStepMs) {
		elapsed = int64(p.cfg.MaxStepMs)
	}
	p.lastSim = now

	start := packet.Acquire[*SimulationStart](p.reg, packet.TypeSimulationStart)
	start.ElapsedMs = int32(elapsed)
	p.broadcast(p.reg.Encode(start), 0)
	p.reg.Recycle(start)

	p.step(int32(elapsed))

	if p.cfg.DesyncCheck {
		sum := packet.Acquire[*StateChecksum](p.reg, packet.TypeStateChecksum)
		sum.Round = p.state.Round
		sum.Sum = p.state.World.Checksum()
		p.broadcast(p.reg.Encode(sum), 0)
		p.reg.Recycle(sum)
	}
	p.armDeadlines(now)
}

func (p *Peer) armDeadlines(now time.Time) {
	for _, r := range p.remotes {
		r.deadline = now.Add(p.cfg.SyncTimeout)
	}
}

// evictLate removes players that have not reported in before their deadline.
func (p *Peer) evictLate(now time.Time, done func(*Player) bool) {
	if p.cfg.SyncTimeout <= 0 {
		return
	}
	for _, id := range p.remoteIDs() {
		r := p.remotes[id]
		pl, ok := p.state.Players[id]
		if !ok || done(pl) || r.deadline.IsZero() || now.Before(r.deadline) {
			continue
		}
		p.log.Warn("player timed out", zap.Int32("player", id), zap.String("phase", p.phase.String()))
		p.evict(r, "timed out")
	}
}

// reapLinks evicts players whose link dropped and expires idle lobby links.
func (p *Peer) reapLinks(now time.Time) {
	for _, id := range p.remoteIDs() {
		if r := p.remotes[id]; r.link.Closed() {
			p.evict(r, "connection lost")
		}
	}
	kept := p.lobby[:0]
	for _, r := range p.lobby {
		if r.deadline.IsZero() && p.cfg.SyncTimeout > 0 {
			r.deadline = now.Add(p.cfg.SyncTimeout)
		}
		expired := !r.deadline.IsZero() && !now.Before(r.deadline)
		if r.link.Closed() || (expired && !r.closing) {
			r.link.Close()
			continue
		}
		kept = append(kept, r)
	}
	p.lobby = kept
}

// evict drops a joined player's link and tells everyone else.
func (p *Peer) evict(r *remote, reason string) {
	r.link.Close()
	if r.player == 0 {
		r.closing = true
		return
	}
	id := r.player
	if _, ok := p.remotes[id]; !ok {
		return
	}
	delete(p.remotes, id)
	p.removePlayer(id, reason)

	left := packet.Acquire[*PlayerLeft](p.reg, packet.TypePlayerLeft)
	left.ID = id
	p.broadcast(p.reg.Encode(left), id)
	p.reg.Recycle(left)
	p.log.Info("player left", zap.Int32("player", id), zap.String("reason", reason))
}

// normalizeName folds a display name to NFC with narrow-width forms and
// bounds its length. Empty names get a generated one.
func normalizeName(name string, id int32) string {
	name = strings.TrimSpace(width.Narrow.String(norm.NFC.String(name)))
	if utf8.RuneCountInString(name) > maxNameLen {
		name = string([]rune(name)[:maxNameLen])
	}
	if name == "" {
		name = fmt.Sprintf("player-%d", id)
	}
	return name
}
