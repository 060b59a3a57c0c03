package lockstep

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/outpost/lockstep/internal/geom"
	"github.com/outpost/lockstep/internal/net"
	"github.com/outpost/lockstep/internal/net/packet"
	"github.com/outpost/lockstep/internal/order"
	"github.com/outpost/lockstep/internal/world"
)

var (
	houseTpl = &world.Template{ID: 1, Name: "house", Cost: 10, Mesh: geom.RectMesh(2, 2)}
	unitTpl  = &world.Template{ID: 2, Name: "unit", Mobile: true, Cost: 5, Mesh: geom.RectMesh(0.6, 0.6)}
)

// gate lets a test decide exactly when the host may start a round.
type gate struct{ open bool }

func (g *gate) OkayToSync(time.Time, time.Time) bool { return g.open }

// recordingLink keeps a copy of everything sent through it.
type recordingLink struct {
	net.Link
	sent [][]byte
}

func (l *recordingLink) Send(msg []byte) {
	l.sent = append(l.sent, msg)
	l.Link.Send(msg)
}

type harness struct {
	t     *testing.T
	now   time.Time
	cfg   Config
	gate  *gate
	tpls  *world.Templates
	tasks *world.TaskRegistry

	host    *Peer
	clients []*Peer
	ends    map[*Peer]*net.MemLink // client side of each link
	hostEnd map[*Peer]*recordingLink
}

func newHarness(t *testing.T, clients int, mutate func(*Config)) *harness {
	t.Helper()
	return newCachedHarness(t, clients, mutate, nil)
}

func newCachedHarness(t *testing.T, clients int, mutate func(*Config), cache *SnapshotCache) *harness {
	t.Helper()
	tpls, err := world.NewTemplates(houseTpl, unitTpl)
	if err != nil {
		t.Fatalf("templates: %v", err)
	}
	tasks := world.NewTaskRegistry()
	w, err := world.New(16, 16, make([]world.Tile, 16*16), tpls, tasks, world.Options{})
	if err != nil {
		t.Fatalf("world: %v", err)
	}
	g := &gate{}
	cfg := Config{Name: "host", SyncPolicy: g, DesyncCheck: true, MaxStepMs: 200}
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		t:       t,
		now:     time.Unix(1_000_000, 0),
		cfg:     cfg,
		gate:    g,
		tpls:    tpls,
		tasks:   tasks,
		ends:    make(map[*Peer]*net.MemLink),
		hostEnd: make(map[*Peer]*recordingLink),
	}
	h.host = NewHost(cfg, NewRegistry(tasks, zap.NewNop()), NewSharedGameState(w, 100), cache, zap.NewNop())
	for i := 0; i < clients; i++ {
		h.join(fmt.Sprintf("client-%d", i+1))
	}
	return h
}

// connect links a new client to the host without waiting for it to join.
func (h *harness) connect(cfg Config) *Peer {
	hostEnd, clientEnd := net.Loopback(256)
	rec := &recordingLink{Link: hostEnd}
	h.host.Accept(rec)
	c := NewClient(cfg, NewRegistry(h.tasks, zap.NewNop()), h.tpls, h.tasks, clientEnd, zap.NewNop())
	h.clients = append(h.clients, c)
	h.ends[c] = clientEnd
	h.hostEnd[c] = rec
	return c
}

func (h *harness) join(name string) *Peer {
	h.t.Helper()
	cfg := h.cfg
	cfg.Name = name
	c := h.connect(cfg)
	h.runUntil("client joined", func() bool {
		if c.State() == nil {
			return false
		}
		pl, ok := h.host.State().Players[c.Local()]
		return ok && pl.ReadyForSync
	})
	return c
}

func (h *harness) step(p *Peer) {
	p.Drain(h.now)
	p.Update(h.now)
	p.Flush()
}

func (h *harness) tick() {
	h.now = h.now.Add(50 * time.Millisecond)
	h.step(h.host)
	for _, c := range h.clients {
		h.step(c)
	}
}

func (h *harness) runUntil(what string, cond func() bool) {
	h.t.Helper()
	for i := 0; i < 100; i++ {
		if cond() {
			return
		}
		h.tick()
	}
	h.t.Fatalf("gave up waiting for %s", what)
}

// round runs exactly one sync round on every connected peer.
func (h *harness) round() {
	h.t.Helper()
	want := h.host.State().Round + 1
	h.gate.open = true
	h.runUntil(fmt.Sprintf("round %d", want), func() bool {
		for _, p := range append([]*Peer{h.host}, h.clients...) {
			if p.Err() != nil {
				continue
			}
			if p.State().Round != want || p.Phase() != packet.StateWaiting {
				return false
			}
		}
		return true
	})
	h.gate.open = false
}

func build(t *testing.T, p *Peer, tpl *world.Template, pos geom.Vec) error {
	t.Helper()
	b := packet.Acquire[*order.Build](p.Registry(), packet.TypeBuild)
	b.Template = tpl.ID
	b.Position = pos
	return p.Enqueue(b)
}

func assertSameWorld(t *testing.T, peers ...*Peer) {
	t.Helper()
	want := peers[0].State().World.Snapshot()
	for _, p := range peers[1:] {
		if got := p.State().World.Snapshot(); !bytes.Equal(got, want) {
			t.Fatalf("player %d world differs from player %d", p.Local(), peers[0].Local())
		}
	}
}

func TestJoinDownloadsState(t *testing.T) {
	h := newHarness(t, 1, nil)
	c := h.clients[0]
	if c.Local() != HostPlayerID+1 {
		t.Fatalf("expected first client to be player %d, got %d", HostPlayerID+1, c.Local())
	}
	if len(c.State().Players) != 2 || c.State().Players[HostPlayerID].Name != "host" {
		t.Fatalf("client sees players %+v", c.State().Players)
	}
	assertSameWorld(t, h.host, c)

	second := h.join("client-2")
	if _, ok := c.State().Players[second.Local()]; !ok {
		t.Fatalf("existing client was not told about the new player")
	}
}

func TestTwoPlayersBuildInOneRound(t *testing.T) {
	h := newHarness(t, 1, nil)
	c := h.clients[0]
	h.round() // grants starting resources

	if err := build(t, h.host, houseTpl, geom.V(4, 4)); err != nil {
		t.Fatalf("host enqueue: %v", err)
	}
	if err := build(t, c, houseTpl, geom.V(10, 10)); err != nil {
		t.Fatalf("client enqueue: %v", err)
	}
	if h.host.State().World.EntityCount() != 0 {
		t.Fatalf("orders must not apply before the round is simulated")
	}
	h.round()

	for _, p := range []*Peer{h.host, c} {
		w := p.State().World
		if w.EntityCount() != 2 {
			t.Fatalf("player %d sees %d entities", p.Local(), w.EntityCount())
		}
		first := w.GetEntityAtLocation(geom.V(4, 4))
		second := w.GetEntityAtLocation(geom.V(10, 10))
		if first == nil || first.ID != 1 || first.Owner != HostPlayerID {
			t.Fatalf("host's build must be applied first, got %+v", first)
		}
		if second == nil || second.ID != 2 || second.Owner != c.Local() {
			t.Fatalf("client's build must be applied second, got %+v", second)
		}
		if w.Resources().Balance(HostPlayerID) != 90 || w.Resources().Balance(c.Local()) != 90 {
			t.Fatalf("costs not paid on player %d", p.Local())
		}
		if p.State().Reserved.Len() != 0 {
			t.Fatalf("reservations must be released after the round")
		}
	}
	assertSameWorld(t, h.host, c)
	if c.Err() != nil {
		t.Fatalf("client error: %v", c.Err())
	}
}

func TestBarrierWaitsForEveryPlayer(t *testing.T) {
	h := newHarness(t, 2, nil)
	a, b := h.clients[0], h.clients[1]
	round := h.host.State().Round
	h.gate.open = true

	h.step(h.host)
	if h.host.Phase() != packet.StateSyncing {
		t.Fatalf("host should be syncing, is %s", h.host.Phase())
	}
	for i := 0; i < 5; i++ {
		h.step(a)
		h.step(h.host)
	}
	if h.host.Phase() != packet.StateSyncing || h.host.State().Round != round {
		t.Fatalf("host advanced without player %d's orders", b.Local())
	}
	if !h.host.State().Players[a.Local()].OrdersReceived {
		t.Fatalf("host did not record player %d's orders", a.Local())
	}
	if a.Phase() != packet.StateSyncing || a.State().Round != round {
		t.Fatalf("client advanced without every player's orders")
	}

	h.step(b)
	h.step(h.host)
	if h.host.State().Round != round+1 || h.host.Phase() != packet.StateWaiting {
		t.Fatalf("host should have simulated once all orders arrived")
	}
	h.step(a)
	h.step(b)
	if a.State().Round != round+1 || b.State().Round != round+1 {
		t.Fatalf("clients did not simulate")
	}
	assertSameWorld(t, h.host, a, b)
}

func TestSyncIsNeverEchoedToItsSender(t *testing.T) {
	h := newHarness(t, 2, nil)
	h.round()
	for _, c := range h.clients {
		h.hostEnd[c].sent = nil
		if err := build(t, c, unitTpl, geom.V(float64(3+4*c.Local()), 5)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	h.round()

	inspect := NewRegistry(h.tasks, zap.NewNop())
	for _, c := range h.clients {
		syncs := 0
		for _, raw := range h.hostEnd[c].sent {
			pk, err := inspect.Decode(raw)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if s, ok := pk.(*Sync); ok {
				syncs++
				if s.PlayerID == c.Local() {
					t.Fatalf("player %d received its own sync", c.Local())
				}
			}
		}
		if syncs != 2 {
			t.Fatalf("player %d should get one sync from each other player, got %d", c.Local(), syncs)
		}
	}
	assertSameWorld(t, h.host, h.clients[0], h.clients[1])
}

func TestLatePlayerIsEvicted(t *testing.T) {
	h := newHarness(t, 2, func(c *Config) { c.SyncTimeout = time.Second })
	a, b := h.clients[0], h.clients[1]
	round := h.host.State().Round
	h.gate.open = true

	for i := 0; i < 40 && h.host.State().Round == round; i++ {
		h.now = h.now.Add(100 * time.Millisecond)
		h.step(h.host)
		h.step(a)
	}
	h.step(a)
	if h.host.State().Round != round+1 {
		t.Fatalf("barrier did not time out")
	}
	if _, ok := h.host.State().Players[b.Local()]; ok {
		t.Fatalf("late player still in the session")
	}
	if _, ok := a.State().Players[b.Local()]; ok {
		t.Fatalf("other clients were not told about the eviction")
	}
	assertSameWorld(t, h.host, a)

	h.step(b)
	if !errors.Is(b.Err(), ErrHostLost) {
		t.Fatalf("evicted client should lose the host, got %v", b.Err())
	}
}

func TestPlayerLeavingAfterSyncKeepsItsOrders(t *testing.T) {
	h := newHarness(t, 2, nil)
	a, b := h.clients[0], h.clients[1]
	h.round()
	if err := build(t, a, houseTpl, geom.V(8, 8)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	h.gate.open = true

	h.step(h.host) // SyncStart
	h.step(a)      // a sends its orders
	h.step(h.host) // host relays them
	h.ends[a].Close()
	h.step(h.host) // host notices the drop
	if pl, ok := h.host.State().Players[a.Local()]; !ok || !pl.leaving {
		t.Fatalf("player whose orders arrived must stay until the round ends")
	}
	h.step(b)
	h.step(h.host)
	h.step(b)

	for _, p := range []*Peer{h.host, b} {
		if _, ok := p.State().Players[a.Local()]; ok {
			t.Fatalf("player %d still lists the departed player", p.Local())
		}
		e := p.State().World.GetEntityAtLocation(geom.V(8, 8))
		if e == nil || e.Owner != a.Local() {
			t.Fatalf("departed player's build was not applied on player %d", p.Local())
		}
	}
	assertSameWorld(t, h.host, b)
}

func TestClientRejectsSyncOutsideSyncing(t *testing.T) {
	h := newHarness(t, 0, nil)
	hostEnd, clientEnd := net.Loopback(16)
	c := NewClient(h.cfg, NewRegistry(h.tasks, zap.NewNop()), h.tpls, h.tasks, clientEnd, zap.NewNop())

	reg := NewRegistry(h.tasks, zap.NewNop())
	s := packet.Acquire[*Sync](reg, packet.TypeSync)
	s.PlayerID = HostPlayerID
	hostEnd.Send(reg.Encode(s))
	hostEnd.Flush()

	c.Drain(h.now)
	if err := c.Update(h.now); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
	if !clientEnd.Closed() {
		t.Fatalf("a violating link must be closed")
	}
}

func TestHostEvictsDuplicateSync(t *testing.T) {
	h := newHarness(t, 1, nil)
	c := h.clients[0]
	h.gate.open = true
	h.step(h.host)

	reg := NewRegistry(h.tasks, zap.NewNop())
	s := packet.Acquire[*Sync](reg, packet.TypeSync)
	s.PlayerID = c.Local()
	raw := reg.Encode(s)
	h.ends[c].Send(raw)
	h.ends[c].Send(raw)
	h.ends[c].Flush()
	h.step(h.host)

	if _, ok := h.host.State().Players[c.Local()]; ok {
		t.Fatalf("player sending two syncs must be evicted")
	}
	if !h.ends[c].Closed() {
		t.Fatalf("evicted link must be closed")
	}
}

func TestHostEvictsSyncWhileWaiting(t *testing.T) {
	h := newHarness(t, 1, nil)
	c := h.clients[0]
	reg := NewRegistry(h.tasks, zap.NewNop())
	s := packet.Acquire[*Sync](reg, packet.TypeSync)
	s.PlayerID = c.Local()
	h.ends[c].Send(reg.Encode(s))
	h.ends[c].Flush()
	h.step(h.host)
	if _, ok := h.host.State().Players[c.Local()]; ok {
		t.Fatalf("sync outside Syncing must evict the sender")
	}
}

func TestWrongPasswordIsRejected(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h := newHarness(t, 0, func(c *Config) { c.PasswordHash = string(hash) })

	bad := h.cfg
	bad.Password = "guess"
	c := h.connect(bad)
	h.runUntil("rejection", func() bool { return c.Err() != nil })
	if !errors.Is(c.Err(), ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", c.Err())
	}
	if len(h.host.State().Players) != 1 {
		t.Fatalf("rejected peer must not become a player")
	}

	good := h.cfg
	good.Password = "secret"
	ok := h.connect(good)
	h.runUntil("join", func() bool { return ok.State() != nil })
}

func TestChecksumMismatchStopsClient(t *testing.T) {
	h := newHarness(t, 1, nil)
	c := h.clients[0]
	h.round()
	c.State().World.Resources().Add(c.Local(), 1)

	h.gate.open = true
	h.runUntil("desync", func() bool { return c.Err() != nil })
	if !errors.Is(c.Err(), ErrDesync) {
		t.Fatalf("expected ErrDesync, got %v", c.Err())
	}
}

func TestEnqueueReservesTiles(t *testing.T) {
	h := newHarness(t, 0, nil)
	h.round()
	if err := build(t, h.host, houseTpl, geom.V(4, 4)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := build(t, h.host, houseTpl, geom.V(4.5, 4.5)); !errors.Is(err, order.ErrTileReserved) {
		t.Fatalf("expected ErrTileReserved, got %v", err)
	}
	if err := build(t, h.host, houseTpl, geom.V(15.5, 4)); !errors.Is(err, world.ErrOutOfBounds) {
		t.Fatalf("expected ErrOutOfBounds, got %v", err)
	}
	if h.host.Pending() != 1 {
		t.Fatalf("expected one pending order, got %d", h.host.Pending())
	}

	_, clientEnd := net.Loopback(4)
	c := NewClient(h.cfg, NewRegistry(h.tasks, zap.NewNop()), h.tpls, h.tasks, clientEnd, zap.NewNop())
	if err := build(t, c, houseTpl, geom.V(4, 4)); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined, got %v", err)
	}
}

func TestRoundRecords(t *testing.T) {
	h := newHarness(t, 1, nil)
	var records []RoundRecord
	h.host.Rounds.Subscribe(func(r RoundRecord) { records = append(records, r) })
	h.round()
	build(t, h.host, houseTpl, geom.V(4, 4))
	h.round()

	if len(records) != 2 {
		t.Fatalf("expected two records, got %d", len(records))
	}
	last := records[1]
	if last.Round != h.host.State().Round || last.Orders != 1 || last.Players != 2 {
		t.Fatalf("unexpected record %+v", last)
	}
	if last.Checksum != h.host.State().World.Checksum() {
		t.Fatalf("record checksum does not match the world")
	}
	r := packet.NewReader(last.OrderData)
	if issuer := r.ReadInt32(); issuer != HostPlayerID {
		t.Fatalf("expected order issued by the host, got %d", issuer)
	}
	if id := packet.TypeID(r.ReadInt32()); id != packet.TypeBuild {
		t.Fatalf("expected a build order, got type %d", id)
	}
}

func TestStateSurvivesDownloadEncoding(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.round()
	build(t, h.host, houseTpl, geom.V(4, 4))
	h.round()

	session := packet.NewWriter()
	h.host.State().SaveSessionTo(session)
	blob, err := compress(h.host.State().World.Snapshot())
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	raw, err := decompress(blob)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	s, err := LoadState(packet.NewReader(session.Bytes()), packet.NewReader(raw), h.tpls, h.tasks, world.Options{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Round != h.host.State().Round || len(s.Players) != 2 || !s.Players[HostPlayerID].Funded {
		t.Fatalf("players or round lost: %+v", s)
	}
	if !bytes.Equal(s.World.Snapshot(), h.host.State().World.Snapshot()) {
		t.Fatalf("world changed across the download")
	}
}

func TestJoinsBetweenRoundsShareOneDownload(t *testing.T) {
	cache, err := NewSnapshotCache(1<<20, time.Minute)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	defer cache.Close()
	h := newCachedHarness(t, 0, nil, cache)
	h.host.State().Reserved.Reserve(HostPlayerID, []world.TileCoord{{X: 3, Y: 3}})

	first := h.join("first")
	second := h.join("second")
	if got := cache.Hits(); got != 1 {
		t.Fatalf("expected the second join to reuse the download, got %d hits", got)
	}
	if n := len(second.State().Players); n != 3 {
		t.Fatalf("second joiner sees %d players, want 3", n)
	}
	if n := len(first.State().Players); n != 3 {
		t.Fatalf("first joiner sees %d players, want 3", n)
	}
	if owner, ok := second.State().Reserved.IsReserved(world.TileCoord{X: 3, Y: 3}); !ok || owner != HostPlayerID {
		t.Fatalf("reserved tile lost in the download")
	}
	if second.State().World.Checksum() != h.host.State().World.Checksum() {
		t.Fatalf("cached world differs from the host's")
	}

	build(t, h.host, houseTpl, geom.V(8, 8))
	h.round()
	third := h.join("third")
	if got := cache.Hits(); got != 1 {
		t.Fatalf("download after a round must be rebuilt, got %d hits", got)
	}
	if third.State().World.Checksum() != h.host.State().World.Checksum() {
		t.Fatalf("third joiner got a stale world")
	}
}

func TestSnapshotCacheKeysOnRoundAndWorld(t *testing.T) {
	cache, err := NewSnapshotCache(1<<20, time.Minute)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	defer cache.Close()
	var a, b [32]byte
	b[0] = 1
	cache.Put(snapshotKey(4, a), []byte("world-a"))
	if blob, ok := cache.Get(snapshotKey(4, a)); !ok || string(blob) != "world-a" {
		t.Fatalf("expected a hit, got %q %v", blob, ok)
	}
	if _, ok := cache.Get(snapshotKey(5, a)); ok {
		t.Fatalf("another round must miss")
	}
	if _, ok := cache.Get(snapshotKey(4, b)); ok {
		t.Fatalf("another world must miss")
	}
	if cache.Hits() != 1 {
		t.Fatalf("expected one hit, got %d", cache.Hits())
	}
}

func TestArchivedRoundsReplayToTheSameWorld(t *testing.T) {
	h := newHarness(t, 1, nil)
	var recs []RoundRecord
	h.host.Rounds.Subscribe(func(r RoundRecord) { recs = append(recs, r) })

	h.round()
	if err := build(t, h.host, houseTpl, geom.V(4, 4)); err != nil {
		t.Fatalf("host build: %v", err)
	}
	h.round()
	if err := build(t, h.clients[0], houseTpl, geom.V(10, 10)); err != nil {
		t.Fatalf("client build: %v", err)
	}
	h.round()
	if len(recs) != 3 || len(recs[0].Funded) != 2 || len(recs[1].Funded) != 0 {
		t.Fatalf("unexpected records %+v", recs)
	}

	fresh := func() *world.World {
		w, err := world.New(16, 16, make([]world.Tile, 16*16), h.tpls, h.tasks, world.Options{})
		if err != nil {
			t.Fatalf("world: %v", err)
		}
		return w
	}
	rp := NewReplay(fresh(), NewRegistry(h.tasks, zap.NewNop()), 100)
	for _, rec := range recs {
		if _, err := rp.Step(rec); err != nil {
			t.Fatalf("replay: %v", err)
		}
	}
	if rp.World.Checksum() != h.host.State().World.Checksum() {
		t.Fatalf("replayed world differs from the host's")
	}
	if rp.World.EntityCount() != 2 {
		t.Fatalf("expected both houses after replay, got %d entities", rp.World.EntityCount())
	}

	unfunded := recs[0]
	unfunded.Funded = nil
	if _, err := NewReplay(fresh(), NewRegistry(h.tasks, zap.NewNop()), 100).Step(unfunded); !errors.Is(err, ErrDesync) {
		t.Fatalf("expected ErrDesync for a tampered round, got %v", err)
	}
}

func TestDecodeOrdersRejectsTruncatedData(t *testing.T) {
	reg := NewRegistry(world.NewTaskRegistry(), zap.NewNop())
	b := packet.Acquire[*order.Build](reg, packet.TypeBuild)
	b.Template = houseTpl.ID
	b.Position = geom.V(3, 3)
	w := packet.NewWriter()
	w.WriteInt32(HostPlayerID)
	reg.EncodeTo(w, b)
	reg.Recycle(b)

	orders, err := DecodeOrders(reg, w.Bytes())
	if err != nil || len(orders) != 1 || orders[0].Issuer() != HostPlayerID {
		t.Fatalf("decode: %v %+v", err, orders)
	}
	recycleAll(reg, orders)
	if _, err := DecodeOrders(reg, w.Bytes()[:w.Len()-2]); err == nil {
		t.Fatalf("expected truncated order data to fail")
	}
}

func TestNormalizeName(t *testing.T) {
	if got := normalizeName("  Ｂｏｂ ", 3); got != "Bob" {
		t.Fatalf("expected Bob, got %q", got)
	}
	if got := normalizeName("   ", 3); got != "player-3" {
		t.Fatalf("expected generated name, got %q", got)
	}
}
