package packet

import (
	"errors"
	"testing"

	"go.uber.org/zap"
)

const typeMarker TypeID = 900

type marker struct {
	Pooled
	ID    int32
	Name  string
	Score float64
	Tags  []string
}

func (p *marker) Type() TypeID { return typeMarker }

func (p *marker) Clear() {
	p.ID = -1
	p.Name = ""
	p.Score = 0
	p.Tags = p.Tags[:0]
}

func (p *marker) LoadFrom(r *Reader) error {
	p.ID = r.ReadInt32()
	p.Name = r.ReadString()
	p.Score = r.ReadFloat64()
	n := r.ReadCount(16)
	for i := 0; i < n; i++ {
		p.Tags = append(p.Tags, r.ReadString())
	}
	return r.Err()
}

func (p *marker) SaveTo(w *Writer) {
	w.WriteInt32(p.ID)
	w.WriteString(p.Name)
	w.WriteFloat64(p.Score)
	w.WriteInt32(int32(len(p.Tags)))
	for _, t := range p.Tags {
		w.WriteString(t)
	}
}

func newMarkerRegistry() *Registry {
	reg := NewRegistry(zap.NewNop())
	reg.Register(typeMarker, "marker", func() Packet { return &marker{ID: -1} })
	return reg
}

func TestPoolRoundTripYieldsClearedObject(t *testing.T) {
	reg := newMarkerRegistry()

	p := Acquire[*marker](reg, typeMarker)
	p.ID = 7
	p.Name = "scout"
	p.Tags = append(p.Tags, "a", "b")
	if err := reg.Recycle(p); err != nil {
		t.Fatalf("recycle: %v", err)
	}

	again := Acquire[*marker](reg, typeMarker)
	if again != p {
		t.Fatalf("expected the recycled instance back")
	}
	if again.ID != -1 || again.Name != "" || again.Score != 0 || len(again.Tags) != 0 {
		t.Fatalf("recycled packet not at Clear defaults: %+v", again)
	}
	stats := reg.Stats()
	if len(stats) != 1 || stats[0].Created != 1 || stats[0].InUse != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestDoubleRecycleIsReported(t *testing.T) {
	reg := newMarkerRegistry()
	p := Acquire[*marker](reg, typeMarker)
	if err := reg.Recycle(p); err != nil {
		t.Fatalf("recycle: %v", err)
	}
	if err := reg.Recycle(p); !errors.Is(err, ErrDoubleRecycle) {
		t.Fatalf("expected ErrDoubleRecycle, got %v", err)
	}
	if err := reg.Recycle(&marker{}); !errors.Is(err, ErrDoubleRecycle) {
		t.Fatalf("expected unpooled packet to be rejected, got %v", err)
	}
}

func TestDoubleRecyclePanicsInDebug(t *testing.T) {
	reg := newMarkerRegistry()
	reg.Debug = true
	p := Acquire[*marker](reg, typeMarker)
	reg.Recycle(p)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic in debug mode")
		}
	}()
	reg.Recycle(p)
}

func TestEncodeDecodeWireLayout(t *testing.T) {
	reg := newMarkerRegistry()
	p := Acquire[*marker](reg, typeMarker)
	p.ID = 3
	p.Name = "héllo"
	p.Score = 0.1
	p.Tags = append(p.Tags, "x")
	data := reg.Encode(p)

	r := NewReader(data)
	if id := TypeID(r.ReadInt32()); id != typeMarker {
		t.Fatalf("first int32 must be the type id, got %d", id)
	}

	decoded, err := reg.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := decoded.(*marker)
	if got.ID != 3 || got.Name != "héllo" || got.Score != 0.1 || len(got.Tags) != 1 || got.Tags[0] != "x" {
		t.Fatalf("decoded %+v", got)
	}

	if _, err := reg.Decode(append(data, 0)); !errors.Is(err, ErrTrailingBytes) {
		t.Fatalf("expected ErrTrailingBytes, got %v", err)
	}
	if _, err := reg.Decode(data[:len(data)-2]); !errors.Is(err, ErrShortRead) {
		t.Fatalf("expected ErrShortRead, got %v", err)
	}
	unknown := NewWriterWithType(12345)
	if _, err := reg.Decode(unknown.Bytes()); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestDispatchEnforcesStates(t *testing.T) {
	reg := newMarkerRegistry()
	var handled int
	reg.Handle(typeMarker, []ConnState{StateSyncing}, func(from any, p Packet) error {
		handled++
		if from.(string) != "peer-1" {
			t.Fatalf("unexpected sender %v", from)
		}
		return nil
	})
	p := Acquire[*marker](reg, typeMarker)

	if err := reg.Dispatch("peer-1", StateWaiting, p); !errors.Is(err, ErrStateNotAllowed) {
		t.Fatalf("expected ErrStateNotAllowed, got %v", err)
	}
	if err := reg.Dispatch("peer-1", StateSyncing, p); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if handled != 1 {
		t.Fatalf("handler ran %d times", handled)
	}
}

func TestDispatchRecoversHandlerPanic(t *testing.T) {
	reg := newMarkerRegistry()
	reg.Handle(typeMarker, AllStates, func(any, Packet) error { panic("bad") })
	if err := reg.Dispatch(nil, StateWaiting, Acquire[*marker](reg, typeMarker)); err == nil {
		t.Fatalf("expected panic to be converted into an error")
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	reg := newMarkerRegistry()
	defer func() {
		if recover() == nil {
			t.Fatalf("expected duplicate id to panic")
		}
	}()
	reg.Register(typeMarker, "marker-again", func() Packet { return &marker{} })
}

func TestDispatchWithoutHandler(t *testing.T) {
	reg := newMarkerRegistry()
	if err := reg.Dispatch(nil, StateWaiting, Acquire[*marker](reg, typeMarker)); !errors.Is(err, ErrNoHandler) {
		t.Fatalf("expected ErrNoHandler, got %v", err)
	}
}
