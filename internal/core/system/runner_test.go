package system

import (
	"errors"
	"testing"
	"time"
)

type recordSystem struct {
	phase Phase
	name  string
	log   *[]string
	err   error
}

func (s *recordSystem) Phase() Phase { return s.phase }

func (s *recordSystem) Update(time.Duration) error {
	*s.log = append(*s.log, s.name)
	return s.err
}

func TestRunnerOrdersByPhaseThenRegistration(t *testing.T) {
	var log []string
	r := NewRunner()
	r.Register(&recordSystem{phase: PhaseOutput, name: "out", log: &log})
	r.Register(&recordSystem{phase: PhaseInput, name: "in-a", log: &log})
	r.Register(&recordSystem{phase: PhaseUpdate, name: "update", log: &log})
	r.Register(&recordSystem{phase: PhaseInput, name: "in-b", log: &log})

	if err := r.Tick(time.Millisecond); err != nil {
		t.Fatalf("tick: %v", err)
	}
	want := []string{"in-a", "in-b", "update", "out"}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("got order %v, want %v", log, want)
		}
	}
}

func TestRunnerStopsOnError(t *testing.T) {
	var log []string
	boom := errors.New("boom")
	r := NewRunner()
	r.Register(&recordSystem{phase: PhaseInput, name: "in", log: &log, err: boom})
	r.Register(&recordSystem{phase: PhaseOutput, name: "out", log: &log})

	if err := r.Tick(time.Millisecond); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if len(log) != 1 {
		t.Fatalf("systems after the failing one must not run, got %v", log)
	}
}
