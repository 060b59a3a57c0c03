package persist

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	coresys "github.com/outpost/lockstep/internal/core/system"
	"github.com/outpost/lockstep/internal/lockstep"
)

// RoundWriter is the part of MatchRepo the archive needs.
type RoundWriter interface {
	WriteRounds(ctx context.Context, matchID uuid.UUID, rows []RoundRow) error
}

// Archive buffers simulated rounds on the game loop and hands them in
// batches to a writer goroutine, so a slow or failing database never stalls
// a round.
type Archive struct {
	store      RoundWriter
	matchID    uuid.UUID
	flushEvery int
	maxPending int
	timeout    time.Duration
	retry      time.Duration
	log        *zap.Logger

	pending []RoundRow // game loop only
	written atomic.Int64
	dropped atomic.Int64

	batches chan []RoundRow
	quit    chan struct{}
	done    chan struct{}

	unsubscribe func()
}

func NewArchive(store RoundWriter, matchID uuid.UUID, flushEvery int, log *zap.Logger) *Archive {
	if flushEvery <= 0 {
		flushEvery = 1
	}
	return &Archive{
		store:      store,
		matchID:    matchID,
		flushEvery: flushEvery,
		maxPending: flushEvery * 20,
		timeout:    5 * time.Second,
		retry:      time.Second,
		log:        log.With(zap.String("match", matchID.String())),
	}
}

// Start launches the writer goroutine that Submit feeds.
func (a *Archive) Start() {
	if a.batches != nil {
		return
	}
	a.batches = make(chan []RoundRow, 1)
	a.quit = make(chan struct{})
	a.done = make(chan struct{})
	go a.writeLoop()
}

// Attach subscribes the archive to every round p simulates.
func (a *Archive) Attach(p *lockstep.Peer) {
	a.unsubscribe = p.Rounds.Subscribe(a.Record)
}

// Record queues one round for the next batch.
func (a *Archive) Record(rec lockstep.RoundRecord) {
	if len(a.pending) >= a.maxPending {
		// The writer has been failing for a while; keep the newest rounds.
		a.pending = a.pending[1:]
		if n := a.dropped.Add(1); n == 1 || n%100 == 0 {
			a.log.Error("archive backlog full, dropping rounds", zap.Int64("dropped", n))
		}
	}
	sum := rec.Checksum
	a.pending = append(a.pending, RoundRow{
		Round:     rec.Round,
		ElapsedMs: rec.ElapsedMs,
		Players:   int16(rec.Players),
		Funded:    rec.Funded,
		Orders:    int32(rec.Orders),
		Rejected:  int32(rec.Rejected),
		OrderData: rec.OrderData,
		Checksum:  sum[:],
	})
}

func (a *Archive) Pending() int   { return len(a.pending) }
func (a *Archive) Written() int64 { return a.written.Load() }
func (a *Archive) Dropped() int64 { return a.dropped.Load() }

// Due reports whether enough rounds are buffered for a batch.
func (a *Archive) Due() bool { return len(a.pending) >= a.flushEvery }

// Submit hands the buffered rounds to the writer once a batch is due. It
// never blocks: while the writer is busy the rounds stay buffered and go out
// with the next batch. Reports whether a batch was handed over.
func (a *Archive) Submit() bool {
	if a.batches == nil || !a.Due() {
		return false
	}
	select {
	case a.batches <- a.pending:
		a.pending = nil
		return true
	default:
		return false
	}
}

func (a *Archive) writeLoop() {
	defer close(a.done)
	for batch := range a.batches {
		a.writeWithRetry(batch)
	}
}

// writeWithRetry keeps writing batch until it lands or Close gives up on it.
func (a *Archive) writeWithRetry(batch []RoundRow) {
	for attempt := 1; ; attempt++ {
		err := a.write(context.Background(), batch)
		if err == nil {
			return
		}
		a.log.Warn("archive write failed, retrying",
			zap.Int("rounds", len(batch)),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-time.After(a.retry):
		case <-a.quit:
			a.dropped.Add(int64(len(batch)))
			a.log.Error("archive batch lost on shutdown", zap.Int("rounds", len(batch)), zap.Error(err))
			return
		}
	}
}

func (a *Archive) write(ctx context.Context, batch []RoundRow) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if err := a.store.WriteRounds(ctx, a.matchID, batch); err != nil {
		return err
	}
	total := a.written.Add(int64(len(batch)))
	a.log.Debug("archived rounds", zap.Int("rounds", len(batch)), zap.Int64("total", total))
	return nil
}

// Flush writes every buffered round on the calling goroutine. On failure the
// rounds stay buffered and are retried with the next batch.
func (a *Archive) Flush(ctx context.Context) error {
	if len(a.pending) == 0 {
		return nil
	}
	if err := a.write(ctx, a.pending); err != nil {
		a.log.Warn("archive flush failed", zap.Int("rounds", len(a.pending)), zap.Error(err))
		return err
	}
	a.pending = nil
	return nil
}

// Close stops listening, lets the writer finish its batches and writes
// whatever is left. A batch the writer is still retrying when ctx ends is
// dropped.
func (a *Archive) Close(ctx context.Context) error {
	if a.unsubscribe != nil {
		a.unsubscribe()
		a.unsubscribe = nil
	}
	if a.batches != nil {
		close(a.batches)
		select {
		case <-a.done:
		case <-ctx.Done():
			close(a.quit)
			<-a.done
		}
		a.batches = nil
	}
	return a.Flush(ctx)
}

// ArchiveSystem hands due batches to the archive writer. Phase 3 (Persist).
type ArchiveSystem struct {
	archive *Archive
}

// NewArchiveSystem starts a's writer goroutine.
func NewArchiveSystem(a *Archive) *ArchiveSystem {
	a.Start()
	return &ArchiveSystem{archive: a}
}

func (s *ArchiveSystem) Phase() coresys.Phase { return coresys.PhasePersist }

func (s *ArchiveSystem) Update(_ time.Duration) error {
	s.archive.Submit()
	return nil
}
