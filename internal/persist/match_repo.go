package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/outpost/lockstep/internal/lockstep"
)

var ErrNoMatch = errors.New("persist: match not found")

type MatchRow struct {
	ID             uuid.UUID
	MapID          int32
	HostName       string
	StartResources int64
	StartedAt      time.Time
	FinishedAt     *time.Time
	Rounds         int64
}

// RoundRow is one simulated round: enough to replay the match from its start.
type RoundRow struct {
	Round     int64
	ElapsedMs int32
	Players   int16
	Funded    []int32
	Orders    int32
	Rejected  int32
	OrderData []byte
	Checksum  []byte
}

// Record converts an archived row back into the round it was written from.
func (row RoundRow) Record() lockstep.RoundRecord {
	rec := lockstep.RoundRecord{
		Round:     row.Round,
		ElapsedMs: row.ElapsedMs,
		Players:   int(row.Players),
		Funded:    row.Funded,
		Orders:    int(row.Orders),
		Rejected:  int(row.Rejected),
		OrderData: row.OrderData,
	}
	copy(rec.Checksum[:], row.Checksum)
	return rec
}

type MatchRepo struct {
	db *DB
}

func NewMatchRepo(db *DB) *MatchRepo {
	return &MatchRepo{db: db}
}

// CreateMatch inserts a new match and returns its id. startResources is
// what every player is granted when first funded; replays need it.
func (r *MatchRepo) CreateMatch(ctx context.Context, mapID int32, hostName string, startResources int64) (uuid.UUID, error) {
	id := uuid.New()
	if _, err := r.db.Pool.Exec(ctx,
		`INSERT INTO matches (id, map_id, host_name, start_resources) VALUES ($1, $2, $3, $4)`,
		id, mapID, hostName, startResources,
	); err != nil {
		return uuid.Nil, fmt.Errorf("create match: %w", err)
	}
	return id, nil
}

// WriteRounds atomically writes a batch of rounds and bumps the match's
// round count in a single transaction.
func (r *MatchRepo) WriteRounds(ctx context.Context, matchID uuid.UUID, rows []RoundRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("rounds begin: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(
			`INSERT INTO match_rounds (match_id, round, elapsed_ms, players, funded, orders, rejected, order_data, checksum)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			matchID, row.Round, row.ElapsedMs, row.Players, funded(row.Funded), row.Orders, row.Rejected, row.OrderData, row.Checksum,
		)
	}
	batch.Queue(`UPDATE matches SET rounds = $2 WHERE id = $1`, matchID, rows[len(rows)-1].Round)
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("rounds insert: %w", err)
	}
	return tx.Commit(ctx)
}

// FinishMatch stamps the match's end time.
func (r *MatchRepo) FinishMatch(ctx context.Context, matchID uuid.UUID) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE matches SET finished_at = NOW() WHERE id = $1`, matchID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNoMatch, matchID)
	}
	return nil
}

// LoadMatch returns the header of a match.
func (r *MatchRepo) LoadMatch(ctx context.Context, matchID uuid.UUID) (*MatchRow, error) {
	row := &MatchRow{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT id, map_id, host_name, start_resources, started_at, finished_at, rounds
		 FROM matches WHERE id = $1`, matchID,
	).Scan(&row.ID, &row.MapID, &row.HostName, &row.StartResources, &row.StartedAt, &row.FinishedAt, &row.Rounds)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNoMatch, matchID)
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

// LoadRounds returns the rounds of a match from round from onwards, in order.
func (r *MatchRepo) LoadRounds(ctx context.Context, matchID uuid.UUID, from int64) ([]RoundRow, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT round, elapsed_ms, players, funded, orders, rejected, order_data, checksum
		 FROM match_rounds WHERE match_id = $1 AND round >= $2 ORDER BY round`,
		matchID, from,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RoundRow
	for rows.Next() {
		var row RoundRow
		if err := rows.Scan(&row.Round, &row.ElapsedMs, &row.Players, &row.Funded, &row.Orders,
			&row.Rejected, &row.OrderData, &row.Checksum); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// funded keeps NULL out of the NOT NULL array column.
func funded(ids []int32) []int32 {
	if ids == nil {
		return []int32{}
	}
	return ids
}
