package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresStore persists sealed blocks to the sealed_blocks table.
// The full record is kept as JSON so transaction timestamps survive with
// nanosecond precision; the scalar columns exist for querying.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Put implements Store.
func (s *PostgresStore) Put(ctx context.Context, rec Record) error {
	if rec.Block == nil {
		return fmt.Errorf("archive: record has no block")
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal block %d: %w", rec.Index(), err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO sealed_blocks (idx, sealed_at, hash, prev_hash, tx_count, body)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		int64(rec.Index()), rec.Block.SealedAt, rec.Hash(), rec.PrevHash, rec.Block.Count, body,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			existing, getErr := s.Get(ctx, rec.Index())
			if getErr != nil {
				return getErr
			}
			if existing.Hash() != rec.Hash() {
				return fmt.Errorf("%w: block %d", ErrConflict, rec.Index())
			}
			return nil
		}
		return fmt.Errorf("insert block %d: %w", rec.Index(), err)
	}

	s.logger.Debug("block archived",
		zap.Uint64("idx", rec.Index()),
		zap.String("hash", rec.Hash()),
	)
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, index uint64) (*Record, error) {
	var body []byte
	if err := s.pool.QueryRow(ctx,
		`SELECT body FROM sealed_blocks WHERE idx = $1`, int64(index),
	).Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("block %d: %w", index, ErrNotFound)
		}
		return nil, fmt.Errorf("get block %d: %w", index, err)
	}
	return decode(body)
}

// Len implements Store.
func (s *PostgresStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM sealed_blocks").Scan(&n); err != nil {
		return 0, fmt.Errorf("count sealed blocks: %w", err)
	}
	return n, nil
}

// List implements Store. It streams all rows ordered by idx.
func (s *PostgresStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT body FROM sealed_blocks ORDER BY idx ASC`)
	if err != nil {
		return nil, fmt.Errorf("query sealed blocks: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan sealed block: %w", err)
		}
		rec, err := decode(body)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func decode(body []byte) (*Record, error) {
	rec := &Record{}
	if err := json.Unmarshal(body, rec); err != nil {
		return nil, fmt.Errorf("decode archived block: %w", err)
	}
	if rec.Block == nil {
		return nil, fmt.Errorf("decode archived block: missing block")
	}
	return rec, nil
}
