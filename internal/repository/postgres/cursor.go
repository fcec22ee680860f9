package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CursorRepository stores listener progress in chain_cursors.
type CursorRepository struct {
	pool *pgxpool.Pool
}

func NewCursorRepository(pool *pgxpool.Pool) *CursorRepository {
	return &CursorRepository{pool: pool}
}

func (r *CursorRepository) Get(ctx context.Context, name string) (uint64, bool, error) {
	var block int64
	err := r.pool.QueryRow(ctx, `SELECT block FROM chain_cursors WHERE name = $1`, name).Scan(&block)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(block), true, nil
}

// Set moves the cursor forward. A lower block than the stored one is ignored.
func (r *CursorRepository) Set(ctx context.Context, name string, block uint64) error {
	const query = `
		INSERT INTO chain_cursors (name, block, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET
			block = GREATEST(chain_cursors.block, EXCLUDED.block),
			updated_at = NOW()
	`
	_, err := r.pool.Exec(ctx, query, name, int64(block))
	return err
}
