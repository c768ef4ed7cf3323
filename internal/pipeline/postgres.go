package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists pipeline definitions. Unlike scripts, pipelines are
// stored as a single upserted row per ID with a bumped version; processor
// history lives in the audit trail of whoever calls Put.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Put upserts a definition, bumping the version on conflict.
func (r *PostgresStore) Put(ctx context.Context, def *Definition) error {
	processors, err := json.Marshal(def.Processors)
	if err != nil {
		return fmt.Errorf("marshal processors: %w", err)
	}

	q := `INSERT INTO pipelines (id, description, processors, version, created_by, created_at, updated_at)
	      VALUES ($1, $2, $3, 1, $4, $5, $5)
	      ON CONFLICT (id) DO UPDATE SET
	          description = EXCLUDED.description,
	          processors  = EXCLUDED.processors,
	          version     = pipelines.version + 1,
	          updated_at  = EXCLUDED.updated_at
	      RETURNING version, created_at, updated_at`

	now := time.Now().UTC()
	err = r.pool.QueryRow(ctx, q, def.ID, def.Description, processors, def.CreatedBy, now).
		Scan(&def.Version, &def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert pipeline: %w", err)
	}
	return nil
}

// Get returns a definition by ID.
func (r *PostgresStore) Get(ctx context.Context, id string) (*Definition, error) {
	q := `SELECT id, description, processors, version, created_by, created_at, updated_at
	      FROM pipelines WHERE id = $1`

	var (
		def        Definition
		processors []byte
	)
	err := r.pool.QueryRow(ctx, q, id).Scan(
		&def.ID, &def.Description, &processors, &def.Version,
		&def.CreatedBy, &def.CreatedAt, &def.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get pipeline: %w", err)
	}

	if err := json.Unmarshal(processors, &def.Processors); err != nil {
		return nil, fmt.Errorf("unmarshal processors: %w", err)
	}
	return &def, nil
}

// Delete removes a pipeline row.
func (r *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM pipelines WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete pipeline: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all definitions ordered by ID.
func (r *PostgresStore) List(ctx context.Context) ([]Definition, error) {
	q := `SELECT id, description, processors, version, created_by, created_at, updated_at
	      FROM pipelines ORDER BY id`

	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	var out []Definition
	for rows.Next() {
		var (
			def        Definition
			processors []byte
		)
		if err := rows.Scan(&def.ID, &def.Description, &processors, &def.Version,
			&def.CreatedBy, &def.CreatedAt, &def.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan pipeline: %w", err)
		}
		if err := json.Unmarshal(processors, &def.Processors); err != nil {
			return nil, fmt.Errorf("unmarshal processors: %w", err)
		}
		out = append(out, def)
	}
	return out, rows.Err()
}
