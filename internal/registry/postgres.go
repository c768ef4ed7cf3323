package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kestrel-search/scripting/internal/script"
)

// PostgresStore persists stored scripts as insert-only version rows. The
// latest row per ID wins; deletions are recorded as a row with deleted_at
// set, so history survives.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Put inserts a new version row for the script, assigning version = last+1.
func (r *PostgresStore) Put(ctx context.Context, stored *script.Stored) error {
	params, err := marshalParams(stored.Script.Params)
	if err != nil {
		return err
	}

	q := `INSERT INTO script_versions (id, version, lang, source, params, created_by, created_at)
	      VALUES ($1,
	              COALESCE((SELECT MAX(version) FROM script_versions WHERE id = $1), 0) + 1,
	              $2, $3, $4, $5, $6)
	      RETURNING version, created_at`

	now := time.Now().UTC()
	err = r.pool.QueryRow(ctx, q, stored.ID, stored.Script.Lang, stored.Script.Source, params, stored.CreatedBy, now).
		Scan(&stored.Version, &stored.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert script version: %w", err)
	}
	stored.UpdatedAt = stored.CreatedAt
	return nil
}

// marshalParams renders default params as jsonb, keeping NULL for none.
func marshalParams(params map[string]interface{}) ([]byte, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal script params: %w", err)
	}
	return data, nil
}

func unmarshalParams(data []byte, into *map[string]interface{}) error {
	if data == nil {
		return nil
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("unmarshal script params: %w", err)
	}
	return nil
}

// Get returns the latest version of a script. A latest row with deleted_at
// set means the script is gone.
func (r *PostgresStore) Get(ctx context.Context, id string) (*script.Stored, error) {
	q := `SELECT id, version, lang, source, params, created_by, created_at, deleted_at
	      FROM script_versions
	      WHERE id = $1
	      ORDER BY version DESC
	      LIMIT 1`

	var (
		stored    script.Stored
		params    []byte
		deletedAt *time.Time
	)
	err := r.pool.QueryRow(ctx, q, id).Scan(
		&stored.ID, &stored.Version, &stored.Script.Lang, &stored.Script.Source,
		&params, &stored.CreatedBy, &stored.CreatedAt, &deletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get script: %w", err)
	}
	if deletedAt != nil {
		return nil, ErrNotFound
	}
	if err := unmarshalParams(params, &stored.Script.Params); err != nil {
		return nil, err
	}
	stored.UpdatedAt = stored.CreatedAt
	return &stored, nil
}

// Delete records a deletion row. Deleting an unknown or already deleted
// script returns ErrNotFound.
func (r *PostgresStore) Delete(ctx context.Context, id, deletedBy string) error {
	current, err := r.Get(ctx, id)
	if err != nil {
		return err
	}

	params, err := marshalParams(current.Script.Params)
	if err != nil {
		return err
	}

	q := `INSERT INTO script_versions (id, version, lang, source, params, created_by, created_at, deleted_at)
	      VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`
	now := time.Now().UTC()
	if _, err := r.pool.Exec(ctx, q, id, current.Version+1, current.Script.Lang, current.Script.Source, params, deletedBy, now); err != nil {
		return fmt.Errorf("insert delete marker: %w", err)
	}
	return nil
}

// List returns the latest non-deleted version of every script.
func (r *PostgresStore) List(ctx context.Context) ([]script.Stored, error) {
	q := `WITH latest AS (
	          SELECT DISTINCT ON (id)
	              id, version, lang, source, params, created_by, created_at, deleted_at
	          FROM script_versions
	          ORDER BY id, version DESC
	      )
	      SELECT id, version, lang, source, params, created_by, created_at
	      FROM latest
	      WHERE deleted_at IS NULL
	      ORDER BY id`

	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list scripts: %w", err)
	}
	defer rows.Close()

	var out []script.Stored
	for rows.Next() {
		var (
			s      script.Stored
			params []byte
		)
		if err := rows.Scan(&s.ID, &s.Version, &s.Script.Lang, &s.Script.Source, &params, &s.CreatedBy, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan script: %w", err)
		}
		if err := unmarshalParams(params, &s.Script.Params); err != nil {
			return nil, err
		}
		s.UpdatedAt = s.CreatedAt
		out = append(out, s)
	}
	return out, rows.Err()
}
