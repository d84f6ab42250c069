// Package store implements PostgreSQL persistence for catalog records,
// import tasks and webhook registrations, backed by a pgx connection pool.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/acmelabs/product-importer/internal/model"
)

// RecordStore persists catalog records.
type RecordStore struct {
	pool *pgxpool.Pool
}

// NewRecordStore creates a record store on the given pool.
func NewRecordStore(pool *pgxpool.Pool) *RecordStore {
	return &RecordStore{pool: pool}
}

// UpsertBatch applies one batch of records as a single multi-row
// INSERT ... ON CONFLICT statement. One statement means one implicit
// transaction: either the whole batch lands or none of it does.
//
// Key collisions resolve case-insensitively against the unique index on
// lower(sku). The update path touches only the mutable fields; active and
// created_at keep their values from first insert. The caller must resolve
// duplicate keys within the batch first (last occurrence wins); Postgres
// rejects ON CONFLICT updates that hit the same row twice.
func (s *RecordStore) UpsertBatch(ctx context.Context, batch []model.Record) error {
	if len(batch) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO products (sku, name, description, price, active) VALUES ")

	args := make([]any, 0, len(batch)*5)
	for i, rec := range batch {
		if i > 0 {
			sb.WriteString(", ")
		}
		n := i * 5
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5)
		args = append(args, rec.SKU, rec.Name, rec.Description, rec.Price, rec.Active)
	}

	sb.WriteString(`
		ON CONFLICT ((lower(sku))) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			price = EXCLUDED.price,
			updated_at = now()`)

	if _, err := s.pool.Exec(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("upsert %d records: %w", len(batch), err)
	}
	return nil
}

// Count returns the number of catalog records.
func (s *RecordStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM products").Scan(&count); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return count, nil
}
