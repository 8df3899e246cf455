package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/aevon-lab/incremental-aggregation/internal/core/aggregation"
	"github.com/aevon-lab/incremental-aggregation/internal/core/partition"
	"github.com/aevon-lab/incremental-aggregation/internal/core/storage"
)

// Table implements storage.Table for one granularity of one aggregation on
// top of the shared aggregate_rows table. Tables of the same process share
// the connection pool.
type Table struct {
	db          *sql.DB
	aggregation string
	duration    aggregation.Duration
}

// NewTable creates a table sharing the given connection.
func NewTable(db *sql.DB, aggregationName string, d aggregation.Duration) *Table {
	return &Table{db: db, aggregation: aggregationName, duration: d}
}

// Insert appends closed buckets in one transaction. Any existing key rolls
// back the whole batch with storage.ErrDuplicate.
func (t *Table) Insert(ctx context.Context, rows []aggregation.Row) error {
	return t.write(ctx, "insert", queryInsertRow, rows, true)
}

// Update upserts rows in one transaction.
func (t *Table) Update(ctx context.Context, rows []aggregation.Row) error {
	return t.write(ctx, "update", queryUpsertRow, rows, false)
}

func (t *Table) write(ctx context.Context, op, query string, rows []aggregation.Row, rejectDuplicates bool) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("aggregate_rows %s: begin tx: %w", op, err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("aggregate_rows %s: prepare: %w", op, err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, row := range rows {
		groupJSON, valuesJSON, err := marshalRowJSON(row)
		if err != nil {
			return fmt.Errorf("aggregate_rows %s: %w", op, err)
		}
		result, err := stmt.ExecContext(ctx,
			t.aggregation,
			t.duration.String(),
			row.ShardID,
			row.GroupKey,
			row.Timestamp,
			aggregation.NextBucketStart(row.Timestamp, t.duration),
			partition.For(row.GroupKey),
			groupJSON,
			row.LastEventTimestamp,
			valuesJSON,
			now,
		)
		if err != nil {
			return fmt.Errorf("aggregate_rows %s %q at %d: %w", op, row.GroupKey, row.Timestamp, err)
		}
		if !rejectDuplicates {
			continue
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("aggregate_rows %s: check result: %w", op, err)
		}
		if affected == 0 {
			return fmt.Errorf("aggregate_rows %s %q at %d: %w", op, row.GroupKey, row.Timestamp, storage.ErrDuplicate)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("aggregate_rows %s: commit: %w", op, err)
	}

	slog.Debug("[PostgresTable] Wrote rows",
		"op", op,
		"aggregation", t.aggregation,
		"duration", t.duration,
		"rows", len(rows),
	)
	return nil
}

// Find pushes the time bounds and shard into SQL and applies the residual
// filter to each scanned row.
func (t *Table) Find(ctx context.Context, lookup *storage.TableLookup, params storage.LookupParams) ([]aggregation.Row, error) {
	lower, upper := lookup.Bounds(params)

	rows, err := t.db.QueryContext(ctx, queryRangeRows,
		t.aggregation, t.duration.String(), lower, upper, params.ShardID)
	if err != nil {
		return nil, fmt.Errorf("query aggregate_rows: %w", err)
	}
	defer rows.Close()

	var results []aggregation.Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		ok, err := lookup.Matches(row, params)
		if err != nil {
			return nil, fmt.Errorf("filter aggregate_rows: %w", err)
		}
		if ok {
			results = append(results, row)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return results, nil
}

// CompileCondition prepares a lookup; bounds are bound as query arguments at Find time.
func (t *Table) CompileCondition(cond storage.Condition) (*storage.TableLookup, error) {
	return storage.NewTableLookup(cond)
}

// Latest returns the newest persisted bucket start, or -1.
func (t *Table) Latest(ctx context.Context, shardID string) (int64, error) {
	var latest int64
	err := t.db.QueryRowContext(ctx, queryLatestBucket, t.aggregation, t.duration.String(), shardID).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("read latest bucket: %w", err)
	}
	return latest, nil
}

// DeleteBefore removes rows whose bucket starts before ts.
func (t *Table) DeleteBefore(ctx context.Context, ts int64) (int64, error) {
	result, err := t.db.ExecContext(ctx, queryDeleteBefore, t.aggregation, t.duration.String(), ts)
	if err != nil {
		return 0, fmt.Errorf("purge aggregate_rows: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge aggregate_rows: check result: %w", err)
	}
	return removed, nil
}
