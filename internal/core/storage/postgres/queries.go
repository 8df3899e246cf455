package postgres

// SQL for the aggregate_rows table. One physical table holds every
// granularity of every aggregation; rows are addressed by
// (aggregation, duration, shard_id, group_key, agg_timestamp).

const (
	// queryInsertRow appends a closed bucket. A conflicting key affects no
	// rows, which Insert reports as storage.ErrDuplicate.
	queryInsertRow = `
		INSERT INTO aggregate_rows (
			aggregation, duration, shard_id, group_key, agg_timestamp, agg_end,
			partition_id, group_values, last_event_timestamp, partials, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (aggregation, duration, shard_id, group_key, agg_timestamp) DO NOTHING
	`

	// queryUpsertRow overwrites a persisted bucket. Only the should-update
	// path writes through it.
	queryUpsertRow = `
		INSERT INTO aggregate_rows (
			aggregation, duration, shard_id, group_key, agg_timestamp, agg_end,
			partition_id, group_values, last_event_timestamp, partials, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (aggregation, duration, shard_id, group_key, agg_timestamp)
		DO UPDATE SET
			group_values         = EXCLUDED.group_values,
			last_event_timestamp = EXCLUDED.last_event_timestamp,
			partials             = EXCLUDED.partials,
			updated_at           = EXCLUDED.updated_at
	`

	// queryRangeRows scans one granularity within [lower, upper). An empty
	// shard argument matches every shard.
	queryRangeRows = `
		SELECT group_key, group_values, agg_timestamp, last_event_timestamp, shard_id, partials
		FROM aggregate_rows
		WHERE aggregation = $1
		  AND duration = $2
		  AND agg_timestamp >= $3
		  AND agg_timestamp < $4
		  AND ($5 = '' OR shard_id = $5)
		ORDER BY agg_timestamp ASC, group_key ASC, shard_id ASC
	`

	queryLatestBucket = `
		SELECT COALESCE(MAX(agg_timestamp), -1)
		FROM aggregate_rows
		WHERE aggregation = $1
		  AND duration = $2
		  AND ($3 = '' OR shard_id = $3)
	`

	queryDeleteBefore = `
		DELETE FROM aggregate_rows
		WHERE aggregation = $1
		  AND duration = $2
		  AND agg_timestamp < $3
	`

	queryAggregateRowsExists = `
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_name = 'aggregate_rows'
		)
	`
)
