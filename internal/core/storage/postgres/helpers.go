package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/aevon-lab/incremental-aggregation/internal/core/aggregation"
)

// marshalRowJSON marshals a row's group values and partials for the JSONB columns.
func marshalRowJSON(row aggregation.Row) (groupJSON, valuesJSON []byte, err error) {
	groupJSON, err = json.Marshal(row.GroupValues)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal group values: %w", err)
	}

	valuesJSON, err = json.Marshal(row.Values)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal values: %w", err)
	}

	return groupJSON, valuesJSON, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanRow scans one result row of queryRangeRows.
// Compatible with both sql.Row (single) and sql.Rows (multiple).
func scanRow(row scanner) (aggregation.Row, error) {
	var (
		r                     aggregation.Row
		groupJSON, valuesJSON []byte
	)

	err := row.Scan(
		&r.GroupKey,
		&groupJSON,
		&r.Timestamp,
		&r.LastEventTimestamp,
		&r.ShardID,
		&valuesJSON,
	)
	if err != nil {
		return aggregation.Row{}, fmt.Errorf("failed to scan aggregate row: %w", err)
	}

	if len(groupJSON) > 0 {
		if err := json.Unmarshal(groupJSON, &r.GroupValues); err != nil {
			return aggregation.Row{}, fmt.Errorf("failed to unmarshal group values: %w", err)
		}
	}
	if err := json.Unmarshal(valuesJSON, &r.Values); err != nil {
		return aggregation.Row{}, fmt.Errorf("failed to unmarshal values: %w", err)
	}

	return r, nil
}
