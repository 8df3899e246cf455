package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aevon-lab/incremental-aggregation/internal/core/aggregation"
	"github.com/aevon-lab/incremental-aggregation/internal/core/partition"
	"github.com/aevon-lab/incremental-aggregation/internal/core/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const minute = int64(60_000)

func sampleRow(ts int64) aggregation.Row {
	return aggregation.Row{
		GroupKey:           "IBM",
		GroupValues:        []interface{}{"IBM"},
		Timestamp:          ts,
		LastEventTimestamp: ts + 45_000,
		Values:             []aggregation.Partial{{Value: decimal.NewFromInt(7), Count: 2}},
	}
}

func TestTable_InsertWritesBucketBounds(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	table := NewTable(db, "trades", aggregation.Minutes)
	row := sampleRow(10 * minute)

	mock.ExpectBegin()
	mock.ExpectPrepare(regexp.QuoteMeta(queryInsertRow)).ExpectExec().WithArgs(
		"trades",
		"MINUTES",
		"",
		"IBM",
		10*minute,
		11*minute,
		partition.For("IBM"),
		[]byte(`["IBM"]`),
		row.LastEventTimestamp,
		[]byte(`[{"value":"7","count":2}]`),
		sqlmock.AnyArg(),
	).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, table.Insert(context.Background(), []aggregation.Row{row}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTable_InsertDuplicateRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	table := NewTable(db, "trades", aggregation.Minutes)

	mock.ExpectBegin()
	mock.ExpectPrepare(regexp.QuoteMeta(queryInsertRow)).ExpectExec().
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = table.Insert(context.Background(), []aggregation.Row{sampleRow(0)})
	require.ErrorIs(t, err, storage.ErrDuplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTable_UpdateUpserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	table := NewTable(db, "trades", aggregation.Hours)

	mock.ExpectBegin()
	mock.ExpectPrepare(regexp.QuoteMeta(queryUpsertRow)).ExpectExec().
		WithArgs("trades", "HOURS", "", "IBM", int64(0), int64(3_600_000),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, table.Update(context.Background(), []aggregation.Row{sampleRow(0)}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTable_WriteFailureRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	table := NewTable(db, "trades", aggregation.Minutes)

	mock.ExpectBegin()
	mock.ExpectPrepare(regexp.QuoteMeta(queryUpsertRow)).ExpectExec().
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err = table.Update(context.Background(), []aggregation.Row{sampleRow(0)})
	require.ErrorContains(t, err, "connection reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTable_EmptyWriteIsNoop(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, NewTable(db, "trades", aggregation.Minutes).Insert(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTable_FindAppliesResidual(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	table := NewTable(db, "trades", aggregation.Minutes)
	lookup, err := table.CompileCondition(storage.Condition{
		Duration: aggregation.Minutes,
		GroupBy:  []string{"symbol"},
		RowAlias: "agg",
		Residual: `agg.symbol == "IBM"`,
	})
	require.NoError(t, err)

	columns := []string{"group_key", "group_values", "agg_timestamp", "last_event_timestamp", "shard_id", "partials"}
	mock.ExpectQuery(regexp.QuoteMeta(queryRangeRows)).
		WithArgs("trades", "MINUTES", int64(0), 2*minute, "").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("IBM", []byte(`["IBM"]`), int64(0), int64(45_000), "", []byte(`[{"value":"7","count":2}]`)).
			AddRow("WSO2", []byte(`["WSO2"]`), int64(0), int64(10_000), "", []byte(`[{"value":"1","count":1}]`)).
			AddRow("IBM", []byte(`["IBM"]`), minute, int64(70_000), "", []byte(`[{"value":"1","count":1}]`)))

	rows, err := table.Find(context.Background(), lookup, storage.LookupParams{Start: 0, End: 2 * minute})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, int64(0), rows[0].Timestamp)
	require.True(t, decimal.NewFromInt(7).Equal(rows[0].Values[0].Value))
	require.Equal(t, int64(2), rows[0].Values[0].Count)
	require.Equal(t, minute, rows[1].Timestamp)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTable_FindSinceBoundNarrowsRange(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	table := NewTable(db, "trades", aggregation.Seconds)
	lookup, err := table.CompileCondition(storage.Condition{Duration: aggregation.Seconds, SinceBound: true})
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta(queryRangeRows)).
		WithArgs("trades", "SECONDS", minute, 2*minute, "node-1").
		WillReturnRows(sqlmock.NewRows([]string{"group_key", "group_values", "agg_timestamp", "last_event_timestamp", "shard_id", "partials"}))

	rows, err := table.Find(context.Background(), lookup, storage.LookupParams{
		Start: 0, End: 2 * minute, Since: minute, ShardID: "node-1",
	})
	require.NoError(t, err)
	require.Empty(t, rows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTable_Latest(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(queryLatestBucket)).
		WithArgs("trades", "DAYS", "").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(-1)))

	latest, err := NewTable(db, "trades", aggregation.Days).Latest(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, int64(-1), latest)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTable_DeleteBefore(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(queryDeleteBefore)).
		WithArgs("trades", "SECONDS", int64(5000)).
		WillReturnResult(sqlmock.NewResult(0, 12))

	removed, err := NewTable(db, "trades", aggregation.Seconds).DeleteBefore(context.Background(), 5000)
	require.NoError(t, err)
	require.Equal(t, int64(12), removed)
	require.NoError(t, mock.ExpectationsWereMet())
}
