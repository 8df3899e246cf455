package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/aevon-lab/incremental-aggregation/internal/core/aggregation"
	"github.com/aevon-lab/incremental-aggregation/internal/core/storage"
	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/robfig/cron/v3"
)

// Config holds BadgerDB configuration.
type Config struct {
	// Path to store database files.
	Path string

	// InMemory mode (for testing).
	InMemory bool

	// MaxMemoryMB bounds the memtable size (0 = 16 MB).
	MaxMemoryMB int64
}

// Store owns one Badger database shared by every table of the process.
type Store struct {
	db       *badger.DB
	inMemory bool
}

// Open creates or opens the database.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	memTableSize := int64(16 << 20)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB << 20 / 3
	}

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &Store{db: db, inMemory: cfg.InMemory}, nil
}

// Close shuts down BadgerDB cleanly.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunGC reclaims value log space after purges. badger.ErrNoRewrite means
// nothing was worth collecting and is not reported. In-memory stores have no
// value log.
func (s *Store) RunGC(discardRatio float64) error {
	if s.inMemory {
		return nil
	}
	if err := s.db.RunValueLogGC(discardRatio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return err
	}
	return nil
}

// RunGCOnSchedule calls RunGC on a cron schedule until ctx is cancelled.
func (s *Store) RunGCOnSchedule(ctx context.Context, schedule string, discardRatio float64) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if err := s.RunGC(discardRatio); err != nil {
			slog.Error("[Badger] Value log GC failed", "error", err)
			return
		}
		slog.Debug("[Badger] Value log GC complete")
	}); err != nil {
		return fmt.Errorf("invalid gc schedule %q: %w", schedule, err)
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// Table returns the storage.Table of one granularity of one aggregation.
func (s *Store) Table(aggregationName string, d aggregation.Duration) *Table {
	return &Table{
		db:       s.db,
		prefix:   []byte(fmt.Sprintf("agg/%s/%s/", aggregationName, d)),
		duration: d,
	}
}

// Table keeps rows under
//
//	agg/<aggregation>/<DURATION>/[bucket start (8)][xxhash(group key) (8)][shard id]
//
// so a range scan on bucket start is a key-ordered seek.
type Table struct {
	db       *badger.DB
	prefix   []byte
	duration aggregation.Duration
}

const (
	tsLen   = 8
	hashLen = 8
)

func (t *Table) key(r aggregation.Row) []byte {
	key := make([]byte, 0, len(t.prefix)+tsLen+hashLen+len(r.ShardID))
	key = append(key, t.prefix...)
	key = binary.BigEndian.AppendUint64(key, encodeTimestamp(r.Timestamp))
	key = binary.BigEndian.AppendUint64(key, xxhash.Sum64String(r.GroupKey))
	return append(key, r.ShardID...)
}

func (t *Table) seekKey(ts int64) []byte {
	key := make([]byte, 0, len(t.prefix)+tsLen)
	key = append(key, t.prefix...)
	return binary.BigEndian.AppendUint64(key, encodeTimestamp(ts))
}

// parseKey extracts bucket start and shard from a key under t.prefix.
func (t *Table) parseKey(key []byte) (int64, string) {
	rest := key[len(t.prefix):]
	ts := decodeTimestamp(binary.BigEndian.Uint64(rest[:tsLen]))
	return ts, string(rest[tsLen+hashLen:])
}

// encodeTimestamp flips the sign bit so negative timestamps sort first.
func encodeTimestamp(ts int64) uint64 { return uint64(ts) ^ (1 << 63) }

func decodeTimestamp(v uint64) int64 { return int64(v ^ (1 << 63)) }

// Insert writes rows in one transaction; an existing key aborts the batch.
func (t *Table) Insert(ctx context.Context, rows []aggregation.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.db.Update(func(txn *badger.Txn) error {
		for _, r := range rows {
			key := t.key(r)
			_, err := txn.Get(key)
			if err == nil {
				return fmt.Errorf("insert %q at %d: %w", r.GroupKey, r.Timestamp, storage.ErrDuplicate)
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("failed to check row: %w", err)
			}
			if err := setRow(txn, key, r); err != nil {
				return err
			}
		}
		return nil
	})
}

// Update overwrites rows in one transaction.
func (t *Table) Update(ctx context.Context, rows []aggregation.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.db.Update(func(txn *badger.Txn) error {
		for _, r := range rows {
			if err := setRow(txn, t.key(r), r); err != nil {
				return err
			}
		}
		return nil
	})
}

func setRow(txn *badger.Txn, key []byte, r aggregation.Row) error {
	value, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode row: %w", err)
	}
	if err := txn.Set(key, value); err != nil {
		return fmt.Errorf("failed to write row: %w", err)
	}
	return nil
}

// Find seeks to the lower bound and scans until the upper bound.
func (t *Table) Find(ctx context.Context, lookup *storage.TableLookup, params storage.LookupParams) ([]aggregation.Row, error) {
	lower, upper := lookup.Bounds(params)
	var results []aggregation.Row

	err := t.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = t.prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		var iterCount int
		for it.Seek(t.seekKey(lower)); it.ValidForPrefix(t.prefix); it.Next() {
			iterCount++
			if iterCount%1000 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}

			ts, shard := t.parseKey(it.Item().Key())
			if ts >= upper {
				break
			}
			if params.ShardID != "" && shard != params.ShardID {
				continue
			}

			var row aggregation.Row
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &row)
			}); err != nil {
				return fmt.Errorf("failed to decode row: %w", err)
			}
			ok, err := lookup.Matches(row, params)
			if err != nil {
				return err
			}
			if ok {
				results = append(results, row)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger find: %w", err)
	}

	storage.SortRows(results)
	return results, nil
}

// CompileCondition prepares a lookup.
func (t *Table) CompileCondition(cond storage.Condition) (*storage.TableLookup, error) {
	return storage.NewTableLookup(cond)
}

// Latest walks keys backwards from the end of the prefix.
func (t *Table) Latest(_ context.Context, shardID string) (int64, error) {
	latest := int64(-1)
	err := t.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		opts.Prefix = t.prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(t.seekKey(math.MaxInt64), bytes.Repeat([]byte{0xff}, hashLen+1)...)
		for it.Seek(seek); it.ValidForPrefix(t.prefix); it.Next() {
			ts, shard := t.parseKey(it.Item().Key())
			if shardID == "" || shard == shardID {
				latest = ts
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("badger latest: %w", err)
	}
	return latest, nil
}

// DeleteBefore removes every row whose bucket starts before ts.
func (t *Table) DeleteBefore(ctx context.Context, ts int64) (int64, error) {
	var keys [][]byte
	err := t.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = t.prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		var iterCount int
		for it.Rewind(); it.ValidForPrefix(t.prefix); it.Next() {
			iterCount++
			if iterCount%1000 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			bucket, _ := t.parseKey(it.Item().Key())
			if bucket >= ts {
				break
			}
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("badger purge scan: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	wb := t.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return 0, fmt.Errorf("badger purge: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("badger purge: %w", err)
	}

	slog.Debug("[BadgerTable] Purged rows", "prefix", string(t.prefix), "rows", len(keys))
	return int64(len(keys)), nil
}
