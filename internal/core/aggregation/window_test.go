package aggregation

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func ms(year int, month time.Month, day, hour, min, sec, milli int) int64 {
	return time.Date(year, month, day, hour, min, sec, milli*int(time.Millisecond), time.UTC).UnixMilli()
}

func TestBucketStart(t *testing.T) {
	ts := ms(2026, 2, 11, 10, 35, 42, 123)

	tests := []struct {
		duration Duration
		want     int64
		wantEnd  int64
	}{
		{Seconds, ms(2026, 2, 11, 10, 35, 42, 0), ms(2026, 2, 11, 10, 35, 43, 0)},
		{Minutes, ms(2026, 2, 11, 10, 35, 0, 0), ms(2026, 2, 11, 10, 36, 0, 0)},
		{Hours, ms(2026, 2, 11, 10, 0, 0, 0), ms(2026, 2, 11, 11, 0, 0, 0)},
		{Days, ms(2026, 2, 11, 0, 0, 0, 0), ms(2026, 2, 12, 0, 0, 0, 0)},
		{Months, ms(2026, 2, 1, 0, 0, 0, 0), ms(2026, 3, 1, 0, 0, 0, 0)},
		{Years, ms(2026, 1, 1, 0, 0, 0, 0), ms(2027, 1, 1, 0, 0, 0, 0)},
	}

	for _, tc := range tests {
		t.Run(tc.duration.String(), func(t *testing.T) {
			require.Equal(t, tc.want, BucketStart(ts, tc.duration))
			require.Equal(t, tc.wantEnd, NextBucketStart(ts, tc.duration))
		})
	}
}

func TestBucketStart_CalendarMonths(t *testing.T) {
	// February in a leap year is 29 days, December rolls into the next year.
	require.Equal(t, ms(2024, 3, 1, 0, 0, 0, 0), NextBucketStart(ms(2024, 2, 29, 23, 59, 59, 999), Months))
	require.Equal(t, ms(2025, 1, 1, 0, 0, 0, 0), NextBucketStart(ms(2024, 12, 31, 12, 0, 0, 0), Months))
	require.Equal(t, ms(2024, 12, 1, 0, 0, 0, 0), BucketStart(ms(2024, 12, 31, 12, 0, 0, 0), Months))
}

func TestBucketStart_BeforeEpoch(t *testing.T) {
	require.Equal(t, int64(-60_000), BucketStart(-1, Minutes))
	require.Equal(t, int64(-1000), BucketStart(-1000, Seconds))
}

func TestProperty_BucketStartIdempotentAndMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	// 1900-01-01 .. 2200-01-01 in epoch millis.
	tsGen := gen.Int64Range(-2208988800000, 7258118400000)
	durationGen := gen.IntRange(int(Seconds), int(Years))

	properties.Property("bucketStart(bucketStart(t,d),d) == bucketStart(t,d)", prop.ForAll(
		func(ts int64, d int) bool {
			start := BucketStart(ts, Duration(d))
			return BucketStart(start, Duration(d)) == start && start <= ts
		},
		tsGen, durationGen,
	))

	properties.Property("t1 <= t2 implies bucketStart(t1) <= bucketStart(t2)", prop.ForAll(
		func(t1, t2 int64, d int) bool {
			if t1 > t2 {
				t1, t2 = t2, t1
			}
			return BucketStart(t1, Duration(d)) <= BucketStart(t2, Duration(d))
		},
		tsGen, tsGen, durationGen,
	))

	properties.Property("coarser bucket holds a whole number of finer buckets", prop.ForAll(
		func(ts int64, d int) bool {
			fine, coarse := Duration(d), Duration(d+1)
			start := BucketStart(ts, coarse)
			end := NextBucketStart(ts, coarse)
			return BucketStart(start, fine) == start && BucketStart(end, fine) == end
		},
		tsGen, gen.IntRange(int(Seconds), int(Months)),
	))

	properties.TestingRun(t)
}
