package aggregation

import "time"

const (
	millisPerSecond = int64(1000)
	millisPerMinute = 60 * millisPerSecond
	millisPerHour   = 60 * millisPerMinute
	millisPerDay    = 24 * millisPerHour
)

// BucketStart aligns an epoch-millisecond timestamp to the start of its bucket.
// Seconds through days are fixed-length windows; months and years follow the
// UTC calendar. Example: BucketStart(10:35:42.120, Minutes) → 10:35:00.000
func BucketStart(ts int64, d Duration) int64 {
	switch d {
	case Seconds:
		return floorTo(ts, millisPerSecond)
	case Minutes:
		return floorTo(ts, millisPerMinute)
	case Hours:
		return floorTo(ts, millisPerHour)
	case Days:
		return floorTo(ts, millisPerDay)
	case Months:
		t := time.UnixMilli(ts).UTC()
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	case Years:
		t := time.UnixMilli(ts).UTC()
		return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	}
	return ts
}

// NextBucketStart returns the exclusive end of the bucket containing ts.
func NextBucketStart(ts int64, d Duration) int64 {
	start := BucketStart(ts, d)
	switch d {
	case Seconds:
		return start + millisPerSecond
	case Minutes:
		return start + millisPerMinute
	case Hours:
		return start + millisPerHour
	case Days:
		return start + millisPerDay
	case Months:
		return time.UnixMilli(start).UTC().AddDate(0, 1, 0).UnixMilli()
	case Years:
		return time.UnixMilli(start).UTC().AddDate(1, 0, 0).UnixMilli()
	}
	return start
}

// floorTo rounds ts down to a multiple of size, also for pre-epoch values.
func floorTo(ts, size int64) int64 {
	m := ts % size
	if m < 0 {
		m += size
	}
	return ts - m
}
