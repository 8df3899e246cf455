package expression

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aevon-lab/incremental-aggregation/internal/core/aggregation"
	aggerr "github.com/aevon-lab/incremental-aggregation/internal/core/errors"
)

const (
	withinLayout     = "2006-01-02 15:04:05"
	withinZoneLayout = "2006-01-02 15:04:05 -07:00"
	withinPatternLen = len(withinLayout)
)

// nowMillis is the clock behind currentTimeMillis; tests replace it.
var nowMillis = func() int64 { return time.Now().UnixMilli() }

// builtinFuncs are in scope for every expression. Errors are raised as panics,
// which expr turns into evaluation errors.
var builtinFuncs = map[string]interface{}{
	"currentTimeMillis": func() int64 {
		return nowMillis()
	},
	"aggregationStartTime": func(ts interface{}, duration interface{}) int64 {
		start, err := AggregationStartTime(ts, duration)
		if err != nil {
			panic(err)
		}
		return start
	},
	"startTimeEndTime": func(values ...interface{}) []interface{} {
		start, end, err := WithinRange(values...)
		if err != nil {
			panic(err)
		}
		return []interface{}{start, end}
	},
}

func builtins() map[string]interface{} { return builtinFuncs }

// AggregationStartTime returns the start of the bucket of the given duration
// that contains ts.
func AggregationStartTime(ts interface{}, duration interface{}) (int64, error) {
	millis, err := ToMillis(ts)
	if err != nil {
		return 0, err
	}
	name, ok := duration.(string)
	if !ok {
		if d, isDuration := duration.(aggregation.Duration); isDuration {
			return aggregation.BucketStart(millis, d), nil
		}
		return 0, aggerr.Runtimef("duration must be a string, got %T", duration)
	}
	d, err := aggregation.NormalizeDuration(name)
	if err != nil {
		return 0, err
	}
	return aggregation.BucketStart(millis, d), nil
}

// WithinRange resolves the values of a within clause into [start, end).
//
// One value is a pattern such as "2017-06-** **:**:**" whose first wildcard
// field selects the span (here the whole of June 2017), or the pair produced
// by startTimeEndTime. Two values are explicit bounds, each an epoch-millis
// number or a "yyyy-MM-dd HH:mm:ss" string with an optional " ±HH:MM" offset.
func WithinRange(values ...interface{}) (start, end int64, err error) {
	for _, v := range values {
		if v == nil {
			return 0, 0, aggerr.Runtimef("start and end times for within duration cannot be retrieved")
		}
	}

	switch len(values) {
	case 1:
		switch v := values[0].(type) {
		case []interface{}:
			if len(v) != 2 {
				return 0, 0, aggerr.Runtimef("within range must have two bounds, got %d", len(v))
			}
			return WithinRange(v...)
		case []int64:
			if len(v) != 2 {
				return 0, 0, aggerr.Runtimef("within range must have two bounds, got %d", len(v))
			}
			return WithinRange(v[0], v[1])
		case string:
			return patternRange(v)
		default:
			return 0, 0, aggerr.Runtimef("single within value must be a pattern string, got %T", values[0])
		}
	case 2:
		start, err = ToMillis(values[0])
		if err != nil {
			return 0, 0, err
		}
		end, err = ToMillis(values[1])
		if err != nil {
			return 0, 0, err
		}
		if start > end {
			return 0, 0, aggerr.Runtimef("within start %d is after end %d", start, end)
		}
		return start, end, nil
	default:
		return 0, 0, aggerr.Runtimef("within takes one or two values, got %d", len(values))
	}
}

// patternRange expands a wildcard timestamp pattern into the range it covers.
func patternRange(pattern string) (int64, int64, error) {
	pattern = strings.TrimSpace(pattern)
	if len(pattern) < withinPatternLen {
		return 0, 0, aggerr.Runtimef("within pattern %q must look like %q", pattern, "yyyy-**-** **:**:**")
	}

	loc := time.UTC
	if zone := strings.TrimSpace(pattern[withinPatternLen:]); zone != "" {
		z, err := time.Parse("-07:00", zone)
		if err != nil {
			return 0, 0, aggerr.Runtimef("within pattern %q has an invalid zone offset", pattern)
		}
		_, offset := z.Zone()
		loc = time.FixedZone(zone, offset)
	}

	// year, month, day, hour, minute, second
	bounds := [][2]int{{0, 4}, {5, 7}, {8, 10}, {11, 13}, {14, 16}, {17, 19}}
	seps := map[int]byte{4: '-', 7: '-', 10: ' ', 13: ':', 16: ':'}
	for pos, sep := range seps {
		if pattern[pos] != sep {
			return 0, 0, aggerr.Runtimef("within pattern %q must look like %q", pattern, "yyyy-**-** **:**:**")
		}
	}

	fields := [6]int{0, 1, 1, 0, 0, 0}
	firstWildcard := len(bounds)
	for i, b := range bounds {
		part := pattern[b[0]:b[1]]
		if strings.Trim(part, "*") == "" {
			if firstWildcard == len(bounds) {
				firstWildcard = i
			}
			continue
		}
		if firstWildcard < len(bounds) {
			return 0, 0, aggerr.Runtimef("within pattern %q has a value after a wildcard", pattern)
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return 0, 0, aggerr.Runtimef("within pattern %q: %q is not a number", pattern, part)
		}
		fields[i] = n
	}
	if firstWildcard == 0 {
		return 0, 0, aggerr.Runtimef("within pattern %q must specify a year", pattern)
	}

	start := time.Date(fields[0], time.Month(fields[1]), fields[2], fields[3], fields[4], fields[5], 0, loc)
	var end time.Time
	switch firstWildcard {
	case 1:
		end = start.AddDate(1, 0, 0)
	case 2:
		end = start.AddDate(0, 1, 0)
	case 3:
		end = start.AddDate(0, 0, 1)
	case 4:
		end = start.Add(time.Hour)
	case 5:
		end = start.Add(time.Minute)
	default:
		end = start.Add(time.Second)
	}
	return start.UnixMilli(), end.UnixMilli(), nil
}

// ToMillis converts a timestamp value (number of epoch millis or a formatted
// date string) into epoch milliseconds.
func ToMillis(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case float64:
		return int64(t), nil
	case json.Number:
		return t.Int64()
	case time.Time:
		return t.UnixMilli(), nil
	case string:
		s := strings.TrimSpace(t)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		for _, layout := range []string{withinZoneLayout, withinLayout, time.RFC3339Nano} {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.UnixMilli(), nil
			}
		}
		return 0, aggerr.Runtimef("cannot parse %q as a timestamp", t)
	case nil:
		return 0, aggerr.Runtimef("timestamp is missing")
	default:
		return 0, aggerr.Runtimef("unsupported timestamp type %T", v)
	}
}

// Describe renders a range for log lines.
func Describe(start, end int64) string {
	return fmt.Sprintf("[%s, %s)",
		time.UnixMilli(start).UTC().Format(withinLayout),
		time.UnixMilli(end).UTC().Format(withinLayout))
}
