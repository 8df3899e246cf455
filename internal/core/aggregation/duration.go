package aggregation

import (
	"fmt"
	"strings"

	aggerr "github.com/aevon-lab/incremental-aggregation/internal/core/errors"
)

// Duration is one granularity of the aggregation ladder. Values are ordered
// from the finest (Seconds) to the coarsest (Years).
type Duration int

const (
	Seconds Duration = iota
	Minutes
	Hours
	Days
	Months
	Years
)

// AllDurations lists every supported granularity, finest first.
var AllDurations = []Duration{Seconds, Minutes, Hours, Days, Months, Years}

var durationNames = [...]string{"SECONDS", "MINUTES", "HOURS", "DAYS", "MONTHS", "YEARS"}

// durationAliases maps every accepted spelling (lower-cased) to its Duration.
var durationAliases = map[string]Duration{
	"sec": Seconds, "second": Seconds, "seconds": Seconds,
	"min": Minutes, "minute": Minutes, "minutes": Minutes,
	"hour": Hours, "hours": Hours,
	"day": Days, "days": Days,
	"month": Months, "months": Months,
	"year": Years, "years": Years,
}

func (d Duration) String() string {
	if !d.Valid() {
		return fmt.Sprintf("Duration(%d)", int(d))
	}
	return durationNames[d]
}

// Valid reports whether d is one of the six supported granularities.
func (d Duration) Valid() bool {
	return d >= Seconds && d <= Years
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("invalid duration %d", int(d))
	}
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := NormalizeDuration(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// NormalizeDuration converts a user-supplied granularity name into a Duration.
// Matching is case-insensitive and accepts singular, plural and short forms.
func NormalizeDuration(s string) (Duration, error) {
	d, ok := durationAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, aggerr.Configurationf("%q is not a valid duration, expected one of %s",
			s, strings.Join(durationNames[:], ", "))
	}
	return d, nil
}

// Ladder is the strictly ascending set of durations configured for one
// aggregation.
type Ladder []Duration

// ParseLadder builds a ladder from duration names. A single element of the form
// "sec ... year" expands to every duration in that inclusive range.
func ParseLadder(names []string) (Ladder, error) {
	if len(names) == 0 {
		return nil, aggerr.Configurationf("at least one duration must be configured")
	}

	if len(names) == 1 && strings.Contains(names[0], "...") {
		parts := strings.SplitN(names[0], "...", 2)
		from, err := NormalizeDuration(parts[0])
		if err != nil {
			return nil, err
		}
		to, err := NormalizeDuration(parts[1])
		if err != nil {
			return nil, err
		}
		if from > to {
			return nil, aggerr.Configurationf("duration range %q is reversed", names[0])
		}
		ladder := make(Ladder, 0, int(to-from)+1)
		for d := from; d <= to; d++ {
			ladder = append(ladder, d)
		}
		return ladder, nil
	}

	ladder := make(Ladder, 0, len(names))
	for _, name := range names {
		d, err := NormalizeDuration(name)
		if err != nil {
			return nil, err
		}
		if n := len(ladder); n > 0 && ladder[n-1] >= d {
			return nil, aggerr.Configurationf("durations must be strictly ascending, %s follows %s", d, ladder[n-1])
		}
		ladder = append(ladder, d)
	}
	return ladder, nil
}

// IndexOf returns the position of d in the ladder, or -1.
func (l Ladder) IndexOf(d Duration) int {
	for i, v := range l {
		if v == d {
			return i
		}
	}
	return -1
}

// Contains reports whether d is configured.
func (l Ladder) Contains(d Duration) bool {
	return l.IndexOf(d) >= 0
}

// Finest returns the root granularity that raw events enter.
func (l Ladder) Finest() Duration {
	return l[0]
}

// Coarsest returns the last granularity of the chain.
func (l Ladder) Coarsest() Duration {
	return l[len(l)-1]
}

// NextCoarser returns the duration rolled up into after d.
func (l Ladder) NextCoarser(d Duration) (Duration, error) {
	i := l.IndexOf(d)
	if i < 0 {
		return 0, aggerr.Configurationf("duration %s is not configured", d)
	}
	if i == len(l)-1 {
		return 0, aggerr.Configurationf("duration %s is the coarsest configured duration", d)
	}
	return l[i+1], nil
}

// Names returns the canonical names of the ladder, finest first.
func (l Ladder) Names() []string {
	out := make([]string, len(l))
	for i, d := range l {
		out[i] = d.String()
	}
	return out
}
