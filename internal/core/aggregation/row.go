package aggregation

// NewRow folds a single event into a one-event row. ts is the event time and
// becomes both the row timestamp and AGG_LAST_EVENT_TIMESTAMP; executors align
// the timestamp to their bucket.
func (d *Definition) NewRow(ts int64, data map[string]interface{}) Row {
	groupValues := make([]interface{}, len(d.GroupBy))
	for i, g := range d.GroupBy {
		groupValues[i] = data[g]
	}

	values := make([]Partial, len(d.Attributes))
	for i, a := range d.Attributes {
		var incoming interface{}
		if a.Field != "" {
			incoming = data[a.Field]
		}
		values[i] = Operators[a.Operator].Initial(incoming)
	}

	return Row{
		GroupKey:           GroupKey(groupValues),
		GroupValues:        groupValues,
		Timestamp:          ts,
		LastEventTimestamp: ts,
		Values:             values,
	}
}

// Merge folds src into dst. replaceLast reports whether src supersedes dst,
// which only matters for order-sensitive attributes such as last.
func (d *Definition) Merge(dst *Row, src Row, replaceLast bool) {
	for i, a := range d.Attributes {
		if a.Operator == OpLast && !replaceLast && dst.Values[i].Valid {
			continue
		}
		dst.Values[i] = Operators[a.Operator].Merge(dst.Values[i], src.Values[i])
	}
	if src.LastEventTimestamp > dst.LastEventTimestamp {
		dst.LastEventTimestamp = src.LastEventTimestamp
	}
}

// Project returns the query-visible shape of a row: AGG_TIMESTAMP,
// AGG_LAST_EVENT_TIMESTAMP, the group-by attributes and every declared
// attribute's result.
func (d *Definition) Project(r Row) map[string]interface{} {
	out := make(map[string]interface{}, len(d.GroupBy)+len(d.Attributes)+2)
	out[AttrTimestamp] = r.Timestamp
	out[AttrLastEventTimestamp] = r.LastEventTimestamp
	for i, g := range d.GroupBy {
		if i < len(r.GroupValues) {
			out[g] = r.GroupValues[i]
		}
	}
	for i, a := range d.Attributes {
		out[a.Name] = Operators[a.Operator].Result(r.Values[i])
	}
	return out
}
