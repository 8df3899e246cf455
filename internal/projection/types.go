package projection

import "time"

// QueryRequest is the body of POST /v1/aggregations/:name/query. Within and
// Per are expressions evaluated against Event, which is also visible to On
// under StreamAlias.
type QueryRequest struct {
	On               string                 `json:"on"`
	Within           []string               `json:"within"`
	Per              string                 `json:"per"`
	StreamAlias      string                 `json:"stream_alias"`
	AggregationAlias string                 `json:"aggregation_alias"`
	Event            map[string]interface{} `json:"event"`
}

// QueryResponse carries the aggregate rows matching one query.
type QueryResponse struct {
	Aggregation string                   `json:"aggregation"`
	PlanID      string                   `json:"plan_id"`
	Cached      bool                     `json:"cached"`
	QueriedAt   time.Time                `json:"queried_at"`
	Count       int                      `json:"count"`
	Rows        []map[string]interface{} `json:"rows"`
}

// AggregationInfo describes one registered aggregation.
type AggregationInfo struct {
	Name               string   `json:"name"`
	Stream             string   `json:"stream"`
	GroupBy            []string `json:"group_by"`
	Durations          []string `json:"durations"`
	TimestampAttribute string   `json:"timestamp_attribute,omitempty"`
	Distributed        bool     `json:"distributed"`
	ShardID            string   `json:"shard_id,omitempty"`
	Fingerprint        string   `json:"fingerprint,omitempty"`
}
