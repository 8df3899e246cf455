package v1

import (
	"fmt"
)

// Event is the atomic unit of the system.
// It separates the "Envelope" (System Attributes) from the "Letter" (Data).
type Event struct {
	// --- System Attributes (The Envelope) ---

	// ID identifies the event in logs. Assigned by the ingestion service
	// when the client does not provide one.
	ID string `json:"id"`

	// Stream names the event stream; aggregations subscribe by stream name.
	Stream string `json:"stream"`

	// Timestamp is the arrival time in epoch milliseconds. Aggregations on
	// processing time bucket by it; it is stamped on ingest when zero.
	Timestamp int64 `json:"timestamp"`

	// Metadata is a generic key-value store for context (e.g., source, trace_id, region).
	Metadata map[string]string `json:"metadata,omitempty"`

	// --- User Payload (The Letter) ---

	// Data holds the stream attributes. Aggregations read group-by values,
	// aggregated fields and an optional event-time attribute from it.
	Data map[string]interface{} `json:"data"`
}

// Validate ensures the event has all required system attributes.
func (e *Event) Validate() error {
	if e.Stream == "" {
		return fmt.Errorf("stream is required")
	}

	if e.Data == nil {
		return fmt.Errorf("data is required")
	}

	if e.Timestamp < 0 {
		return fmt.Errorf("timestamp must not be negative")
	}

	return nil
}
