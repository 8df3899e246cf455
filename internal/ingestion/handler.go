package ingestion

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	v1 "github.com/aevon-lab/incremental-aggregation/internal/api/v1"
	httperr "github.com/aevon-lab/incremental-aggregation/internal/core/errors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	msgReadBodyFailed = "Failed to read request body"
	msgInvalidJSON    = "Invalid JSON body"
	msgProcessFailed  = "Failed to aggregate event"
)

// ingestionError carries the structured HTTP error shape from a helper back to the orchestrator.
// Helpers return this instead of writing to gin.Context directly, keeping them decoupled from HTTP.
type ingestionError struct {
	statusCode int
	errorType  string
	message    string
	details    interface{}
}

func (e *ingestionError) Error() string {
	return e.message
}

// IngestHandler accepts one event and folds it into every aggregation
// consuming its stream.
func (s *Service) IngestHandler(c *gin.Context) {
	body, ierr := s.readBody(c)
	if ierr != nil {
		writeError(c, ierr)
		return
	}

	var evt v1.Event
	if err := bindJSON(c, body, &evt); err != nil {
		writeError(c, err)
		return
	}

	events := []v1.Event{evt}
	if err := s.prepare(events); err != nil {
		writeError(c, err)
		return
	}

	slog.Info("Received Event",
		"event_id", evt.ID,
		"stream", evt.Stream,
		"payload_size", len(body))

	n, err := s.process(c.Request.Context(), events)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "id": events[0].ID, "aggregations": n})
}

// IngestBatchHandler accepts a JSON array of events. The batch is validated
// as a whole before any event is aggregated.
func (s *Service) IngestBatchHandler(c *gin.Context) {
	body, ierr := s.readBody(c)
	if ierr != nil {
		writeError(c, ierr)
		return
	}

	var events []v1.Event
	if err := bindJSON(c, body, &events); err != nil {
		writeError(c, err)
		return
	}
	if err := s.prepare(events); err != nil {
		writeError(c, err)
		return
	}

	slog.Info("Received Event batch", "events", len(events), "payload_size", len(body))

	n, err := s.process(c.Request.Context(), events)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "events": len(events), "aggregations": n})
}

// readBody reads the raw request body within the size limit.
func (s *Service) readBody(c *gin.Context) ([]byte, *ingestionError) {
	// Enforce maximum body size to prevent OOM attacks
	maxBytes := int64(s.maxBodySizeBytes)
	limitedBody := io.LimitReader(c.Request.Body, maxBytes+1) // +1 to detect oversized requests

	bodyBytes, err := io.ReadAll(limitedBody)
	if err != nil {
		slog.Error("Failed to read request body", "error", err)
		return nil, &ingestionError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgReadBodyFailed,
		}
	}

	if int64(len(bodyBytes)) > maxBytes {
		slog.Warn("Request body exceeds maximum size", "size", len(bodyBytes), "max", maxBytes)
		return nil, &ingestionError{
			statusCode: http.StatusRequestEntityTooLarge,
			errorType:  httperr.HttpInvalidJsonError,
			message:    "Request body exceeds maximum allowed size",
			details: map[string]interface{}{
				"max_size_mb": maxBytes / (1024 * 1024),
			},
		}
	}
	return bodyBytes, nil
}

func bindJSON(c *gin.Context, body []byte, out interface{}) *ingestionError {
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	if err := c.ShouldBindJSON(out); err != nil {
		slog.Warn("Invalid JSON body received", "error", err, "payload_size", len(body))
		return &ingestionError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpInvalidJsonError,
			message:    msgInvalidJSON,
		}
	}
	return nil
}

// prepare assigns missing IDs and arrival timestamps, then validates every
// envelope.
func (s *Service) prepare(events []v1.Event) *ingestionError {
	arrival := s.now().UnixMilli()
	for i := range events {
		evt := &events[i]
		if evt.ID == "" {
			evt.ID = uuid.NewString()
		}
		if evt.Timestamp == 0 {
			evt.Timestamp = arrival
		}
		if err := evt.Validate(); err != nil {
			slog.Warn("Envelope validation failed", "error", err, "event_id", evt.ID)
			return &ingestionError{
				statusCode: http.StatusBadRequest,
				errorType:  httperr.HttpInvalidJsonError,
				message:    err.Error(),
				details:    map[string]interface{}{"index": i},
			}
		}
	}
	return nil
}

// process routes events by stream and returns how many aggregation runtimes
// received at least one event.
func (s *Service) process(ctx context.Context, events []v1.Event) (int, *ingestionError) {
	byStream := make(map[string][]v1.Event)
	var streams []string
	for _, evt := range events {
		if _, seen := byStream[evt.Stream]; !seen {
			streams = append(streams, evt.Stream)
		}
		byStream[evt.Stream] = append(byStream[evt.Stream], evt)
	}

	routed := 0
	for _, stream := range streams {
		runtimes := s.runtimes.ForStream(stream)
		if len(runtimes) == 0 {
			slog.Debug("No aggregation consumes stream", "stream", stream)
			continue
		}
		for _, rt := range runtimes {
			if err := rt.ProcessEvents(ctx, byStream[stream]); err != nil {
				return routed, processError(rt.Definition().Name, err)
			}
			routed++
		}
	}
	return routed, nil
}

func processError(name string, err error) *ingestionError {
	if errors.Is(err, httperr.ErrRuntime) {
		slog.Warn("Event rejected by aggregation", "aggregation", name, "error", err)
		return &ingestionError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpInvalidEventError,
			message:    err.Error(),
			details:    map[string]interface{}{"aggregation": name},
		}
	}

	slog.Error("Failed to aggregate event", "aggregation", name, "error", err)
	return &ingestionError{
		statusCode: http.StatusInternalServerError,
		errorType:  httperr.HttpInternalError,
		message:    msgProcessFailed,
		details:    map[string]interface{}{"aggregation": name},
	}
}

// writeError serializes an ingestionError as the JSON HTTP response.
func writeError(c *gin.Context, err *ingestionError) {
	c.JSON(err.statusCode, httperr.ErrorResponse{
		ErrorType: err.errorType,
		Message:   err.message,
		Details:   err.details,
	})
}
