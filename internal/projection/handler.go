package projection

import (
	"errors"
	"log/slog"
	"net/http"

	httperr "github.com/aevon-lab/incremental-aggregation/internal/core/errors"
	"github.com/gin-gonic/gin"
)

// Reserved query parameters of GET /v1/aggregations/:name. Every other
// parameter becomes an attribute of the matching event.
const (
	paramPer     = "per"
	paramStart   = "start"
	paramEnd     = "end"
	paramPattern = "within"
	paramOn      = "on"
)

// RegisterRoutes registers all projection API routes on the given router.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.GET("/v1/aggregations", s.HandleListAggregations)
	r.POST("/v1/aggregations/:name/query", s.HandleQuery)

	// Shorthand for the common case: constant per and within taken from the
	// query string.
	r.GET("/v1/aggregations/:name", s.HandleQueryParams)
}

// HandleListAggregations handles GET /v1/aggregations
func (s *Service) HandleListAggregations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"aggregations": s.ListAggregations()})
}

// HandleQuery handles POST /v1/aggregations/:name/query.
func (s *Service) HandleQuery(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpInvalidJsonError,
			Message:   "Invalid query body",
			Details:   err.Error(),
		})
		return
	}

	s.respond(c, c.Param("name"), req)
}

// HandleQueryParams handles GET /v1/aggregations/:name
// Query parameters: per, start and end (or within as a pattern), on.
func (s *Service) HandleQueryParams(c *gin.Context) {
	event := make(map[string]interface{})
	for key, values := range c.Request.URL.Query() {
		if key == paramOn || len(values) == 0 {
			continue
		}
		event[key] = values[0]
	}

	req, err := paramsRequest(c.Query(paramOn), event)
	if err != nil {
		writeQueryError(c, c.Param("name"), err)
		return
	}

	s.respond(c, c.Param("name"), req)
}

func paramsRequest(on string, event map[string]interface{}) (QueryRequest, error) {
	req := QueryRequest{On: on, Per: paramPer, Event: event}
	if _, ok := event[paramPer]; !ok {
		return req, httperr.InvalidQueryf("%s parameter is required", paramPer)
	}

	_, hasPattern := event[paramPattern]
	_, hasStart := event[paramStart]
	_, hasEnd := event[paramEnd]
	switch {
	case hasPattern:
		req.Within = []string{paramPattern}
	case hasStart && hasEnd:
		req.Within = []string{paramStart, paramEnd}
	default:
		return req, httperr.InvalidQueryf("either %s or both %s and %s are required", paramPattern, paramStart, paramEnd)
	}
	return req, nil
}

func (s *Service) respond(c *gin.Context, name string, req QueryRequest) {
	resp, err := s.QueryAggregation(c.Request.Context(), name, req)
	if err != nil {
		writeQueryError(c, name, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func writeQueryError(c *gin.Context, name string, err error) {
	switch {
	case errors.Is(err, ErrUnknownAggregation):
		c.JSON(http.StatusNotFound, httperr.ErrorResponse{
			ErrorType: httperr.HttpUnknownAggregation,
			Message:   "Aggregation not found",
			Details:   map[string]interface{}{"aggregation": name},
		})
	case errors.Is(err, httperr.ErrRuntime), errors.Is(err, httperr.ErrInvalidQuery):
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpInvalidQueryError,
			Message:   "Invalid aggregate query",
			Details:   err.Error(),
		})
	case errors.Is(err, httperr.ErrConfiguration):
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpConfigurationError,
			Message:   "Query does not match the aggregation",
			Details:   err.Error(),
		})
	default:
		slog.Error("[Projection] Query failed", "aggregation", name, "error", err)
		c.JSON(http.StatusInternalServerError, httperr.ErrorResponse{
			ErrorType: httperr.HttpInternalError,
			Message:   "Failed to query aggregates",
			Details:   err.Error(),
		})
	}
}
