package ingestion

import (
	"time"

	"github.com/aevon-lab/incremental-aggregation/internal/aggregation"
	"github.com/gin-gonic/gin"
)

type Service struct {
	runtimes         *aggregation.Registry
	maxBodySizeBytes int
	now              func() time.Time
}

func NewService(runtimes *aggregation.Registry, maxBodySizeMB int) *Service {
	if runtimes == nil {
		panic("ingestion: runtime registry must not be nil")
	}
	if maxBodySizeMB <= 0 {
		maxBodySizeMB = 1 // default to 1MB
	}
	return &Service{
		runtimes:         runtimes,
		maxBodySizeBytes: maxBodySizeMB * 1024 * 1024,
		now:              time.Now,
	}
}

// RegisterRoutes registers the ingestion service routes.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.POST("/v1/events", s.IngestHandler)
	r.POST("/v1/events/batch", s.IngestBatchHandler)
}
