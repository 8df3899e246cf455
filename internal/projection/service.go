package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aevon-lab/incremental-aggregation/internal/aggregation"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultPlanCacheSize bounds the compiled plans kept when none is configured.
const DefaultPlanCacheSize = 256

// ErrUnknownAggregation marks queries naming an aggregation that is not
// registered. It maps to HTTP 404.
var ErrUnknownAggregation = errors.New("unknown aggregation")

// Service implements the query layer. Plans are compiled once per distinct
// query shape and reused across requests; every Find clones the plan, so a
// cached plan is safe to share.
type Service struct {
	runtimes *aggregation.Registry
	plans    *lru.Cache[string, *aggregation.CompiledCondition]
	nowFn    func() time.Time
}

// NewService creates a new query service.
func NewService(runtimes *aggregation.Registry, planCacheSize int) (*Service, error) {
	if runtimes == nil {
		return nil, errors.New("projection: runtime registry must not be nil")
	}
	if planCacheSize <= 0 {
		planCacheSize = DefaultPlanCacheSize
	}

	plans, err := lru.NewWithEvict[string, *aggregation.CompiledCondition](planCacheSize,
		func(key string, plan *aggregation.CompiledCondition) {
			slog.Debug("[Projection] Plan evicted", "plan", plan.Aggregation.ID)
		})
	if err != nil {
		return nil, fmt.Errorf("create plan cache: %w", err)
	}

	return &Service{
		runtimes: runtimes,
		plans:    plans,
		nowFn: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
}

// QueryAggregation compiles (or reuses) the plan for req and runs it against
// the named aggregation.
func (s *Service) QueryAggregation(ctx context.Context, name string, req QueryRequest) (*QueryResponse, error) {
	rt, ok := s.runtimes.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAggregation, name)
	}

	plan, cached, err := s.plan(rt, req)
	if err != nil {
		return nil, err
	}

	rows, err := rt.Find(ctx, req.Event, plan)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []map[string]interface{}{}
	}

	return &QueryResponse{
		Aggregation: name,
		PlanID:      plan.Aggregation.ID,
		Cached:      cached,
		QueriedAt:   s.nowFn(),
		Count:       len(rows),
		Rows:        rows,
	}, nil
}

// ListAggregations describes every registered aggregation, sorted by name.
func (s *Service) ListAggregations() []AggregationInfo {
	runtimes := s.runtimes.Runtimes()
	out := make([]AggregationInfo, 0, len(runtimes))
	for _, rt := range runtimes {
		def := rt.Definition()
		durations := make([]string, len(def.Durations))
		for i, d := range def.Durations {
			durations[i] = d.String()
		}
		out = append(out, AggregationInfo{
			Name:               def.Name,
			Stream:             def.Stream,
			GroupBy:            def.GroupBy,
			Durations:          durations,
			TimestampAttribute: def.TimestampAttribute,
			Distributed:        def.Distributed,
			ShardID:            def.ShardID,
			Fingerprint:        def.Fingerprint,
		})
	}
	return out
}

func (s *Service) plan(rt *aggregation.Runtime, req QueryRequest) (*aggregation.CompiledCondition, bool, error) {
	key := planKey(rt.Definition().Name, req)
	if plan, ok := s.plans.Get(key); ok {
		return plan, true, nil
	}

	plan, err := rt.Compile(aggregation.QuerySpec{
		Condition:        req.On,
		Within:           req.Within,
		Per:              req.Per,
		StreamAlias:      req.StreamAlias,
		AggregationAlias: req.AggregationAlias,
	})
	if err != nil {
		return nil, false, err
	}

	s.plans.Add(key, plan)
	slog.Info("[Projection] Compiled plan",
		"aggregation", rt.Definition().Name,
		"plan", plan.Aggregation.ID,
		"pushed_down", plan.Aggregation.PushedDown(),
	)
	return plan, false, nil
}

// planKey identifies a query shape. The event is not part of it.
func planKey(name string, req QueryRequest) string {
	return strings.Join([]string{
		name,
		req.On,
		strings.Join(req.Within, "\x1f"),
		req.Per,
		req.StreamAlias,
		req.AggregationAlias,
	}, "\x00")
}
