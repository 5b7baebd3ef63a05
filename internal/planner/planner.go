// Package planner decomposes a feature request into a validated task
// graph. Decomposition strategies are pluggable; the graph contract is
// not: whatever the strategy emits must be acyclic, fully connected and
// deterministic before the planner hands it to the executor.
package planner

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/archon-ai/archon/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var plannerTracer trace.Tracer = otel.Tracer("archon/internal/planner")

// Planner turns a feature into a task graph using the configured strategy.
type Planner struct {
	cfg      config.PlannerConfig
	logger   *log.Logger
	strategy Strategy
}

// New creates a planner around the given strategy.
func New(cfg config.PlannerConfig, logger *log.Logger, strategy Strategy) *Planner {
	if logger == nil {
		logger = log.New(log.Writer(), "[PLAN] ", log.LstdFlags)
	}
	return &Planner{cfg: cfg, logger: logger, strategy: strategy}
}

// Plan decomposes the feature into a validated task graph. A cyclic
// plan from a generative strategy is rejected and the strategy retried
// up to the configured repair budget; any other failure is wrapped in
// PlanningFailure.
func (p *Planner) Plan(ctx context.Context, feature Feature) (*Graph, error) {
	ctx, span := plannerTracer.Start(ctx, "planner.plan",
		trace.WithAttributes(attribute.String("feature.id", feature.ID)))
	defer span.End()

	if strings.TrimSpace(feature.Description) == "" {
		err := PlanningFailure{FeatureID: feature.ID, Cause: errors.New("feature has no description")}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	attempts := p.cfg.MaxRepairAttempts + 1
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		specs, err := p.strategy.Decompose(ctx, feature)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, PlanningFailure{FeatureID: feature.ID, Cause: err}
		}
		graph, err := BuildGraph(specs)
		if err == nil {
			span.SetAttributes(
				attribute.Int("plan.task_count", len(graph.Tasks)),
				attribute.String("plan.strategy", p.strategy.Name()),
			)
			span.SetStatus(codes.Ok, "planned")
			return graph, nil
		}
		lastErr = err
		if !errors.Is(err, ErrCycleDetected) {
			break
		}
		p.logger.Printf("strategy %s produced cyclic plan for feature %s (attempt %d/%d), retrying",
			p.strategy.Name(), feature.ID, attempt+1, attempts)
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return nil, PlanningFailure{FeatureID: feature.ID, Cause: lastErr}
}
