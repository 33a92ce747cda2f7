package orchestrator

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/budget"
	"github.com/fyrsmithlabs/phasegate/internal/checkpoint"
	"github.com/fyrsmithlabs/phasegate/internal/classify"
	"github.com/fyrsmithlabs/phasegate/internal/config"
	"github.com/fyrsmithlabs/phasegate/internal/delegation"
	"github.com/fyrsmithlabs/phasegate/internal/dispatch"
	"github.com/fyrsmithlabs/phasegate/internal/gate"
	"github.com/fyrsmithlabs/phasegate/internal/reflection"
	"github.com/fyrsmithlabs/phasegate/internal/worker"
)

// Thresholds converts the budget section into meter thresholds.
func Thresholds(b config.BudgetConfig) budget.Thresholds {
	conv := func(t config.ThresholdConfig) budget.Threshold {
		return budget.Threshold{GreenMax: t.GreenMax, YellowMax: t.YellowMax}
	}
	return budget.Thresholds{
		budget.DirectOperations: conv(b.DirectOperations),
		budget.LargeReads:       conv(b.LargeReads),
		budget.Delegations:      conv(b.Delegations),
	}
}

// FromConfig builds a coordinator from configuration. Extra options are
// applied last and override the configured components.
func FromConfig(cfg *config.Config, pool *worker.Pool, store *checkpoint.Store, logger *zap.Logger, extra ...Option) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dispatchMetrics, err := dispatch.NewMetrics(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatch metrics: %w", err)
	}

	oc := cfg.Orchestrator
	cl := cfg.Classifier
	opts := []Option{
		WithLogger(logger),
		WithDrainTimeout(oc.DrainTimeout.Duration()),
		WithYellowCheckpointRemaining(oc.YellowCheckpointRemaining),
		WithRouter(delegation.NewRouter(cfg.Routing.Table, cfg.Routing.ForbiddenDirect, pool,
			delegation.WithLogger(logger.Named("delegation")))),
		WithClassifier(classify.New(classify.Config{
			SmallMaxOps:          cl.SmallMaxOps,
			SmallMaxDelegations:  cl.SmallMaxDelegations,
			MediumMaxOps:         cl.MediumMaxOps,
			MediumMaxDelegations: cl.MediumMaxDelegations,
			MaxItems:             cl.MaxItems,
			MaxLargeItems:        cl.MaxLargeItems,
		})),
		WithMeter(budget.NewMeter(Thresholds(cfg.Budget),
			budget.WithLogger(logger.Named("budget")),
			budget.WithMetrics(budget.NewMetrics()))),
		WithValidator(gate.NewValidator(gate.WithLogger(logger.Named("gate")))),
		WithSynthesizer(reflection.NewSynthesizer(
			reflection.WithSimilarityThreshold(cfg.Reflection.SimilarityThreshold))),
		WithDispatcher(dispatch.New(pool, oc.MaxConcurrentDelegations,
			dispatch.WithLogger(logger.Named("dispatch")),
			dispatch.WithMetrics(dispatchMetrics),
			dispatch.WithRateLimit(oc.DispatchRate, oc.DispatchBurst))),
	}
	return New(pool, store, append(opts, extra...)...)
}
