// Package logging provides structured logging with OpenTelemetry integration.
//
// # Overview
//
// The package wraps Zap with:
//   - a custom Trace level (-2, below Debug)
//   - dual output (stderr console/JSON + OpenTelemetry log bridge)
//   - automatic correlation fields from context (trace_id, run.id, phase.id)
//   - level-aware sampling where errors are never sampled
//
// # Usage
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg, nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithRunID(ctx, runID)
//	ctx = logging.WithPhaseID(ctx, "P2a")
//	logger.Info(ctx, "phase activated", zap.Int("items", 5))
//
// Output includes the correlation fields:
//
//	{"level":"info","ts":"...","msg":"phase activated","run.id":"...","phase.id":"P2a","items":5}
//
// Packages below the coordinator take a plain *zap.Logger; Underlying exposes it.
package logging
