// Package telemetry wires OpenTelemetry tracing and metrics for phasegate.
//
// Telemetry is off by default. When disabled the global no-op providers stay
// in place, so instrumented packages (dispatch, checkpoint, orchestrator) pay
// almost nothing. When enabled, spans and metrics are exported over OTLP using
// gRPC or http/protobuf.
//
//	tel, err := telemetry.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Tests use NewTestTelemetry, which records spans in memory and exposes a
// manual metric reader.
package telemetry
