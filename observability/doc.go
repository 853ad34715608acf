// Package observability wires OpenTelemetry tracing and metrics for pipeline runs.
//
// Tracing:
//
//	tp, err := observability.InitTracer(ctx, cfg.Tracing, log)
//	if tp != nil {
//		defer tp.Shutdown(ctx)
//	}
//
//	ctx, span := observability.StartSpan(ctx, observability.SpanRun)
//	defer span.End()
//
// Metrics:
//
//	metrics, err := observability.NewMetrics(observability.Meter("condflow"))
//	metrics.RecordNode(ctx, "etl", "step", "succeeded", duration)
//
// Health checks:
//
//	health := observability.Check(ctx, "condflow", version, checkers...)
package observability
