package dag

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kbukum/condflow/logger"
	"github.com/kbukum/condflow/observability"
)

// TracingRunner wraps a Runner with one OpenTelemetry span per attempt,
// named "{prefix}.{stepID}".
func TracingRunner(r Runner, prefix string) Runner {
	return &tracingRunner{inner: r, prefix: prefix}
}

type tracingRunner struct {
	inner  Runner
	prefix string
}

func (r *tracingRunner) Run(ctx context.Context, inv *Invocation) (map[string][]byte, error) {
	ctx, span := observability.StartSpan(ctx, r.prefix+"."+inv.StepID, trace.WithAttributes(
		attribute.String(observability.AttrPipeline, inv.Pipeline),
		attribute.String(observability.AttrRunID, inv.RunID),
		attribute.String(observability.AttrNode, inv.StepID),
		attribute.Int(observability.AttrAttempts, inv.Attempt),
	))
	defer span.End()

	outputs, err := r.inner.Run(ctx, inv)
	if err != nil {
		observability.SetSpanError(ctx, err)
	}
	return outputs, err
}

// LoggingRunner wraps a Runner with per-attempt logging.
func LoggingRunner(r Runner, log *logger.Logger) Runner {
	return &loggingRunner{inner: r, log: log}
}

type loggingRunner struct {
	inner Runner
	log   *logger.Logger
}

func (r *loggingRunner) Run(ctx context.Context, inv *Invocation) (map[string][]byte, error) {
	start := time.Now()
	outputs, err := r.inner.Run(ctx, inv)

	fields := logger.Fields(
		logger.FieldRunID, inv.RunID,
		logger.FieldNode, inv.StepID,
		logger.FieldAttempt, inv.Attempt,
		logger.FieldDuration, time.Since(start).Milliseconds(),
	)
	if err != nil {
		fields[logger.FieldError] = err.Error()
		r.log.Error("step attempt failed", fields)
	} else {
		fields["outputs"] = len(outputs)
		r.log.Debug("step attempt completed", fields)
	}
	return outputs, err
}
