package storage

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/api-guard/instrumentation"
)

// Telemetry records spans and metrics for store operations.
// A nil *Telemetry records nothing.
type Telemetry struct {
	inst      *instrumentation.Instrumentation
	tracer    trace.Tracer
	storeType string
}

// NewTelemetry creates a Telemetry for a store backend ("memory", "postgres")
func NewTelemetry(inst *instrumentation.Instrumentation, storeType string) *Telemetry {
	t := &Telemetry{inst: inst, storeType: storeType}
	if inst != nil {
		t.tracer = inst.Tracer("storage")
	}
	return t
}

// Start opens a storage.<operation> span and returns a function that ends it
// and records the operation's metrics
func (t *Telemetry) Start(ctx context.Context, operation string) (context.Context, func(error)) {
	if t == nil || t.inst == nil {
		return ctx, func(error) {}
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, t.storeType)

	return ctx, func(err error) {
		defer span.End()

		result := OperationResult(err)
		switch result {
		case "success", "not_found", "conflict":
			instrumentation.SetSpanSuccess(span)
		default:
			instrumentation.RecordError(span, err)
		}

		durationMs := float64(time.Since(start).Microseconds()) / 1000
		t.inst.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
	}
}

// OperationResult classifies an operation error for metrics.
// Expected outcomes (not found, conflict) are not reported as errors.
func OperationResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrPrincipalNotFound):
		return "not_found"
	case errors.Is(err, ErrEmailTaken):
		return "conflict"
	default:
		return "error"
	}
}
