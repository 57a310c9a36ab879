package tracing

import (
	"context"
	"fmt"

	"github.com/certkiln/certkiln/utils"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

var (
	// KilnTracer is the process-wide tracer, a no-op unless TRACING_ENABLED=1
	KilnTracer trace.Tracer = otel.Tracer("certkiln")

	tracerProvider *sdktrace.TracerProvider
)

func InitTracer() error {
	if !utils.Env_TracingEnabled {
		return nil
	}
	exporter, err := stdouttrace.New()
	if err != nil {
		return fmt.Errorf("error in stdouttrace.New: %w", err)
	}
	tracerProvider = sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tracerProvider)
	KilnTracer = otel.Tracer("certkiln")
	return nil
}

func Shutdown(ctx context.Context) error {
	if tracerProvider == nil {
		return nil
	}
	return tracerProvider.Shutdown(ctx)
}
