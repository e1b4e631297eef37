// Package telemetry configures OpenTelemetry context propagation for the
// process.
package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// SetupPropagation registers the W3C trace-context and baggage propagators as
// the global text map propagator. Until this runs, the global propagator is a
// no-op and injected carriers stay empty.
func SetupPropagation() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}
