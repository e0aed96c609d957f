package telemetry

import (
	"github.com/pitabwire/frame/telemetry"
)

// Service tracers for different components.
//
//nolint:gochecknoglobals // OpenTelemetry tracers must be global for instrumentation
var (
	SessionTracer = telemetry.NewTracer("gateway.session")
	AdminTracer   = telemetry.NewTracer("gateway.admin")
	BackendTracer = telemetry.NewTracer("gateway.backend")
)
