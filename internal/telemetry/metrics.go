// Package telemetry provides OpenTelemetry metrics and tracing for the gateway.
package telemetry

import "github.com/pitabwire/frame/telemetry"

// Socket lifecycle metrics.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	SocketsConnectedCounter = telemetry.DimensionlessMeasure(
		"",
		"gateway.sockets.connected",
		"Total sockets that completed transport connect",
	)

	SocketsAuthenticatedCounter = telemetry.DimensionlessMeasure(
		"",
		"gateway.sockets.authenticated",
		"Total sockets that completed authentication",
	)

	SocketsRejectedCounter = telemetry.DimensionlessMeasure(
		"",
		"gateway.sockets.rejected",
		"Total sockets rejected during authentication",
	)

	SocketsDisconnectedCounter = telemetry.DimensionlessMeasure(
		"",
		"gateway.sockets.disconnected",
		"Total socket disconnections",
	)

	SocketsActiveGauge = telemetry.DimensionlessMeasure(
		"",
		"gateway.sockets.active",
		"Current authenticated sockets",
	)
)

// Presence metrics.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	PresenceOnlineCounter = telemetry.DimensionlessMeasure(
		"",
		"gateway.presence.online",
		"Total presence online transitions emitted",
	)

	PresenceOfflineCounter = telemetry.DimensionlessMeasure(
		"",
		"gateway.presence.offline",
		"Total presence offline transitions emitted",
	)
)

// Channel and token-channel metrics.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	ChannelMessagesPublishedCounter = telemetry.DimensionlessMeasure(
		"",
		"gateway.channel.messages.published",
		"Total messages fanned out to a channel",
	)

	TokenChannelRedemptionsCounter = telemetry.DimensionlessMeasure(
		"",
		"gateway.token_channel.redemptions",
		"Total content tokens redeemed by a socket",
	)
)

// Admin API metrics.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	AdminRequestsCounter = telemetry.DimensionlessMeasure(
		"",
		"gateway.admin.requests",
		"Total admin API requests handled",
	)

	AdminRequestsRejectedCounter = telemetry.DimensionlessMeasure(
		"",
		"gateway.admin.requests.rejected",
		"Total admin API requests rejected for a bad or missing service key",
	)
)

// BackendLatencyHistogram tracks the backend round-trip latency.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var BackendLatencyHistogram = telemetry.LatencyMeasure(
	"gateway.backend",
)
