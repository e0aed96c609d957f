// Package config loads the gateway's environment-driven configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pitabwire/frame/config"
)

// GatewayConfig holds every environment-tunable setting the gateway needs:
// where the backend lives, what secret gates the admin API, and how the
// admin and health HTTP surfaces are exposed.
type GatewayConfig struct {
	config.ConfigurationDefault

	// BackendURL is the full backend message endpoint this gateway POSTs
	// authenticate/userOnline/userOffline messages to.
	BackendURL string `envDefault:"http://localhost:80/nodejs/message" env:"BACKEND_URL"`

	// ServiceKey is the shared secret required on every admin request via
	// the NodejsServiceKey header, and attached to outbound backend POSTs.
	// Empty disables the check entirely.
	ServiceKey string `envDefault:"" env:"NODEJS_SERVICE_KEY"`

	// BackendBasicAuthUser / BackendBasicAuthPass, if both set, attach a
	// Basic Authorization header to outbound backend calls.
	BackendBasicAuthUser string `envDefault:"" env:"BACKEND_BASIC_AUTH_USER"`
	BackendBasicAuthPass string `envDefault:"" env:"BACKEND_BASIC_AUTH_PASS"`

	// BackendStrictSSL controls certificate verification when BackendURL
	// is HTTPS.
	BackendStrictSSL bool `envDefault:"true" env:"BACKEND_STRICT_SSL"`

	// BackendTimeoutSec bounds a single outbound backend call.
	BackendTimeoutSec int `envDefault:"10" env:"BACKEND_TIMEOUT_SEC"`

	// BackendMaxFailures / BackendResetTimeoutSec configure the circuit
	// breaker guarding the backend client.
	BackendMaxFailures     int64 `envDefault:"5"  env:"BACKEND_CIRCUIT_MAX_FAILURES"`
	BackendResetTimeoutSec int   `envDefault:"30" env:"BACKEND_CIRCUIT_RESET_TIMEOUT_SEC"`

	// BaseAuthPath prefixes every admin route.
	BaseAuthPath string `envDefault:"/nodejs/" env:"BASE_AUTH_PATH"`

	// AdminHTTPPort is not read by cmd/gateway: the admin API and health
	// endpoints are served by the frame service's own HTTP listener.
	AdminHTTPPort string `envDefault:"8000" env:"ADMIN_HTTP_PORT"`

	// TransportHTTPPort serves client socket upgrades.
	TransportHTTPPort string `envDefault:"8001" env:"TRANSPORT_HTTP_PORT"`

	// GracePeriodMs is the delay before a presence-offline or
	// token-channel disconnect notification fires, absorbing reconnects.
	GracePeriodMs int `envDefault:"2000" env:"GRACE_PERIOD_MS"`

	// ClientsCanWriteToClients gates direct client-to-client messages
	// that carry no channel.
	ClientsCanWriteToClients bool `envDefault:"false" env:"CLIENTS_CAN_WRITE_TO_CLIENTS"`

	// GatewayID identifies this process instance in presence/backend
	// payloads once multiple gateways sit behind the same backend.
	GatewayID string `envDefault:"gateway-1" env:"GATEWAY_ID"`

	// LogLevel is the starting log level; toggleDebug layers extra
	// per-request Debug logging on top of it without restarting the
	// process (see admin.Handler.debugEnabled).
	LogLevel string `envDefault:"info" env:"LOG_LEVEL"`

	// HeartbeatIntervalSec is how often a connected client is expected to
	// send some inbound message. StaleThresholdMultiplier copies are
	// tolerated before the stale sweep closes the socket.
	HeartbeatIntervalSec   int `envDefault:"25" env:"HEARTBEAT_INTERVAL_SEC"`
	StaleThresholdMultiplier int `envDefault:"3" env:"STALE_THRESHOLD_MULTIPLIER"`

	// StaleSweepIntervalSec is how often the sweep runs. Zero disables it.
	StaleSweepIntervalSec int `envDefault:"30" env:"STALE_SWEEP_INTERVAL_SEC"`
}

// BackendTimeout returns BackendTimeoutSec as a time.Duration.
func (c *GatewayConfig) BackendTimeout() time.Duration {
	return time.Duration(c.BackendTimeoutSec) * time.Second
}

// GracePeriod returns GracePeriodMs as a time.Duration.
func (c *GatewayConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodMs) * time.Millisecond
}

// BackendResetTimeout returns BackendResetTimeoutSec as a time.Duration.
func (c *GatewayConfig) BackendResetTimeout() time.Duration {
	return time.Duration(c.BackendResetTimeoutSec) * time.Second
}

// StaleSweepInterval returns StaleSweepIntervalSec as a time.Duration.
func (c *GatewayConfig) StaleSweepInterval() time.Duration {
	return time.Duration(c.StaleSweepIntervalSec) * time.Second
}

// StaleThreshold returns how long a socket may stay quiet before the
// sweep considers it dead: HeartbeatIntervalSec * StaleThresholdMultiplier.
func (c *GatewayConfig) StaleThreshold() time.Duration {
	return time.Duration(c.HeartbeatIntervalSec*c.StaleThresholdMultiplier) * time.Second
}

// Validate checks that the configuration is internally consistent.
func (c *GatewayConfig) Validate() error {
	var errs []error

	if c.BackendURL == "" {
		errs = append(errs, errors.New("BackendURL cannot be empty"))
	} else if !strings.HasPrefix(c.BackendURL, "http://") && !strings.HasPrefix(c.BackendURL, "https://") {
		errs = append(errs, fmt.Errorf("BackendURL must be http:// or https://, got %q", c.BackendURL))
	}

	if !strings.HasPrefix(c.BaseAuthPath, "/") || !strings.HasSuffix(c.BaseAuthPath, "/") {
		errs = append(errs, fmt.Errorf("BaseAuthPath must start and end with '/', got %q", c.BaseAuthPath))
	}

	if (c.BackendBasicAuthUser == "") != (c.BackendBasicAuthPass == "") {
		errs = append(errs, errors.New("BackendBasicAuthUser and BackendBasicAuthPass must both be set or both be empty"))
	}

	if c.BackendTimeoutSec <= 0 {
		errs = append(errs, errors.New("BackendTimeoutSec must be > 0"))
	}

	if c.BackendMaxFailures <= 0 {
		errs = append(errs, errors.New("BackendMaxFailures must be > 0"))
	}

	if c.BackendResetTimeoutSec <= 0 {
		errs = append(errs, errors.New("BackendResetTimeoutSec must be > 0"))
	}

	if c.GracePeriodMs < 0 {
		errs = append(errs, errors.New("GracePeriodMs cannot be negative"))
	}

	if c.StaleSweepIntervalSec > 0 {
		if c.HeartbeatIntervalSec <= 0 {
			errs = append(errs, errors.New("HeartbeatIntervalSec must be > 0 when the stale sweep is enabled"))
		}
		if c.StaleThresholdMultiplier <= 0 {
			errs = append(errs, errors.New("StaleThresholdMultiplier must be > 0 when the stale sweep is enabled"))
		}
	}

	return errors.Join(errs...)
}
