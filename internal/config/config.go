// Package config loads broker configuration from the environment, using an
// env-var-with-fallback idiom for every address and timing knob, factored
// into its own package because the broker has many more tunables than a
// media relay would.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every tunable the broker needs at startup. Defaults match
// the protocol's fixed timings; they are still env-overridable so an
// operator can tune them without a rebuild.
type Config struct {
	GlassesAddr string // WebSocket listen address for glasses connections
	AppAddr     string // WebSocket listen address for App connections
	APIAddr     string // REST + /metrics listen address

	HeartbeatInterval time.Duration // ping cadence
	HeartbeatTimeout  time.Duration // silence before considered dead

	GlassesGraceWindow time.Duration // reconnect grace window
	AppStartTimeout    time.Duration // webhook_start → CONNECTION_INIT deadline
	AppStopGrace       time.Duration // STOP → transport close grace

	DisplayThrottle time.Duration // DISPLAY_EVENT coalescing window

	KeepAliveInterval time.Duration // keep-alive cadence
	AckTimeout        time.Duration // ACK deadline per keep-alive
	MaxMissedAcks     int           // missed-ACK threshold before timeout
	DirectStopTimeout time.Duration // forced terminal "stopped" after StopDirect
	ManagedGrace      time.Duration // last-viewer-leaves grace before teardown
	MaxOutputsPerApp  int           // outputs added by one pkg, across all streams
	MaxOutputsPerSt   int           // outputs per managed stream

	ProtocolErrorLimit  int           // malformed messages before socket close
	ProtocolErrorWindow time.Duration // window the limit applies over

	PhotoRequestTimeout time.Duration // unresolved photo request expiry

	ShutdownGrace time.Duration // HTTP listener shutdown grace
}

// Default returns the broker's fixed default configuration, before
// environment overrides are applied.
func Default() Config {
	return Config{
		GlassesAddr: ":8080",
		AppAddr:     ":8081",
		APIAddr:     ":8082",

		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  30 * time.Second,

		GlassesGraceWindow: 60 * time.Second,
		AppStartTimeout:    10 * time.Second,
		AppStopGrace:       2 * time.Second,

		DisplayThrottle: 50 * time.Millisecond,

		KeepAliveInterval: 15 * time.Second,
		AckTimeout:        5 * time.Second,
		MaxMissedAcks:     3,
		DirectStopTimeout: 15 * time.Second,
		ManagedGrace:      30 * time.Second,
		MaxOutputsPerApp:  10,
		MaxOutputsPerSt:   10,

		ProtocolErrorLimit:  3,
		ProtocolErrorWindow: 60 * time.Second,

		PhotoRequestTimeout: 30 * time.Second,

		ShutdownGrace: 5 * time.Second,
	}
}

// FromEnv returns Default() with every field overridden by its environment
// variable, if set. Unset or unparsable variables fall back silently to the
// default.
func FromEnv() Config {
	c := Default()

	c.GlassesAddr = envOr("BROKER_GLASSES_ADDR", c.GlassesAddr)
	c.AppAddr = envOr("BROKER_APP_ADDR", c.AppAddr)
	c.APIAddr = envOr("BROKER_API_ADDR", c.APIAddr)

	c.HeartbeatInterval = durationEnvOr("BROKER_HEARTBEAT_INTERVAL", c.HeartbeatInterval)
	c.HeartbeatTimeout = durationEnvOr("BROKER_HEARTBEAT_TIMEOUT", c.HeartbeatTimeout)

	c.GlassesGraceWindow = durationEnvOr("BROKER_GLASSES_GRACE_WINDOW", c.GlassesGraceWindow)
	c.AppStartTimeout = durationEnvOr("BROKER_APP_START_TIMEOUT", c.AppStartTimeout)
	c.AppStopGrace = durationEnvOr("BROKER_APP_STOP_GRACE", c.AppStopGrace)

	c.DisplayThrottle = durationEnvOr("BROKER_DISPLAY_THROTTLE", c.DisplayThrottle)

	c.KeepAliveInterval = durationEnvOr("BROKER_KEEPALIVE_INTERVAL", c.KeepAliveInterval)
	c.AckTimeout = durationEnvOr("BROKER_ACK_TIMEOUT", c.AckTimeout)
	c.MaxMissedAcks = intEnvOr("BROKER_MAX_MISSED_ACKS", c.MaxMissedAcks)
	c.DirectStopTimeout = durationEnvOr("BROKER_DIRECT_STOP_TIMEOUT", c.DirectStopTimeout)
	c.ManagedGrace = durationEnvOr("BROKER_MANAGED_GRACE", c.ManagedGrace)
	c.MaxOutputsPerApp = intEnvOr("BROKER_MAX_OUTPUTS_PER_APP", c.MaxOutputsPerApp)
	c.MaxOutputsPerSt = intEnvOr("BROKER_MAX_OUTPUTS_PER_STREAM", c.MaxOutputsPerSt)

	c.ProtocolErrorLimit = intEnvOr("BROKER_PROTOCOL_ERROR_LIMIT", c.ProtocolErrorLimit)
	c.ProtocolErrorWindow = durationEnvOr("BROKER_PROTOCOL_ERROR_WINDOW", c.ProtocolErrorWindow)

	c.PhotoRequestTimeout = durationEnvOr("BROKER_PHOTO_REQUEST_TIMEOUT", c.PhotoRequestTimeout)

	c.ShutdownGrace = durationEnvOr("BROKER_SHUTDOWN_GRACE", c.ShutdownGrace)

	return c
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationEnvOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func intEnvOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
