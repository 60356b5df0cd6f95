// Package hub implements the Realtime Hub (C10): a thin layer binding a
// client's WebSocket connection to the Session Registry (C8) and the
// Broadcast Router (C9).
//
// Grounded directly on coordinator/coordinator.go: connection lifecycle
// (connectionLoop/connect/runConnection), sendChan + senderLoop, readLoop +
// ParseMessage/envelope dispatch, and pingLoop/OnConnected/OnDisconnected
// callbacks — adapted from a single-connection outbound client (dial loop)
// into a many-connection inbound server (accept loop).
package hub

import (
	"time"

	"github.com/starforge/realmcore/config"
)

// Config configures connection timeouts and buffering.
type Config struct {
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration
	WriteTimeout     time.Duration
	SendBufferSize   int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PongWait:         60 * time.Second,
		WriteTimeout:     10 * time.Second,
		SendBufferSize:   64,
	}
}

// ConfigFromEnv loads a Config from environment variables under prefix.
func ConfigFromEnv(prefix string) Config {
	env := config.NewEnvConfig(prefix)
	cfg := DefaultConfig()
	cfg.HandshakeTimeout = env.GetDuration("HUB_HANDSHAKE_TIMEOUT", cfg.HandshakeTimeout)
	cfg.PingInterval = env.GetDuration("HUB_PING_INTERVAL", cfg.PingInterval)
	cfg.PongWait = env.GetDuration("HUB_PONG_WAIT", cfg.PongWait)
	cfg.WriteTimeout = env.GetDuration("HUB_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.SendBufferSize = env.GetInt("HUB_SEND_BUFFER_SIZE", cfg.SendBufferSize)
	return cfg
}

// Validate enforces SPEC_FULL's config validation rules.
func (c Config) Validate() error {
	v := config.NewValidator()
	v.RequirePositiveDuration("HandshakeTimeout", c.HandshakeTimeout)
	v.RequirePositiveDuration("PingInterval", c.PingInterval)
	v.RequirePositiveDuration("PongWait", c.PongWait)
	v.RequirePositiveDuration("WriteTimeout", c.WriteTimeout)
	v.RequirePositiveInt("SendBufferSize", c.SendBufferSize)
	return v.Validate()
}
