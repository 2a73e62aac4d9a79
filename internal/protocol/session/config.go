package session

import (
	"time"

	"github.com/danmuck/nyxrpc/internal/protocol/frame"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration `toml:"initial_delay"`
	Multiplier   float64       `toml:"multiplier"`
	MaxDelay     time.Duration `toml:"max_delay"`
	Jitter       bool          `toml:"jitter"`
}

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

type Compression string

const (
	CompressionNone   Compression = "none"
	CompressionSnappy Compression = "snappy"
)

// TLSConfig selects transport-level TLS for channel sockets.
type TLSConfig struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// CryptoConfig enables the in-band key exchange and stream cipher.
type CryptoConfig struct {
	Enabled bool   `toml:"enabled"`
	Token   string `toml:"token"`
}

// Config defines transport/session reliability defaults.
type Config struct {
	ConnectTimeout    time.Duration `toml:"connect_timeout"`
	WriteTimeout      time.Duration `toml:"write_timeout"`
	HeartbeatInterval time.Duration `toml:"heartbeat_interval"`
	SessionDeadAfter  time.Duration `toml:"session_dead_after"`
	PollInterval      time.Duration `toml:"poll_interval"`
	MaxFrameBytes     uint32        `toml:"max_frame_bytes"`
	RecvBufferBytes   int           `toml:"recv_buffer_bytes"`
	Backoff           BackoffConfig `toml:"backoff"`
	SecurityMode      SecurityMode  `toml:"security_mode"`
	Compression       Compression   `toml:"compression"`
	Crypto            CryptoConfig  `toml:"crypto"`
	TLS               TLSConfig     `toml:"tls"`
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    5 * time.Second,
		WriteTimeout:      5 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		SessionDeadAfter:  15 * time.Second,
		PollInterval:      10 * time.Millisecond,
		MaxFrameBytes:     frame.DefaultMaxFrameBytes,
		RecvBufferBytes:   4096,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		SecurityMode: SecurityModeDevelopment,
		Compression:  CompressionNone,
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.SessionDeadAfter <= 0 {
		c.SessionDeadAfter = d.SessionDeadAfter
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = d.MaxFrameBytes
	}
	if c.RecvBufferBytes <= 0 {
		c.RecvBufferBytes = d.RecvBufferBytes
	}
	if c.Backoff == (BackoffConfig{}) {
		c.Backoff = d.Backoff
	}
	c.SecurityMode = NormalizeSecurityMode(c.SecurityMode)
	c.Compression = NormalizeCompression(c.Compression)
	return c
}

func (c Config) FrameLimits() frame.Limits {
	return frame.Limits{MaxFrameBytes: c.MaxFrameBytes}
}
