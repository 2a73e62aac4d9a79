// Package config loads node configuration from TOML.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/nyxrpc/internal/codec"
	"github.com/danmuck/nyxrpc/internal/logging"
	"github.com/danmuck/nyxrpc/internal/protocol/session"
)

var (
	ErrMissingName   = errors.New("config: missing name")
	ErrNoEndpoints   = errors.New("config: listen or peers required")
	ErrInvalidAddr   = errors.New("config: invalid address")
	ErrInvalidLevel  = errors.New("config: invalid log level")
	ErrInvalidPeriod = errors.New("config: heartbeat_interval must be below session_dead_after")
)

// NodeConfig is the resolved configuration of one node process.
type NodeConfig struct {
	Name        string
	Listen      string
	Admin       string
	CorsOrigins []string
	Peers       []string
	Codec       string
	LogLevel    string
	Session     session.Config
}

func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		Name:        "nyx.local",
		Listen:      "127.0.0.1:7400",
		Admin:       "127.0.0.1:7401",
		CorsOrigins: []string{"http://localhost:3000"},
		Peers:       []string{},
		Codec:       "proto",
		LogLevel:    "info",
		Session:     session.DefaultConfig(),
	}
}

type fileConfig struct {
	Name        string      `toml:"name"`
	Listen      string      `toml:"listen"`
	Admin       string      `toml:"admin"`
	CorsOrigins []string    `toml:"cors_origins"`
	Peers       []string    `toml:"peers"`
	Codec       string      `toml:"codec"`
	LogLevel    string      `toml:"log_level"`
	Session     fileSession `toml:"session"`
}

type fileSession struct {
	ConnectTimeout    string               `toml:"connect_timeout"`
	WriteTimeout      string               `toml:"write_timeout"`
	HeartbeatInterval string               `toml:"heartbeat_interval"`
	SessionDeadAfter  string               `toml:"session_dead_after"`
	PollInterval      string               `toml:"poll_interval"`
	MaxFrameBytes     uint32               `toml:"max_frame_bytes"`
	RecvBufferBytes   int                  `toml:"recv_buffer_bytes"`
	SecurityMode      string               `toml:"security_mode"`
	Compression       string               `toml:"compression"`
	Backoff           fileBackoff          `toml:"backoff"`
	Crypto            session.CryptoConfig `toml:"crypto"`
	TLS               session.TLSConfig    `toml:"tls"`
}

type fileBackoff struct {
	InitialDelay string  `toml:"initial_delay"`
	Multiplier   float64 `toml:"multiplier"`
	MaxDelay     string  `toml:"max_delay"`
	Jitter       bool    `toml:"jitter"`
}

// Load decodes path over DefaultNodeConfig; only keys present in the file
// override defaults. The result is validated.
func Load(path string) (NodeConfig, error) {
	cfg := DefaultNodeConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("load node config (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return NodeConfig{}, fmt.Errorf("load node config (%s): unknown key %q", path, undecoded[0].String())
	}

	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("admin") {
		cfg.Admin = strings.TrimSpace(raw.Admin)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}
	if meta.IsDefined("peers") {
		cfg.Peers = normalizeList(raw.Peers)
	}
	if meta.IsDefined("codec") {
		cfg.Codec = strings.TrimSpace(raw.Codec)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if err := applySession(meta, raw.Session, &cfg.Session); err != nil {
		return NodeConfig{}, fmt.Errorf("load node config (%s): %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

func applySession(meta toml.MetaData, raw fileSession, s *session.Config) error {
	durations := []struct {
		key string
		src string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &s.ConnectTimeout},
		{"write_timeout", raw.WriteTimeout, &s.WriteTimeout},
		{"heartbeat_interval", raw.HeartbeatInterval, &s.HeartbeatInterval},
		{"session_dead_after", raw.SessionDeadAfter, &s.SessionDeadAfter},
		{"poll_interval", raw.PollInterval, &s.PollInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined("session", d.key) {
			continue
		}
		v, err := parseDuration(d.key, d.src)
		if err != nil {
			return err
		}
		*d.dst = v
	}
	if meta.IsDefined("session", "max_frame_bytes") {
		s.MaxFrameBytes = raw.MaxFrameBytes
	}
	if meta.IsDefined("session", "recv_buffer_bytes") {
		s.RecvBufferBytes = raw.RecvBufferBytes
	}
	if meta.IsDefined("session", "security_mode") {
		s.SecurityMode = session.SecurityMode(raw.SecurityMode)
	}
	if meta.IsDefined("session", "compression") {
		s.Compression = session.Compression(raw.Compression)
	}

	if meta.IsDefined("session", "backoff", "initial_delay") {
		v, err := parseDuration("backoff.initial_delay", raw.Backoff.InitialDelay)
		if err != nil {
			return err
		}
		s.Backoff.InitialDelay = v
	}
	if meta.IsDefined("session", "backoff", "max_delay") {
		v, err := parseDuration("backoff.max_delay", raw.Backoff.MaxDelay)
		if err != nil {
			return err
		}
		s.Backoff.MaxDelay = v
	}
	if meta.IsDefined("session", "backoff", "multiplier") {
		s.Backoff.Multiplier = raw.Backoff.Multiplier
	}
	if meta.IsDefined("session", "backoff", "jitter") {
		s.Backoff.Jitter = raw.Backoff.Jitter
	}

	if meta.IsDefined("session", "crypto") {
		s.Crypto = raw.Crypto
	}
	if meta.IsDefined("session", "tls") {
		s.TLS = raw.TLS
	}
	*s = s.WithDefaults()
	return nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

// Validate checks cfg the way Load does.
func Validate(cfg NodeConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return ErrMissingName
	}
	if cfg.Listen == "" && len(cfg.Peers) == 0 {
		return ErrNoEndpoints
	}
	if cfg.Listen != "" {
		if err := validateAddr("listen", cfg.Listen); err != nil {
			return err
		}
		if err := cfg.Session.ValidateServerTransport(); err != nil {
			return fmt.Errorf("listen transport: %w", err)
		}
	}
	if cfg.Admin != "" {
		if err := validateAddr("admin", cfg.Admin); err != nil {
			return err
		}
	}
	for i, peer := range cfg.Peers {
		if err := validateAddr(fmt.Sprintf("peers[%d]", i), peer); err != nil {
			return err
		}
	}
	if len(cfg.Peers) > 0 {
		if err := cfg.Session.ValidateClientTransport(); err != nil {
			return fmt.Errorf("peer transport: %w", err)
		}
	}
	if _, err := codec.ByName(cfg.Codec); err != nil {
		return err
	}
	if cfg.LogLevel != "" {
		if _, ok := logging.ParseLevel(cfg.LogLevel); !ok {
			return fmt.Errorf("%w: %q", ErrInvalidLevel, cfg.LogLevel)
		}
	}
	if cfg.Session.HeartbeatInterval >= cfg.Session.SessionDeadAfter {
		return ErrInvalidPeriod
	}
	return nil
}

func validateAddr(field, addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%w: %s=%q: %w", ErrInvalidAddr, field, addr, err)
	}
	if port == "" {
		return fmt.Errorf("%w: %s=%q missing port", ErrInvalidAddr, field, addr)
	}
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
