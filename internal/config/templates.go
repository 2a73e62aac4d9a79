package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	KindServer = "server"
	KindClient = "client"
)

// Template renders a starting config for kind from the defaults.
func Template(kind string) (string, error) {
	cfg := DefaultNodeConfig()
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindServer:
	case KindClient:
		cfg.Name = "nyx.client"
		cfg.Listen = ""
		cfg.Admin = "127.0.0.1:7411"
		cfg.Peers = []string{"127.0.0.1:7400"}
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
	out, err := toml.Marshal(toFile(cfg))
	if err != nil {
		return "", fmt.Errorf("render %s template: %w", kind, err)
	}
	return string(out), nil
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

func toFile(cfg NodeConfig) fileConfig {
	s := cfg.Session
	return fileConfig{
		Name:        cfg.Name,
		Listen:      cfg.Listen,
		Admin:       cfg.Admin,
		CorsOrigins: cfg.CorsOrigins,
		Peers:       cfg.Peers,
		Codec:       cfg.Codec,
		LogLevel:    cfg.LogLevel,
		Session: fileSession{
			ConnectTimeout:    durationString(s.ConnectTimeout),
			WriteTimeout:      durationString(s.WriteTimeout),
			HeartbeatInterval: durationString(s.HeartbeatInterval),
			SessionDeadAfter:  durationString(s.SessionDeadAfter),
			PollInterval:      durationString(s.PollInterval),
			MaxFrameBytes:     s.MaxFrameBytes,
			RecvBufferBytes:   s.RecvBufferBytes,
			SecurityMode:      string(s.SecurityMode),
			Compression:       string(s.Compression),
			Backoff: fileBackoff{
				InitialDelay: durationString(s.Backoff.InitialDelay),
				Multiplier:   s.Backoff.Multiplier,
				MaxDelay:     durationString(s.Backoff.MaxDelay),
				Jitter:       s.Backoff.Jitter,
			},
			Crypto: s.Crypto,
			TLS:    s.TLS,
		},
	}
}

func durationString(d time.Duration) string { return d.String() }
