package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/nyxrpc/internal/protocol/session"
	"github.com/danmuck/nyxrpc/internal/testutil/testlog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
name = "gate.1"
listen = "0.0.0.0:9400"
peers = ["10.0.0.2:9400", " ", "10.0.0.3:9400"]
codec = "json"

[session]
heartbeat_interval = "2s"
session_dead_after = "9s"
compression = "snappy"
max_frame_bytes = 65536

[session.backoff]
initial_delay = "100ms"

[session.crypto]
enabled = true
token = "k1"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Name != "gate.1" || cfg.Listen != "0.0.0.0:9400" {
		t.Fatalf("unexpected identity: %+v", cfg)
	}
	if cfg.Admin != DefaultNodeConfig().Admin {
		t.Fatalf("admin default lost: %q", cfg.Admin)
	}
	if len(cfg.Peers) != 2 || cfg.Peers[1] != "10.0.0.3:9400" {
		t.Fatalf("unexpected peers: %+v", cfg.Peers)
	}
	if cfg.Codec != "json" {
		t.Fatalf("unexpected codec: %q", cfg.Codec)
	}
	s := cfg.Session
	if s.HeartbeatInterval != 2*time.Second || s.SessionDeadAfter != 9*time.Second {
		t.Fatalf("unexpected heartbeat settings: %v/%v", s.HeartbeatInterval, s.SessionDeadAfter)
	}
	if s.ConnectTimeout != session.DefaultConfig().ConnectTimeout {
		t.Fatalf("connect timeout default lost: %v", s.ConnectTimeout)
	}
	if s.Compression != session.CompressionSnappy || s.MaxFrameBytes != 65536 {
		t.Fatalf("unexpected framing: %s %d", s.Compression, s.MaxFrameBytes)
	}
	if s.Backoff.InitialDelay != 100*time.Millisecond || s.Backoff.MaxDelay != session.DefaultConfig().Backoff.MaxDelay {
		t.Fatalf("unexpected backoff: %+v", s.Backoff)
	}
	if !s.Crypto.Enabled || s.Crypto.Token != "k1" {
		t.Fatalf("unexpected crypto: %+v", s.Crypto)
	}
}

func TestLoadRejectsBadInput(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"duration":   "[session]\nconnect_timeout = \"soon\"\n",
		"unknown":    "colour = \"blue\"\n",
		"addr":       "listen = \"nohostport\"\n",
		"codec":      "codec = \"xml\"\n",
		"level":      "log_level = \"loud\"\n",
		"heartbeat":  "[session]\nheartbeat_interval = \"20s\"\nsession_dead_after = \"10s\"\n",
		"production": "[session]\nsecurity_mode = \"production\"\n",
		"endpoints":  "listen = \"\"\n",
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected load error", name)
		}
	}
}

func TestValidateSentinels(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultNodeConfig()
	cfg.Name = " "
	if err := Validate(cfg); !errors.Is(err, ErrMissingName) {
		t.Fatalf("expected ErrMissingName, got %v", err)
	}
	cfg = DefaultNodeConfig()
	cfg.Session.SecurityMode = session.SecurityModeProduction
	if err := Validate(cfg); !errors.Is(err, session.ErrEncryptionRequired) {
		t.Fatalf("expected ErrEncryptionRequired, got %v", err)
	}
	cfg.Session.Crypto = session.CryptoConfig{Enabled: true, Token: "t"}
	if err := Validate(cfg); err != nil {
		t.Fatalf("production with crypto: %v", err)
	}
}

func TestTemplatesLoadBack(t *testing.T) {
	testlog.Start(t)
	for _, kind := range []string{KindServer, KindClient} {
		body, err := Template(kind)
		if err != nil {
			t.Fatalf("%s template: %v", kind, err)
		}
		if !strings.Contains(body, "heartbeat_interval") {
			t.Fatalf("%s template missing session table:\n%s", kind, body)
		}
		cfg, err := Load(writeConfig(t, body))
		if err != nil {
			t.Fatalf("%s template does not load: %v\n%s", kind, err, body)
		}
		if kind == KindClient && (cfg.Listen != "" || len(cfg.Peers) != 1) {
			t.Fatalf("client template: %+v", cfg)
		}
	}
	if _, err := Template("relay"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestWriteTemplateRefusesOverwrite(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "node.toml")
	if err := WriteTemplate(path, KindServer, false); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := WriteTemplate(path, KindServer, false); err == nil {
		t.Fatalf("expected existing file error")
	}
	if err := WriteTemplate(path, KindClient, true); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
}
