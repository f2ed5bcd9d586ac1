package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, env, body string) {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "config"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config", "config."+env+".yaml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)
	t.Setenv("CONFIG_ENV", env)
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_ENV", "missing")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Strategy != StrategyMesh || cfg.Port != 8080 || cfg.ConnectTimeout != 15*time.Second {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if len(cfg.ICEServers) != 1 {
		t.Fatalf("expected the default stun server, got %v", cfg.ICEServers)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	writeConfig(t, "test", `
strategy: sfu
token_url: https://api.example.com/voice/token
user_id: alice
reconnect_attempts: 3
reconnect_delay: 250ms
ice_servers:
  - stun:a.example.com
  - turn:b.example.com
`)
	t.Setenv("VOICE_USER_ID", "bob")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Strategy != StrategySFU || cfg.ReconnectAttempts != 3 || cfg.ReconnectDelay != 250*time.Millisecond {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.UserID != "bob" {
		t.Fatalf("env must override the file, got %q", cfg.UserID)
	}
	if len(cfg.ICEServers) != 2 {
		t.Fatalf("ice servers %v", cfg.ICEServers)
	}
}

func TestDotEnvDoesNotOverride(t *testing.T) {
	writeConfig(t, "test", "strategy: mesh\n")
	if err := os.WriteFile(".env", []byte("VOICE_USER_ID=carol\nVOICE_PORT=9000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VOICE_PORT", "9100")
	t.Setenv("VOICE_USER_ID", "")
	os.Unsetenv("VOICE_USER_ID")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.UserID != "carol" {
		t.Fatalf("expected .env value, got %q", cfg.UserID)
	}
	if cfg.Port != 9100 {
		t.Fatalf("existing env must win over .env, got %d", cfg.Port)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"mesh", Config{Strategy: StrategyMesh, GatewayURL: "ws://gw"}, true},
		{"mesh without gateway", Config{Strategy: StrategyMesh}, false},
		{"sfu without token url", Config{Strategy: StrategySFU}, false},
		{"unknown", Config{Strategy: "p2p", GatewayURL: "ws://gw"}, false},
		{"inverted port range", Config{Strategy: StrategyMesh, GatewayURL: "ws://gw", ICEPortMin: 50010, ICEPortMax: 50000}, false},
		{"negative attempts", Config{Strategy: StrategyMesh, GatewayURL: "ws://gw", ReconnectAttempts: -1}, false},
	}
	for _, tc := range cases {
		err := tc.cfg.Validate()
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalid) {
			t.Errorf("%s: expected ErrInvalid, got %v", tc.name, err)
		}
	}
}
