package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"clipmesh.dev/go/clipmesh/internal/keychain"
	"clipmesh.dev/go/clipmesh/internal/protocol"
	"clipmesh.dev/go/clipmesh/internal/trust"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config invalid: %v", err)
	}
	if cfg.Daemon.Port != DefaultPort {
		t.Errorf("Expected port %d, got %d", DefaultPort, cfg.Daemon.Port)
	}
	if cfg.Clipboard.PollInterval.D() != 500*time.Millisecond {
		t.Errorf("Expected 500ms poll interval, got %v", cfg.Clipboard.PollInterval.D())
	}
	if cfg.Policy() != trust.PolicyTOFU {
		t.Errorf("Expected TOFU policy, got %s", cfg.Policy())
	}
}

func TestLoadMissingReturnsDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if cfg.Daemon.Port != DefaultPort {
		t.Errorf("Expected default port, got %d", cfg.Daemon.Port)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[device]
name = "x"
group = "home"

[daemon]
port = 4000

[clipboard]
poll_interval = "250ms"
ignore_patterns = ["^sk-[A-Za-z0-9]+$"]

[security]
trust_policy = "allow-list"
allowed_peers = ["y"]
pair_timeout = "5s"

[reconnect]
initial_delay = "2s"
max_delay = "30s"
max_attempts = 5
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if cfg.Identity() != (protocol.PeerIdentity{Name: "x", Group: "home"}) {
		t.Errorf("Unexpected identity %v", cfg.Identity())
	}
	if cfg.Daemon.Port != 4000 {
		t.Errorf("Expected port 4000, got %d", cfg.Daemon.Port)
	}
	if cfg.Clipboard.PollInterval.D() != 250*time.Millisecond {
		t.Errorf("Expected 250ms, got %v", cfg.Clipboard.PollInterval.D())
	}
	if cfg.Policy() != trust.PolicyAllowList {
		t.Errorf("Expected allow-list, got %s", cfg.Policy())
	}
	if cfg.Reconnect.MaxAttempts != 5 || cfg.Reconnect.InitialDelay.D() != 2*time.Second {
		t.Errorf("Unexpected reconnect config %+v", cfg.Reconnect)
	}
	// Unset values keep their defaults.
	if !cfg.Clipboard.TextOnly {
		t.Error("Expected text_only default to survive partial config")
	}

	patterns, err := cfg.IgnorePatterns()
	if err != nil || len(patterns) != 1 || !patterns[0].MatchString("sk-abc123") {
		t.Errorf("Ignore patterns not compiled correctly: %v", err)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	os.WriteFile(path, []byte("[daemon]\nprot = 1\n"), 0600)

	_, err := LoadFrom(path)
	if err == nil {
		t.Fatal("Expected error for unknown key")
	}
	if protocol.KindOf(err) != protocol.KindConfiguration {
		t.Errorf("Expected configuration error, got %s", protocol.KindOf(err))
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty name", func(c *Config) { c.Device.Name = "" }},
		{"slash in group", func(c *Config) { c.Device.Group = "a/b" }},
		{"bad port", func(c *Config) { c.Daemon.Port = 70000 }},
		{"bad pattern", func(c *Config) { c.Clipboard.IgnorePatterns = []string{"("} }},
		{"bad policy", func(c *Config) { c.Security.TrustPolicy = "everyone" }},
		{"frame smaller than clipboard", func(c *Config) { c.Daemon.MaxFrameSize = c.Clipboard.MaxSize }},
		{"max delay below initial", func(c *Config) { c.Reconnect.MaxDelay = Duration(time.Millisecond) }},
		{"zero poll", func(c *Config) { c.Clipboard.PollInterval = 0 }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if protocol.KindOf(err) != protocol.KindConfiguration {
				t.Errorf("Expected configuration error, got %s", protocol.KindOf(err))
			}
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")
	cfg := Default()
	cfg.Device.Name = "desk"
	cfg.Discovery.Peers = []string{"10.0.0.5:34254"}
	cfg.Security.PairTimeout = Duration(45 * time.Second)

	if err := cfg.SaveTo(path); err != nil {
		t.Fatalf("SaveTo failed: %v", err)
	}

	loaded, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if loaded.Device.Name != "desk" || len(loaded.Discovery.Peers) != 1 {
		t.Errorf("Unexpected loaded config %+v", loaded)
	}
	if loaded.Security.PairTimeout.D() != 45*time.Second {
		t.Errorf("Expected 45s pair timeout, got %v", loaded.Security.PairTimeout.D())
	}
}

func TestResolvePSK(t *testing.T) {
	orig := KeychainGetter
	t.Cleanup(func() { KeychainGetter = orig })

	keychainPSK := ""
	KeychainGetter = func() (string, error) {
		if keychainPSK == "" {
			return "", keychain.ErrNotFound
		}
		return keychainPSK, nil
	}

	cfg := Default()
	cfg.Security.PSK = "from-config"

	t.Setenv(PSKEnvVar, "")
	psk, src, err := cfg.ResolvePSK()
	if err != nil || string(psk) != "from-config" || src != PSKFromConfig {
		t.Errorf("Expected config PSK, got %q (%s, %v)", psk, src, err)
	}

	keychainPSK = "from-keychain"
	psk, src, _ = cfg.ResolvePSK()
	if string(psk) != "from-keychain" || src != PSKFromKeychain {
		t.Errorf("Expected keychain PSK, got %q (%s)", psk, src)
	}

	t.Setenv(PSKEnvVar, "from-env")
	psk, src, _ = cfg.ResolvePSK()
	if string(psk) != "from-env" || src != PSKFromEnv {
		t.Errorf("Expected env PSK, got %q (%s)", psk, src)
	}

	pskFile := filepath.Join(t.TempDir(), "psk")
	os.WriteFile(pskFile, []byte("from-file\n"), 0600)
	cfg.Security.PSKFile = pskFile
	psk, src, _ = cfg.ResolvePSK()
	if string(psk) != "from-file" || src != PSKFromFile {
		t.Errorf("Expected file PSK, got %q (%s)", psk, src)
	}
}

func TestResolvePSKUnreadableFile(t *testing.T) {
	cfg := Default()
	cfg.Security.PSKFile = filepath.Join(t.TempDir(), "missing")

	_, _, err := cfg.ResolvePSK()
	if protocol.KindOf(err) != protocol.KindConfiguration {
		t.Fatalf("Expected configuration error, got %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected wrapped not-exist error, got %v", err)
	}
}

func TestInstanceIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instance.toml")

	first, err := LoadOrCreateInstance(path)
	if err != nil {
		t.Fatalf("LoadOrCreateInstance failed: %v", err)
	}
	second, err := LoadOrCreateInstance(path)
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("Instance id changed: %s -> %s", first.ID, second.ID)
	}
}

func TestSanitizeName(t *testing.T) {
	tests := map[string]string{
		"My-Laptop.local": "my-laptoplocal",
		"Alice":           "alice",
		"!!!":             "fallback",
	}
	for in, want := range tests {
		if got := SanitizeName(in, "fallback"); got != want {
			t.Errorf("SanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
}
