package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"clipmesh.dev/go/clipmesh/internal/protocol"
	"clipmesh.dev/go/clipmesh/internal/trust"
)

// DefaultPort is the default TCP port for peer connections
const DefaultPort = 34254

// Config represents the clipmesh configuration file
type Config struct {
	Device        DeviceConfig        `toml:"device"`
	Daemon        DaemonConfig        `toml:"daemon"`
	Discovery     DiscoveryConfig     `toml:"discovery"`
	Clipboard     ClipboardConfig     `toml:"clipboard"`
	Security      SecurityConfig      `toml:"security"`
	Reconnect     ReconnectConfig     `toml:"reconnect"`
	Web           WebConfig           `toml:"web"`
	Logging       LoggingConfig       `toml:"logging"`
	Notifications NotificationsConfig `toml:"notifications"`
}

// DeviceConfig names this instance
type DeviceConfig struct {
	Name  string `toml:"name"`
	Group string `toml:"group"`
}

// DaemonConfig contains listener and connection settings
type DaemonConfig struct {
	ListenAddress     string   `toml:"listen_address"`
	Port              int      `toml:"port"`
	ConnectionTimeout Duration `toml:"connection_timeout"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	MaxFrameSize      int      `toml:"max_frame_size"`
	SendQueueSize     int      `toml:"send_queue_size"`
	MaxConnections    int      `toml:"max_connections"`
}

// DiscoveryConfig contains peer discovery settings
type DiscoveryConfig struct {
	MDNS           bool     `toml:"mdns"`
	BrowseInterval Duration `toml:"browse_interval"`
	Peers          []string `toml:"peers"`
}

// ClipboardConfig controls what gets synchronized
type ClipboardConfig struct {
	PollInterval   Duration `toml:"poll_interval"`
	MaxSize        int      `toml:"max_size"`
	IgnoreEmpty    bool     `toml:"ignore_empty"`
	TextOnly       bool     `toml:"text_only"`
	IgnorePatterns []string `toml:"ignore_patterns"`
}

// SecurityConfig contains authentication and trust settings
type SecurityConfig struct {
	PSK          string   `toml:"psk"`
	PSKFile      string   `toml:"psk_file"`
	TrustPolicy  string   `toml:"trust_policy"`
	PairTimeout  Duration `toml:"pair_timeout"`
	AllowedPeers []string `toml:"allowed_peers"`
	BlockedPeers []string `toml:"blocked_peers"`
	// UpdateRate is the sustained number of clipboard updates accepted per
	// second from a single peer.
	UpdateRate  float64 `toml:"update_rate"`
	UpdateBurst int     `toml:"update_burst"`
}

// ReconnectConfig controls outbound redial backoff
type ReconnectConfig struct {
	InitialDelay Duration `toml:"initial_delay"`
	MaxDelay     Duration `toml:"max_delay"`
	MaxAttempts  int      `toml:"max_attempts"` // 0 = unlimited
}

// WebConfig contains the local status server settings
type WebConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json
}

// NotificationsConfig contains notification settings
type NotificationsConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a config with sensible defaults
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Name:  DefaultDeviceName(),
			Group: DefaultGroup(),
		},
		Daemon: DaemonConfig{
			ListenAddress:     "0.0.0.0",
			Port:              DefaultPort,
			ConnectionTimeout: Duration(10 * time.Second),
			HeartbeatInterval: Duration(15 * time.Second),
			MaxFrameSize:      protocol.DefaultMaxPayload,
			SendQueueSize:     64,
			MaxConnections:    32,
		},
		Discovery: DiscoveryConfig{
			MDNS:           true,
			BrowseInterval: Duration(30 * time.Second),
			Peers:          []string{},
		},
		Clipboard: ClipboardConfig{
			PollInterval:   Duration(500 * time.Millisecond),
			MaxSize:        10 * 1024 * 1024,
			IgnoreEmpty:    true,
			TextOnly:       true,
			IgnorePatterns: []string{},
		},
		Security: SecurityConfig{
			TrustPolicy:  "tofu",
			PairTimeout:  Duration(120 * time.Second),
			AllowedPeers: []string{},
			BlockedPeers: []string{},
			UpdateRate:   5,
			UpdateBurst:  20,
		},
		Reconnect: ReconnectConfig{
			InitialDelay: Duration(time.Second),
			MaxDelay:     Duration(60 * time.Second),
		},
		Web: WebConfig{
			Enabled: false,
			Port:    34255,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Notifications: NotificationsConfig{
			Enabled: true,
		},
	}
}

// Load loads the configuration from the default config file
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, fmt.Errorf("get paths: %w", err)
	}

	return LoadFrom(paths.ConfigFile)
}

// LoadFrom loads the configuration from a specific file
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if no config file exists
			return cfg, nil
		}
		return nil, protocol.ConfigurationError("read config", err)
	}

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, protocol.ConfigurationError("parse config", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, protocol.ConfigurationError("parse config", fmt.Errorf("unknown keys: %s", strings.Join(keys, ", ")))
	}

	return cfg, nil
}

// Save saves the configuration to the default config file
func (c *Config) Save() error {
	paths, err := GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}

	return c.SaveTo(paths.ConfigFile)
}

// SaveTo saves the configuration to a specific file
func (c *Config) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return protocol.ConfigurationError("validate config", err)
	}
	return nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Device.Name) == "" {
		return fmt.Errorf("device name must not be empty")
	}
	if strings.Contains(c.Device.Name, "/") || strings.Contains(c.Device.Group, "/") {
		return fmt.Errorf("device name and group must not contain '/'")
	}

	if c.Daemon.Port < 0 || c.Daemon.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Daemon.Port)
	}
	if c.Daemon.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection_timeout must be positive")
	}
	if c.Daemon.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if c.Daemon.SendQueueSize < 1 {
		return fmt.Errorf("send_queue_size must be at least 1")
	}

	if c.Clipboard.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.Clipboard.MaxSize <= 0 {
		return fmt.Errorf("clipboard max_size must be positive")
	}
	// A maximum-size clipboard value plus its header must fit in one frame.
	if c.Daemon.MaxFrameSize < c.Clipboard.MaxSize+64 {
		return fmt.Errorf("max_frame_size (%d) must exceed clipboard max_size (%d)", c.Daemon.MaxFrameSize, c.Clipboard.MaxSize)
	}
	if _, err := c.IgnorePatterns(); err != nil {
		return err
	}

	if _, err := trust.ParsePolicy(c.Security.TrustPolicy); err != nil {
		return err
	}
	if c.Security.PairTimeout <= 0 {
		return fmt.Errorf("pair_timeout must be positive")
	}
	if c.Security.UpdateRate <= 0 || c.Security.UpdateBurst < 1 {
		return fmt.Errorf("update_rate and update_burst must be positive")
	}

	if c.Reconnect.InitialDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		return fmt.Errorf("reconnect delays must be positive and max_delay >= initial_delay")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must not be negative")
	}

	if c.Web.Enabled && (c.Web.Port < 1 || c.Web.Port > 65535) {
		return fmt.Errorf("invalid web port: %d", c.Web.Port)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}

// Identity returns the peer identity announced by this instance
func (c *Config) Identity() protocol.PeerIdentity {
	return protocol.PeerIdentity{Name: c.Device.Name, Group: c.Device.Group}
}

// Policy returns the parsed trust policy
func (c *Config) Policy() trust.Policy {
	p, _ := trust.ParsePolicy(c.Security.TrustPolicy)
	return p
}

// IgnorePatterns compiles the clipboard ignore patterns
func (c *Config) IgnorePatterns() ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(c.Clipboard.IgnorePatterns))
	for _, p := range c.Clipboard.IgnorePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid ignore pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// DefaultDeviceName returns the hostname, sanitized for mDNS
func DefaultDeviceName() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "clipmesh"
	}
	return SanitizeName(hostname, "clipmesh")
}

// DefaultGroup returns the lowercased login name
func DefaultGroup() string {
	user := os.Getenv("USER")
	if user == "" {
		user = os.Getenv("USERNAME")
	}
	return SanitizeName(user, "default")
}

// SanitizeName keeps lowercase alphanumerics, hyphens and underscores.
func SanitizeName(s, fallback string) string {
	var sanitized strings.Builder
	for _, c := range strings.ToLower(s) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_' {
			sanitized.WriteRune(c)
		}
	}

	if sanitized.Len() == 0 {
		return fallback
	}
	return sanitized.String()
}

// Duration is a time.Duration that reads and writes as a string in TOML
type Duration time.Duration

// D returns the value as a time.Duration
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(v)
	return nil
}
