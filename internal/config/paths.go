package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Paths holds all platform-specific file paths for clipmesh
type Paths struct {
	ConfigDir    string // ~/.config/clipmesh or equivalent
	ConfigFile   string // config.toml
	TrustFile    string // trusted.toml
	InstanceFile string // instance.toml
	AuditFile    string // audit.jsonl
	PIDFile      string // daemon.pid (Linux/macOS)

	SocketPath string // $XDG_RUNTIME_DIR/clipmesh.sock or equivalent
}

// GetPaths returns platform-specific paths for clipmesh
func GetPaths() (*Paths, error) {
	var configDir string
	var socketPath string
	var pidFile string

	// Allow override via environment variable (useful for testing multiple instances)
	if envConfigDir := os.Getenv("CLIPMESH_CONFIG_DIR"); envConfigDir != "" {
		configDir = envConfigDir
		socketPath = filepath.Join(configDir, "clipmesh.sock")
		pidFile = filepath.Join(configDir, "daemon.pid")
		if runtime.GOOS == "windows" {
			socketPath = fmt.Sprintf(`\\.\pipe\clipmesh-%s`, SanitizeName(configDir, "custom"))
		}
	} else {
		switch runtime.GOOS {
		case "linux", "freebsd", "openbsd", "netbsd":
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("get home directory: %w", err)
			}
			configDir = filepath.Join(home, ".config", "clipmesh")

			runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
			if runtimeDir == "" {
				runtimeDir = configDir
			}
			socketPath = filepath.Join(runtimeDir, "clipmesh.sock")
			pidFile = filepath.Join(configDir, "daemon.pid")

		case "darwin":
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("get home directory: %w", err)
			}
			configDir = filepath.Join(home, ".config", "clipmesh")
			socketPath = filepath.Join(home, "Library", "Application Support", "clipmesh", "daemon.sock")
			pidFile = filepath.Join(configDir, "daemon.pid")

		case "windows":
			appData := os.Getenv("APPDATA")
			if appData == "" {
				return nil, fmt.Errorf("APPDATA environment variable not set")
			}
			configDir = filepath.Join(appData, "clipmesh")

			// Named pipe on Windows
			username := os.Getenv("USERNAME")
			if username == "" {
				username = "user"
			}
			socketPath = fmt.Sprintf(`\\.\pipe\clipmesh-%s`, username)
			pidFile = ""

		default:
			return nil, fmt.Errorf("unsupported platform: %s", runtime.GOOS)
		}
	}

	return NewPaths(configDir, socketPath, pidFile), nil
}

// NewPaths builds a Paths rooted at configDir
func NewPaths(configDir, socketPath, pidFile string) *Paths {
	return &Paths{
		ConfigDir:    configDir,
		ConfigFile:   filepath.Join(configDir, "config.toml"),
		TrustFile:    filepath.Join(configDir, "trusted.toml"),
		InstanceFile: filepath.Join(configDir, "instance.toml"),
		AuditFile:    filepath.Join(configDir, "audit.jsonl"),
		PIDFile:      pidFile,
		SocketPath:   socketPath,
	}
}

// EnsureDirectories creates all required directories with appropriate permissions
func (p *Paths) EnsureDirectories() error {
	dirs := []string{p.ConfigDir}

	if runtime.GOOS != "windows" {
		dirs = append(dirs, filepath.Dir(p.SocketPath))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// LogFile returns the daemon log file used when running as a background service
func (p *Paths) LogFile() string {
	return filepath.Join(p.ConfigDir, "daemon.log")
}
