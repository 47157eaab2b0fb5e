// Package service installs the clipmesh daemon as a per-user service that
// starts at login: a systemd user unit, a launchd agent or a scheduled task.
package service

import (
	"errors"
	"os"
	"path/filepath"
	"time"
)

// ServiceStatus represents the status of the installed service
type ServiceStatus struct {
	Installed bool          `json:"installed"`
	Running   bool          `json:"running"`
	PID       int           `json:"pid,omitempty"`
	Uptime    time.Duration `json:"uptime,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Installer interface for platform-specific service installation
type Installer interface {
	// Install writes the service definition and enables it at login
	Install() error

	// Uninstall stops and removes the service
	Uninstall() error

	// IsInstalled checks if the service is installed
	IsInstalled() bool

	// Start starts the service
	Start() error

	// Stop stops the service
	Stop() error

	// Status returns the service status
	Status() (ServiceStatus, error)

	// Logs returns recent log output
	Logs(lines int) (string, error)

	// Location describes where the service definition lives
	Location() string
}

var (
	// ErrNotInstalled is returned when the service is not installed
	ErrNotInstalled = errors.New("service not installed")

	// ErrAlreadyInstalled is returned when trying to install an already installed service
	ErrAlreadyInstalled = errors.New("service already installed")

	// ErrUnsupported is returned on platforms without a supported service manager
	ErrUnsupported = errors.New("user services are not supported on this platform")
)

// Options describes what the service runs
type Options struct {
	// Executable is the clipmesh binary; the running binary when empty
	Executable string

	// LogFile receives the daemon's output where the platform allows it
	LogFile string
}

func (o Options) executable() string {
	if o.Executable != "" {
		return o.Executable
	}
	exe, err := os.Executable()
	if err != nil {
		return "clipmesh"
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		return resolved
	}
	return exe
}

// tailLines returns the last n lines of data
func tailLines(data string, n int) string {
	if n <= 0 {
		return data
	}
	end := len(data)
	for end > 0 && data[end-1] == '\n' {
		end--
	}
	count := 0
	for i := end - 1; i >= 0; i-- {
		if data[i] == '\n' {
			count++
			if count == n {
				return data[i+1 : end]
			}
		}
	}
	return data[:end]
}

// readLogTail reads the last n lines of path
func readLogTail(path string, n int) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return tailLines(string(data), n), nil
}
