// Package testutil provides test utilities for clipmesh integration tests
package testutil

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"clipmesh.dev/go/clipmesh/internal/config"
)

// TestNode is the on-disk state of one clipmesh instance under test
type TestNode struct {
	Name      string
	ConfigDir string
	Paths     *config.Paths
	Config    *config.Config
}

// NewTestNode creates a node in a temporary directory. It listens on an
// ephemeral loopback port with mDNS and the web server off, so tests only
// connect to peers they add explicitly.
func NewTestNode(t *testing.T, name, group string) *TestNode {
	t.Helper()

	dir := t.TempDir()
	paths := config.NewPaths(dir, filepath.Join(dir, "clipmesh.sock"), filepath.Join(dir, "daemon.pid"))
	if err := paths.EnsureDirectories(); err != nil {
		t.Fatalf("create directories: %v", err)
	}

	cfg := config.Default()
	cfg.Device.Name = name
	cfg.Device.Group = group
	cfg.Daemon.ListenAddress = "127.0.0.1"
	cfg.Daemon.Port = 0
	cfg.Discovery.MDNS = false
	cfg.Web.Enabled = false
	cfg.Notifications.Enabled = false
	cfg.Clipboard.PollInterval = config.Duration(20 * time.Millisecond)
	cfg.Reconnect.InitialDelay = config.Duration(50 * time.Millisecond)
	cfg.Reconnect.MaxDelay = config.Duration(500 * time.Millisecond)

	return &TestNode{
		Name:      name,
		ConfigDir: dir,
		Paths:     paths,
		Config:    cfg,
	}
}

// SetPSK writes psk to a file and points the config at it. A psk_file
// takes precedence over the environment and the OS keychain.
func (n *TestNode) SetPSK(t *testing.T, psk string) {
	t.Helper()

	path := filepath.Join(n.ConfigDir, "psk")
	if err := os.WriteFile(path, []byte(psk+"\n"), 0600); err != nil {
		t.Fatalf("write psk: %v", err)
	}
	n.Config.Security.PSKFile = path
}

// WaitFor waits for a condition to be true
func WaitFor(t *testing.T, timeout time.Duration, condition func() bool, msg string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("timeout waiting for: %s", msg)
		case <-ticker.C:
		}
	}
}

// FreePort returns a loopback TCP port that was free a moment ago
func FreePort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}
