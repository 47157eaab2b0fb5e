//go:build !windows

package daemon

import (
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// createIPCListener creates a Unix domain socket only the owner can open
func createIPCListener(socketPath string) (net.Listener, error) {
	// Remove stale socket file
	os.Remove(socketPath)

	// The socket is created with the umask applied, so there is no window in
	// which other users could connect before the chmod below.
	old := unix.Umask(0o177)
	listener, err := net.Listen("unix", socketPath)
	unix.Umask(old)
	if err != nil {
		return nil, err
	}

	if err := os.Chmod(socketPath, 0600); err != nil {
		listener.Close()
		return nil, err
	}

	return listener, nil
}

// getIPCAddress returns the IPC address for the current platform
func getIPCAddress(socketPath string) (network, address string) {
	return "unix", socketPath
}

// cleanupIPCListener cleans up the IPC listener on shutdown
func cleanupIPCListener(socketPath string) {
	os.Remove(socketPath)
}
