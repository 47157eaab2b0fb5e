//go:build windows

package daemon

import (
	"net"

	"github.com/Microsoft/go-winio"
)

// PipeName is the default named pipe for IPC
const PipeName = `\\.\pipe\clipmesh`

func pipeName(socketPath string) string {
	if socketPath == "" {
		return PipeName
	}
	return socketPath
}

// createIPCListener creates a Windows named pipe listener. The default
// security descriptor only admits the creating user.
func createIPCListener(socketPath string) (net.Listener, error) {
	cfg := &winio.PipeConfig{
		MessageMode:      false,
		InputBufferSize:  65536,
		OutputBufferSize: 65536,
	}
	return winio.ListenPipe(pipeName(socketPath), cfg)
}

// getIPCAddress returns the IPC address for the current platform
func getIPCAddress(socketPath string) (network, address string) {
	return "pipe", pipeName(socketPath)
}

// cleanupIPCListener is a no-op; named pipes go away when closed
func cleanupIPCListener(socketPath string) {}
