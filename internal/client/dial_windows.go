//go:build windows

package client

import (
	"net"
	"time"

	"github.com/Microsoft/go-winio"
)

func dial(socketPath string, timeout time.Duration) (net.Conn, error) {
	return winio.DialPipe(socketPath, &timeout)
}
