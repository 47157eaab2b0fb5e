package protocol

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// DialTimeout bounds outbound TCP connection setup
const DialTimeout = 10 * time.Second

// Transport abstracts network transport for peer connections
type Transport interface {
	// Dial connects to a peer at host:port
	Dial(ctx context.Context, addr string) (net.Conn, error)

	// Accept waits for and returns the next incoming connection
	Accept(ctx context.Context) (net.Conn, error)

	// Close shuts down the transport
	Close() error

	// Port returns the listening port
	Port() int
}

// TCPTransport implements Transport over TCP
type TCPTransport struct {
	listener    net.Listener
	port        int
	dialTimeout time.Duration
	mu          sync.RWMutex
	closed      bool
}

// NewTCPTransport listens on the given address. A port of 0 picks a free port.
func NewTCPTransport(host string, port int) (*TCPTransport, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	return &TCPTransport{
		listener:    listener,
		port:        listener.Addr().(*net.TCPAddr).Port,
		dialTimeout: DialTimeout,
	}, nil
}

// SetDialTimeout changes the outbound dial timeout
func (t *TCPTransport) SetDialTimeout(d time.Duration) {
	if d > 0 {
		t.dialTimeout = d
	}
}

// Dial connects to a peer
func (t *TCPTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout:   t.dialTimeout,
		KeepAlive: 30 * time.Second,
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, TransportError("dial "+addr, err)
	}

	return conn, nil
}

// Accept waits for the next incoming connection
func (t *TCPTransport) Accept(ctx context.Context) (net.Conn, error) {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return nil, fmt.Errorf("transport closed")
	}
	t.mu.RUnlock()

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	resultCh := make(chan acceptResult, 1)

	go func() {
		conn, err := t.listener.Accept()
		resultCh <- acceptResult{conn, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-resultCh:
		return result.conn, result.err
	}
}

// Close shuts down the transport
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}

	t.closed = true
	return t.listener.Close()
}

// Port returns the port this transport is listening on
func (t *TCPTransport) Port() int {
	return t.port
}

// Addr returns the listener address
func (t *TCPTransport) Addr() net.Addr {
	return t.listener.Addr()
}
