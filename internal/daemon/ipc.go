package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"clipmesh.dev/go/clipmesh/internal/audit"
	"clipmesh.dev/go/clipmesh/internal/protocol"
	"clipmesh.dev/go/clipmesh/internal/trust"
)

// Request represents an IPC request from a client
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response represents an IPC response to a client
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error represents an IPC error
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

func invalidParams(err error) error {
	return &Error{Code: ErrCodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
}

// Event represents a server-initiated event
type Event struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Common error codes
const (
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
	ErrCodeNotFound       = -32000
)

// IPCServer handles IPC connections from CLI clients
type IPCServer struct {
	socketPath string
	listener   net.Listener
	daemon     *Daemon
	clients    map[*IPCClient]bool
	clientsMu  sync.RWMutex
	done       chan struct{}
}

// IPCClient represents a connected IPC client
type IPCClient struct {
	conn       net.Conn
	server     *IPCServer
	writer     *bufio.Writer
	writerMu   sync.Mutex
	subscribed atomic.Bool
}

// NewIPCServer creates a new IPC server
func NewIPCServer(socketPath string, daemon *Daemon) *IPCServer {
	return &IPCServer{
		socketPath: socketPath,
		daemon:     daemon,
		clients:    make(map[*IPCClient]bool),
		done:       make(chan struct{}),
	}
}

// Start starts the IPC server
func (s *IPCServer) Start(ctx context.Context) error {
	// Create platform-specific listener
	listener, err := createIPCListener(s.socketPath)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = listener

	_, address := getIPCAddress(s.socketPath)
	slog.Info("IPC server listening", "address", address)

	// Accept connections
	go s.acceptLoop(ctx)

	return nil
}

// Stop stops the IPC server
func (s *IPCServer) Stop() {
	close(s.done)

	if s.listener != nil {
		s.listener.Close()
	}

	// Close all clients
	s.clientsMu.Lock()
	for client := range s.clients {
		client.conn.Close()
	}
	s.clientsMu.Unlock()

	// Platform-specific cleanup
	cleanupIPCListener(s.socketPath)
}

func (s *IPCServer) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				slog.Error("IPC accept error", "error", err)
				continue
			}
		}

		client := &IPCClient{
			conn:   conn,
			server: s,
			writer: bufio.NewWriter(conn),
		}

		s.clientsMu.Lock()
		s.clients[client] = true
		s.clientsMu.Unlock()

		go s.handleClient(ctx, client)
	}
}

func (s *IPCServer) handleClient(ctx context.Context, client *IPCClient) {
	defer func() {
		client.conn.Close()
		s.clientsMu.Lock()
		delete(s.clients, client)
		s.clientsMu.Unlock()
	}()

	reader := bufio.NewReader(client.conn)
	decoder := json.NewDecoder(reader)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		var req Request
		if err := decoder.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			// The decoder cannot resync after bad input.
			slog.Debug("IPC decode error", "error", err)
			client.SendResponse(&Response{Error: &Error{Code: ErrCodeInvalidRequest, Message: "invalid request"}})
			return
		}

		// Handle request
		resp := s.handleRequest(ctx, client, &req)
		if err := client.SendResponse(resp); err != nil {
			slog.Debug("IPC send error", "error", err)
			return
		}
	}
}

func (s *IPCServer) handleRequest(ctx context.Context, client *IPCClient, req *Request) *Response {
	handler, ok := ipcHandlers[req.Method]
	if !ok {
		return &Response{
			ID: req.ID,
			Error: &Error{
				Code:    ErrCodeMethodNotFound,
				Message: fmt.Sprintf("method not found: %s", req.Method),
			},
		}
	}

	result, err := handler(ctx, s.daemon, client, req.Params)
	if err != nil {
		var ipcErr *Error
		if errors.As(err, &ipcErr) {
			return &Response{ID: req.ID, Error: ipcErr}
		}
		return &Response{
			ID: req.ID,
			Error: &Error{
				Code:    ErrCodeInternalError,
				Message: err.Error(),
			},
		}
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return &Response{
			ID: req.ID,
			Error: &Error{
				Code:    ErrCodeInternalError,
				Message: "failed to encode result",
			},
		}
	}

	return &Response{
		ID:     req.ID,
		Result: resultJSON,
	}
}

// SendResponse sends a response to the client
func (c *IPCClient) SendResponse(resp *Response) error {
	c.writerMu.Lock()
	defer c.writerMu.Unlock()

	encoder := json.NewEncoder(c.writer)
	if err := encoder.Encode(resp); err != nil {
		return err
	}
	return c.writer.Flush()
}

// SendEvent sends an event to the client (if subscribed)
func (c *IPCClient) SendEvent(event *Event) error {
	if !c.subscribed.Load() {
		return nil
	}

	c.writerMu.Lock()
	defer c.writerMu.Unlock()

	encoder := json.NewEncoder(c.writer)
	if err := encoder.Encode(event); err != nil {
		return err
	}
	return c.writer.Flush()
}

// BroadcastEvent broadcasts an event to all subscribed clients
func (s *IPCServer) BroadcastEvent(event *Event) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		if client.subscribed.Load() {
			go client.SendEvent(event)
		}
	}
}

// IPCHandler handles one IPC method
type IPCHandler func(ctx context.Context, d *Daemon, client *IPCClient, params json.RawMessage) (any, error)

// ipcHandlers maps method names to handlers
var ipcHandlers = map[string]IPCHandler{
	"ping":         handlePing,
	"status":       handleStatus,
	"peers":        handlePeers,
	"peers.add":    handlePeersAdd,
	"trust.list":   handleTrustList,
	"trust.forget": handleTrustForget,
	"pair.open":    handlePairOpen,
	"pair.close":   handlePairClose,
	"metrics":      handleMetrics,
	"logs":         handleLogs,
	"audit":        handleAudit,
	"subscribe":    handleSubscribe,
	"shutdown":     handleShutdown,
}

func handlePing(ctx context.Context, d *Daemon, client *IPCClient, params json.RawMessage) (any, error) {
	return map[string]string{"pong": d.Identity().String()}, nil
}

func handleStatus(ctx context.Context, d *Daemon, client *IPCClient, params json.RawMessage) (any, error) {
	return d.Status(), nil
}

func handlePeers(ctx context.Context, d *Daemon, client *IPCClient, params json.RawMessage) (any, error) {
	return d.Peers(), nil
}

func handlePeersAdd(ctx context.Context, d *Daemon, client *IPCClient, params json.RawMessage) (any, error) {
	var addr string
	if err := json.Unmarshal(params, &addr); err != nil {
		return nil, invalidParams(err)
	}
	if err := d.AddPeer(addr); err != nil {
		return nil, &Error{Code: ErrCodeInvalidParams, Message: err.Error()}
	}
	return map[string]bool{"added": true}, nil
}

func handleTrustList(ctx context.Context, d *Daemon, client *IPCClient, params json.RawMessage) (any, error) {
	return d.TrustStore().List(), nil
}

// ParsePeerIdentity parses "group/name". A bare name uses group.
func ParsePeerIdentity(s, group string) (protocol.PeerIdentity, error) {
	s = strings.TrimSpace(s)
	if g, name, ok := strings.Cut(s, "/"); ok {
		group, s = g, name
	}
	if s == "" || group == "" {
		return protocol.PeerIdentity{}, fmt.Errorf("peer must be name or group/name")
	}
	return protocol.PeerIdentity{Name: s, Group: group}, nil
}

func handleTrustForget(ctx context.Context, d *Daemon, client *IPCClient, params json.RawMessage) (any, error) {
	var peer string
	if err := json.Unmarshal(params, &peer); err != nil {
		return nil, invalidParams(err)
	}
	id, err := ParsePeerIdentity(peer, d.Identity().Group)
	if err != nil {
		return nil, invalidParams(err)
	}

	disconnected, err := d.Forget(id)
	if err != nil {
		if errors.Is(err, trust.ErrNotFound) {
			return nil, &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("peer not found: %s", id)}
		}
		return nil, fmt.Errorf("forget peer: %w", err)
	}
	return map[string]any{
		"forgotten":    id.String(),
		"disconnected": disconnected,
	}, nil
}

func handlePairOpen(ctx context.Context, d *Daemon, client *IPCClient, params json.RawMessage) (any, error) {
	var req struct {
		Duration string `json:"duration"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, invalidParams(err)
		}
	}

	var duration time.Duration
	if req.Duration != "" {
		var err error
		duration, err = time.ParseDuration(req.Duration)
		if err != nil || duration <= 0 {
			return nil, &Error{Code: ErrCodeInvalidParams, Message: fmt.Sprintf("invalid duration %q", req.Duration)}
		}
	}
	return d.OpenPairing(duration), nil
}

func handlePairClose(ctx context.Context, d *Daemon, client *IPCClient, params json.RawMessage) (any, error) {
	d.ClosePairing()
	return map[string]bool{"closed": true}, nil
}

func handleMetrics(ctx context.Context, d *Daemon, client *IPCClient, params json.RawMessage) (any, error) {
	return d.MetricsSnapshot(), nil
}

func handleLogs(ctx context.Context, d *Daemon, client *IPCClient, params json.RawMessage) (any, error) {
	var req struct {
		Level string `json:"level"`
		Peer  string `json:"peer"`
		Since string `json:"since"`
		Limit int    `json:"limit"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, invalidParams(err)
		}
	}

	opts := QueryOpts{
		Level: req.Level,
		Peer:  req.Peer,
		Limit: req.Limit,
	}
	if req.Since != "" {
		since, err := time.ParseDuration(req.Since)
		if err != nil {
			return nil, invalidParams(err)
		}
		t := time.Now().Add(-since)
		opts.Since = &t
	}
	return d.LogBuffer().Query(opts), nil
}

func handleAudit(ctx context.Context, d *Daemon, client *IPCClient, params json.RawMessage) (any, error) {
	var req struct {
		Category string `json:"category"`
		Peer     string `json:"peer"`
		Search   string `json:"search"`
		Since    string `json:"since"`
		Limit    int    `json:"limit"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, invalidParams(err)
		}
	}

	opts := audit.QueryOpts{
		Category: req.Category,
		Search:   req.Search,
		Limit:    req.Limit,
	}
	if req.Peer != "" {
		id, err := ParsePeerIdentity(req.Peer, d.Identity().Group)
		if err != nil {
			return nil, invalidParams(err)
		}
		opts.Peer = id.Key()
	}
	if req.Since != "" {
		since, err := time.ParseDuration(req.Since)
		if err != nil {
			return nil, invalidParams(err)
		}
		t := time.Now().Add(-since)
		opts.Since = &t
	}
	return d.Audit().Query(opts), nil
}

func handleSubscribe(ctx context.Context, d *Daemon, client *IPCClient, params json.RawMessage) (any, error) {
	client.subscribed.Store(true)
	return map[string]bool{"subscribed": true}, nil
}

func handleShutdown(ctx context.Context, d *Daemon, client *IPCClient, params json.RawMessage) (any, error) {
	slog.Info("Shutdown requested over IPC")
	// Let the response go out before the listener closes.
	time.AfterFunc(100*time.Millisecond, d.Shutdown)
	return map[string]bool{"stopping": true}, nil
}
