package client

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"clipmesh.dev/go/clipmesh/internal/audit"
	"clipmesh.dev/go/clipmesh/internal/config"
	"clipmesh.dev/go/clipmesh/internal/daemon"
	"clipmesh.dev/go/clipmesh/internal/trust"
)

// Client is an IPC client for communicating with the daemon
type Client struct {
	conn    net.Conn
	writer  *bufio.Writer
	decoder *json.Decoder
	mu      sync.Mutex
	reqID   atomic.Uint64
	timeout time.Duration
}

// Error is an error returned by the daemon
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// IsNotFound reports whether err is the daemon's not-found error
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == daemon.ErrCodeNotFound
}

// message is either a response or an event; the daemon writes both on the
// same stream once a client subscribes.
type message struct {
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *daemon.Error   `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Connect creates a new IPC client connected to the daemon
func Connect() (*Client, error) {
	paths, err := config.GetPaths()
	if err != nil {
		return nil, fmt.Errorf("get paths: %w", err)
	}

	return ConnectTo(paths.SocketPath)
}

// ConnectTo creates a new IPC client connected to a specific socket
func ConnectTo(socketPath string) (*Client, error) {
	conn, err := dial(socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}

	return &Client{
		conn:    conn,
		writer:  bufio.NewWriter(conn),
		decoder: json.NewDecoder(bufio.NewReader(conn)),
		timeout: 30 * time.Second,
	}, nil
}

// Close closes the client connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call makes an IPC call and returns the result
func (c *Client) Call(method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := strconv.FormatUint(c.reqID.Add(1), 10)

	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
	}

	req := daemon.Request{
		ID:     id,
		Method: method,
		Params: paramsJSON,
	}

	c.conn.SetDeadline(time.Now().Add(c.timeout))
	defer c.conn.SetDeadline(time.Time{})

	if err := json.NewEncoder(c.writer).Encode(req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if err := c.writer.Flush(); err != nil {
		return nil, fmt.Errorf("flush: %w", err)
	}

	for {
		var msg message
		if err := c.decoder.Decode(&msg); err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if msg.Event != "" {
			continue
		}
		if msg.Error != nil {
			return nil, &Error{Code: msg.Error.Code, Message: msg.Error.Message}
		}
		return msg.Result, nil
	}
}

// CallResult makes an IPC call and unmarshals the result
func (c *Client) CallResult(method string, params any, result any) error {
	raw, err := c.Call(method, params)
	if err != nil {
		return err
	}

	if result != nil {
		if err := json.Unmarshal(raw, result); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
	}

	return nil
}

// Ping checks if the daemon is responsive
func (c *Client) Ping() error {
	_, err := c.Call("ping", nil)
	return err
}

// Status gets the daemon status
func (c *Client) Status() (*daemon.Status, error) {
	var status daemon.Status
	if err := c.CallResult("status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Peers lists every connection the daemon holds
func (c *Client) Peers() ([]daemon.PeerInfo, error) {
	var peers []daemon.PeerInfo
	if err := c.CallResult("peers", nil, &peers); err != nil {
		return nil, err
	}
	return peers, nil
}

// AddPeer asks the daemon to dial addr
func (c *Client) AddPeer(addr string) error {
	_, err := c.Call("peers.add", addr)
	return err
}

// TrustList returns the trust records
func (c *Client) TrustList() ([]trust.Record, error) {
	var records []trust.Record
	if err := c.CallResult("trust.list", nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// ForgetResult is the outcome of TrustForget
type ForgetResult struct {
	Forgotten    string `json:"forgotten"`
	Disconnected bool   `json:"disconnected"`
}

// TrustForget removes trust for peer, given as name or group/name
func (c *Client) TrustForget(peer string) (*ForgetResult, error) {
	var res ForgetResult
	if err := c.CallResult("trust.forget", peer, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// PairOpen opens the pairing window. Zero uses the daemon's pair_timeout.
func (c *Client) PairOpen(d time.Duration) (*daemon.PairingStatus, error) {
	params := map[string]string{}
	if d > 0 {
		params["duration"] = d.String()
	}
	var st daemon.PairingStatus
	if err := c.CallResult("pair.open", params, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// PairClose closes the pairing window
func (c *Client) PairClose() error {
	_, err := c.Call("pair.close", nil)
	return err
}

// Metrics returns the daemon's metrics snapshot
func (c *Client) Metrics() (*daemon.MetricsSnapshot, error) {
	var snap daemon.MetricsSnapshot
	if err := c.CallResult("metrics", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// LogQuery filters daemon logs
type LogQuery struct {
	Level string `json:"level,omitempty"`
	Peer  string `json:"peer,omitempty"`
	Since string `json:"since,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// Logs returns buffered daemon log entries, oldest first
func (c *Client) Logs(q LogQuery) ([]daemon.LogEntry, error) {
	var entries []daemon.LogEntry
	if err := c.CallResult("logs", q, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// AuditQuery filters the security journal
type AuditQuery struct {
	Category string `json:"category,omitempty"`
	Peer     string `json:"peer,omitempty"`
	Search   string `json:"search,omitempty"`
	Since    string `json:"since,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// Audit returns journal entries, newest first
func (c *Client) Audit(q AuditQuery) ([]audit.Event, error) {
	var events []audit.Event
	if err := c.CallResult("audit", q, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// Shutdown asks the daemon to stop
func (c *Client) Shutdown() error {
	_, err := c.Call("shutdown", nil)
	return err
}

// Subscribe subscribes to events. Use a dedicated client for events.
func (c *Client) Subscribe() error {
	_, err := c.Call("subscribe", nil)
	return err
}

// ReadEvent reads the next event (blocking)
func (c *Client) ReadEvent() (*daemon.Event, error) {
	for {
		var msg message
		if err := c.decoder.Decode(&msg); err != nil {
			return nil, err
		}
		if msg.Event == "" {
			continue
		}
		return &daemon.Event{Event: msg.Event, Payload: msg.Payload}, nil
	}
}

// SetTimeout sets the request timeout
func (c *Client) SetTimeout(d time.Duration) {
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

// IsRunning checks if the daemon is running by attempting to connect
func IsRunning() bool {
	client, err := Connect()
	if err != nil {
		return false
	}
	defer client.Close()

	return client.Ping() == nil
}

// ErrDaemonNotRunning is returned when the daemon is not running
var ErrDaemonNotRunning = errors.New("daemon is not running")

// RequireDaemon returns an error if the daemon is not running
func RequireDaemon() error {
	if !IsRunning() {
		return ErrDaemonNotRunning
	}
	return nil
}
