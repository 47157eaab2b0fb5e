package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"clipmesh.dev/go/clipmesh/internal/protocol"
	"clipmesh.dev/go/clipmesh/internal/trust"
)

// Role says which side opened the TCP connection
type Role int

const (
	RoleInbound Role = iota
	RoleOutbound
)

func (r Role) String() string {
	if r == RoleOutbound {
		return "outbound"
	}
	return "inbound"
}

// Phase is the lifecycle state of a peer connection
type Phase int

const (
	PhaseConnecting Phase = iota
	PhaseAuthenticating
	PhaseAuthenticated
	PhaseClosed
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseAuthenticating:
		return "authenticating"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseClosed:
		return "closed"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// allowedTransitions is the connection state machine. There is no path from
// Connecting to Authenticated, and Authenticated can only close.
var allowedTransitions = map[Phase][]Phase{
	PhaseConnecting:     {PhaseAuthenticating, PhaseFailed, PhaseClosed},
	PhaseAuthenticating: {PhaseAuthenticated, PhaseFailed, PhaseClosed},
	PhaseAuthenticated:  {PhaseClosed},
}

// ErrInvalidTransition is returned for a phase change the state machine forbids
var ErrInvalidTransition = errors.New("invalid phase transition")

// Reasons for closing a connection deliberately. None of them affect trust.
var (
	errAlreadyConnected = errors.New("peer already connected")
	errDuplicate        = errors.New("duplicate connection in flight")
	errSuperseded       = errors.New("superseded by inbound connection")
	errQueueFull        = errors.New("send queue full")
	errShutdown         = errors.New("shutting down")
	errNotRegistered    = errors.New("connection not registered")
	errDisconnected     = errors.New("disconnected on request")
)

func isDeliberateClose(err error) bool {
	return errors.Is(err, errAlreadyConnected) ||
		errors.Is(err, errDuplicate) ||
		errors.Is(err, errSuperseded) ||
		errors.Is(err, errShutdown) ||
		errors.Is(err, errNotRegistered) ||
		errors.Is(err, errDisconnected)
}

var connSerial atomic.Uint64

// PeerConn owns one TCP connection to one peer. It reports phase changes to
// the Manager and never touches the Manager's maps.
type PeerConn struct {
	id      uint64
	role    Role
	addr    string
	candKey string // outbound only: key of the candidate that produced it

	// registered is owned by the Manager's goroutine. It is set once the
	// authenticated connection has been counted and persisted.
	registered bool

	ctx    context.Context
	cancel context.CancelFunc
	sendCh chan protocol.Message

	mu              sync.Mutex
	phase           Phase
	conn            net.Conn
	framer          *protocol.Framer
	identity        protocol.PeerIdentity
	instanceID      string
	decision        trust.Decision
	startedAt       time.Time
	authenticatedAt time.Time
	err             error

	lastActivity atomic.Int64
	bytesIn      atomic.Int64
	bytesOut     atomic.Int64
	updatesIn    atomic.Int64
	updatesOut   atomic.Int64
}

func newPeerConn(parent context.Context, role Role, addr string, queueSize int) *PeerConn {
	ctx, cancel := context.WithCancel(parent)
	pc := &PeerConn{
		id:        connSerial.Add(1),
		role:      role,
		addr:      addr,
		ctx:       ctx,
		cancel:    cancel,
		sendCh:    make(chan protocol.Message, queueSize),
		phase:     PhaseConnecting,
		startedAt: time.Now(),
	}
	pc.touch()
	return pc
}

// Phase returns the current phase
func (pc *PeerConn) Phase() Phase {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.phase
}

// setPhase applies a transition if the state machine allows it.
func (pc *PeerConn) setPhase(next Phase) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	for _, p := range allowedTransitions[pc.phase] {
		if p == next {
			pc.phase = next
			if next == PhaseAuthenticated {
				pc.authenticatedAt = time.Now()
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, pc.phase, next)
}

// Identity returns the peer identity, zero until Hello is admitted
func (pc *PeerConn) Identity() protocol.PeerIdentity {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.identity
}

func (pc *PeerConn) setIdentity(id protocol.PeerIdentity, instanceID string, d trust.Decision) {
	pc.mu.Lock()
	pc.identity = id
	pc.instanceID = instanceID
	pc.decision = d
	pc.mu.Unlock()
}

func (pc *PeerConn) netConn() net.Conn {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.conn
}

func (pc *PeerConn) frames() *protocol.Framer {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.framer
}

func (pc *PeerConn) setConn(conn net.Conn, maxFrame int) {
	framer := protocol.NewFramer(conn, conn)
	framer.SetMaxPayload(maxFrame)

	pc.mu.Lock()
	pc.conn = conn
	pc.framer = framer
	pc.mu.Unlock()

	// A close requested while dialing must still close the socket.
	if pc.ctx.Err() != nil {
		conn.Close()
	}
}

// Err returns the reason the connection ended, if it has
func (pc *PeerConn) Err() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.err
}

// closeWith records the first close reason, cancels the connection's
// goroutines and closes the socket.
func (pc *PeerConn) closeWith(reason error) {
	pc.mu.Lock()
	if pc.err == nil {
		pc.err = reason
	}
	conn := pc.conn
	pc.mu.Unlock()

	pc.cancel()
	if conn != nil {
		conn.Close()
	}
}

// enqueue queues msg without blocking. It returns false when the queue is full.
func (pc *PeerConn) enqueue(msg protocol.Message) bool {
	select {
	case pc.sendCh <- msg:
		return true
	default:
		return false
	}
}

func (pc *PeerConn) touch() {
	pc.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns when a frame was last read from the peer
func (pc *PeerConn) LastActivity() time.Time {
	return time.Unix(0, pc.lastActivity.Load())
}

// Info returns a snapshot for status output
func (pc *PeerConn) Info() PeerInfo {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	info := PeerInfo{
		Name:         pc.identity.Name,
		Group:        pc.identity.Group,
		InstanceID:   pc.instanceID,
		Addr:         pc.addr,
		Role:         pc.role.String(),
		Phase:        pc.phase.String(),
		TrustReason:  pc.decision.Reason,
		StartedAt:    pc.startedAt,
		LastActivity: time.Unix(0, pc.lastActivity.Load()),
		BytesIn:      pc.bytesIn.Load(),
		BytesOut:     pc.bytesOut.Load(),
		UpdatesIn:    pc.updatesIn.Load(),
		UpdatesOut:   pc.updatesOut.Load(),
	}
	if !pc.authenticatedAt.IsZero() {
		t := pc.authenticatedAt
		info.AuthenticatedAt = &t
	}
	return info
}

// PeerInfo is the public view of a connection
type PeerInfo struct {
	Name            string     `json:"name"`
	Group           string     `json:"group"`
	InstanceID      string     `json:"instance_id,omitempty"`
	Addr            string     `json:"addr"`
	Role            string     `json:"role"`
	Phase           string     `json:"phase"`
	TrustReason     string     `json:"trust_reason,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	AuthenticatedAt *time.Time `json:"authenticated_at,omitempty"`
	LastActivity    time.Time  `json:"last_activity"`
	BytesIn         int64      `json:"bytes_in"`
	BytesOut        int64      `json:"bytes_out"`
	UpdatesIn       int64      `json:"updates_in"`
	UpdatesOut      int64      `json:"updates_out"`
}

// Connected reports whether the connection is authenticated
func (p PeerInfo) Connected() bool {
	return p.Phase == PhaseAuthenticated.String()
}
