package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"clipmesh.dev/go/clipmesh/internal/protocol"
	"clipmesh.dev/go/clipmesh/internal/trust"
)

const (
	// heartbeatMisses is how many heartbeat intervals of silence fail a connection
	heartbeatMisses = 3

	writeTimeout        = 10 * time.Second
	inboundQueueSize    = 64
	eventQueueSize      = 256
	defaultCandidateTTL = 5 * time.Minute
)

// ErrPeerSilent is returned when a peer sends nothing for several heartbeat intervals
var ErrPeerSilent = errors.New("peer stopped responding")

// Candidate sources
const (
	SourceMDNS   = "mdns"
	SourceManual = "manual"
)

// Candidate is a peer this instance may dial
type Candidate struct {
	Addr       string
	Identity   *protocol.PeerIdentity // nil until known
	InstanceID string
	Source     string
	SeenAt     time.Time
}

// Key identifies the candidate for dedup and backoff. Manual candidates are
// keyed by address because their identity is only learned from Hello.
func (c Candidate) Key() string {
	if c.Source == SourceManual || c.Identity == nil {
		return "addr:" + c.Addr
	}
	return c.Identity.Key()
}

// InboundUpdate is a clipboard update received from an authenticated peer
type InboundUpdate struct {
	From   protocol.PeerIdentity
	Update *protocol.ClipboardUpdate
}

// Dialer opens outbound connections. protocol.TCPTransport satisfies it.
type Dialer interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

// BackoffConfig controls redial timing
type BackoffConfig struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int // 0 = unlimited
}

// ManagerConfig holds the local settings the connection manager needs
type ManagerConfig struct {
	Identity          protocol.PeerIdentity
	InstanceID        string
	PSK               []byte
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	MaxFrameSize      int
	SendQueueSize     int
	Reconnect         BackoffConfig
	CandidateTTL      time.Duration
}

func (c *ManagerConfig) setDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = protocol.HandshakeTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = protocol.DefaultMaxPayload
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 64
	}
	if c.Reconnect.Initial <= 0 {
		c.Reconnect.Initial = time.Second
	}
	if c.Reconnect.Max < c.Reconnect.Initial {
		c.Reconnect.Max = 60 * time.Second
	}
	if c.CandidateTTL <= 0 {
		c.CandidateTTL = defaultCandidateTTL
	}
}

// backoffDelay returns the delay before redial number attempt (zero based):
// the initial delay doubled per attempt, capped at the maximum.
func backoffDelay(cfg BackoffConfig, attempt int) time.Duration {
	d := cfg.Initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cfg.Max {
			return cfg.Max
		}
	}
	if d > cfg.Max {
		return cfg.Max
	}
	return d
}

// jitter spreads redials by up to a fifth of the delay so two peers that
// lost a simultaneous dial do not redial in lockstep.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := int64(d) / 5
	if spread == 0 {
		return d
	}
	return d - time.Duration(spread/2) + time.Duration(rand.Int64N(spread))
}

type redialState struct {
	attempts int
	timer    *time.Timer
}

// Manager owns every peer connection. All of its maps are touched only by
// the goroutine running Run; everything else talks to it through events.
type Manager struct {
	cfg         ManagerConfig
	store       *trust.Store
	dialer      Dialer
	metrics     *Metrics
	updates     *UpdateLimiter
	connLimiter *ConnectionLimiter
	onEvent     func(*Event)
	jitter      func(time.Duration) time.Duration

	events  chan any
	inbound chan InboundUpdate
	done    chan struct{}
	wg      sync.WaitGroup

	connected atomic.Int32

	// owned by the Run goroutine
	runCtx     context.Context
	conns      map[string]*PeerConn // by identity key, admitted connections only
	all        map[uint64]*PeerConn
	dialing    map[string]*PeerConn // outbound connections by address
	candidates map[string]Candidate
	backoff    map[string]*redialState
}

// ManagerOption configures optional collaborators
type ManagerOption func(*Manager)

// WithMetrics records connection and message counters
func WithMetrics(metrics *Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithUpdateLimiter rate limits inbound clipboard updates per peer
func WithUpdateLimiter(l *UpdateLimiter) ManagerOption {
	return func(m *Manager) { m.updates = l }
}

// WithConnectionLimiter gates inbound connections before the handshake
func WithConnectionLimiter(l *ConnectionLimiter) ManagerOption {
	return func(m *Manager) { m.connLimiter = l }
}

// WithEventSink receives peer lifecycle events
func WithEventSink(fn func(*Event)) ManagerOption {
	return func(m *Manager) { m.onEvent = fn }
}

// NewManager creates a connection manager. Call Run to start it.
func NewManager(cfg ManagerConfig, store *trust.Store, dialer Dialer, opts ...ManagerOption) *Manager {
	cfg.setDefaults()
	m := &Manager{
		cfg:        cfg,
		store:      store,
		dialer:     dialer,
		jitter:     jitter,
		events:     make(chan any, eventQueueSize),
		inbound:    make(chan InboundUpdate, inboundQueueSize),
		done:       make(chan struct{}),
		conns:      make(map[string]*PeerConn),
		all:        make(map[uint64]*PeerConn),
		dialing:    make(map[string]*PeerConn),
		candidates: make(map[string]Candidate),
		backoff:    make(map[string]*redialState),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = NewMetrics()
	}
	return m
}

// events handled by Run
type connectRequest struct{ cand Candidate }

type inboundConn struct{ conn net.Conn }

type admitRequest struct {
	pc    *PeerConn
	hello *protocol.Hello
	reply chan error
}

type authenticatedEvent struct {
	pc    *PeerConn
	reply chan error
}

type closedEvent struct{ pc *PeerConn }

type broadcastEvent struct {
	update  *protocol.ClipboardUpdate
	exclude protocol.PeerIdentity
}

type redialEvent struct{ key string }

type resetBackoffEvent struct{}

type disconnectRequest struct {
	id    protocol.PeerIdentity
	reply chan bool
}

type peersRequest struct{ reply chan []PeerInfo }

type candidatesRequest struct{ reply chan []Candidate }

// Run processes events until ctx is cancelled, then closes every connection
// and waits for their goroutines.
func (m *Manager) Run(ctx context.Context) {
	m.runCtx = ctx
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return
		case ev := <-m.events:
			m.handle(ev)
		}
	}
}

func (m *Manager) shutdown() {
	close(m.done)
	for _, st := range m.backoff {
		if st.timer != nil {
			st.timer.Stop()
		}
	}
	for _, pc := range m.all {
		pc.closeWith(errShutdown)
	}
	m.wg.Wait()
	slog.Debug("Connection manager stopped")
}

// post hands an event to Run. It returns false once the manager has stopped.
func (m *Manager) post(ev any) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) handle(ev any) {
	switch ev := ev.(type) {
	case connectRequest:
		m.handleConnect(ev.cand)
	case inboundConn:
		m.handleInbound(ev.conn)
	case admitRequest:
		ev.reply <- m.handleAdmit(ev.pc, ev.hello)
	case authenticatedEvent:
		ev.reply <- m.handleAuthenticated(ev.pc)
	case closedEvent:
		m.handleClosed(ev.pc)
	case broadcastEvent:
		m.handleBroadcast(ev.update, ev.exclude)
	case redialEvent:
		m.handleRedial(ev.key)
	case resetBackoffEvent:
		m.handleResetBackoff()
	case disconnectRequest:
		ev.reply <- m.handleDisconnect(ev.id)
	case peersRequest:
		ev.reply <- m.peerInfos()
	case candidatesRequest:
		out := make([]Candidate, 0, len(m.candidates))
		for _, c := range m.candidates {
			out = append(out, c)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
		ev.reply <- out
	default:
		slog.Warn("Connection manager ignored unknown event", "type", fmt.Sprintf("%T", ev))
	}
}

// RequestConnect asks the manager to dial a candidate unless it is already
// connected, being dialed or waiting out a backoff.
func (m *Manager) RequestConnect(cand Candidate) {
	if cand.SeenAt.IsZero() {
		cand.SeenAt = time.Now()
	}
	m.post(connectRequest{cand: cand})
}

// AcceptInbound hands over a freshly accepted connection. The connection
// limiter is consulted first; rejected connections are closed immediately.
func (m *Manager) AcceptInbound(conn net.Conn) error {
	if m.connLimiter != nil {
		if err := m.connLimiter.AllowConnection(conn.RemoteAddr()); err != nil {
			m.metrics.ConnectionsRejected.Add(1)
			conn.Close()
			return fmt.Errorf("reject %s: %w", conn.RemoteAddr(), err)
		}
	}
	if !m.post(inboundConn{conn: conn}) {
		m.releaseInbound(conn.RemoteAddr())
		conn.Close()
		return errShutdown
	}
	return nil
}

// Broadcast queues update for every authenticated peer except exclude
func (m *Manager) Broadcast(update *protocol.ClipboardUpdate, exclude protocol.PeerIdentity) {
	m.post(broadcastEvent{update: update, exclude: exclude})
}

// Inbound delivers clipboard updates received from authenticated peers
func (m *Manager) Inbound() <-chan InboundUpdate {
	return m.inbound
}

// ResetBackoff clears every pending backoff and redials known candidates.
// Used after the host wakes from sleep.
func (m *Manager) ResetBackoff() {
	m.post(resetBackoffEvent{})
}

// Disconnect closes the connection to id, if any
func (m *Manager) Disconnect(id protocol.PeerIdentity) bool {
	reply := make(chan bool, 1)
	if !m.post(disconnectRequest{id: id, reply: reply}) {
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-m.done:
		return false
	}
}

// Peers returns a snapshot of every connection, sorted by identity
func (m *Manager) Peers() []PeerInfo {
	reply := make(chan []PeerInfo, 1)
	if !m.post(peersRequest{reply: reply}) {
		return nil
	}
	select {
	case peers := <-reply:
		return peers
	case <-m.done:
		return nil
	}
}

// Candidates returns the known dial candidates
func (m *Manager) Candidates() []Candidate {
	reply := make(chan []Candidate, 1)
	if !m.post(candidatesRequest{reply: reply}) {
		return nil
	}
	select {
	case c := <-reply:
		return c
	case <-m.done:
		return nil
	}
}

// ConnectedCount returns the number of authenticated connections
func (m *Manager) ConnectedCount() int {
	return int(m.connected.Load())
}

// Metrics returns the metrics the manager records into
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

func (m *Manager) emit(eventType string, payload any) {
	if m.onEvent != nil {
		m.onEvent(NewEvent(eventType, payload))
	}
}

func (m *Manager) handleConnect(cand Candidate) {
	if cand.InstanceID != "" && cand.InstanceID == m.cfg.InstanceID {
		return
	}
	key := cand.Key()
	if prev, ok := m.candidates[key]; ok && cand.Identity == nil {
		cand.Identity = prev.Identity
	}
	m.candidates[key] = cand

	if st := m.backoff[key]; st != nil && st.timer != nil {
		return
	}
	if m.candidateBusy(cand) {
		return
	}
	m.dial(cand)
}

// candidateBusy reports whether a connection to cand exists or is in flight
func (m *Manager) candidateBusy(cand Candidate) bool {
	if cand.Identity != nil {
		if _, ok := m.conns[cand.Identity.Key()]; ok {
			return true
		}
	}
	if _, ok := m.dialing[cand.Addr]; ok {
		return true
	}
	return false
}

func (m *Manager) candidateConnected(cand Candidate) bool {
	if cand.Identity == nil {
		return false
	}
	pc, ok := m.conns[cand.Identity.Key()]
	return ok && pc.Phase() == PhaseAuthenticated
}

func (m *Manager) dial(cand Candidate) {
	pc := newPeerConn(m.runCtx, RoleOutbound, cand.Addr, m.cfg.SendQueueSize)
	pc.candKey = cand.Key()
	m.all[pc.id] = pc
	m.dialing[cand.Addr] = pc
	m.metrics.DialAttempts.Add(1)

	slog.Debug("Dialing peer", "addr", cand.Addr, "source", cand.Source)

	m.wg.Add(1)
	go m.runConn(pc)
}

func (m *Manager) handleInbound(conn net.Conn) {
	pc := newPeerConn(m.runCtx, RoleInbound, conn.RemoteAddr().String(), m.cfg.SendQueueSize)
	pc.setConn(conn, m.cfg.MaxFrameSize)
	m.all[pc.id] = pc
	m.metrics.ConnectionsAccepted.Add(1)

	m.wg.Add(1)
	go m.runConn(pc)
}

// handleAdmit runs at Hello time: trust first, then dedup against any
// connection already claimed for the same identity.
func (m *Manager) handleAdmit(pc *PeerConn, hello *protocol.Hello) error {
	if pc.ctx.Err() != nil {
		return errShutdown
	}
	id := hello.Identity

	decision := m.store.Evaluate(id)
	if !decision.Trusted() {
		return protocol.TrustDenied("admit", fmt.Errorf("peer %s: %s", id, decision.Reason))
	}

	key := id.Key()
	if existing, ok := m.conns[key]; ok && existing != pc {
		switch {
		case existing.Phase() == PhaseAuthenticated:
			return errAlreadyConnected
		case pc.role == RoleInbound && existing.role == RoleOutbound:
			slog.Debug("Simultaneous connect, keeping inbound", "peer", id)
			delete(m.conns, key)
			existing.closeWith(errSuperseded)
		default:
			return errDuplicate
		}
	}

	pc.setIdentity(id, hello.InstanceID, decision)
	m.conns[key] = pc
	return nil
}

func (m *Manager) handleAuthenticated(pc *PeerConn) error {
	id := pc.Identity()
	key := id.Key()
	if m.conns[key] != pc || pc.ctx.Err() != nil {
		return errNotRegistered
	}

	prev, known := m.store.Get(id)
	rec, err := m.store.RecordSuccess(id, pc.decision)
	if err != nil {
		slog.Error("Failed to persist trust, dropping peer", "peer", id, "error", err)
		m.metrics.RecordError("trust", err.Error(), id.String())
		return fmt.Errorf("record trust: %w", err)
	}

	if pc.role == RoleOutbound {
		delete(m.dialing, pc.addr)
		if cand, ok := m.candidates[pc.candKey]; ok && cand.Identity == nil {
			learned := id
			cand.Identity = &learned
			m.candidates[pc.candKey] = cand
		}
		m.clearBackoff(pc.candKey)
	} else if m.connLimiter != nil {
		m.connLimiter.RecordSuccess(pc.netConn().RemoteAddr())
	}
	m.clearBackoff(key)

	pc.registered = true
	m.connected.Add(1)
	m.metrics.HandshakesCompleted.Add(1)

	slog.Info("Peer connected",
		"peer", id,
		"role", pc.role,
		"addr", pc.addr,
		"trust", pc.decision.Reason)

	info := pc.Info()
	m.emit(EventPeerConnected, info)
	if rec.Trusted && (!known || !prev.Trusted) {
		m.emit(EventPeerTrusted, map[string]string{
			"name":   id.Name,
			"group":  id.Group,
			"reason": pc.decision.Reason,
		})
	}
	return nil
}

func (m *Manager) handleClosed(pc *PeerConn) {
	if _, ok := m.all[pc.id]; !ok {
		return
	}
	delete(m.all, pc.id)
	if m.dialing[pc.addr] == pc {
		delete(m.dialing, pc.addr)
	}

	id := pc.Identity()
	err := pc.Err()
	registered := pc.registered

	if !id.IsZero() && m.conns[id.Key()] == pc {
		delete(m.conns, id.Key())
	}

	if pc.role == RoleInbound {
		if conn := pc.netConn(); conn != nil {
			m.releaseInbound(conn.RemoteAddr())
			if kind := protocol.KindOf(err); !registered && kind == protocol.KindAuthFailure && m.connLimiter != nil {
				m.connLimiter.RecordFailure(conn.RemoteAddr())
			}
		}
	}

	final := PhaseFailed
	if registered || isDeliberateClose(err) {
		final = PhaseClosed
	}
	pc.setPhase(final)

	if registered {
		m.connected.Add(-1)
		if serr := m.store.RecordSeen(id); serr != nil && !errors.Is(serr, trust.ErrNotFound) {
			slog.Warn("Failed to update last connected time", "peer", id, "error", serr)
		}
		if protocol.KindOf(err) == protocol.KindProtocolViolation {
			m.metrics.ProtocolViolations.Add(1)
			m.metrics.RecordError(protocol.KindProtocolViolation.String(), err.Error(), id.String())
			slog.Warn("Peer violated protocol", "addr", pc.addr, "peer", id, "error", err)
		}
		slog.Info("Peer disconnected", "peer", id, "reason", err)
		m.emit(EventPeerDisconnected, pc.Info())
	} else {
		m.recordFailure(pc, err)
	}

	if m.shouldRedial(pc, err) {
		m.scheduleRedial(pc.candKey)
	}
}

func (m *Manager) recordFailure(pc *PeerConn, err error) {
	if isDeliberateClose(err) {
		slog.Debug("Connection closed", "addr", pc.addr, "role", pc.role, "reason", err)
		return
	}

	peer := pc.Identity().String()
	kind := protocol.KindOf(err)
	rejected := true
	switch kind {
	case protocol.KindAuthFailure:
		m.metrics.AuthFailures.Add(1)
		slog.Warn("Peer authentication failed", "addr", pc.addr, "peer", peer, "error", err)
	case protocol.KindTrustDenied:
		m.metrics.TrustDenials.Add(1)
		slog.Info("Peer not trusted", "addr", pc.addr, "peer", peer, "error", err)
	case protocol.KindProtocolViolation:
		m.metrics.ProtocolViolations.Add(1)
		slog.Warn("Peer violated protocol", "addr", pc.addr, "peer", peer, "error", err)
	default:
		rejected = false
		slog.Debug("Connection failed", "addr", pc.addr, "role", pc.role, "error", err)
	}
	m.metrics.HandshakeFailures.Add(1)
	m.metrics.RecordError(kind.String(), err.Error(), peer)

	if rejected {
		m.emit(EventPeerRejected, PeerRejection{
			Addr:  pc.addr,
			Peer:  peer,
			Kind:  kind.String(),
			Error: err.Error(),
		})
	}
}

// shouldRedial decides whether a closed outbound connection is retried.
// Losers of a simultaneous dial are retried because the surviving attempt
// may still fail; the redial is skipped if it authenticates in the meantime.
func (m *Manager) shouldRedial(pc *PeerConn, err error) bool {
	if pc.role != RoleOutbound || m.runCtx.Err() != nil {
		return false
	}
	if _, ok := m.candidates[pc.candKey]; !ok {
		return false
	}
	switch {
	case errors.Is(err, errDuplicate), errors.Is(err, errSuperseded):
		return true
	case isDeliberateClose(err):
		return false
	case errors.Is(err, protocol.ErrHandshakeTimeout):
		return true
	}
	return protocol.KindOf(err) == protocol.KindTransport
}

func (m *Manager) scheduleRedial(key string) {
	st := m.backoff[key]
	if st == nil {
		st = &redialState{}
		m.backoff[key] = st
	}
	if st.timer != nil {
		return
	}
	if max := m.cfg.Reconnect.MaxAttempts; max > 0 && st.attempts >= max {
		slog.Warn("Giving up on peer", "candidate", key, "attempts", st.attempts)
		delete(m.backoff, key)
		return
	}

	delay := m.jitter(backoffDelay(m.cfg.Reconnect, st.attempts))
	st.attempts++
	st.timer = time.AfterFunc(delay, func() {
		m.post(redialEvent{key: key})
	})
	slog.Debug("Scheduled redial", "candidate", key, "attempt", st.attempts, "delay", delay.Round(time.Millisecond))
}

func (m *Manager) clearBackoff(key string) {
	if st, ok := m.backoff[key]; ok {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(m.backoff, key)
	}
}

func (m *Manager) handleRedial(key string) {
	st := m.backoff[key]
	if st == nil {
		return
	}
	st.timer = nil

	cand, ok := m.candidates[key]
	if !ok {
		delete(m.backoff, key)
		return
	}
	if cand.Source == SourceMDNS && time.Since(cand.SeenAt) > m.cfg.CandidateTTL {
		slog.Debug("Dropping stale candidate", "candidate", key)
		delete(m.candidates, key)
		delete(m.backoff, key)
		return
	}

	switch {
	case m.candidateConnected(cand):
		delete(m.backoff, key)
	case m.candidateBusy(cand):
		m.scheduleRedial(key)
	default:
		m.metrics.Reconnects.Add(1)
		m.dial(cand)
	}
}

func (m *Manager) handleResetBackoff() {
	for key := range m.backoff {
		m.clearBackoff(key)
	}
	for _, cand := range m.candidates {
		if !m.candidateBusy(cand) {
			m.dial(cand)
		}
	}
}

func (m *Manager) handleBroadcast(update *protocol.ClipboardUpdate, exclude protocol.PeerIdentity) {
	excludeKey := ""
	if !exclude.IsZero() {
		excludeKey = exclude.Key()
	}

	for key, pc := range m.conns {
		if key == excludeKey || pc.Phase() != PhaseAuthenticated {
			continue
		}
		if !pc.enqueue(update) {
			m.metrics.QueueFullDrops.Add(1)
			slog.Warn("Peer send queue full, dropping peer", "peer", pc.Identity())
			pc.closeWith(errQueueFull)
		}
	}
}

func (m *Manager) handleDisconnect(id protocol.PeerIdentity) bool {
	pc, ok := m.conns[id.Key()]
	if !ok {
		return false
	}
	pc.closeWith(errDisconnected)
	return true
}

func (m *Manager) peerInfos() []PeerInfo {
	out := make([]PeerInfo, 0, len(m.all))
	for _, pc := range m.all {
		out = append(out, pc.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group+"/"+out[i].Name != out[j].Group+"/"+out[j].Name {
			return out[i].Group+"/"+out[i].Name < out[j].Group+"/"+out[j].Name
		}
		return out[i].Addr < out[j].Addr
	})
	return out
}

func (m *Manager) releaseInbound(addr net.Addr) {
	if m.connLimiter != nil {
		m.connLimiter.ReleaseConnection(addr)
	}
}

// runConn drives one connection from dial to close. It is the only
// goroutine that changes pc's phase before the manager finalizes it.
func (m *Manager) runConn(pc *PeerConn) {
	defer m.wg.Done()

	err := m.establish(pc)
	if err == nil {
		err = m.serve(pc)
	}
	pc.closeWith(err)

	// Run may already be gone; its shutdown has closed everything.
	m.post(closedEvent{pc: pc})
}

func (m *Manager) establish(pc *PeerConn) error {
	if pc.role == RoleOutbound {
		conn, err := m.dialer.Dial(pc.ctx, pc.addr)
		if err != nil {
			return err
		}
		pc.setConn(conn, m.cfg.MaxFrameSize)
	}
	if err := pc.setPhase(PhaseAuthenticating); err != nil {
		return err
	}

	started := time.Now()
	_, err := protocol.PerformHandshake(pc.ctx, pc.netConn(), protocol.HandshakeConfig{
		Identity:   m.cfg.Identity,
		InstanceID: m.cfg.InstanceID,
		PSK:        m.cfg.PSK,
		Timeout:    m.cfg.HandshakeTimeout,
		Initiator:  pc.role == RoleOutbound,
		Admit: func(hello *protocol.Hello) error {
			return m.admit(pc, hello)
		},
	})
	if err != nil {
		return err
	}
	m.metrics.RecordHandshakeLatency(time.Since(started))

	if err := pc.setPhase(PhaseAuthenticated); err != nil {
		return err
	}

	reply := make(chan error, 1)
	if !m.post(authenticatedEvent{pc: pc, reply: reply}) {
		return errShutdown
	}
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return errShutdown
	}
}

func (m *Manager) admit(pc *PeerConn, hello *protocol.Hello) error {
	reply := make(chan error, 1)
	if !m.post(admitRequest{pc: pc, hello: hello, reply: reply}) {
		return errShutdown
	}
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return errShutdown
	}
}

// serve runs the write loop in the background and the read loop inline.
// It returns when either side fails.
func (m *Manager) serve(pc *PeerConn) error {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.writeLoop(pc); err != nil {
			pc.closeWith(err)
		}
	}()

	return m.readLoop(pc)
}

func (m *Manager) writeLoop(pc *PeerConn) error {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pc.ctx.Done():
			return nil
		case msg := <-pc.sendCh:
			if err := m.writeMessage(pc, msg); err != nil {
				return err
			}
		case <-ticker.C:
			if err := m.writeMessage(pc, &protocol.Heartbeat{}); err != nil {
				return err
			}
		}
	}
}

func (m *Manager) writeMessage(pc *PeerConn, msg protocol.Message) error {
	body, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	pc.netConn().SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := pc.frames().WriteFrame(body); err != nil {
		return err
	}

	pc.bytesOut.Add(int64(len(body)))
	if msg.Type() == protocol.MsgClipboardUpdate {
		pc.updatesOut.Add(1)
	}
	m.metrics.RecordMessageSent(msg.Type().String(), len(body))
	return nil
}

func (m *Manager) readLoop(pc *PeerConn) error {
	conn := pc.netConn()
	framer := pc.frames()
	id := pc.Identity()
	silence := m.cfg.HeartbeatInterval * heartbeatMisses

	for {
		conn.SetReadDeadline(time.Now().Add(silence))
		body, err := framer.ReadFrame()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return protocol.TransportError("heartbeat", ErrPeerSilent)
			}
			return err
		}
		pc.touch()
		pc.bytesIn.Add(int64(len(body)))

		msg, err := protocol.Decode(body)
		if err != nil {
			return err
		}
		m.metrics.RecordMessageReceived(msg.Type().String(), len(body))

		switch msg := msg.(type) {
		case *protocol.Heartbeat:
			if !pc.enqueue(&protocol.HeartbeatAck{}) {
				return errQueueFull
			}
		case *protocol.HeartbeatAck:
		case *protocol.ClipboardUpdate:
			if m.updates != nil && !m.updates.Allow(id.Key(), len(msg.Content)) {
				m.metrics.RateLimitDrops.Add(1)
				slog.Debug("Dropped clipboard update over rate limit", "peer", id)
				continue
			}
			pc.updatesIn.Add(1)
			select {
			case m.inbound <- InboundUpdate{From: id, Update: msg}:
			case <-pc.ctx.Done():
				return pc.ctx.Err()
			}
		default:
			return protocol.Violation("read", fmt.Errorf("%w: %s after authentication", protocol.ErrUnexpectedType, msg.Type()))
		}
	}
}
