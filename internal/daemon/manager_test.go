package daemon

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"clipmesh.dev/go/clipmesh/internal/protocol"
	"clipmesh.dev/go/clipmesh/internal/testutil"
	"clipmesh.dev/go/clipmesh/internal/trust"
)

const testGroup = "home"

type testPeer struct {
	id        protocol.PeerIdentity
	manager   *Manager
	transport *protocol.TCPTransport
	store     *trust.Store
}

func (p *testPeer) addr() string {
	return p.transport.Addr().String()
}

func (p *testPeer) candidate() Candidate {
	id := p.id
	return Candidate{Addr: p.addr(), Identity: &id, InstanceID: "instance-" + id.Name, Source: SourceMDNS}
}

func testManagerConfig(name, psk string) ManagerConfig {
	return ManagerConfig{
		Identity:          protocol.PeerIdentity{Name: name, Group: testGroup},
		InstanceID:        "instance-" + name,
		PSK:               []byte(psk),
		HandshakeTimeout:  2 * time.Second,
		HeartbeatInterval: time.Second,
		Reconnect:         BackoffConfig{Initial: 20 * time.Millisecond, Max: 200 * time.Millisecond},
	}
}

// startPeer runs a manager with a loopback listener until the test ends
func startPeer(t *testing.T, cfg ManagerConfig, policy trust.Policy, opts ...ManagerOption) *testPeer {
	t.Helper()

	store, err := trust.Open(filepath.Join(t.TempDir(), "trusted.toml"), trust.Options{Policy: policy})
	if err != nil {
		t.Fatalf("open trust store: %v", err)
	}
	transport, err := protocol.NewTCPTransport("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	m := NewManager(cfg, store, transport, opts...)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	go func() {
		for {
			conn, err := transport.Accept(ctx)
			if err != nil {
				return
			}
			m.AcceptInbound(conn)
		}
	}()

	t.Cleanup(func() {
		cancel()
		transport.Close()
		<-done
	})

	return &testPeer{id: cfg.Identity, manager: m, transport: transport, store: store}
}

func authenticatedPeers(m *Manager) []PeerInfo {
	var out []PeerInfo
	for _, p := range m.Peers() {
		if p.Phase == PhaseAuthenticated.String() {
			out = append(out, p)
		}
	}
	return out
}

func TestManagerConnectAndExchange(t *testing.T) {
	x := startPeer(t, testManagerConfig("x", "secret"), trust.PolicyTOFU)
	y := startPeer(t, testManagerConfig("y", "secret"), trust.PolicyTOFU)

	x.manager.RequestConnect(Candidate{Addr: y.addr(), Source: SourceManual})

	testutil.WaitFor(t, 5*time.Second, func() bool {
		return x.manager.ConnectedCount() == 1 && y.manager.ConnectedCount() == 1
	}, "x and y to connect")

	if !y.store.IsTrusted(x.id) {
		t.Error("y should trust x on first use")
	}
	if !x.store.IsTrusted(y.id) {
		t.Error("x should trust y on first use")
	}

	update := protocol.NewClipboardUpdate([]byte("hello from x"))
	x.manager.Broadcast(update, protocol.PeerIdentity{})

	select {
	case in := <-y.manager.Inbound():
		if in.From != x.id {
			t.Errorf("From: got %v, want %v", in.From, x.id)
		}
		if string(in.Update.Content) != "hello from x" {
			t.Errorf("Content: got %q", in.Update.Content)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("y did not receive the update")
	}

	// The manual candidate learned its identity from the handshake.
	cands := x.manager.Candidates()
	if len(cands) != 1 || cands[0].Identity == nil || *cands[0].Identity != y.id {
		t.Errorf("Expected candidate identity to be learned, got %+v", cands)
	}
}

func TestManagerWrongPSKNeverConnects(t *testing.T) {
	x := startPeer(t, testManagerConfig("x", "secret"), trust.PolicyTOFU)
	y := startPeer(t, testManagerConfig("y", "other-secret"), trust.PolicyTOFU)

	x.manager.RequestConnect(y.candidate())

	testutil.WaitFor(t, 5*time.Second, func() bool {
		return y.manager.Metrics().AuthFailures.Load() >= 1
	}, "y to reject x's proof")

	if x.manager.ConnectedCount() != 0 || y.manager.ConnectedCount() != 0 {
		t.Error("Peers with different keys must not connect")
	}
	if _, ok := y.store.Get(x.id); ok {
		t.Error("A failed handshake must not create a trust record")
	}
}

func TestManagerPairingWindowAdmitsUnknownPeer(t *testing.T) {
	x := startPeer(t, testManagerConfig("x", "secret"), trust.PolicyTOFU)
	y := startPeer(t, testManagerConfig("y", "secret"), trust.PolicyPairingOnly)

	x.manager.RequestConnect(y.candidate())

	testutil.WaitFor(t, 5*time.Second, func() bool {
		return y.manager.Metrics().TrustDenials.Load() >= 1
	}, "y to deny unknown x")
	if y.manager.ConnectedCount() != 0 {
		t.Fatal("y must not accept x without pairing")
	}

	y.store.Pairing().Open(time.Now(), time.Minute)

	// x keeps redialing after the refusal; the next attempt is admitted.
	testutil.WaitFor(t, 5*time.Second, func() bool {
		return y.manager.ConnectedCount() == 1
	}, "x to connect once pairing is open")

	rec, ok := y.store.Get(x.id)
	if !ok || !rec.Trusted {
		t.Fatalf("x should be trusted after pairing, got %+v", rec)
	}

	y.store.Pairing().Close()
	if !y.store.IsTrusted(x.id) {
		t.Error("Trust granted during pairing must outlive the window")
	}
}

func TestManagerSimultaneousDialConverges(t *testing.T) {
	x := startPeer(t, testManagerConfig("x", "secret"), trust.PolicyTOFU)
	y := startPeer(t, testManagerConfig("y", "secret"), trust.PolicyTOFU)

	x.manager.RequestConnect(y.candidate())
	y.manager.RequestConnect(x.candidate())

	testutil.WaitFor(t, 10*time.Second, func() bool {
		return len(authenticatedPeers(x.manager)) == 1 && len(authenticatedPeers(y.manager)) == 1
	}, "exactly one connection between x and y")

	// Give any pending redial time to fire; it must not add a second link.
	time.Sleep(300 * time.Millisecond)
	if n := len(authenticatedPeers(x.manager)); n != 1 {
		t.Errorf("x has %d authenticated connections, want 1", n)
	}
	if n := x.manager.ConnectedCount(); n != 1 {
		t.Errorf("x ConnectedCount: got %d, want 1", n)
	}
}

func TestManagerRedialsAfterDisconnect(t *testing.T) {
	x := startPeer(t, testManagerConfig("x", "secret"), trust.PolicyTOFU)
	y := startPeer(t, testManagerConfig("y", "secret"), trust.PolicyTOFU)

	x.manager.RequestConnect(y.candidate())
	testutil.WaitFor(t, 5*time.Second, func() bool {
		return y.manager.ConnectedCount() == 1
	}, "connect")

	if !y.manager.Disconnect(x.id) {
		t.Fatal("Disconnect should find x")
	}
	if y.manager.Disconnect(protocol.PeerIdentity{Name: "nobody", Group: testGroup}) {
		t.Error("Disconnect of an unknown peer should report false")
	}

	// x sees a transport failure and redials.
	testutil.WaitFor(t, 5*time.Second, func() bool {
		return x.manager.Metrics().Reconnects.Load() >= 1 && y.manager.ConnectedCount() == 1
	}, "x to redial")
}

// rawPeer completes a handshake against p and returns the open connection
func rawPeer(t *testing.T, p *testPeer, name, psk string) (net.Conn, *protocol.Framer) {
	t.Helper()

	conn, err := net.Dial("tcp", p.addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	_, err = protocol.PerformHandshake(context.Background(), conn, protocol.HandshakeConfig{
		Identity:   protocol.PeerIdentity{Name: name, Group: testGroup},
		InstanceID: "raw-" + name,
		PSK:        []byte(psk),
		Initiator:  true,
	})
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	return conn, protocol.NewFramer(conn, conn)
}

func TestManagerDeliversInboundUpdate(t *testing.T) {
	m := startPeer(t, testManagerConfig("m", "secret"), trust.PolicyTOFU)
	_, framer := rawPeer(t, m, "raw", "secret")

	if err := framer.WriteMessage(protocol.NewClipboardUpdate([]byte("from raw"))); err != nil {
		t.Fatalf("write update: %v", err)
	}

	select {
	case in := <-m.manager.Inbound():
		if in.From.Name != "raw" || string(in.Update.Content) != "from raw" {
			t.Errorf("Unexpected update %+v from %v", in.Update, in.From)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("No inbound update")
	}
}

func TestManagerAnswersHeartbeat(t *testing.T) {
	m := startPeer(t, testManagerConfig("m", "secret"), trust.PolicyTOFU)
	conn, framer := rawPeer(t, m, "raw", "secret")

	if err := framer.WriteMessage(&protocol.Heartbeat{}); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		msg, err := framer.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Type() == protocol.MsgHeartbeatAck {
			return
		}
	}
}

func TestManagerClosesOnControlMessageAfterAuth(t *testing.T) {
	m := startPeer(t, testManagerConfig("m", "secret"), trust.PolicyTOFU)
	_, framer := rawPeer(t, m, "raw", "secret")

	hello := &protocol.Hello{
		Identity: protocol.PeerIdentity{Name: "raw", Group: testGroup},
		Version:  protocol.ProtocolVersion,
	}
	if err := framer.WriteMessage(hello); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	testutil.WaitFor(t, 5*time.Second, func() bool {
		return m.manager.Metrics().ProtocolViolations.Load() == 1
	}, "violation to be recorded")
	testutil.WaitFor(t, 5*time.Second, func() bool {
		return m.manager.ConnectedCount() == 0
	}, "connection to close")
}

func TestManagerDropsSilentPeer(t *testing.T) {
	cfg := testManagerConfig("m", "secret")
	cfg.HeartbeatInterval = 50 * time.Millisecond
	m := startPeer(t, cfg, trust.PolicyTOFU)

	// Never reads or writes after the handshake.
	rawPeer(t, m, "raw", "secret")

	testutil.WaitFor(t, 5*time.Second, func() bool {
		return m.manager.Metrics().HandshakesCompleted.Load() == 1 && m.manager.ConnectedCount() == 0
	}, "silent peer to be dropped")

	if len(m.manager.Peers()) != 0 {
		t.Errorf("Expected no connections left, got %+v", m.manager.Peers())
	}
}

func TestManagerUpdateRateLimit(t *testing.T) {
	limiter := NewUpdateLimiter(&UpdateLimitConfig{
		UpdatesPerSecond:       0.001,
		Burst:                  1,
		GlobalUpdatesPerSecond: 100,
		GlobalBurst:            100,
	})
	m := startPeer(t, testManagerConfig("m", "secret"), trust.PolicyTOFU, WithUpdateLimiter(limiter))
	_, framer := rawPeer(t, m, "raw", "secret")

	for _, s := range []string{"one", "two", "three"} {
		if err := framer.WriteMessage(protocol.NewClipboardUpdate([]byte(s))); err != nil {
			t.Fatalf("write update: %v", err)
		}
	}

	select {
	case in := <-m.manager.Inbound():
		if string(in.Update.Content) != "one" {
			t.Errorf("First update: got %q, want one", in.Update.Content)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("No inbound update")
	}

	testutil.WaitFor(t, 5*time.Second, func() bool {
		return m.manager.Metrics().RateLimitDrops.Load() == 2
	}, "two updates to be dropped")
}

func TestManagerTrustWriteFailureKeepsCountsConsistent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trusted.toml")
	store, err := trust.Open(path, trust.Options{Policy: trust.PolicyTOFU})
	if err != nil {
		t.Fatalf("open trust store: %v", err)
	}
	// The atomic rewrite cannot create its temp file.
	if err := os.Mkdir(path+".tmp", 0700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	transport, err := protocol.NewTCPTransport("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	var mu sync.Mutex
	var events []string
	sink := func(ev *Event) {
		mu.Lock()
		events = append(events, ev.Event)
		mu.Unlock()
	}

	cfg := testManagerConfig("m", "secret")
	m := NewManager(cfg, store, transport, WithEventSink(sink))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	go func() {
		for {
			conn, err := transport.Accept(ctx)
			if err != nil {
				return
			}
			m.AcceptInbound(conn)
		}
	}()
	t.Cleanup(func() {
		cancel()
		transport.Close()
		<-done
	})

	p := &testPeer{id: cfg.Identity, manager: m, transport: transport, store: store}
	rawPeer(t, p, "raw", "secret")

	testutil.WaitFor(t, 5*time.Second, func() bool {
		return m.Metrics().HandshakeFailures.Load() == 1 && len(m.Peers()) == 0
	}, "unpersisted peer to be dropped")

	if n := m.ConnectedCount(); n != 0 {
		t.Errorf("ConnectedCount: got %d, want 0", n)
	}
	if n := m.Metrics().HandshakesCompleted.Load(); n != 0 {
		t.Errorf("HandshakesCompleted: got %d, want 0", n)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, ev := range events {
		if ev == EventPeerConnected || ev == EventPeerDisconnected {
			t.Errorf("Unexpected %s event for a peer that was never registered", ev)
		}
	}
}

// newIdleManager builds a manager whose handlers are called directly
func newIdleManager(t *testing.T) *Manager {
	t.Helper()

	store, err := trust.Open(filepath.Join(t.TempDir(), "trusted.toml"), trust.Options{Policy: trust.PolicyTOFU})
	if err != nil {
		t.Fatalf("open trust store: %v", err)
	}
	m := NewManager(testManagerConfig("self", "secret"), store, nil)
	m.runCtx = context.Background()
	return m
}

func authenticatingConn(t *testing.T, role Role, queue int) *PeerConn {
	t.Helper()

	pc := newPeerConn(context.Background(), role, "127.0.0.1:1", queue)
	if err := pc.setPhase(PhaseAuthenticating); err != nil {
		t.Fatalf("setPhase: %v", err)
	}
	return pc
}

func authenticatedConn(t *testing.T, id protocol.PeerIdentity, queue int) *PeerConn {
	t.Helper()

	pc := authenticatingConn(t, RoleOutbound, queue)
	pc.setIdentity(id, "", trust.Decision{Verdict: trust.Trust, Reason: "known"})
	if err := pc.setPhase(PhaseAuthenticated); err != nil {
		t.Fatalf("setPhase: %v", err)
	}
	return pc
}

func TestHandleAdmitDedup(t *testing.T) {
	peer := protocol.PeerIdentity{Name: "peer", Group: testGroup}
	hello := &protocol.Hello{Identity: peer, Version: protocol.ProtocolVersion}

	tests := []struct {
		name         string
		existingRole Role
		existingAuth bool
		newRole      Role
		wantErr      error
		wantExisting error
	}{
		{"authenticated wins", RoleOutbound, true, RoleInbound, errAlreadyConnected, nil},
		{"inbound supersedes outbound", RoleOutbound, false, RoleInbound, nil, errSuperseded},
		{"outbound refused while inbound in flight", RoleInbound, false, RoleOutbound, errDuplicate, nil},
		{"second outbound refused", RoleOutbound, false, RoleOutbound, errDuplicate, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newIdleManager(t)

			var existing *PeerConn
			if tt.existingAuth {
				existing = authenticatedConn(t, peer, 1)
			} else {
				existing = authenticatingConn(t, tt.existingRole, 1)
				existing.setIdentity(peer, "", trust.Decision{Verdict: trust.Trust})
			}
			m.conns[peer.Key()] = existing

			pc := authenticatingConn(t, tt.newRole, 1)
			err := m.handleAdmit(pc, hello)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("handleAdmit: got %v, want %v", err, tt.wantErr)
			}
			if !errors.Is(existing.Err(), tt.wantExisting) {
				t.Errorf("Existing connection: got %v, want %v", existing.Err(), tt.wantExisting)
			}

			want := existing
			if tt.wantErr == nil {
				want = pc
			}
			if m.conns[peer.Key()] != want {
				t.Error("Wrong connection registered for the identity")
			}
		})
	}
}

func TestHandleAdmitTrustDenied(t *testing.T) {
	store, err := trust.Open(filepath.Join(t.TempDir(), "trusted.toml"), trust.Options{
		Policy:    trust.PolicyTOFU,
		BlockList: []string{"mallory"},
	})
	if err != nil {
		t.Fatalf("open trust store: %v", err)
	}
	m := NewManager(testManagerConfig("self", "secret"), store, nil)

	pc := authenticatingConn(t, RoleInbound, 1)
	hello := &protocol.Hello{Identity: protocol.PeerIdentity{Name: "mallory", Group: testGroup}}

	err = m.handleAdmit(pc, hello)
	if protocol.KindOf(err) != protocol.KindTrustDenied {
		t.Fatalf("Expected trust denial, got %v", err)
	}
	if len(m.conns) != 0 {
		t.Error("A denied peer must not be registered")
	}
}

func TestHandleBroadcast(t *testing.T) {
	m := newIdleManager(t)

	a := protocol.PeerIdentity{Name: "a", Group: testGroup}
	b := protocol.PeerIdentity{Name: "b", Group: testGroup}
	pa := authenticatedConn(t, a, 4)
	pb := authenticatedConn(t, b, 4)
	m.conns[a.Key()] = pa
	m.conns[b.Key()] = pb

	pending := protocol.PeerIdentity{Name: "c", Group: testGroup}
	pc := authenticatingConn(t, RoleInbound, 4)
	m.conns[pending.Key()] = pc

	m.handleBroadcast(protocol.NewClipboardUpdate([]byte("x")), a)

	if len(pa.sendCh) != 0 {
		t.Error("Excluded peer must not receive the update")
	}
	if len(pb.sendCh) != 1 {
		t.Errorf("b: got %d queued, want 1", len(pb.sendCh))
	}
	if len(pc.sendCh) != 0 {
		t.Error("Unauthenticated connection must not receive updates")
	}

	m.handleBroadcast(protocol.NewClipboardUpdate([]byte("y")), protocol.PeerIdentity{})
	if len(pa.sendCh) != 1 || len(pb.sendCh) != 2 {
		t.Errorf("Zero exclude should reach everyone: a=%d b=%d", len(pa.sendCh), len(pb.sendCh))
	}
}

func TestHandleBroadcastQueueFull(t *testing.T) {
	m := newIdleManager(t)

	a := protocol.PeerIdentity{Name: "a", Group: testGroup}
	pa := authenticatedConn(t, a, 1)
	m.conns[a.Key()] = pa

	m.handleBroadcast(protocol.NewClipboardUpdate([]byte("1")), protocol.PeerIdentity{})
	if pa.Err() != nil {
		t.Fatalf("First update should fit: %v", pa.Err())
	}

	m.handleBroadcast(protocol.NewClipboardUpdate([]byte("2")), protocol.PeerIdentity{})
	if !errors.Is(pa.Err(), errQueueFull) {
		t.Errorf("Expected queue full close, got %v", pa.Err())
	}
	if m.metrics.QueueFullDrops.Load() != 1 {
		t.Errorf("QueueFullDrops: got %d, want 1", m.metrics.QueueFullDrops.Load())
	}
	if pa.ctx.Err() == nil {
		t.Error("Connection context should be cancelled")
	}
}

func TestShouldRedial(t *testing.T) {
	tests := []struct {
		name string
		role Role
		err  error
		want bool
	}{
		{"transport", RoleOutbound, protocol.TransportError("read", errors.New("reset")), true},
		{"handshake timeout", RoleOutbound, protocol.AuthFailure("handshake", protocol.ErrHandshakeTimeout), true},
		{"lost simultaneous dial", RoleOutbound, errDuplicate, true},
		{"superseded", RoleOutbound, errSuperseded, true},
		{"bad proof", RoleOutbound, protocol.AuthFailure("verify proof", protocol.ErrAuthFailed), false},
		{"trust denied", RoleOutbound, protocol.TrustDenied("hello", errors.New("blocked")), false},
		{"violation", RoleOutbound, protocol.Violation("read", protocol.ErrUnexpectedType), false},
		{"disconnected", RoleOutbound, errDisconnected, false},
		{"already connected", RoleOutbound, errAlreadyConnected, false},
		{"inbound", RoleInbound, protocol.TransportError("read", errors.New("reset")), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newIdleManager(t)
			pc := newPeerConn(context.Background(), tt.role, "10.0.0.2:34254", 1)
			pc.candKey = "addr:10.0.0.2:34254"
			m.candidates[pc.candKey] = Candidate{Addr: pc.addr, Source: SourceManual}

			if got := m.shouldRedial(pc, tt.err); got != tt.want {
				t.Errorf("shouldRedial(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestShouldRedialForgottenCandidate(t *testing.T) {
	m := newIdleManager(t)
	pc := newPeerConn(context.Background(), RoleOutbound, "10.0.0.2:34254", 1)
	pc.candKey = "addr:10.0.0.2:34254"

	if m.shouldRedial(pc, protocol.TransportError("read", errors.New("reset"))) {
		t.Error("A connection without a candidate must not be redialed")
	}
}

func TestBackoffDelay(t *testing.T) {
	cfg := BackoffConfig{Initial: time.Second, Max: 10 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{50, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := backoffDelay(cfg, tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestJitterBounds(t *testing.T) {
	d := time.Second
	for i := 0; i < 100; i++ {
		got := jitter(d)
		if got < 900*time.Millisecond || got > 1100*time.Millisecond {
			t.Fatalf("jitter(%v) = %v, outside ±10%%", d, got)
		}
	}
}

func TestScheduleRedialGivesUp(t *testing.T) {
	m := newIdleManager(t)
	m.cfg.Reconnect.MaxAttempts = 2
	m.jitter = func(d time.Duration) time.Duration { return time.Hour }

	key := "addr:10.0.0.2:34254"
	for i := 0; i < 2; i++ {
		m.scheduleRedial(key)
		st := m.backoff[key]
		if st == nil || st.timer == nil {
			t.Fatalf("Attempt %d should be scheduled", i+1)
		}
		st.timer.Stop()
		st.timer = nil
	}

	m.scheduleRedial(key)
	if _, ok := m.backoff[key]; ok {
		t.Error("Backoff state should be dropped after max attempts")
	}
}

func TestCandidateKey(t *testing.T) {
	id := protocol.PeerIdentity{Name: "y", Group: testGroup}

	if got := (Candidate{Addr: "10.0.0.2:34254", Source: SourceManual, Identity: &id}).Key(); got != "addr:10.0.0.2:34254" {
		t.Errorf("Manual candidate key: got %q", got)
	}
	if got := (Candidate{Addr: "10.0.0.2:34254", Source: SourceMDNS, Identity: &id}).Key(); got != "home/y" {
		t.Errorf("mDNS candidate key: got %q", got)
	}
}
