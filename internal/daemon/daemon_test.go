package daemon

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"

	"clipmesh.dev/go/clipmesh/internal/audit"
	"clipmesh.dev/go/clipmesh/internal/clipboard"
	"clipmesh.dev/go/clipmesh/internal/protocol"
	"clipmesh.dev/go/clipmesh/internal/testutil"
)

func startDaemon(t *testing.T, node *testutil.TestNode) (*Daemon, *clipboard.Memory) {
	t.Helper()

	clip := clipboard.NewMemory()
	d, err := New(&Options{
		Config:    node.Config,
		Paths:     node.Paths,
		Version:   "test",
		Clipboard: clip,
	})
	if err != nil {
		t.Fatalf("New(%s): %v", node.Name, err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start(%s): %v", node.Name, err)
	}
	t.Cleanup(func() { d.Stop() })
	return d, clip
}

func peerAddr(d *Daemon) string {
	return fmt.Sprintf("127.0.0.1:%d", d.ListenPort())
}

func TestDaemonSyncsClipboard(t *testing.T) {
	nodeA := testutil.NewTestNode(t, "desktop", "home")
	nodeB := testutil.NewTestNode(t, "laptop", "home")
	nodeA.SetPSK(t, "correct horse battery staple")
	nodeB.SetPSK(t, "correct horse battery staple")

	a, clipA := startDaemon(t, nodeA)
	b, clipB := startDaemon(t, nodeB)

	if err := a.AddPeer(peerAddr(b)); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	testutil.WaitFor(t, 5*time.Second, func() bool {
		return a.Status().PeerCount == 1 && b.Status().PeerCount == 1
	}, "daemons to connect")

	clipA.Set("copied on desktop")
	testutil.WaitFor(t, 5*time.Second, func() bool {
		return clipB.String() == "copied on desktop"
	}, "laptop clipboard to update")

	clipB.Set("copied on laptop")
	testutil.WaitFor(t, 5*time.Second, func() bool {
		return clipA.String() == "copied on laptop"
	}, "desktop clipboard to update")

	// Each side wrote exactly once; applied values are not echoed back.
	time.Sleep(100 * time.Millisecond)
	if clipA.Writes() != 1 || clipB.Writes() != 1 {
		t.Errorf("Writes: desktop=%d laptop=%d, want 1 each", clipA.Writes(), clipB.Writes())
	}

	st := b.Status()
	if st.Clipboard == nil || st.Clipboard.Origin != OriginLocal {
		t.Errorf("Laptop clipboard entry: %+v", st.Clipboard)
	}
	if len(st.Trusted) != 1 || st.Trusted[0].Identity.Name != "desktop" {
		t.Errorf("Laptop trust records: %+v", st.Trusted)
	}
}

func TestDaemonRejectsWrongPSK(t *testing.T) {
	nodeA := testutil.NewTestNode(t, "desktop", "home")
	nodeB := testutil.NewTestNode(t, "laptop", "home")
	nodeA.SetPSK(t, "one secret")
	nodeB.SetPSK(t, "another secret")

	a, clipA := startDaemon(t, nodeA)
	b, clipB := startDaemon(t, nodeB)

	a.AddPeer(peerAddr(b))
	testutil.WaitFor(t, 5*time.Second, func() bool {
		return b.Metrics().AuthFailures.Load() >= 1
	}, "laptop to reject the desktop")

	clipA.Set("secret")
	time.Sleep(200 * time.Millisecond)
	if clipB.String() != "" {
		t.Errorf("Content crossed an unauthenticated link: %q", clipB.String())
	}
	if len(b.TrustStore().List()) != 0 {
		t.Error("Failed handshake created a trust record")
	}
}

func TestDaemonPairingOnly(t *testing.T) {
	nodeA := testutil.NewTestNode(t, "desktop", "home")
	nodeB := testutil.NewTestNode(t, "laptop", "home")
	nodeA.SetPSK(t, "shared")
	nodeB.SetPSK(t, "shared")
	nodeB.Config.Security.TrustPolicy = "pairing-only"

	a, _ := startDaemon(t, nodeA)
	b, _ := startDaemon(t, nodeB)

	a.AddPeer(peerAddr(b))
	testutil.WaitFor(t, 5*time.Second, func() bool {
		return b.Metrics().TrustDenials.Load() >= 1
	}, "laptop to deny the unknown desktop")

	st := b.OpenPairing(time.Minute)
	if !st.Open || st.Remaining == "" {
		t.Fatalf("Expected open pairing window, got %+v", st)
	}

	testutil.WaitFor(t, 5*time.Second, func() bool {
		return b.Status().PeerCount == 1
	}, "desktop to connect during pairing")

	b.ClosePairing()
	if b.Status().Pairing.Open {
		t.Error("Pairing should be closed")
	}
	rec, ok := b.TrustStore().Get(a.Identity())
	if !ok || !rec.Trusted {
		t.Errorf("Desktop should stay trusted after pairing, got %+v", rec)
	}
}

func TestDaemonForget(t *testing.T) {
	nodeA := testutil.NewTestNode(t, "desktop", "home")
	nodeB := testutil.NewTestNode(t, "laptop", "home")
	nodeA.SetPSK(t, "shared")
	nodeB.SetPSK(t, "shared")
	nodeB.Config.Security.TrustPolicy = "pairing-only"

	a, _ := startDaemon(t, nodeA)
	b, _ := startDaemon(t, nodeB)

	b.OpenPairing(time.Minute)
	a.AddPeer(peerAddr(b))
	testutil.WaitFor(t, 5*time.Second, func() bool {
		return b.Status().PeerCount == 1
	}, "connect")
	b.ClosePairing()

	disconnected, err := b.Forget(a.Identity())
	if err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if !disconnected {
		t.Error("Forget should drop the live connection")
	}

	// The desktop redials, but the laptop no longer trusts it.
	testutil.WaitFor(t, 5*time.Second, func() bool {
		return b.Metrics().TrustDenials.Load() >= 1
	}, "forgotten desktop to be denied")
	testutil.WaitFor(t, 5*time.Second, func() bool {
		return b.Status().PeerCount == 0
	}, "forgotten desktop to stay disconnected")

	if _, err := b.Forget(a.Identity()); err == nil {
		t.Error("Forgetting twice should fail")
	}
}

func TestDaemonStopRemovesPIDFile(t *testing.T) {
	node := testutil.NewTestNode(t, "desktop", "home")
	node.SetPSK(t, "shared")

	d, _ := startDaemon(t, node)
	if _, err := os.Stat(node.Paths.PIDFile); err != nil {
		t.Fatalf("PID file missing: %v", err)
	}
	if err := d.Start(); err == nil {
		t.Error("Second Start should fail")
	}

	d.Stop()
	if _, err := os.Stat(node.Paths.PIDFile); !os.IsNotExist(err) {
		t.Errorf("PID file should be removed, got %v", err)
	}
	if d.Status().Running {
		t.Error("Stopped daemon reports running")
	}
}

type ipcConn struct {
	conn    net.Conn
	decoder *json.Decoder
}

func dialIPC(t *testing.T, d *Daemon) *ipcConn {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("IPC tests use Unix sockets")
	}

	network, address := getIPCAddress(d.paths.SocketPath)
	conn, err := net.Dial(network, address)
	if err != nil {
		t.Fatalf("dial IPC: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	return &ipcConn{conn: conn, decoder: json.NewDecoder(bufio.NewReader(conn))}
}

func (c *ipcConn) call(t *testing.T, method string, params any) *Response {
	t.Helper()

	req := Request{ID: method, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		req.Params = raw
	}
	if err := json.NewEncoder(c.conn).Encode(req); err != nil {
		t.Fatalf("send %s: %v", method, err)
	}

	var resp Response
	if err := c.decoder.Decode(&resp); err != nil {
		t.Fatalf("read %s: %v", method, err)
	}
	if resp.ID != method {
		t.Fatalf("Response ID: got %q, want %q", resp.ID, method)
	}
	return &resp
}

func TestIPCMethods(t *testing.T) {
	node := testutil.NewTestNode(t, "desktop", "home")
	node.SetPSK(t, "shared")
	d, _ := startDaemon(t, node)
	c := dialIPC(t, d)

	resp := c.call(t, "ping", nil)
	if resp.Error != nil || !strings.Contains(string(resp.Result), "home/desktop") {
		t.Errorf("ping: %s %+v", resp.Result, resp.Error)
	}

	var st Status
	resp = c.call(t, "status", nil)
	if err := json.Unmarshal(resp.Result, &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !st.Running || st.Name != "desktop" || st.PSKSource != "file" || st.Policy != "tofu" {
		t.Errorf("Unexpected status %+v", st)
	}

	var pairing PairingStatus
	resp = c.call(t, "pair.open", map[string]string{"duration": "90s"})
	if err := json.Unmarshal(resp.Result, &pairing); err != nil || !pairing.Open {
		t.Errorf("pair.open: %s %v", resp.Result, err)
	}
	if resp = c.call(t, "pair.open", map[string]string{"duration": "soon"}); resp.Error == nil || resp.Error.Code != ErrCodeInvalidParams {
		t.Errorf("pair.open with bad duration: %+v", resp.Error)
	}
	c.call(t, "pair.close", nil)
	if d.Status().Pairing.Open {
		t.Error("pair.close did not close the window")
	}

	if resp = c.call(t, "trust.forget", "nobody"); resp.Error == nil || resp.Error.Code != ErrCodeNotFound {
		t.Errorf("trust.forget unknown: %+v", resp.Error)
	}
	if resp = c.call(t, "peers.add", "host:notaport"); resp.Error == nil || resp.Error.Code != ErrCodeInvalidParams {
		t.Errorf("peers.add bad address: %+v", resp.Error)
	}
	if resp = c.call(t, "no.such.method", nil); resp.Error == nil || resp.Error.Code != ErrCodeMethodNotFound {
		t.Errorf("unknown method: %+v", resp.Error)
	}

	var entries []LogEntry
	resp = c.call(t, "logs", map[string]any{"limit": 5})
	if err := json.Unmarshal(resp.Result, &entries); err != nil {
		t.Errorf("decode logs: %v", err)
	}
	if len(entries) > 5 {
		t.Errorf("logs ignored limit: %d entries", len(entries))
	}
}

func TestIPCInvalidRequest(t *testing.T) {
	node := testutil.NewTestNode(t, "desktop", "home")
	node.SetPSK(t, "shared")
	d, _ := startDaemon(t, node)
	c := dialIPC(t, d)

	if _, err := c.conn.Write([]byte("{not json\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var resp Response
	if err := c.decoder.Decode(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != ErrCodeInvalidRequest {
		t.Errorf("Expected invalid request, got %+v", resp.Error)
	}
}

func TestIPCSubscribeReceivesEvents(t *testing.T) {
	node := testutil.NewTestNode(t, "desktop", "home")
	node.SetPSK(t, "shared")
	d, _ := startDaemon(t, node)
	c := dialIPC(t, d)

	c.call(t, "subscribe", nil)
	d.OpenPairing(time.Minute)

	var ev Event
	if err := c.decoder.Decode(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Event != EventPairingOpened {
		t.Errorf("Event: got %q, want %q", ev.Event, EventPairingOpened)
	}
}

func TestWebServerRoutes(t *testing.T) {
	node := testutil.NewTestNode(t, "desktop", "home")
	node.SetPSK(t, "shared")
	d, _ := startDaemon(t, node)
	handler := NewWebServer(d, 0).server.Handler

	tests := []struct {
		method string
		target string
		host   string
		status int
		body   string
	}{
		{http.MethodGet, "/api/status", "127.0.0.1:34255", http.StatusOK, `"name":"desktop"`},
		{http.MethodGet, "/api/status", "localhost", http.StatusOK, `"running":true`},
		{http.MethodGet, "/api/status", "evil.example:34255", http.StatusForbidden, ""},
		{http.MethodPost, "/api/pair?duration=1m", "127.0.0.1", http.StatusOK, `"open":true`},
		{http.MethodPost, "/api/pair?duration=nope", "127.0.0.1", http.StatusBadRequest, "invalid duration"},
		{http.MethodGet, "/api/audit?category=pairing", "127.0.0.1", http.StatusOK, `"action":"pairing.opened"`},
		{http.MethodDelete, "/api/trust?peer=ghost", "127.0.0.1", http.StatusNotFound, ""},
		{http.MethodGet, "/metrics", "127.0.0.1", http.StatusOK, "clipmesh_connected_peers"},
		{http.MethodGet, "/nope", "127.0.0.1", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.target, nil)
		req.Host = tt.host
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != tt.status {
			t.Errorf("%s %s (Host %s): status %d, want %d", tt.method, tt.target, tt.host, rec.Code, tt.status)
			continue
		}
		if tt.body != "" && !strings.Contains(rec.Body.String(), tt.body) {
			t.Errorf("%s %s: body %q does not contain %q", tt.method, tt.target, rec.Body.String(), tt.body)
		}
	}
}

func TestLocalOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:34255", true},
		{"http://127.0.0.1:34255", true},
		{"http://[::1]:34255", true},
		{"https://evil.example", false},
		{"http://192.168.1.5:34255", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		if got := localOrigin(req); got != tt.want {
			t.Errorf("localOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestDaemonJournalsSecurityEvents(t *testing.T) {
	node := testutil.NewTestNode(t, "desktop", "home")
	node.SetPSK(t, "shared")
	d, _ := startDaemon(t, node)

	d.OpenPairing(time.Minute)
	d.ClosePairing()

	c := dialIPC(t, d)
	var events []audit.Event
	resp := c.call(t, "audit", map[string]any{"category": audit.CategoryPairing})
	if err := json.Unmarshal(resp.Result, &events); err != nil {
		t.Fatalf("decode audit: %v (%+v)", err, resp.Error)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 pairing entries, got %d", len(events))
	}
	if events[0].Action != audit.ActionPairingClosed || events[1].Action != audit.ActionPairingOpened {
		t.Errorf("Unexpected order: %s, %s", events[0].Action, events[1].Action)
	}

	started := d.Audit().Query(audit.QueryOpts{Action: audit.ActionDaemonStarted})
	if len(started) != 1 {
		t.Errorf("Expected a daemon.started entry, got %d", len(started))
	}

	if resp = c.call(t, "audit", map[string]any{"since": "yesterday"}); resp.Error == nil || resp.Error.Code != ErrCodeInvalidParams {
		t.Errorf("audit with bad since: %+v", resp.Error)
	}
}

func TestDaemonJournalsRejectedPeers(t *testing.T) {
	nodeA := testutil.NewTestNode(t, "desktop", "home")
	nodeB := testutil.NewTestNode(t, "laptop", "home")
	nodeA.SetPSK(t, "one secret")
	nodeB.SetPSK(t, "another secret")

	a, _ := startDaemon(t, nodeA)
	b, _ := startDaemon(t, nodeB)

	a.AddPeer(peerAddr(b))
	testutil.WaitFor(t, 5*time.Second, func() bool {
		return len(b.Audit().Query(audit.QueryOpts{Action: audit.ActionPeerRejected})) >= 1
	}, "laptop to journal the rejection")

	e := b.Audit().Query(audit.QueryOpts{Action: audit.ActionPeerRejected})[0]
	if e.Level != audit.LevelWarn || e.Error == "" {
		t.Errorf("Unexpected rejection entry: %+v", e)
	}
	if e.Details["kind"] != protocol.KindAuthFailure.String() {
		t.Errorf("Rejection kind: got %v", e.Details["kind"])
	}
}

func TestDaemonAuditSurvivesRestart(t *testing.T) {
	node := testutil.NewTestNode(t, "desktop", "home")
	node.SetPSK(t, "shared")

	d, err := New(&Options{Config: node.Config, Paths: node.Paths, Version: "test", Clipboard: clipboard.NewMemory()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	d.OpenPairing(time.Minute)
	d.Stop()

	d2, _ := startDaemon(t, node)
	got := d2.Audit().Query(audit.QueryOpts{})
	var actions []string
	for _, e := range got {
		actions = append(actions, e.Action)
	}
	want := []string{
		audit.ActionDaemonStarted,
		audit.ActionDaemonStopped,
		audit.ActionPairingOpened,
		audit.ActionDaemonStarted,
	}
	if strings.Join(actions, ",") != strings.Join(want, ",") {
		t.Errorf("Journal after restart: got %v, want %v", actions, want)
	}
}

func TestAuditEntryMapping(t *testing.T) {
	tests := []struct {
		event  *Event
		ok     bool
		action string
		peer   string
	}{
		{NewEvent(EventPeerTrusted, map[string]string{"name": "laptop", "group": "home", "reason": "pairing"}), true, audit.ActionPeerTrusted, "home/laptop"},
		{NewEvent(EventPeerForgotten, peerForgotten{Name: "laptop", Group: "home"}), true, audit.ActionPeerForgotten, "home/laptop"},
		{NewEvent(EventPeerConnected, PeerInfo{Name: "laptop", Group: "home", Addr: "10.0.0.2:34254"}), true, audit.ActionPeerConnected, "home/laptop"},
		{NewEvent(EventPeerRejected, PeerRejection{Addr: "10.0.0.9:5000", Kind: "auth_failure"}), true, audit.ActionPeerRejected, ""},
		{NewEvent(EventClipboardReceived, map[string]string{"hash": "ab"}), false, "", ""},
	}
	for _, tt := range tests {
		e, ok := auditEntry(tt.event)
		if ok != tt.ok {
			t.Errorf("%s: ok = %v, want %v", tt.event.Event, ok, tt.ok)
			continue
		}
		if !ok {
			continue
		}
		if e.Action != tt.action || e.Peer != tt.peer {
			t.Errorf("%s: got action %q peer %q", tt.event.Event, e.Action, e.Peer)
		}
	}
}
