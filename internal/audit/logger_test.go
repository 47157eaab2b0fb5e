package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRingBufferBasic(t *testing.T) {
	rb := NewRingBuffer(5)

	for i := 0; i < 3; i++ {
		rb.Add(Event{Timestamp: time.Now(), Message: "test"})
	}
	if rb.Count() != 3 {
		t.Errorf("expected count 3, got %d", rb.Count())
	}

	for i := 0; i < 5; i++ {
		rb.Add(Event{Timestamp: time.Now(), Message: "test"})
	}
	if rb.Count() != 5 {
		t.Errorf("expected count 5 (capacity), got %d", rb.Count())
	}
}

func TestRingBufferNewestFirst(t *testing.T) {
	rb := NewRingBuffer(3)
	for _, msg := range []string{"a", "b", "c", "d"} {
		rb.Add(Event{Timestamp: time.Now(), Message: msg})
	}

	events := rb.Query(QueryOpts{})
	var got []string
	for _, e := range events {
		got = append(got, e.Message)
	}
	if strings.Join(got, "") != "dcb" {
		t.Errorf("expected newest first after wrap (dcb), got %v", got)
	}
}

func TestQueryOptsByLevel(t *testing.T) {
	rb := NewRingBuffer(10)

	rb.Add(Event{Timestamp: time.Now(), Level: LevelDebug, Message: "debug"})
	rb.Add(Event{Timestamp: time.Now(), Level: LevelInfo, Message: "info"})
	rb.Add(Event{Timestamp: time.Now(), Level: LevelWarn, Message: "warn"})
	rb.Add(Event{Timestamp: time.Now(), Level: LevelError, Message: "error"})

	tests := []struct {
		level string
		want  int
	}{
		{LevelError, 1},
		{LevelWarn, 2},
		{"info", 3},
		{"", 4},
	}
	for _, tt := range tests {
		if got := len(rb.Query(QueryOpts{Level: tt.level})); got != tt.want {
			t.Errorf("level %q: expected %d events, got %d", tt.level, tt.want, got)
		}
	}
}

func TestQueryOptsByCategoryAndPeer(t *testing.T) {
	rb := NewRingBuffer(10)

	rb.Add(Event{Timestamp: time.Now(), Category: CategoryPeer, Action: ActionPeerTrusted, Peer: "home/laptop"})
	rb.Add(Event{Timestamp: time.Now(), Category: CategoryPeer, Action: ActionPeerRejected, Peer: "home/desktop"})
	rb.Add(Event{Timestamp: time.Now(), Category: CategoryPairing, Action: ActionPairingOpened})
	rb.Add(Event{Timestamp: time.Now(), Category: CategoryDaemon, Action: ActionDaemonStarted})

	if got := len(rb.Query(QueryOpts{Category: CategoryPeer})); got != 2 {
		t.Errorf("expected 2 peer events, got %d", got)
	}
	if got := len(rb.Query(QueryOpts{Peer: "home/laptop"})); got != 1 {
		t.Errorf("expected 1 event for home/laptop, got %d", got)
	}
	if got := len(rb.Query(QueryOpts{Action: ActionPairingOpened})); got != 1 {
		t.Errorf("expected 1 pairing.opened event, got %d", got)
	}
}

func TestQueryOptsBySearchAndSince(t *testing.T) {
	rb := NewRingBuffer(10)
	old := time.Now().Add(-time.Hour)

	rb.Add(Event{Timestamp: old, Message: "rejected laptop", Error: "bad proof"})
	rb.Add(Event{Timestamp: time.Now(), Message: "trusted desktop"})
	rb.Add(Event{Timestamp: time.Now(), Message: "connected", Addr: "10.0.0.7:34254"})

	if got := len(rb.Query(QueryOpts{Search: "PROOF"})); got != 1 {
		t.Errorf("expected search to match error text, got %d", got)
	}
	if got := len(rb.Query(QueryOpts{Search: "10.0.0.7"})); got != 1 {
		t.Errorf("expected search to match address, got %d", got)
	}

	since := time.Now().Add(-time.Minute)
	if got := len(rb.Query(QueryOpts{Since: &since})); got != 2 {
		t.Errorf("expected 2 recent events, got %d", got)
	}
}

func TestQueryOptsLimit(t *testing.T) {
	rb := NewRingBuffer(100)

	for i := 0; i < 50; i++ {
		rb.Add(Event{Timestamp: time.Now(), Message: "test"})
	}

	if got := len(rb.Query(QueryOpts{Limit: 10})); got != 10 {
		t.Errorf("expected 10 events with limit, got %d", got)
	}
}

func TestLoggerPersistence(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")

	logger, err := NewLogger(logPath)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if err := logger.Log(Event{Action: ActionDaemonStarted, Message: "daemon started"}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if err := logger.Log(Event{Level: LevelWarn, Action: ActionPeerRejected, Peer: "home/x", Message: "peer rejected"}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	logger.Close()

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if lines := strings.Count(string(data), "\n"); lines != 2 {
		t.Errorf("expected 2 lines in journal, got %d", lines)
	}

	// A torn trailing write must not stop the rest from loading.
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.WriteString(`{"ts":"2026-`)
	f.Close()

	logger2, err := NewLogger(logPath)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer logger2.Close()

	events := logger2.Query(QueryOpts{})
	if len(events) != 2 {
		t.Fatalf("expected 2 events loaded from file, got %d", len(events))
	}
	if events[0].Action != ActionPeerRejected {
		t.Errorf("expected newest event first, got %q", events[0].Action)
	}

	// The next entry must not be glued onto the torn line.
	logger2.Log(Event{Action: ActionDaemonStopped, Message: "daemon stopped"})
	logger2.Close()
	logger3, err := NewLogger(logPath)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer logger3.Close()
	if got := len(logger3.Query(QueryOpts{})); got != 3 {
		t.Errorf("expected 3 events after repair, got %d", got)
	}
}

func TestLogDefaults(t *testing.T) {
	logger, err := NewLogger(filepath.Join(t.TempDir(), "audit.jsonl"))
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer logger.Close()

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	logger.now = func() time.Time { return fixed }

	logger.Log(Event{Action: ActionPairingOpened, Message: "pairing opened"})

	events := logger.Query(QueryOpts{})
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	e := events[0]
	if e.Category != CategoryPairing {
		t.Errorf("expected category %q from action, got %q", CategoryPairing, e.Category)
	}
	if e.Level != LevelInfo {
		t.Errorf("expected default level INFO, got %q", e.Level)
	}
	if !e.Timestamp.Equal(fixed) {
		t.Errorf("expected timestamp %v, got %v", fixed, e.Timestamp)
	}
}

func TestLoggerRotation(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewLogger(logPath)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer logger.Close()
	logger.maxSize = 300

	for i := 0; i < 10; i++ {
		if err := logger.Log(Event{Action: ActionPeerConnected, Message: "peer connected"}); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	if _, err := os.Stat(logPath + ".1"); err != nil {
		t.Fatalf("expected rotated file: %v", err)
	}
	info, err := os.Stat(logPath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() > 300 {
		t.Errorf("expected current journal under the limit, got %d bytes", info.Size())
	}
	if got := logger.buffer.Count(); got != 10 {
		t.Errorf("expected all 10 events in memory, got %d", got)
	}
}

func TestReadFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")

	events, err := ReadFile(logPath, QueryOpts{})
	if err != nil || len(events) != 0 {
		t.Fatalf("missing journal: got %d events, err %v", len(events), err)
	}

	logger, err := NewLogger(logPath)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Log(Event{Action: ActionPeerTrusted, Peer: "home/laptop", Message: "Peer trusted"})
	logger.Log(Event{Action: ActionPairingClosed, Message: "Pairing window closed"})
	logger.Close()

	events, err = ReadFile(logPath, QueryOpts{Category: CategoryPeer})
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(events) != 1 || events[0].Peer != "home/laptop" {
		t.Errorf("unexpected events: %+v", events)
	}
}
