package trust

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"clipmesh.dev/go/clipmesh/internal/protocol"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func TestStoreTrustPersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trusted.toml")
	clock := newClock()
	y := protocol.PeerIdentity{Name: "Y", Group: "home"}

	store, err := Open(path, Options{Policy: PolicyTOFU, Now: clock.Now})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	d := store.Evaluate(y)
	if !d.Trusted() {
		t.Fatalf("Expected TOFU to trust unknown peer, got %s", d.Reason)
	}
	rec, err := store.RecordSuccess(y, d)
	if err != nil {
		t.Fatalf("RecordSuccess failed: %v", err)
	}
	if !rec.Trusted || !rec.FirstSeenAt.Equal(clock.now) {
		t.Errorf("Unexpected record: %+v", rec)
	}

	// Restart with a policy that would refuse unknown peers.
	clock.Advance(time.Hour)
	reopened, err := Open(path, Options{Policy: PolicyPairingOnly, Now: clock.Now})
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	if !reopened.IsTrusted(y) {
		t.Fatal("Trust should survive a restart")
	}
	if d := reopened.Evaluate(y); !d.Trusted() || d.Reason != "known" {
		t.Errorf("Expected known trust, got %s (%s)", d.Verdict, d.Reason)
	}

	got, ok := reopened.Get(y)
	if !ok {
		t.Fatal("Record missing after reopen")
	}
	if !got.FirstSeenAt.Equal(rec.FirstSeenAt) {
		t.Errorf("FirstSeenAt changed: %v -> %v", rec.FirstSeenAt, got.FirstSeenAt)
	}
}

func TestStoreMissingFileIsEmpty(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "none.toml"), Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if len(store.List()) != 0 {
		t.Error("Expected empty store")
	}
}

func TestStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trusted.toml")
	os.WriteFile(path, []byte("[[peer]\nbroken"), 0600)

	if _, err := Open(path, Options{}); err == nil {
		t.Fatal("Expected parse error")
	}
}

func TestStoreNeverDowngrades(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "trusted.toml"), Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	id := protocol.PeerIdentity{Name: "A", Group: "g"}

	store.RecordSuccess(id, Decision{Trust, "first use"})
	rec, err := store.RecordSuccess(id, Decision{Deny, "not trusted"})
	if err != nil {
		t.Fatalf("RecordSuccess failed: %v", err)
	}
	if !rec.Trusted {
		t.Error("Trusted record was downgraded")
	}
}

func TestStoreRecordSeen(t *testing.T) {
	clock := newClock()
	store, _ := Open(filepath.Join(t.TempDir(), "trusted.toml"), Options{Now: clock.Now})
	id := protocol.PeerIdentity{Name: "A", Group: "g"}

	if err := store.RecordSeen(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	store.RecordSuccess(id, Decision{Trust, "first use"})
	clock.Advance(time.Minute)
	if err := store.RecordSeen(id); err != nil {
		t.Fatalf("RecordSeen failed: %v", err)
	}

	rec, _ := store.Get(id)
	if !rec.LastConnectedAt.Equal(clock.now) {
		t.Errorf("LastConnectedAt not updated: %v", rec.LastConnectedAt)
	}
	if !rec.Trusted {
		t.Error("RecordSeen changed trust")
	}
}

func TestStoreForget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trusted.toml")
	store, _ := Open(path, Options{Policy: PolicyAllowList})
	id := protocol.PeerIdentity{Name: "A", Group: "g"}

	store.RecordSuccess(id, Decision{Trust, "pairing"})
	if err := store.Forget(id); err != nil {
		t.Fatalf("Forget failed: %v", err)
	}
	if store.IsTrusted(id) {
		t.Error("Forgotten peer still trusted")
	}

	reopened, _ := Open(path, Options{Policy: PolicyAllowList})
	if _, ok := reopened.Get(id); ok {
		t.Error("Forgotten peer came back after reopen")
	}

	if err := store.Forget(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestStoreFailedWriteLeavesMemoryUntouched(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	store, err := Open(filepath.Join(dir, "trusted.toml"), Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	// Replace the directory with a regular file so every write fails.
	os.RemoveAll(dir)
	if err := os.WriteFile(dir, []byte("x"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	id := protocol.PeerIdentity{Name: "A", Group: "g"}
	if _, err := store.RecordSuccess(id, Decision{Trust, "first use"}); err == nil {
		t.Fatal("Expected write failure")
	}
	if store.IsTrusted(id) {
		t.Error("Peer trusted in memory although persisting failed")
	}
}

func TestStoreHandEditedRevocation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trusted.toml")
	const revoked = `[[peer]]
trusted = false
first_seen_at = 2026-02-01T09:00:00Z
last_connected_at = 2026-02-20T18:30:00Z

[peer.identity]
name = "Z"
group = "home"
`
	if err := os.WriteFile(path, []byte(revoked), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	clock := newClock()
	window := &PairingWindow{}
	store, err := Open(path, Options{Policy: PolicyTOFU, Pairing: window, Now: clock.Now})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	z := protocol.PeerIdentity{Name: "Z", Group: "home"}
	rec, ok := store.Get(z)
	if !ok || rec.Trusted {
		t.Fatalf("Expected an untrusted record, got %+v (found %v)", rec, ok)
	}
	if store.IsTrusted(z) {
		t.Error("Revoked peer reported as trusted")
	}

	// A known but untrusted peer is not a first use.
	d := store.Evaluate(z)
	if d.Verdict != Deny || d.Reason != "not trusted" {
		t.Fatalf("Expected revoked peer to be denied under TOFU, got %s (%s)", d.Verdict, d.Reason)
	}
	if d := store.Evaluate(protocol.PeerIdentity{Name: "W", Group: "home"}); d.Reason != "first use" {
		t.Errorf("Unknown peer should still be trusted on first use, got %s", d.Reason)
	}

	// Pairing re-admits the peer and the upgrade is persisted.
	window.Open(clock.now, time.Minute)
	d = store.Evaluate(z)
	if !d.Trusted() || d.Reason != "pairing" {
		t.Fatalf("Expected pairing to re-admit the peer, got %s (%s)", d.Verdict, d.Reason)
	}
	if _, err := store.RecordSuccess(z, d); err != nil {
		t.Fatalf("RecordSuccess failed: %v", err)
	}

	reopened, err := Open(path, Options{Policy: PolicyTOFU, Now: clock.Now})
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	got, _ := reopened.Get(z)
	if !got.Trusted {
		t.Error("Re-paired peer should be trusted after a restart")
	}
	if !got.FirstSeenAt.Equal(rec.FirstSeenAt) {
		t.Errorf("FirstSeenAt changed: %v -> %v", rec.FirstSeenAt, got.FirstSeenAt)
	}
}

func TestPairingScenario(t *testing.T) {
	clock := newClock()
	window := &PairingWindow{}
	store, _ := Open(filepath.Join(t.TempDir(), "trusted.toml"), Options{
		Policy:  PolicyAllowList,
		Pairing: window,
		Now:     clock.Now,
	})

	z := protocol.PeerIdentity{Name: "Z", Group: "home"}
	w := protocol.PeerIdentity{Name: "W", Group: "home"}

	window.Open(clock.now, 5*time.Second)

	clock.Advance(2 * time.Second)
	d := store.Evaluate(z)
	if !d.Trusted() {
		t.Fatalf("Z should be admitted during pairing, got %s", d.Reason)
	}
	store.RecordSuccess(z, d)

	clock.Advance(8 * time.Second)
	if d := store.Evaluate(w); d.Trusted() {
		t.Errorf("W should be refused after the window expired, got %s", d.Reason)
	}
	if !store.IsTrusted(z) {
		t.Error("Z should stay trusted after the window closes")
	}
}
