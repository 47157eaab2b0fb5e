package trust

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"clipmesh.dev/go/clipmesh/internal/protocol"
)

// ErrNotFound is returned when no record exists for an identity
var ErrNotFound = errors.New("peer not found in trust store")

// Record is the persisted trust state of one peer
type Record struct {
	Identity        protocol.PeerIdentity `toml:"identity" json:"identity"`
	FirstSeenAt     time.Time             `toml:"first_seen_at" json:"first_seen_at"`
	LastConnectedAt time.Time             `toml:"last_connected_at" json:"last_connected_at"`
	Trusted         bool                  `toml:"trusted" json:"trusted"`
}

// file is the on-disk layout of trusted.toml
type file struct {
	Peers []Record `toml:"peer"`
}

// Options configures policy evaluation for a Store
type Options struct {
	Policy    Policy
	AllowList []string
	BlockList []string
	Pairing   *PairingWindow
	Now       func() time.Time
}

// Store is a file-backed table of trust records. The whole table is
// rewritten atomically on every mutation and the in-memory copy only
// changes once the write has succeeded.
type Store struct {
	path string
	opts Options

	mu      sync.RWMutex
	records map[string]Record
}

// Open loads the store at path. A missing file yields an empty store.
func Open(path string, opts Options) (*Store, error) {
	if opts.Pairing == nil {
		opts.Pairing = &PairingWindow{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Store{
		path:    path,
		opts:    opts,
		records: make(map[string]Record),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read trust store: %w", err)
	}

	var f file
	if _, err := toml.Decode(string(data), &f); err != nil {
		return nil, fmt.Errorf("parse trust store: %w", err)
	}
	for _, r := range f.Peers {
		s.records[r.Identity.Key()] = r
	}

	return s, nil
}

// Path returns the backing file path
func (s *Store) Path() string {
	return s.path
}

// Pairing returns the pairing window consulted by this store
func (s *Store) Pairing() *PairingWindow {
	return s.opts.Pairing
}

// Policy returns the configured policy
func (s *Store) Policy() Policy {
	return s.opts.Policy
}

// Get returns the record for id
func (s *Store) Get(id protocol.PeerIdentity) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id.Key()]
	return r, ok
}

// IsTrusted reports whether id has a trusted record or a pairing window is open.
func (s *Store) IsTrusted(id protocol.PeerIdentity) bool {
	if s.opts.Pairing.Active(s.opts.Now()) {
		return true
	}
	r, ok := s.Get(id)
	return ok && r.Trusted
}

// Evaluate runs EvaluateTrust against the current state.
func (s *Store) Evaluate(id protocol.PeerIdentity) Decision {
	in := Input{
		Identity:      id,
		Policy:        s.opts.Policy,
		PairingActive: s.opts.Pairing.Active(s.opts.Now()),
		AllowList:     s.opts.AllowList,
		BlockList:     s.opts.BlockList,
	}
	if r, ok := s.Get(id); ok {
		in.Known = &r
	}
	return EvaluateTrust(in)
}

// RecordSuccess notes a completed handshake. It creates the record on first
// contact and marks it trusted when the admission decision granted trust.
// An existing trusted record is never downgraded.
func (s *Store) RecordSuccess(id protocol.PeerIdentity, d Decision) (Record, error) {
	now := s.opts.Now()

	var out Record
	err := s.mutate(func(records map[string]Record) error {
		r, ok := records[id.Key()]
		if !ok {
			r = Record{Identity: id, FirstSeenAt: now}
		}
		r.LastConnectedAt = now
		if d.Trusted() {
			r.Trusted = true
		}
		records[id.Key()] = r
		out = r
		return nil
	})
	return out, err
}

// RecordSeen updates LastConnectedAt without touching trust.
func (s *Store) RecordSeen(id protocol.PeerIdentity) error {
	now := s.opts.Now()
	return s.mutate(func(records map[string]Record) error {
		r, ok := records[id.Key()]
		if !ok {
			return ErrNotFound
		}
		r.LastConnectedAt = now
		records[id.Key()] = r
		return nil
	})
}

// Forget removes a record. This is the only way trust is revoked.
func (s *Store) Forget(id protocol.PeerIdentity) error {
	return s.mutate(func(records map[string]Record) error {
		if _, ok := records[id.Key()]; !ok {
			return ErrNotFound
		}
		delete(records, id.Key())
		return nil
	})
}

// List returns all records sorted by key
func (s *Store) List() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Identity.Key() < out[j].Identity.Key()
	})
	return out
}

// mutate applies fn to a copy of the table, persists the copy and only then
// swaps it in.
func (s *Store) mutate(fn func(map[string]Record) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]Record, len(s.records)+1)
	for k, v := range s.records {
		next[k] = v
	}
	if err := fn(next); err != nil {
		return err
	}
	if err := s.write(next); err != nil {
		return err
	}
	s.records = next
	return nil
}

func (s *Store) write(records map[string]Record) error {
	f := file{Peers: make([]Record, 0, len(records))}
	for _, r := range records {
		f.Peers = append(f.Peers, r)
	}
	sort.Slice(f.Peers, func(i, j int) bool {
		return f.Peers[i].Identity.Key() < f.Peers[j].Identity.Key()
	})

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create trust store directory: %w", err)
	}

	tmp := s.path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create trust store: %w", err)
	}

	if err := toml.NewEncoder(out).Encode(f); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode trust store: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync trust store: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close trust store: %w", err)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace trust store: %w", err)
	}
	return nil
}
