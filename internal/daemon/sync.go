package daemon

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"clipmesh.dev/go/clipmesh/internal/clipboard"
	"clipmesh.dev/go/clipmesh/internal/protocol"
)

// OriginLocal marks a clipboard entry copied on this machine
const OriginLocal = "local"

// Broadcaster fans an update out to connected peers. *Manager satisfies it.
type Broadcaster interface {
	Broadcast(update *protocol.ClipboardUpdate, exclude protocol.PeerIdentity)
}

// ClipboardEntry is the last clipboard value seen or applied
type ClipboardEntry struct {
	Hash       protocol.ContentHash `json:"-"`
	HashHex    string               `json:"hash"`
	Content    []byte               `json:"-"`
	Size       int                  `json:"size"`
	Origin     string               `json:"origin"` // "local" or the peer key
	ObservedAt time.Time            `json:"observed_at"`
}

// SyncLoop polls the local clipboard and applies updates from peers.
//
// lastHash is set before a remote value is written, so the next poll sees
// the value as already known and does not send it back. An inbound update
// whose hash equals lastHash is neither applied nor forwarded, which stops
// updates from circling a mesh.
type SyncLoop struct {
	clip     clipboard.Clipboard
	filter   *clipboard.Filter
	out      Broadcaster
	interval time.Duration
	metrics  *Metrics
	onEvent  func(*Event)

	mu       sync.RWMutex
	lastHash protocol.ContentHash
	hasLast  bool
	last     *ClipboardEntry
}

// NewSyncLoop creates a sync loop. A nil filter accepts everything.
func NewSyncLoop(clip clipboard.Clipboard, filter *clipboard.Filter, out Broadcaster, interval time.Duration, metrics *Metrics) *SyncLoop {
	if filter == nil {
		filter = &clipboard.Filter{}
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &SyncLoop{
		clip:     clip,
		filter:   filter,
		out:      out,
		interval: interval,
		metrics:  metrics,
	}
}

// SetEventSink receives clipboard.sent and clipboard.received events
func (s *SyncLoop) SetEventSink(fn func(*Event)) {
	s.onEvent = fn
}

// Run polls and consumes inbound updates until ctx is done. The clipboard
// content present at startup becomes the baseline and is not sent.
func (s *SyncLoop) Run(ctx context.Context, inbound <-chan InboundUpdate) {
	s.Prime()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Poll()
		case u := <-inbound:
			s.HandleInbound(u)
		}
	}
}

// Prime records the current clipboard as known without broadcasting it
func (s *SyncLoop) Prime() {
	content, err := s.clip.Read()
	if err != nil {
		slog.Debug("Clipboard read failed", "error", err)
		return
	}
	s.remember(protocol.HashContent(content), content, OriginLocal)
}

// Poll reads the clipboard once and broadcasts it if it changed
func (s *SyncLoop) Poll() {
	content, err := s.clip.Read()
	if err != nil {
		// Transient on most platforms (another app holds the clipboard).
		slog.Debug("Clipboard read failed", "error", err)
		s.metrics.ClipboardErrors.Add(1)
		return
	}

	hash := protocol.HashContent(content)
	if s.known(hash) {
		return
	}

	// Remember even filtered values so they are not re-examined every tick.
	s.remember(hash, content, OriginLocal)

	if err := s.filter.Check(content); err != nil {
		s.skipped("Local clipboard change not synced", OriginLocal, err)
		return
	}

	s.metrics.LocalChanges.Add(1)
	slog.Debug("Local clipboard changed", "hash", hash.Short(), "size", len(content))

	s.out.Broadcast(&protocol.ClipboardUpdate{Hash: hash, Content: content}, protocol.PeerIdentity{})
	s.emit(EventClipboardSent, hash, len(content), OriginLocal)
}

// HandleInbound applies an update from a peer and forwards it to the others
func (s *SyncLoop) HandleInbound(u InboundUpdate) {
	update := u.Update
	from := u.From.Key()

	if s.known(update.Hash) {
		s.metrics.EchoSuppressed.Add(1)
		slog.Debug("Ignoring clipboard update we already have", "peer", from, "hash", update.Hash.Short())
		return
	}

	if err := s.filter.Check(update.Content); err != nil {
		s.skipped("Clipboard update from peer not applied", from, err)
		return
	}

	s.remember(update.Hash, update.Content, from)

	started := time.Now()
	if err := s.clip.Write(update.Content); err != nil {
		s.metrics.ClipboardErrors.Add(1)
		slog.Warn("Failed to write clipboard", "peer", from, "error", err)
	} else {
		s.metrics.UpdatesApplied.Add(1)
		s.metrics.RecordApplyLatency(time.Since(started))
		slog.Debug("Applied clipboard update", "peer", from, "hash", update.Hash.Short(), "size", len(update.Content))
	}

	s.out.Broadcast(update, u.From)
	s.emit(EventClipboardReceived, update.Hash, len(update.Content), from)
}

// Last returns the last known clipboard entry, or nil
func (s *SyncLoop) Last() *ClipboardEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return nil
	}
	entry := *s.last
	return &entry
}

func (s *SyncLoop) known(hash protocol.ContentHash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasLast && s.lastHash == hash
}

func (s *SyncLoop) remember(hash protocol.ContentHash, content []byte, origin string) {
	s.mu.Lock()
	s.lastHash = hash
	s.hasLast = true
	s.last = &ClipboardEntry{
		Hash:       hash,
		HashHex:    hash.String(),
		Content:    content,
		Size:       len(content),
		Origin:     origin,
		ObservedAt: time.Now(),
	}
	s.mu.Unlock()
}

func (s *SyncLoop) skipped(msg, origin string, err error) {
	s.metrics.UpdatesFiltered.Add(1)
	switch {
	case errors.Is(err, clipboard.ErrTooLarge):
		slog.Warn(msg, "origin", origin, "reason", err)
	case errors.Is(err, clipboard.ErrEmpty):
		// Clearing the clipboard is common; not worth a log line.
	default:
		slog.Debug(msg, "origin", origin, "reason", err)
	}
}

func (s *SyncLoop) emit(eventType string, hash protocol.ContentHash, size int, origin string) {
	if s.onEvent == nil {
		return
	}
	s.onEvent(NewEvent(eventType, map[string]any{
		"hash":   hash.Short(),
		"size":   size,
		"origin": origin,
	}))
}
