// Package audit keeps a persistent journal of security-relevant events:
// peers trusted, rejected and forgotten, pairing windows, daemon restarts.
// Entries are appended to a JSON-lines file and the most recent ones are
// kept in memory for queries.
package audit

import (
	"time"
)

// Event represents an audit log entry
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Level     string         `json:"level"`
	Category  string         `json:"category"`
	Action    string         `json:"action"`
	Message   string         `json:"msg"`
	Peer      string         `json:"peer,omitempty"` // group/name
	Addr      string         `json:"addr,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Log levels
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Actions, named category.verb
const (
	ActionPeerConnected    = "peer.connected"
	ActionPeerDisconnected = "peer.disconnected"
	ActionPeerTrusted      = "peer.trusted"
	ActionPeerRejected     = "peer.rejected"
	ActionPeerForgotten    = "peer.forgotten"

	ActionPairingOpened = "pairing.opened"
	ActionPairingClosed = "pairing.closed"

	ActionDaemonStarted = "daemon.started"
	ActionDaemonStopped = "daemon.stopped"
)

// Categories for filtering
const (
	CategoryPeer    = "peer"
	CategoryPairing = "pairing"
	CategoryDaemon  = "daemon"
)

// AllCategories returns all valid categories
func AllCategories() []string {
	return []string{CategoryPeer, CategoryPairing, CategoryDaemon}
}
