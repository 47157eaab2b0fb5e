package daemon

import (
	"encoding/json"
	"log/slog"

	"clipmesh.dev/go/clipmesh/internal/audit"
)

// peerForgotten is the payload of peer.forgotten
type peerForgotten struct {
	Name         string `json:"name"`
	Group        string `json:"group"`
	Disconnected bool   `json:"disconnected"`
}

// journal records security-relevant events in the audit log. Clipboard
// traffic is not recorded.
func (d *Daemon) journal(event *Event) {
	if d.audit == nil {
		return
	}
	entry, ok := auditEntry(event)
	if !ok {
		return
	}
	if err := d.audit.Log(entry); err != nil {
		slog.Warn("Failed to write audit log", "error", err)
	}
}

// auditEntry converts a daemon event to an audit entry
func auditEntry(event *Event) (audit.Event, bool) {
	e := audit.Event{Action: event.Event, Level: audit.LevelInfo}

	switch event.Event {
	case EventPeerConnected, EventPeerDisconnected:
		var p PeerInfo
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return e, false
		}
		if p.Name != "" {
			e.Peer = p.Group + "/" + p.Name
		}
		e.Addr = p.Addr
		e.Details = map[string]any{"role": p.Role}
		if event.Event == EventPeerConnected {
			e.Message = "Peer connected"
			e.Details["trust"] = p.TrustReason
		} else {
			e.Message = "Peer disconnected"
		}

	case EventPeerTrusted:
		var p struct {
			Name   string `json:"name"`
			Group  string `json:"group"`
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return e, false
		}
		e.Peer = p.Group + "/" + p.Name
		e.Message = "Peer trusted"
		e.Details = map[string]any{"reason": p.Reason}

	case EventPeerRejected:
		var p PeerRejection
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return e, false
		}
		e.Level = audit.LevelWarn
		e.Peer = p.Peer
		e.Addr = p.Addr
		e.Message = "Peer rejected"
		e.Error = p.Error
		e.Details = map[string]any{"kind": p.Kind}

	case EventPeerForgotten:
		var p peerForgotten
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return e, false
		}
		e.Peer = p.Group + "/" + p.Name
		e.Message = "Peer forgotten"
		e.Details = map[string]any{"disconnected": p.Disconnected}

	case EventPairingOpened:
		var p PairingStatus
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return e, false
		}
		e.Message = "Pairing window opened"
		e.Details = map[string]any{"expires_at": p.ExpiresAt}

	case EventPairingClosed:
		e.Message = "Pairing window closed"

	default:
		return e, false
	}
	return e, true
}
