package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"clipmesh.dev/go/clipmesh/internal/protocol"
)

// Connector receives dial candidates. *Manager satisfies it.
type Connector interface {
	RequestConnect(Candidate)
}

// Intake turns mDNS sightings and configured peers into dial candidates. It
// makes no trust or dedup decisions; those belong to the manager.
type Intake struct {
	self        protocol.PeerIdentity
	instanceID  string
	defaultPort int
	connector   Connector
}

// NewIntake creates an intake feeding connector
func NewIntake(self protocol.PeerIdentity, instanceID string, defaultPort int, connector Connector) *Intake {
	return &Intake{
		self:        self,
		instanceID:  instanceID,
		defaultPort: defaultPort,
		connector:   connector,
	}
}

// Run forwards sightings until ctx is done or the channel closes
func (in *Intake) Run(ctx context.Context, sightings <-chan Sighting) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-sightings:
			if !ok {
				return
			}
			in.HandleSighting(s)
		}
	}
}

// HandleSighting forwards one sighting. It returns false when the sighting
// was dropped.
func (in *Intake) HandleSighting(s Sighting) bool {
	if s.InstanceID == in.instanceID {
		return false
	}
	if s.Group != in.self.Group {
		slog.Debug("Ignoring peer from another group", "peer", s.Name, "group", s.Group)
		return false
	}
	if s.Version != 0 && s.Version != int(protocol.ProtocolVersion) {
		slog.Debug("Ignoring peer with different protocol version", "peer", s.Name, "version", s.Version)
		return false
	}

	id := protocol.PeerIdentity{Name: s.Name, Group: s.Group}
	in.connector.RequestConnect(Candidate{
		Addr:       s.Addr,
		Identity:   &id,
		InstanceID: s.InstanceID,
		Source:     SourceMDNS,
		SeenAt:     s.SeenAt,
	})
	return true
}

// AddManual requests a connection to a configured address
func (in *Intake) AddManual(addr string) error {
	normalized, err := NormalizeAddr(addr, in.defaultPort)
	if err != nil {
		return err
	}
	in.connector.RequestConnect(Candidate{Addr: normalized, Source: SourceManual})
	return nil
}

// AddManualPeers adds every configured peer, logging the bad ones
func (in *Intake) AddManualPeers(addrs []string) {
	for _, addr := range addrs {
		if err := in.AddManual(addr); err != nil {
			slog.Warn("Ignoring invalid peer address", "addr", addr, "error", err)
		}
	}
}

// NormalizeAddr returns addr as host:port, adding defaultPort when the port
// is missing.
func NormalizeAddr(addr string, defaultPort int) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("empty address")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		// No port, possibly a bare IPv6 address.
		host = strings.Trim(addr, "[]")
		port = strconv.Itoa(defaultPort)
	}
	if host == "" {
		return "", fmt.Errorf("missing host in %q", addr)
	}

	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return "", fmt.Errorf("invalid port in %q", addr)
	}
	return net.JoinHostPort(host, strconv.Itoa(n)), nil
}
