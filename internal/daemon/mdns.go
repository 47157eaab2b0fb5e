package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"clipmesh.dev/go/clipmesh/internal/protocol"
)

const (
	// MDNSServiceType is the mDNS service type clipmesh advertises
	MDNSServiceType = "_clipmesh._tcp"

	// MDNSDomain is the mDNS domain
	MDNSDomain = "local."

	// MDNSBrowseInterval is how often to scan for peers
	MDNSBrowseInterval = 30 * time.Second

	// mdnsBrowseWindow bounds a single browse
	mdnsBrowseWindow = 10 * time.Second
)

// Sighting is one mDNS answer from another instance
type Sighting struct {
	Name       string
	Group      string
	InstanceID string
	Version    int
	Addr       string // host:port
	SeenAt     time.Time
}

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// browserFactory returns a browse function good for a single browse. A
// zeroconf resolver closes its sockets when its browse context ends, so
// each window needs a new one.
type browserFactory func() (browseFunc, error)

func newResolverBrowse() (browseFunc, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("create mDNS resolver: %w", err)
	}
	return resolver.Browse, nil
}

// MDNSService advertises this instance and browses for others
type MDNSService struct {
	identity   protocol.PeerIdentity
	instanceID string
	port       int
	interval   time.Duration
	window     time.Duration

	register   registerFunc
	newBrowser browserFactory

	sightings chan Sighting

	mu      sync.Mutex
	running bool
	server  *zeroconf.Server
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewMDNSService creates an mDNS service for the given local identity
func NewMDNSService(identity protocol.PeerIdentity, instanceID string, port int, interval time.Duration) *MDNSService {
	if interval <= 0 {
		interval = MDNSBrowseInterval
	}
	return &MDNSService{
		identity:   identity,
		instanceID: instanceID,
		port:       port,
		interval:   interval,
		window:     mdnsBrowseWindow,
		register:   zeroconf.Register,
		newBrowser: newResolverBrowse,
		sightings:  make(chan Sighting, 64),
	}
}

// Sightings delivers instances found by browsing. Our own advertisement is
// included; filtering is up to the consumer.
func (m *MDNSService) Sightings() <-chan Sighting {
	return m.sightings
}

// Start advertises and begins the periodic browse loop
func (m *MDNSService) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	first, err := m.newBrowser()
	if err != nil {
		return err
	}

	// Browsing still works without an advertisement.
	if err := m.advertise(); err != nil {
		slog.Warn("Failed to start mDNS advertising", "error", err)
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.running = true

	m.wg.Add(1)
	go m.browseLoop(ctx, first)

	slog.Info("mDNS discovery started",
		"service", MDNSServiceType,
		"name", m.identity.Name,
		"group", m.identity.Group,
		"port", m.port)
	return nil
}

func (m *MDNSService) txtRecords() []string {
	return []string{
		"id=" + m.instanceID,
		"name=" + m.identity.Name,
		"group=" + m.identity.Group,
		"ver=" + strconv.Itoa(int(protocol.ProtocolVersion)),
	}
}

func (m *MDNSService) advertise() error {
	// Instance names must be unique on the link; the group keeps two
	// users' "laptop" apart.
	instance := m.identity.Name + "-" + m.identity.Group
	server, err := m.register(instance, MDNSServiceType, MDNSDomain, m.port, m.txtRecords(), nil)
	if err != nil {
		return fmt.Errorf("register mDNS service: %w", err)
	}
	m.server = server
	return nil
}

func (m *MDNSService) browseLoop(ctx context.Context, first browseFunc) {
	defer m.wg.Done()

	m.browseOnce(ctx, first)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			browse, err := m.newBrowser()
			if err != nil {
				slog.Debug("mDNS browse unavailable", "error", err)
				continue
			}
			m.browseOnce(ctx, browse)
		}
	}
}

// browseOnce runs one browse window. browse must not be reused afterwards.
func (m *MDNSService) browseOnce(ctx context.Context, browse browseFunc) {
	browseCtx, cancel := context.WithTimeout(ctx, m.window)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-browseCtx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				s, ok := parseEntry(entry)
				if !ok {
					continue
				}
				select {
				case m.sightings <- s:
				case <-browseCtx.Done():
					return
				}
			}
		}
	}()

	if err := browse(browseCtx, MDNSServiceType, MDNSDomain, entries); err != nil {
		slog.Debug("mDNS browse error", "error", err)
	}

	<-browseCtx.Done()
	<-done
}

// Stop withdraws the advertisement and stops browsing
func (m *MDNSService) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	if m.server != nil {
		m.server.Shutdown()
		m.server = nil
	}
	m.mu.Unlock()

	m.wg.Wait()
	slog.Info("mDNS discovery stopped")
}

// parseEntry turns a service entry into a sighting. Entries without an
// instance id or a usable address are ignored.
func parseEntry(entry *zeroconf.ServiceEntry) (Sighting, bool) {
	if entry == nil {
		return Sighting{}, false
	}

	txt := make(map[string]string, len(entry.Text))
	for _, record := range entry.Text {
		if k, v, ok := strings.Cut(record, "="); ok {
			txt[k] = strings.TrimSpace(v)
		}
	}

	s := Sighting{
		Name:       txt["name"],
		Group:      txt["group"],
		InstanceID: txt["id"],
		SeenAt:     time.Now(),
	}
	if s.InstanceID == "" || s.Name == "" || entry.Port <= 0 {
		return Sighting{}, false
	}
	if v, err := strconv.Atoi(txt["ver"]); err == nil {
		s.Version = v
	}

	// Prefer IPv4; link-local IPv6 needs a zone we do not have here.
	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	default:
		host = strings.TrimSuffix(entry.HostName, ".")
	}
	if host == "" {
		return Sighting{}, false
	}

	s.Addr = net.JoinHostPort(host, strconv.Itoa(entry.Port))
	return s, true
}
