package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"clipmesh.dev/go/clipmesh/internal/audit"
	"clipmesh.dev/go/clipmesh/internal/clipboard"
	"clipmesh.dev/go/clipmesh/internal/config"
	"clipmesh.dev/go/clipmesh/internal/protocol"
	"clipmesh.dev/go/clipmesh/internal/secmem"
	"clipmesh.dev/go/clipmesh/internal/trust"
)

// limiterCleanupInterval is how often idle connection limiter state is pruned
const limiterCleanupInterval = time.Minute

// Daemon is the main clipmesh daemon
type Daemon struct {
	cfg      *config.Config
	paths    *config.Paths
	instance *config.Instance
	identity protocol.PeerIdentity
	psk      *secmem.Key
	pskFrom  config.PSKSource
	version  string

	store       *trust.Store
	pairing     *trust.PairingWindow
	metrics     *Metrics
	updates     *UpdateLimiter
	connLimiter *ConnectionLimiter
	clip        clipboard.Clipboard
	filter      *clipboard.Filter
	logBuffer   *LogBuffer
	audit       *audit.Logger
	notifier    *NotificationService
	wsHub       *WSHub

	// created by Start
	transport *protocol.TCPTransport
	manager   *Manager
	syncLoop  *SyncLoop
	intake    *Intake
	mdns      *MDNSService
	ipcServer *IPCServer
	webServer *WebServer

	mu        sync.RWMutex
	started   bool
	startTime time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Status represents the daemon's current status
type Status struct {
	Running    bool                   `json:"running"`
	PID        int                    `json:"pid"`
	Version    string                 `json:"version,omitempty"`
	Uptime     string                 `json:"uptime"`
	StartTime  time.Time              `json:"start_time"`
	Name       string                 `json:"name"`
	Group      string                 `json:"group"`
	InstanceID string                 `json:"instance_id"`
	ListenAddr string                 `json:"listen_addr"`
	PSKSource  string                 `json:"psk_source"`
	Policy     string                 `json:"trust_policy"`
	PeerCount  int                    `json:"peer_count"`
	Candidates int                    `json:"candidates"`
	Pairing    PairingStatus          `json:"pairing"`
	Clipboard  *ClipboardEntry        `json:"clipboard,omitempty"`
	Peers      []PeerInfo             `json:"peers"`
	Trusted    []trust.Record         `json:"trusted"`
	Limiter    ConnectionLimiterStats `json:"limiter"`
}

// PairingStatus describes the pairing window
type PairingStatus struct {
	Open      bool      `json:"open"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Remaining string    `json:"remaining,omitempty"`
}

// Options configures the daemon
type Options struct {
	Config  *config.Config
	Paths   *config.Paths
	Version string

	// Clipboard overrides the system clipboard. Used in tests.
	Clipboard clipboard.Clipboard

	// LogBuffer receives log records for the logs method. A buffer is
	// created when nil; SetupLogging is the caller's job.
	LogBuffer *LogBuffer
}

// New creates a daemon from configuration. Nothing listens until Start.
func New(opts *Options) (*Daemon, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	paths := opts.Paths
	if err := paths.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("create directories: %w", err)
	}

	instance, err := config.LoadOrCreateInstance(paths.InstanceFile)
	if err != nil {
		return nil, fmt.Errorf("load instance: %w", err)
	}

	psk, pskFrom, err := cfg.ResolvePSK()
	if err != nil {
		return nil, err
	}

	patterns, err := cfg.IgnorePatterns()
	if err != nil {
		return nil, err
	}

	pairing := &trust.PairingWindow{}
	store, err := trust.Open(paths.TrustFile, trust.Options{
		Policy:    cfg.Policy(),
		AllowList: cfg.Security.AllowedPeers,
		BlockList: cfg.Security.BlockedPeers,
		Pairing:   pairing,
	})
	if err != nil {
		return nil, err
	}

	clip := opts.Clipboard
	if clip == nil {
		sys, err := clipboard.NewSystem()
		if err != nil {
			slog.Warn("System clipboard unavailable, syncing an in-memory clipboard", "error", err)
			clip = clipboard.NewMemory()
		} else {
			clip = sys
		}
	}

	auditLog, err := audit.NewLogger(paths.AuditFile)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	logBuffer := opts.LogBuffer
	if logBuffer == nil {
		logBuffer = NewLogBuffer(LogBufferSize)
	}

	updateCfg := DefaultUpdateLimitConfig()
	if cfg.Security.UpdateRate > 0 {
		updateCfg.UpdatesPerSecond = cfg.Security.UpdateRate
	}
	if cfg.Security.UpdateBurst > 0 {
		updateCfg.Burst = cfg.Security.UpdateBurst
	}

	limiterCfg := DefaultConnectionLimiterConfig()
	if cfg.Daemon.MaxConnections > 0 {
		limiterCfg.MaxConnections = cfg.Daemon.MaxConnections
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		cfg:         cfg,
		paths:       paths,
		instance:    instance,
		identity:    cfg.Identity(),
		psk:         secmem.NewKey(psk),
		pskFrom:     pskFrom,
		version:     opts.Version,
		store:       store,
		pairing:     pairing,
		metrics:     NewMetrics(),
		updates:     NewUpdateLimiter(updateCfg),
		connLimiter: NewConnectionLimiter(limiterCfg),
		clip:        clip,
		filter: &clipboard.Filter{
			MaxSize:        cfg.Clipboard.MaxSize,
			IgnoreEmpty:    cfg.Clipboard.IgnoreEmpty,
			TextOnly:       cfg.Clipboard.TextOnly,
			IgnorePatterns: patterns,
		},
		logBuffer: logBuffer,
		audit:     auditLog,
		notifier:  NewNotificationService(cfg.Notifications.Enabled),
		wsHub:     NewWSHub(),
		ctx:       ctx,
		cancel:    cancel,
	}
	return d, nil
}

// Start binds the peer listener and starts every component
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return fmt.Errorf("daemon already started")
	}

	slog.Info("Starting daemon",
		"name", d.identity.Name,
		"group", d.identity.Group,
		"instance", d.instance.ID,
		"policy", d.cfg.Policy())

	if d.psk.Len() == 0 {
		slog.Warn("No pre-shared key configured; any clipmesh instance in this group can authenticate. Set one with `clipmesh psk set`.")
	} else {
		slog.Debug("Pre-shared key loaded", "source", d.pskFrom, "locked", d.psk.Locked())
	}

	transport, err := protocol.NewTCPTransport(d.cfg.Daemon.ListenAddress, d.cfg.Daemon.Port)
	if err != nil {
		return protocol.TransportError("listen", err)
	}
	transport.SetDialTimeout(d.cfg.Daemon.ConnectionTimeout.D())
	d.transport = transport

	d.manager = NewManager(ManagerConfig{
		Identity:          d.identity,
		InstanceID:        d.instance.ID,
		PSK:               d.psk.Bytes(),
		HandshakeTimeout:  d.cfg.Daemon.ConnectionTimeout.D(),
		HeartbeatInterval: d.cfg.Daemon.HeartbeatInterval.D(),
		MaxFrameSize:      d.cfg.Daemon.MaxFrameSize,
		SendQueueSize:     d.cfg.Daemon.SendQueueSize,
		Reconnect: BackoffConfig{
			Initial:     d.cfg.Reconnect.InitialDelay.D(),
			Max:         d.cfg.Reconnect.MaxDelay.D(),
			MaxAttempts: d.cfg.Reconnect.MaxAttempts,
		},
	}, d.store, transport,
		WithMetrics(d.metrics),
		WithUpdateLimiter(d.updates),
		WithConnectionLimiter(d.connLimiter),
		WithEventSink(d.publish),
	)

	d.syncLoop = NewSyncLoop(d.clip, d.filter, d.manager, d.cfg.Clipboard.PollInterval.D(), d.metrics)
	d.syncLoop.SetEventSink(d.publish)

	d.intake = NewIntake(d.identity, d.instance.ID, config.DefaultPort, d.manager)

	// Write PID file
	if d.paths.PIDFile != "" {
		if err := os.WriteFile(d.paths.PIDFile, []byte(strconv.Itoa(os.Getpid())), 0600); err != nil {
			slog.Warn("Failed to write PID file", "error", err)
		}
	}

	d.ipcServer = NewIPCServer(d.paths.SocketPath, d)
	if err := d.ipcServer.Start(d.ctx); err != nil {
		transport.Close()
		return fmt.Errorf("start IPC server: %w", err)
	}

	d.startTime = time.Now()
	d.goRun(d.manager.Run)
	d.goRun(d.acceptLoop)
	d.goRun(func(ctx context.Context) { d.syncLoop.Run(ctx, d.manager.Inbound()) })
	d.goRun(d.wsHub.Run)
	d.goRun(d.cleanupLoop)
	d.goRun(NewSleepWatcher(d.onWake).Run)

	if d.cfg.Discovery.MDNS {
		d.mdns = NewMDNSService(d.identity, d.instance.ID, transport.Port(), d.cfg.Discovery.BrowseInterval.D())
		if err := d.mdns.Start(d.ctx); err != nil {
			// Manual peers still work.
			slog.Warn("mDNS discovery unavailable", "error", err)
			d.mdns = nil
		} else {
			sightings := d.mdns.Sightings()
			d.goRun(func(ctx context.Context) { d.intake.Run(ctx, sightings) })
		}
	}
	d.intake.AddManualPeers(d.cfg.Discovery.Peers)

	if d.cfg.Web.Enabled {
		d.webServer = NewWebServer(d, d.cfg.Web.Port)
		if err := d.webServer.Start(d.ctx); err != nil {
			slog.Warn("Web server unavailable", "error", err)
			d.webServer = nil
		}
	}

	d.started = true
	slog.Info("Daemon started", "listen", transport.Addr().String())
	d.audit.Log(audit.Event{
		Action:  audit.ActionDaemonStarted,
		Message: "Daemon started",
		Addr:    transport.Addr().String(),
		Details: map[string]any{
			"version":  d.version,
			"instance": d.instance.ID,
			"policy":   d.cfg.Policy().String(),
		},
	})
	return nil
}

func (d *Daemon) goRun(fn func(ctx context.Context)) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn(d.ctx)
	}()
}

func (d *Daemon) acceptLoop(ctx context.Context) {
	for {
		conn, err := d.transport.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("Accept failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		if err := d.manager.AcceptInbound(conn); err != nil {
			slog.Debug("Inbound connection refused", "error", err)
		}
	}
}

func (d *Daemon) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.connLimiter.Cleanup()
		}
	}
}

func (d *Daemon) onWake(gap time.Duration) {
	slog.Info("Redialing peers after wake", "slept", gap.Round(time.Second))
	d.manager.ResetBackoff()
}

// Run starts the daemon and blocks until a signal or a shutdown request
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		slog.Info("Received signal, shutting down", "signal", sig)
	case <-d.ctx.Done():
	}

	return d.Stop()
}

// Shutdown asks Run to return
func (d *Daemon) Shutdown() {
	d.cancel()
}

// Stop shuts every component down. Peer sockets are closed without a
// goodbye; peers notice through their read loop.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		d.cancel()
		d.audit.Close()
		return nil
	}
	d.started = false

	slog.Info("Stopping daemon")

	d.cancel()

	if d.webServer != nil {
		d.webServer.Stop()
	}
	if d.mdns != nil {
		d.mdns.Stop()
	}
	d.ipcServer.Stop()
	d.transport.Close()

	d.wg.Wait()
	d.psk.Wipe()

	if d.paths.PIDFile != "" {
		os.Remove(d.paths.PIDFile)
	}

	d.audit.Log(audit.Event{
		Action:  audit.ActionDaemonStopped,
		Message: "Daemon stopped",
		Details: map[string]any{"uptime": time.Since(d.startTime).Round(time.Second).String()},
	})
	d.audit.Close()

	slog.Info("Daemon stopped")
	return nil
}

// publish fans an event out to IPC subscribers and WebSocket clients
func (d *Daemon) publish(event *Event) {
	if d.ipcServer != nil {
		d.ipcServer.BroadcastEvent(event)
	}
	d.wsHub.Broadcast(event)
	d.journal(event)
	d.notifier.HandleEvent(event)
}

// Status returns the daemon's current status
func (d *Daemon) Status() *Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	now := time.Now()
	st := &Status{
		Running:    d.started,
		PID:        os.Getpid(),
		Version:    d.version,
		StartTime:  d.startTime,
		Name:       d.identity.Name,
		Group:      d.identity.Group,
		InstanceID: d.instance.ID,
		PSKSource:  string(d.pskFrom),
		Policy:     d.cfg.Policy().String(),
		Pairing:    d.pairingStatus(now),
		Trusted:    d.store.List(),
		Limiter:    d.connLimiter.Stats(),
	}
	if d.started {
		st.Uptime = now.Sub(d.startTime).Round(time.Second).String()
		st.ListenAddr = d.transport.Addr().String()
		st.Peers = d.manager.Peers()
		st.PeerCount = d.manager.ConnectedCount()
		st.Candidates = len(d.manager.Candidates())
		st.Clipboard = d.syncLoop.Last()
	}
	return st
}

func (d *Daemon) pairingStatus(now time.Time) PairingStatus {
	if !d.pairing.Active(now) {
		return PairingStatus{}
	}
	return PairingStatus{
		Open:      true,
		ExpiresAt: d.pairing.ExpiresAt(),
		Remaining: d.pairing.Remaining(now).Round(time.Second).String(),
	}
}

// OpenPairing trusts every peer that authenticates in the next duration.
// A zero duration uses security.pair_timeout.
func (d *Daemon) OpenPairing(duration time.Duration) PairingStatus {
	if duration <= 0 {
		duration = d.cfg.Security.PairTimeout.D()
	}
	now := time.Now()
	d.pairing.Open(now, duration)
	slog.Info("Pairing window opened", "duration", duration)

	st := d.pairingStatus(now)
	d.publish(NewEvent(EventPairingOpened, st))
	return st
}

// ClosePairing ends the pairing window early
func (d *Daemon) ClosePairing() {
	d.pairing.Close()
	slog.Info("Pairing window closed")
	d.publish(NewEvent(EventPairingClosed, PairingStatus{}))
}

// AddPeer dials a peer by address
func (d *Daemon) AddPeer(addr string) error {
	if !d.isStarted() {
		return fmt.Errorf("daemon not started")
	}
	return d.intake.AddManual(addr)
}

// Forget removes trust for id and drops its connection
func (d *Daemon) Forget(id protocol.PeerIdentity) (bool, error) {
	if err := d.store.Forget(id); err != nil {
		return false, err
	}
	d.updates.Forget(id.Key())
	disconnected := false
	if d.isStarted() {
		disconnected = d.manager.Disconnect(id)
	}
	slog.Info("Peer forgotten", "peer", id, "disconnected", disconnected)
	d.publish(NewEvent(EventPeerForgotten, peerForgotten{
		Name:         id.Name,
		Group:        id.Group,
		Disconnected: disconnected,
	}))
	return disconnected, nil
}

// Peers returns every connection, including ones still handshaking
func (d *Daemon) Peers() []PeerInfo {
	if !d.isStarted() {
		return []PeerInfo{}
	}
	return d.manager.Peers()
}

// MetricsSnapshot returns a snapshot of metrics and gauges
func (d *Daemon) MetricsSnapshot() *MetricsSnapshot {
	return d.metrics.Snapshot(d.gauges)
}

func (d *Daemon) gauges() GaugeMetrics {
	g := GaugeMetrics{
		PairingOpen: d.pairing.Active(time.Now()),
	}
	for _, r := range d.store.List() {
		if r.Trusted {
			g.TrustedPeers++
		}
	}
	if d.isStarted() {
		g.ConnectedPeers = d.manager.ConnectedCount()
		g.Candidates = len(d.manager.Candidates())
	}
	return g
}

func (d *Daemon) isStarted() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.started
}

// TrustStore returns the trust store
func (d *Daemon) TrustStore() *trust.Store {
	return d.store
}

// LogBuffer returns the log buffer
func (d *Daemon) LogBuffer() *LogBuffer {
	return d.logBuffer
}

// Audit returns the security event journal
func (d *Daemon) Audit() *audit.Logger {
	return d.audit
}

// Metrics returns the daemon metrics
func (d *Daemon) Metrics() *Metrics {
	return d.metrics
}

// Identity returns this instance's identity
func (d *Daemon) Identity() protocol.PeerIdentity {
	return d.identity
}

// ListenPort returns the bound peer port, or 0 before Start
func (d *Daemon) ListenPort() int {
	if !d.isStarted() {
		return 0
	}
	return d.transport.Port()
}
