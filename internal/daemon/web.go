package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"clipmesh.dev/go/clipmesh/internal/audit"
	"clipmesh.dev/go/clipmesh/internal/trust"
)

// WebServer serves the local status API, the event stream and metrics.
// It only ever listens on loopback.
type WebServer struct {
	daemon *Daemon
	server *http.Server
}

// NewWebServer creates a web server for d on 127.0.0.1:port
func NewWebServer(d *Daemon, port int) *WebServer {
	ws := &WebServer{daemon: d}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", ws.handleStatus)
	mux.HandleFunc("/api/peers", ws.handlePeers)
	mux.HandleFunc("/api/trust", ws.handleTrust)
	mux.HandleFunc("/api/pair", ws.handlePair)
	mux.HandleFunc("/api/metrics", ws.handleMetrics)
	mux.HandleFunc("/api/logs", ws.handleLogs)
	mux.HandleFunc("/api/logs/stats", ws.handleLogStats)
	mux.HandleFunc("/api/audit", ws.handleAudit)
	mux.HandleFunc("/ws", d.wsHub.HandleWebSocket)
	mux.Handle("/metrics", MetricsHandler(d.metrics, d.gauges))
	mux.HandleFunc("/", ws.handleIndex)

	ws.server = &http.Server{
		Addr:         net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		Handler:      localOnly(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return ws
}

// Start binds the listener and serves in the background
func (ws *WebServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", ws.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", ws.server.Addr, err)
	}
	slog.Info("Web server listening", "addr", ln.Addr().String())

	go func() {
		if err := ws.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Web server error", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down
func (ws *WebServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws.server.Shutdown(ctx)
}

// localOnly rejects requests whose Host is not loopback. It stops a web
// page on another origin from reaching the API through DNS rebinding.
func localOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		if !isLoopbackHost(host) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// UIFilesystem holds the status page assets. The binary embeds them; when
// nil a plain summary page is served.
var UIFilesystem fs.FS

func (ws *WebServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	if UIFilesystem != nil {
		http.FileServer(http.FS(UIFilesystem)).ServeHTTP(w, r)
		return
	}
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	st := ws.daemon.Status()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<html><body><h1>clipmesh</h1><p>%s/%s: %d peer(s) connected</p>"+
		"<p>API: /api/status /api/peers /api/trust /api/logs /metrics /ws</p></body></html>",
		st.Group, st.Name, st.PeerCount)
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	ws.jsonResponse(w, ws.daemon.Status())
}

func (ws *WebServer) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		var body struct {
			Addr string `json:"addr"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			ws.errorResponse(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if err := ws.daemon.AddPeer(body.Addr); err != nil {
			ws.errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		ws.jsonResponse(w, map[string]bool{"ok": true})
		return
	}

	ws.jsonResponse(w, ws.daemon.Peers())
}

func (ws *WebServer) handleTrust(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		ws.jsonResponse(w, ws.daemon.TrustStore().List())
	case http.MethodDelete:
		id, err := ParsePeerIdentity(r.URL.Query().Get("peer"), ws.daemon.Identity().Group)
		if err != nil {
			ws.errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		disconnected, err := ws.daemon.Forget(id)
		if errors.Is(err, trust.ErrNotFound) {
			ws.errorResponse(w, http.StatusNotFound, err.Error())
			return
		}
		if err != nil {
			ws.errorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		ws.jsonResponse(w, map[string]any{"forgotten": id.String(), "disconnected": disconnected})
	default:
		ws.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (ws *WebServer) handlePair(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		ws.jsonResponse(w, ws.daemon.Status().Pairing)
	case http.MethodPost:
		var d time.Duration
		if v := r.URL.Query().Get("duration"); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil || parsed <= 0 {
				ws.errorResponse(w, http.StatusBadRequest, "invalid duration")
				return
			}
			d = parsed
		}
		ws.jsonResponse(w, ws.daemon.OpenPairing(d))
	case http.MethodDelete:
		ws.daemon.ClosePairing()
		ws.jsonResponse(w, map[string]bool{"closed": true})
	default:
		ws.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (ws *WebServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ws.jsonResponse(w, ws.daemon.MetricsSnapshot())
}

func (ws *WebServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	opts := QueryOpts{
		Limit: 500,
	}

	q := r.URL.Query()
	if level := q.Get("level"); level != "" {
		opts.Level = strings.ToUpper(level)
	}
	opts.Peer = q.Get("peer")
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			opts.Since = &t
		}
	}
	if until := q.Get("until"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			opts.Until = &t
		}
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 && n <= LogBufferSize {
			opts.Limit = n
		}
	}

	entries := ws.daemon.LogBuffer().Query(opts)
	ws.jsonResponse(w, map[string]any{
		"entries": entries,
		"count":   len(entries),
		"total":   ws.daemon.LogBuffer().Count(),
	})
}

func (ws *WebServer) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	opts := audit.QueryOpts{
		Category: q.Get("category"),
		Peer:     q.Get("peer"),
		Search:   q.Get("q"),
		Limit:    200,
	}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			opts.Since = &t
		}
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 && n <= audit.DefaultBufferSize {
			opts.Limit = n
		}
	}

	entries := ws.daemon.Audit().Query(opts)
	ws.jsonResponse(w, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

func (ws *WebServer) handleLogStats(w http.ResponseWriter, r *http.Request) {
	all := ws.daemon.LogBuffer().Query(QueryOpts{})

	stats := map[string]int{
		"total": len(all),
		"debug": 0,
		"info":  0,
		"warn":  0,
		"error": 0,
	}
	for _, entry := range all {
		stats[strings.ToLower(entry.Level)]++
	}
	ws.jsonResponse(w, stats)
}

func (ws *WebServer) jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (ws *WebServer) errorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
