package daemon

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"clipmesh.dev/go/clipmesh/internal/protocol"
)

// rejectionNotifyInterval limits how often a repeatedly failing peer is
// reported on the desktop.
const rejectionNotifyInterval = 10 * time.Minute

// Notifier shows a desktop notification
type Notifier interface {
	Notify(title, body string) error
}

// commandNotifier runs the first notification tool that succeeds
type commandNotifier struct {
	goos string
}

// notifyCommands lists the candidate commands for goos, in order of preference
func notifyCommands(goos, title, body string) [][]string {
	switch goos {
	case "darwin":
		return [][]string{
			{"osascript", "-e", fmt.Sprintf("display notification %q with title %q", body, title)},
		}
	case "windows":
		// Single quotes are doubled inside PowerShell string literals.
		q := func(s string) string { return "'" + strings.ReplaceAll(s, "'", "''") + "'" }
		script := "Add-Type -AssemblyName System.Windows.Forms; " +
			"$n = New-Object System.Windows.Forms.NotifyIcon; " +
			"$n.Icon = [System.Drawing.SystemIcons]::Information; " +
			"$n.Visible = $true; " +
			"$n.ShowBalloonTip(5000, " + q(title) + ", " + q(body) + ", 'Info'); " +
			"Start-Sleep -Seconds 6; $n.Dispose()"
		return [][]string{
			{"powershell", "-NoProfile", "-NonInteractive", "-Command", script},
		}
	case "linux", "freebsd", "openbsd", "netbsd":
		return [][]string{
			{"notify-send", "--app-name=clipmesh", title, body},
			{"kdialog", "--passivepopup", body, "5", "--title", title},
			{"zenity", "--notification", "--text=" + title + "\n" + body},
		}
	}
	return nil
}

func (n *commandNotifier) Notify(title, body string) error {
	candidates := notifyCommands(n.goos, title, body)
	if len(candidates) == 0 {
		return fmt.Errorf("notifications not supported on %s", n.goos)
	}

	var lastErr error
	for _, argv := range candidates {
		path, err := exec.LookPath(argv[0])
		if err != nil {
			lastErr = err
			continue
		}
		if err := exec.Command(path, argv[1:]...).Run(); err != nil {
			slog.Debug("Notification command failed", "command", argv[0], "error", err)
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("no notification method available: %w", lastErr)
}

// NotificationService turns daemon events into desktop notifications.
// Only events that need the user's attention are shown: a peer paired,
// or a peer failing to authenticate, which usually means the shared keys
// differ.
type NotificationService struct {
	notifier Notifier
	enabled  bool
	now      func() time.Time

	mu       sync.Mutex
	rejected map[string]time.Time // addr or peer -> last notified
}

// NewNotificationService creates a new notification service
func NewNotificationService(enabled bool) *NotificationService {
	return newNotificationService(enabled, &commandNotifier{goos: runtime.GOOS})
}

func newNotificationService(enabled bool, n Notifier) *NotificationService {
	return &NotificationService{
		notifier: n,
		enabled:  enabled,
		now:      time.Now,
		rejected: make(map[string]time.Time),
	}
}

// HandleEvent shows a notification for event if it warrants one. Returns
// false when nothing was shown.
func (s *NotificationService) HandleEvent(event *Event) bool {
	if !s.enabled {
		return false
	}

	var title, body string
	switch event.Event {
	case EventPeerTrusted:
		var p struct {
			Name   string `json:"name"`
			Group  string `json:"group"`
			Reason string `json:"reason"`
		}
		if json.Unmarshal(event.Payload, &p) != nil || p.Reason != "pairing" {
			return false
		}
		title = "clipmesh: peer paired"
		body = fmt.Sprintf("%s/%s can now share your clipboard", p.Group, p.Name)

	case EventPeerRejected:
		var p PeerRejection
		if json.Unmarshal(event.Payload, &p) != nil || p.Kind != protocol.KindAuthFailure.String() {
			return false
		}
		who := p.Peer
		if who == "" {
			who = p.Addr
		}
		if !s.shouldReport(who) {
			return false
		}
		title = "clipmesh: authentication failed"
		body = fmt.Sprintf("%s could not prove the shared key. Check that both devices use the same key.", who)

	default:
		return false
	}

	go func() {
		if err := s.notifier.Notify(title, body); err != nil {
			slog.Debug("Notification failed", "error", err)
		}
	}()
	return true
}

func (s *NotificationService) shouldReport(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if last, ok := s.rejected[key]; ok && now.Sub(last) < rejectionNotifyInterval {
		return false
	}
	s.rejected[key] = now
	return true
}
