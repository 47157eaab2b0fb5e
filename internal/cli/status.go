package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"clipmesh.dev/go/clipmesh/internal/client"
	"clipmesh.dev/go/clipmesh/internal/daemon"
	"clipmesh.dev/go/clipmesh/internal/tui"
)

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&jsonOutput, "json", false, "print the raw status as JSON")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show identity, peers, pairing and trust state",
	Long: `Display this instance's identity, connected peers, the pairing
window and the trust store.

Examples:
  clipmesh status
  clipmesh status --json`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := client.Connect()
	if err != nil {
		return client.ErrDaemonNotRunning
	}
	defer c.Close()

	status, err := c.Status()
	if err != nil {
		return fmt.Errorf("get status: %w", err)
	}

	if jsonOutput {
		return printJSON(status)
	}

	printStatus(status, time.Now())
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printStatus(s *daemon.Status, now time.Time) {
	const w = 12

	fmt.Println(tui.TitleStyle.Render("clipmesh") + " " + tui.LabelStyle.Render(s.Version))
	fmt.Println()
	fmt.Println(tui.Field("Device", w, tui.AccentStyle.Render(s.Group+"/"+s.Name)))
	fmt.Println(tui.Field("Instance", w, s.InstanceID))
	fmt.Println(tui.Field("Listening", w, s.ListenAddr))
	fmt.Println(tui.Field("Uptime", w, s.Uptime))
	fmt.Println(tui.Field("Trust", w, s.Policy))

	psk := s.PSKSource
	if psk == "none" {
		psk = tui.WarnStyle.Render("none (set one with `clipmesh psk set`)")
	}
	fmt.Println(tui.Field("Shared key", w, psk))

	pairing := tui.LabelStyle.Render("closed")
	if s.Pairing.Open {
		pairing = tui.OKStyle.Render("open") + fmt.Sprintf(" (%s left)", formatDuration(s.Pairing.ExpiresAt.Sub(now)))
	}
	fmt.Println(tui.Field("Pairing", w, pairing))

	if s.Clipboard != nil {
		from := s.Clipboard.Origin
		if from == "local" {
			from = "this machine"
		}
		fmt.Println(tui.Field("Clipboard", w, fmt.Sprintf("%s from %s, %s ago", formatBytes(int64(s.Clipboard.Size)), from, formatDuration(now.Sub(s.Clipboard.ObservedAt)))))
	}

	fmt.Println()
	fmt.Println(tui.TitleStyle.Render(fmt.Sprintf("Peers (%d connected, %d known)", s.PeerCount, s.Candidates)))
	if len(s.Peers) == 0 {
		fmt.Println(tui.DimStyle.Render("  No connections."))
	} else {
		fmt.Print(peerTable(s.Peers, now))
	}

	fmt.Println()
	fmt.Println(tui.TitleStyle.Render(fmt.Sprintf("Trusted (%d)", len(s.Trusted))))
	if len(s.Trusted) == 0 {
		fmt.Println(tui.DimStyle.Render("  No peers trusted yet."))
	} else {
		fmt.Print(trustTable(s.Trusted, now))
	}
}

func phaseStyle(phase string) string {
	switch phase {
	case "authenticated":
		return tui.OKStyle.Render(phase)
	case "failed":
		return tui.ErrorStyle.Render(phase)
	case "closed":
		return tui.LabelStyle.Render(phase)
	default:
		return tui.WarnStyle.Render(phase)
	}
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		return "0s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		hours := int(d.Hours())
		mins := int(d.Minutes()) % 60
		if mins > 0 {
			return fmt.Sprintf("%dh %dm", hours, mins)
		}
		return fmt.Sprintf("%dh", hours)
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}

func formatBytes(n int64) string {
	switch {
	case n < 1024:
		return fmt.Sprintf("%d B", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.1f KiB", float64(n)/1024)
	default:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1024*1024))
	}
}
