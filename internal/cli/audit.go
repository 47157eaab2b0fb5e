package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"clipmesh.dev/go/clipmesh/internal/audit"
	"clipmesh.dev/go/clipmesh/internal/client"
	"clipmesh.dev/go/clipmesh/internal/tui"
)

var (
	auditCategory string
	auditPeer     string
	auditSince    time.Duration
	auditSearch   string
	auditLimit    int
)

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.Flags().StringVar(&auditCategory, "category", "", "only show one category (peer, pairing, daemon)")
	auditCmd.Flags().StringVar(&auditPeer, "peer", "", "only show events for a peer (name or group/name)")
	auditCmd.Flags().DurationVar(&auditSince, "since", 0, "only show events newer than this (e.g. 24h)")
	auditCmd.Flags().StringVarP(&auditSearch, "search", "s", "", "only show events containing text")
	auditCmd.Flags().IntVarP(&auditLimit, "limit", "n", 50, "maximum number of events")
	auditCmd.Flags().BoolVar(&jsonOutput, "json", false, "print events as JSON")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the security journal",
	Long: `Show trust and pairing history: peers trusted, rejected and
forgotten, pairing windows, and daemon restarts. Newest first.

The journal is read from disk when the daemon is not running.

Examples:
  clipmesh audit
  clipmesh audit --category peer --since 24h
  clipmesh audit --peer laptop --json`,
	Args: cobra.NoArgs,
	RunE: runAudit,
}

func runAudit(cmd *cobra.Command, args []string) error {
	if auditCategory != "" && !validCategory(auditCategory) {
		return fmt.Errorf("unknown category %q (valid: %s)", auditCategory, strings.Join(audit.AllCategories(), ", "))
	}

	events, err := queryAudit()
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(events)
	}
	if len(events) == 0 {
		fmt.Println("No matching events.")
		return nil
	}
	fmt.Print(auditTable(events))
	return nil
}

func queryAudit() ([]audit.Event, error) {
	q := client.AuditQuery{
		Category: auditCategory,
		Peer:     auditPeer,
		Search:   auditSearch,
		Limit:    auditLimit,
	}
	if auditSince > 0 {
		q.Since = auditSince.String()
	}

	if c, err := client.Connect(); err == nil {
		defer c.Close()
		events, err := c.Audit(q)
		if err != nil {
			return nil, fmt.Errorf("query audit log: %w", err)
		}
		return events, nil
	}

	cfg, paths, err := loadConfig()
	if err != nil {
		return nil, err
	}
	opts := audit.QueryOpts{
		Category: auditCategory,
		Search:   auditSearch,
		Limit:    auditLimit,
	}
	if auditPeer != "" {
		peer := auditPeer
		if !strings.Contains(peer, "/") {
			peer = cfg.Device.Group + "/" + peer
		}
		opts.Peer = peer
	}
	if auditSince > 0 {
		t := time.Now().Add(-auditSince)
		opts.Since = &t
	}
	return audit.ReadFile(paths.AuditFile, opts)
}

func validCategory(c string) bool {
	for _, known := range audit.AllCategories() {
		if c == known {
			return true
		}
	}
	return false
}

func auditTable(events []audit.Event) string {
	rows := make([][]string, 0, len(events))
	for _, e := range events {
		detail := e.Message
		if e.Error != "" {
			detail += ": " + e.Error
		} else if len(e.Details) > 0 {
			detail += " " + tui.DimStyle.Render(formatLogFields(e.Details))
		}
		rows = append(rows, []string{
			tui.DimStyle.Render(e.Timestamp.Local().Format("2006-01-02 15:04:05")),
			levelStyle(e.Level).Render(e.Action),
			e.Peer,
			e.Addr,
			detail,
		})
	}
	return tui.Table([]string{"TIME", "ACTION", "PEER", "ADDRESS", "DETAIL"}, rows)
}
