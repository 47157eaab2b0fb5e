package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"clipmesh.dev/go/clipmesh/internal/client"
	"clipmesh.dev/go/clipmesh/internal/config"
	"clipmesh.dev/go/clipmesh/internal/daemon"
	"clipmesh.dev/go/clipmesh/internal/service"
	"clipmesh.dev/go/clipmesh/internal/tui"
)

var daemonLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View daemon logs",
	Long: `View recent daemon logs.

Logs come from the running daemon's in-memory buffer. When the daemon is
not running, the service log file is shown instead.

In interactive mode, use arrow keys to navigate, / to search,
1-5 to filter by level, and q to quit.

Examples:
  clipmesh daemon logs
  clipmesh daemon logs --level warn
  clipmesh daemon logs --peer home/laptop --since 10m
  clipmesh daemon logs --follow
  clipmesh daemon logs --format json`,
	RunE: runDaemonLogs,
}

func init() {
	daemonLogsCmd.Flags().String("level", "", "minimum level (debug, info, warn, error)")
	daemonLogsCmd.Flags().String("peer", "", "only entries about this peer (group/name)")
	daemonLogsCmd.Flags().String("since", "", "only entries newer than this (e.g. 5m, 1h)")
	daemonLogsCmd.Flags().String("format", "", "output format (tui, table, json); tui when stdout is a terminal")
	daemonLogsCmd.Flags().Bool("follow", false, "follow new logs (like tail -f)")
	daemonLogsCmd.Flags().Int("limit", 500, "maximum entries to show")
	daemonCmd.AddCommand(daemonLogsCmd)
}

func runDaemonLogs(cmd *cobra.Command, args []string) error {
	query := buildLogQuery(cmd)
	if query.Since != "" {
		if _, err := time.ParseDuration(query.Since); err != nil {
			return fmt.Errorf("invalid --since %q: %w", query.Since, err)
		}
	}

	format, _ := cmd.Flags().GetString("format")
	follow, _ := cmd.Flags().GetBool("follow")

	c, err := client.Connect()
	if err != nil {
		return showServiceLogs(query.Limit)
	}
	defer c.Close()

	if follow {
		return followLogs(c, query)
	}

	if format == "" {
		format = "table"
		if tui.IsStdoutTerminal() {
			format = "tui"
		}
	}

	switch format {
	case "json":
		entries, err := c.Logs(query)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	case "table":
		entries, err := c.Logs(query)
		if err != nil {
			return err
		}
		printLogTable(entries)
		return nil
	case "tui":
		p := tea.NewProgram(newLogModel(c, query), tea.WithAltScreen())
		_, err := p.Run()
		return err
	default:
		return fmt.Errorf("unknown format: %s", format)
	}
}

func buildLogQuery(cmd *cobra.Command) client.LogQuery {
	var q client.LogQuery
	if level, _ := cmd.Flags().GetString("level"); level != "" {
		q.Level = strings.ToUpper(level)
	}
	q.Peer, _ = cmd.Flags().GetString("peer")
	q.Since, _ = cmd.Flags().GetString("since")
	q.Limit, _ = cmd.Flags().GetInt("limit")
	return q
}

func showServiceLogs(lines int) error {
	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}

	out, err := service.NewInstaller(service.Options{LogFile: paths.LogFile()}).Logs(lines)
	if err != nil {
		return fmt.Errorf("%w; no log file available: %v", client.ErrDaemonNotRunning, err)
	}
	fmt.Fprintln(os.Stderr, "Daemon is not running; showing the service log.")
	fmt.Println(out)
	return nil
}

// --- Table Output ---

func printLogTable(entries []daemon.LogEntry) {
	for _, e := range entries {
		fmt.Println(formatLogLine(e))
	}
}

func formatLogLine(e daemon.LogEntry) string {
	line := fmt.Sprintf("%s  %-5s  %s", e.Timestamp.Format("15:04:05"), e.Level, e.Message)
	if fields := formatLogFields(e.Fields); fields != "" {
		line += "  " + fields
	}
	return line
}

func formatLogFields(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, fields[k])
	}
	return strings.Join(parts, " ")
}

// matchesSearch reports whether the message or any field contains text
func matchesSearch(e daemon.LogEntry, text string) bool {
	if text == "" {
		return true
	}
	text = strings.ToLower(text)
	if strings.Contains(strings.ToLower(e.Message), text) {
		return true
	}
	return strings.Contains(strings.ToLower(formatLogFields(e.Fields)), text)
}

// --- Follow Mode ---

func followLogs(c *client.Client, query client.LogQuery) error {
	entries, err := c.Logs(query)
	if err != nil {
		return err
	}
	var last time.Time
	for _, e := range entries {
		fmt.Println(formatLogLine(e))
		last = e.Timestamp
	}

	fmt.Fprintln(os.Stderr, "--- Following logs (Ctrl+C to stop) ---")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	// The daemon filters by age, so ask for a window that covers the
	// poll interval and drop what has been printed already.
	poll := query
	poll.Since = "5s"
	poll.Limit = 0
	for range ticker.C {
		entries, err := c.Logs(poll)
		if err != nil {
			return fmt.Errorf("daemon went away: %w", err)
		}
		for _, e := range entries {
			if e.Timestamp.After(last) {
				fmt.Println(formatLogLine(e))
				last = e.Timestamp
			}
		}
	}
	return nil
}

// --- TUI Model ---

type logModel struct {
	client      *client.Client
	entries     []daemon.LogEntry
	viewport    viewport.Model
	searchInput textinput.Model
	query       client.LogQuery
	search      string
	err         error
	width       int
	height      int
	searching   bool
	selected    int
	showDetails bool
	ready       bool
}

type logsLoadedMsg struct {
	entries []daemon.LogEntry
	err     error
}

func newLogModel(c *client.Client, query client.LogQuery) logModel {
	ti := textinput.New()
	ti.Placeholder = "Search..."
	ti.Width = 30

	return logModel{
		client:      c,
		query:       query,
		searchInput: ti,
	}
}

func (m logModel) Init() tea.Cmd {
	return m.loadLogs
}

func (m logModel) loadLogs() tea.Msg {
	entries, err := m.client.Logs(m.query)
	return logsLoadedMsg{entries: entries, err: err}
}

// visible returns the loaded entries that match the search text
func (m logModel) visible() []daemon.LogEntry {
	if m.search == "" {
		return m.entries
	}
	var out []daemon.LogEntry
	for _, e := range m.entries {
		if matchesSearch(e, m.search) {
			out = append(out, e)
		}
	}
	return out
}

func (m logModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		headerHeight := 2
		footerHeight := 2
		m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)
		m.viewport.SetContent(m.renderLogs())
		m.ready = true
		return m, nil

	case tea.KeyMsg:
		if m.searching {
			switch msg.String() {
			case "enter":
				m.search = m.searchInput.Value()
				m.searching = false
				m.selected = 0
				m.viewport.SetContent(m.renderLogs())
				return m, nil
			case "esc":
				m.searching = false
				m.searchInput.SetValue("")
				return m, nil
			}
			var cmd tea.Cmd
			m.searchInput, cmd = m.searchInput.Update(msg)
			return m, cmd
		}

		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "/":
			m.searching = true
			m.searchInput.Focus()
			return m, nil
		case "up", "k":
			if m.selected > 0 {
				m.selected--
				m.viewport.SetContent(m.renderLogs())
			}
		case "down", "j":
			if m.selected < len(m.visible())-1 {
				m.selected++
				m.viewport.SetContent(m.renderLogs())
			}
		case "enter":
			m.showDetails = !m.showDetails
			m.viewport.SetContent(m.renderLogs())
		case "r":
			return m, m.loadLogs
		case "1":
			m.query.Level = ""
			return m, m.loadLogs
		case "2":
			m.query.Level = "DEBUG"
			return m, m.loadLogs
		case "3":
			m.query.Level = "INFO"
			return m, m.loadLogs
		case "4":
			m.query.Level = "WARN"
			return m, m.loadLogs
		case "5":
			m.query.Level = "ERROR"
			return m, m.loadLogs
		case "esc":
			m.query.Level = ""
			m.query.Peer = ""
			m.search = ""
			return m, m.loadLogs
		case "pgup":
			m.viewport.ViewUp()
		case "pgdown":
			m.viewport.ViewDown()
		case "home":
			m.selected = 0
			m.viewport.SetContent(m.renderLogs())
		case "end":
			if n := len(m.visible()); n > 0 {
				m.selected = n - 1
				m.viewport.SetContent(m.renderLogs())
			}
		}

	case logsLoadedMsg:
		m.entries = msg.entries
		m.err = msg.err
		m.selected = 0
		if m.ready {
			m.viewport.SetContent(m.renderLogs())
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m logModel) View() string {
	if !m.ready {
		return "Loading..."
	}

	var b strings.Builder
	sepStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(sepStyle.Render(strings.Repeat("─", m.width)))
	b.WriteString("\n")

	b.WriteString(m.viewport.View())
	b.WriteString("\n")

	b.WriteString(sepStyle.Render(strings.Repeat("─", m.width)))
	b.WriteString("\n")

	if m.searching {
		b.WriteString("Search: ")
		b.WriteString(m.searchInput.View())
	} else {
		helpStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
		b.WriteString(helpStyle.Render("[↑↓] Navigate  [Enter] Details  [/] Search  [1-5] Level  [r] Refresh  [esc] Clear  [q] Quit"))
	}

	return b.String()
}

func (m logModel) renderHeader() string {
	titleStyle := lipgloss.NewStyle().Bold(true)
	filterStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	countStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("3"))

	levelStr := "ALL"
	if m.query.Level != "" {
		levelStr = m.query.Level
	}

	header := titleStyle.Render("Daemon Logs") + "  "
	header += filterStyle.Render(fmt.Sprintf("Level: [%s]", levelStr))
	if m.query.Peer != "" {
		header += filterStyle.Render(fmt.Sprintf("  Peer: [%s]", m.query.Peer))
	}
	if m.search != "" {
		header += filterStyle.Render(fmt.Sprintf("  Search: [%s]", m.search))
	}
	header += "  " + countStyle.Render(fmt.Sprintf("(%d entries)", len(m.visible())))

	return header
}

func levelStyle(level string) lipgloss.Style {
	switch level {
	case "DEBUG":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	case "WARN":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	case "ERROR":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	}
}

func (m logModel) renderLogs() string {
	if m.err != nil {
		errorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
		return errorStyle.Render("Failed to load logs: " + m.err.Error())
	}

	entries := m.visible()
	if len(entries) == 0 {
		emptyStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
		return emptyStyle.Render("No log entries found matching the current filters.")
	}

	timeStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	fieldStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	selectedStyle := lipgloss.NewStyle().Background(lipgloss.Color("237"))

	var b strings.Builder
	for i, e := range entries {
		summary := e.Message
		if peer, ok := e.Fields["peer"]; ok {
			summary += fmt.Sprintf(" (%v)", peer)
		}
		if maxLen := m.width - 20; maxLen > 3 && len(summary) > maxLen {
			summary = summary[:maxLen-3] + "..."
		}

		line := timeStyle.Render(e.Timestamp.Format("15:04:05")) + "  "
		line += levelStyle(e.Level).Render(fmt.Sprintf("%-5s", e.Level)) + "  "
		line += summary

		if i == m.selected {
			if padding := m.width - lipgloss.Width(line); padding > 0 {
				line += strings.Repeat(" ", padding)
			}
			line = selectedStyle.Render(line)
		}

		b.WriteString(line)
		b.WriteString("\n")

		if i == m.selected && m.showDetails && len(e.Fields) > 0 {
			b.WriteString(lipgloss.NewStyle().PaddingLeft(4).Render(fieldStyle.Render(formatLogFields(e.Fields))))
			b.WriteString("\n")
		}
	}

	return b.String()
}
