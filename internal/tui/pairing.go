package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

// PairedMsg reports a peer trusted through the pairing window
type PairedMsg struct {
	Peer string
}

// PairingClosedMsg reports that the daemon closed the window
type PairingClosedMsg struct{}

type pairingTickMsg time.Time

// PairingModel shows the time left in a pairing window and the peers
// that were trusted while it was open.
type PairingModel struct {
	expiresAt time.Time
	total     time.Duration
	now       func() time.Time

	spinner  spinner.Model
	progress progress.Model
	events   <-chan string

	paired    []string
	done      bool
	cancelled bool
}

// NewPairingModel creates a countdown for a window of length total that
// closes at expiresAt. Peer keys received on events are listed as they
// pair; a closed channel ends the countdown.
func NewPairingModel(expiresAt time.Time, total time.Duration, events <-chan string) PairingModel {
	return PairingModel{
		expiresAt: expiresAt,
		total:     total,
		now:       time.Now,
		spinner:   spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(AccentStyle)),
		progress:  progress.New(progress.WithDefaultGradient(), progress.WithWidth(40), progress.WithoutPercentage()),
		events:    events,
	}
}

// Paired returns the peers trusted while the model ran
func (m PairingModel) Paired() []string {
	return m.paired
}

// Cancelled reports whether the user quit before the window expired
func (m PairingModel) Cancelled() bool {
	return m.cancelled
}

func (m PairingModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, pairingTick(), waitForPeer(m.events))
}

func pairingTick() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg {
		return pairingTickMsg(t)
	})
}

func waitForPeer(events <-chan string) tea.Cmd {
	if events == nil {
		return nil
	}
	return func() tea.Msg {
		peer, ok := <-events
		if !ok {
			return PairingClosedMsg{}
		}
		return PairedMsg{Peer: peer}
	}
}

func (m PairingModel) remaining() time.Duration {
	return max(m.expiresAt.Sub(m.now()), 0)
}

func (m PairingModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.cancelled = true
			m.done = true
			return m, tea.Quit
		}

	case pairingTickMsg:
		if m.remaining() == 0 {
			m.done = true
			return m, tea.Quit
		}
		return m, pairingTick()

	case PairedMsg:
		m.paired = append(m.paired, msg.Peer)
		return m, waitForPeer(m.events)

	case PairingClosedMsg:
		m.done = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m PairingModel) View() string {
	var b strings.Builder

	if m.done {
		b.WriteString(TitleStyle.Render("Pairing window closed"))
	} else {
		b.WriteString(m.spinner.View())
		b.WriteString(" ")
		b.WriteString(TitleStyle.Render("Pairing window open"))
	}
	b.WriteString("\n\n")

	left := m.remaining()
	fraction := 0.0
	if m.total > 0 {
		fraction = float64(left) / float64(m.total)
	}
	b.WriteString("  ")
	b.WriteString(m.progress.ViewAs(fraction))
	b.WriteString("  ")
	b.WriteString(AccentStyle.Render(left.Round(time.Second).String()))
	b.WriteString("\n\n")

	if len(m.paired) == 0 {
		b.WriteString(DimStyle.Render("  Waiting for peers. Run `clipmesh pair` on the other machine."))
		b.WriteString("\n")
	} else {
		for _, p := range m.paired {
			b.WriteString(fmt.Sprintf("  %s %s\n", OKStyle.Render("✓"), p))
		}
	}

	if !m.done {
		b.WriteString("\n")
		b.WriteString(LabelStyle.Render("  [q] close the window"))
		b.WriteString("\n")
	}
	return b.String()
}
