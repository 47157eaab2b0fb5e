package cli

import (
	"encoding/json"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"clipmesh.dev/go/clipmesh/internal/client"
	"clipmesh.dev/go/clipmesh/internal/daemon"
	"clipmesh.dev/go/clipmesh/internal/tui"
)

var pairDuration time.Duration

func init() {
	rootCmd.AddCommand(pairCmd)
	pairCmd.AddCommand(pairCloseCmd)
	pairCmd.Flags().DurationVar(&pairDuration, "duration", 0, "how long to accept new peers (default security.pair_timeout)")
}

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Accept new peers for a short time",
	Long: `Open a pairing window. While it is open, peers that authenticate
with the shared key are trusted even when the trust policy would not
admit them.

Run 'clipmesh pair' on both machines to pair them under the
pairing-only policy.

Examples:
  clipmesh pair
  clipmesh pair --duration 5m
  clipmesh pair close`,
	Args: cobra.NoArgs,
	RunE: runPair,
}

var pairCloseCmd = &cobra.Command{
	Use:   "close",
	Short: "Close the pairing window",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.Connect()
		if err != nil {
			return client.ErrDaemonNotRunning
		}
		defer c.Close()

		if err := c.PairClose(); err != nil {
			return fmt.Errorf("close pairing: %w", err)
		}
		fmt.Println("Pairing window closed.")
		return nil
	},
}

func runPair(cmd *cobra.Command, args []string) error {
	c, err := client.Connect()
	if err != nil {
		return client.ErrDaemonNotRunning
	}
	defer c.Close()

	st, err := c.PairOpen(pairDuration)
	if err != nil {
		return fmt.Errorf("open pairing: %w", err)
	}

	if !tui.IsStdoutTerminal() {
		fmt.Printf("Pairing window open until %s.\n", st.ExpiresAt.Local().Format(time.Kitchen))
		return nil
	}

	total := pairDuration
	if remaining, err := time.ParseDuration(st.Remaining); err == nil && remaining > total {
		total = remaining
	}

	events, err := pairingEvents()
	if err != nil {
		// The countdown still works without the live peer list.
		events = nil
	}

	final, err := tea.NewProgram(tui.NewPairingModel(st.ExpiresAt, total, events)).Run()
	if err != nil {
		return err
	}

	model := final.(tui.PairingModel)
	if model.Cancelled() {
		if err := c.PairClose(); err != nil {
			return fmt.Errorf("close pairing: %w", err)
		}
	}

	switch n := len(model.Paired()); n {
	case 0:
		fmt.Println("No new peers paired.")
	case 1:
		fmt.Println("Paired 1 peer.")
	default:
		fmt.Printf("Paired %d peers.\n", n)
	}
	return nil
}

// pairingEvents streams the keys of peers trusted through pairing. The
// channel closes when the daemon closes the window or the connection ends.
func pairingEvents() (<-chan string, error) {
	sub, err := client.Connect()
	if err != nil {
		return nil, err
	}
	if err := sub.Subscribe(); err != nil {
		sub.Close()
		return nil, err
	}

	out := make(chan string, 8)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			ev, err := sub.ReadEvent()
			if err != nil {
				return
			}
			switch ev.Event {
			case daemon.EventPairingClosed:
				return
			case daemon.EventPeerTrusted:
				var p struct {
					Name   string `json:"name"`
					Group  string `json:"group"`
					Reason string `json:"reason"`
				}
				if json.Unmarshal(ev.Payload, &p) == nil && p.Reason == "pairing" {
					out <- p.Group + "/" + p.Name
				}
			}
		}
	}()
	return out, nil
}
