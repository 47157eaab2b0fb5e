package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"clipmesh.dev/go/clipmesh/internal/client"
	"clipmesh.dev/go/clipmesh/internal/daemon"
	"clipmesh.dev/go/clipmesh/internal/tui"
)

func init() {
	rootCmd.AddCommand(peersCmd)
	peersCmd.AddCommand(peersAddCmd)
	peersCmd.Flags().BoolVar(&jsonOutput, "json", false, "print peers as JSON")
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List peer connections",
	Long: `List every connection the daemon holds, including ones still
authenticating.

Examples:
  clipmesh peers
  clipmesh peers add 192.168.1.20
  clipmesh peers add desktop.local:34254`,
	Args: cobra.NoArgs,
	RunE: runPeers,
}

var peersAddCmd = &cobra.Command{
	Use:   "add <host[:port]>",
	Short: "Connect to a peer by address",
	Long: `Ask the daemon to connect to a peer that mDNS cannot see, for
example across subnets. The default port is used when none is given.
Add the address to discovery.peers in the config to make it permanent.`,
	Args: cobra.ExactArgs(1),
	RunE: runPeersAdd,
}

func runPeers(cmd *cobra.Command, args []string) error {
	c, err := client.Connect()
	if err != nil {
		return client.ErrDaemonNotRunning
	}
	defer c.Close()

	peers, err := c.Peers()
	if err != nil {
		return fmt.Errorf("list peers: %w", err)
	}

	if jsonOutput {
		return printJSON(peers)
	}

	if len(peers) == 0 {
		fmt.Println("No peer connections.")
		fmt.Println()
		fmt.Println("Peers on the same network are found automatically. For other")
		fmt.Println("networks, use 'clipmesh peers add <host[:port]>'.")
		return nil
	}

	fmt.Print(peerTable(peers, time.Now()))
	return nil
}

func peerTable(peers []daemon.PeerInfo, now time.Time) string {
	rows := make([][]string, 0, len(peers))
	for _, p := range peers {
		name := "?"
		if p.Name != "" {
			name = p.Group + "/" + p.Name
		}
		since := formatDuration(now.Sub(p.StartedAt))
		if p.AuthenticatedAt != nil {
			since = formatDuration(now.Sub(*p.AuthenticatedAt))
		}
		rows = append(rows, []string{
			name,
			p.Addr,
			p.Role,
			phaseStyle(p.Phase),
			since,
			strconv.FormatInt(p.UpdatesIn, 10) + "/" + strconv.FormatInt(p.UpdatesOut, 10),
		})
	}
	return tui.Table([]string{"PEER", "ADDRESS", "ROLE", "STATE", "FOR", "IN/OUT"}, rows)
}

func runPeersAdd(cmd *cobra.Command, args []string) error {
	c, err := client.Connect()
	if err != nil {
		return client.ErrDaemonNotRunning
	}
	defer c.Close()

	if err := c.AddPeer(args[0]); err != nil {
		return fmt.Errorf("add peer: %w", err)
	}
	fmt.Printf("Connecting to %s. Check 'clipmesh peers' for progress.\n", args[0])
	return nil
}
