package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"clipmesh.dev/go/clipmesh/internal/client"
	"clipmesh.dev/go/clipmesh/internal/trust"
	"clipmesh.dev/go/clipmesh/internal/tui"
)

func init() {
	rootCmd.AddCommand(trustCmd)
	trustCmd.AddCommand(trustListCmd)
	trustCmd.AddCommand(trustForgetCmd)
	trustListCmd.Flags().BoolVar(&jsonOutput, "json", false, "print records as JSON")
}

var trustCmd = &cobra.Command{
	Use:   "trust",
	Short: "Manage trusted peers",
	Long: `Inspect and edit the trust store.

A peer becomes trusted the first time it authenticates, subject to
security.trust_policy. Forgetting a peer disconnects it; under the
pairing-only policy it must pair again before it can reconnect.`,
}

var trustListCmd = &cobra.Command{
	Use:   "list",
	Short: "List trust records",
	Args:  cobra.NoArgs,
	RunE:  runTrustList,
}

var trustForgetCmd = &cobra.Command{
	Use:   "forget <name|group/name>",
	Short: "Forget a peer",
	Long: `Remove a peer from the trust store and close its connection.
A bare name refers to a peer in this device's group.`,
	Args: cobra.ExactArgs(1),
	RunE: runTrustForget,
}

func runTrustList(cmd *cobra.Command, args []string) error {
	c, err := client.Connect()
	if err != nil {
		return client.ErrDaemonNotRunning
	}
	defer c.Close()

	records, err := c.TrustList()
	if err != nil {
		return fmt.Errorf("list trust: %w", err)
	}

	if jsonOutput {
		return printJSON(records)
	}

	if len(records) == 0 {
		fmt.Println("No trusted peers.")
		return nil
	}
	fmt.Print(trustTable(records, time.Now()))
	return nil
}

func trustTable(records []trust.Record, now time.Time) string {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		state := tui.OKStyle.Render("trusted")
		if !r.Trusted {
			state = tui.WarnStyle.Render("seen")
		}
		last := "never"
		if !r.LastConnectedAt.IsZero() {
			last = formatDuration(now.Sub(r.LastConnectedAt)) + " ago"
		}
		rows = append(rows, []string{
			r.Identity.Key(),
			state,
			r.FirstSeenAt.Local().Format("2006-01-02 15:04"),
			last,
		})
	}
	return tui.Table([]string{"PEER", "STATE", "FIRST SEEN", "LAST CONNECTED"}, rows)
}

func runTrustForget(cmd *cobra.Command, args []string) error {
	c, err := client.Connect()
	if err != nil {
		return client.ErrDaemonNotRunning
	}
	defer c.Close()

	res, err := c.TrustForget(args[0])
	if err != nil {
		if client.IsNotFound(err) {
			return fmt.Errorf("no trust record for %s", args[0])
		}
		return fmt.Errorf("forget peer: %w", err)
	}

	fmt.Printf("Forgot %s.\n", res.Forgotten)
	if res.Disconnected {
		fmt.Println("Its connection was closed.")
	}
	return nil
}
