package cli

import (
	"fmt"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"

	"clipmesh.dev/go/clipmesh/internal/client"
)

var uiNoOpen bool

func init() {
	rootCmd.AddCommand(uiCmd)

	uiCmd.Flags().BoolVar(&uiNoOpen, "no-open", false, "don't open browser, just print URL")
}

var uiCmd = &cobra.Command{
	Use:   "ui",
	Short: "Open the local status page",
	Long: `Open the daemon's status page in your default browser.

The page lists connected peers and trust records, can open the pairing
window, and streams events live. It is only served when web.enabled is
set in the config and only answers on localhost.`,
	Args: cobra.NoArgs,
	RunE: runUI,
}

func runUI(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Web.Enabled {
		return fmt.Errorf("the status page is disabled; set web.enabled = true in the config and restart the daemon")
	}
	if err := client.RequireDaemon(); err != nil {
		return err
	}

	url := fmt.Sprintf("http://127.0.0.1:%d", cfg.Web.Port)

	if uiNoOpen {
		fmt.Printf("Status page: %s\n", url)
		return nil
	}

	fmt.Printf("Opening %s in browser...\n", url)
	if err := openBrowser(url); err != nil {
		fmt.Printf("Failed to open browser: %v\n", err)
		fmt.Printf("Open manually: %s\n", url)
	}
	return nil
}

// openBrowser opens the specified URL in the default browser
func openBrowser(url string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux", "freebsd", "openbsd", "netbsd":
		if _, err := exec.LookPath("xdg-open"); err == nil {
			cmd = exec.Command("xdg-open", url)
		} else if _, err := exec.LookPath("firefox"); err == nil {
			cmd = exec.Command("firefox", url)
		} else {
			return fmt.Errorf("no browser found")
		}
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	return cmd.Start()
}
