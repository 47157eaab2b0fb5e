package cli

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"clipmesh.dev/go/clipmesh/internal/config"
	"clipmesh.dev/go/clipmesh/internal/tui"
)

var (
	initName   string
	initGroup  string
	initPolicy string
	initPeers  []string
	initForce  bool
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)

	configInitCmd.Flags().StringVar(&initName, "name", "", "device name (default: hostname)")
	configInitCmd.Flags().StringVar(&initGroup, "group", "", "sync group (default: login name)")
	configInitCmd.Flags().StringVar(&initPolicy, "policy", "", "trust policy (tofu, allow-list, pairing-only)")
	configInitCmd.Flags().StringSliceVar(&initPeers, "peer", nil, "static peer address (repeatable)")
	configInitCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with defaults",
	Long: `Write a config file with the default settings and any overrides
given as flags.

Examples:
  clipmesh config init
  clipmesh config init --name laptop --group home --policy pairing-only
  clipmesh config init --peer 10.0.1.5 --peer desktop.example.net:34254`,
	Args: cobra.NoArgs,
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  `Print the configuration the daemon would use, defaults included. The shared key is redacted.`,
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the files clipmesh uses",
	Args:  cobra.NoArgs,
	RunE:  runConfigPath,
}

// initConfig returns the defaults with the init flags applied
func initConfig() (*config.Config, error) {
	cfg := config.Default()
	if initName != "" {
		cfg.Device.Name = initName
	}
	if initGroup != "" {
		cfg.Device.Group = initGroup
	}
	if initPolicy != "" {
		cfg.Security.TrustPolicy = initPolicy
	}
	if len(initPeers) > 0 {
		cfg.Discovery.Peers = initPeers
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}
	path := configPath(paths)

	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	cfg, err := initConfig()
	if err != nil {
		return err
	}
	if err := cfg.SaveTo(path); err != nil {
		return err
	}

	fmt.Printf("Wrote %s\n", path)
	fmt.Println()
	fmt.Println(tui.Field("Device", 8, cfg.Device.Group+"/"+cfg.Device.Name))
	fmt.Println(tui.Field("Policy", 8, cfg.Security.TrustPolicy))
	fmt.Println()
	fmt.Println("Next: set the shared key with 'clipmesh psk set' (or 'clipmesh psk generate --store'),")
	fmt.Println("then start the daemon with 'clipmesh daemon start'.")
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Security.PSK != "" {
		cfg.Security.PSK = "<redacted>"
	}
	return toml.NewEncoder(os.Stdout).Encode(cfg)
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}

	const w = 10
	fmt.Println(tui.Field("Config", w, configPath(paths)))
	fmt.Println(tui.Field("Trust", w, paths.TrustFile))
	fmt.Println(tui.Field("Instance", w, paths.InstanceFile))
	fmt.Println(tui.Field("Audit", w, paths.AuditFile))
	fmt.Println(tui.Field("Socket", w, paths.SocketPath))
	if paths.PIDFile != "" {
		fmt.Println(tui.Field("PID", w, paths.PIDFile))
	}
	fmt.Println(tui.Field("Log", w, paths.LogFile()))
	return nil
}
