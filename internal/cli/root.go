package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"clipmesh.dev/go/clipmesh/internal/config"
)

var (
	version    = "dev"
	cfgFile    string
	verboseLog bool
	jsonOutput bool
)

func SetVersion(v string) {
	version = v
}

// RootCmd is the root command
var RootCmd = &cobra.Command{
	Use:   "clipmesh",
	Short: "Peer-to-peer clipboard sync for your local network",
	Long: `clipmesh - Peer-to-peer clipboard sync for your local network

Copy on one machine, paste on another. Instances find each other with mDNS,
authenticate with a shared key, and keep every clipboard in the group in
sync. No server, no cloud.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// For internal use, keep an alias
var rootCmd = RootCmd

func Execute() error {
	return RootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.config/clipmesh/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verboseLog, "verbose", "v", false, "verbose output")
}

// loadConfig loads the config from --config or the default location
func loadConfig() (*config.Config, *config.Paths, error) {
	paths, err := config.GetPaths()
	if err != nil {
		return nil, nil, fmt.Errorf("get paths: %w", err)
	}

	path := cfgFile
	if path == "" {
		path = paths.ConfigFile
	}
	cfg, err := config.LoadFrom(path)
	if err != nil {
		return nil, nil, err
	}
	return cfg, paths, nil
}

// configPath is the file `config` commands read and write
func configPath(paths *config.Paths) string {
	if cfgFile != "" {
		return cfgFile
	}
	return paths.ConfigFile
}
