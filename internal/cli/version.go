package cli

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"

	"clipmesh.dev/go/clipmesh/internal/protocol"
)

var (
	// Set via ldflags
	commit    = "unknown"
	buildDate = "unknown"

	versionFull bool
)

// SetBuildInfo sets build information from ldflags
func SetBuildInfo(c, d string) {
	commit = c
	buildDate = d
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionFull, "full", false, "print detailed version information")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print version information. Use --full for the commit, build date, wire protocol version and dependencies.`,
	Run:   runVersion,
}

func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("clipmesh version %s\n", version)

	if !versionFull {
		return
	}

	fmt.Println()
	fmt.Printf("  Commit:     %s\n", buildSetting(commit, "vcs.revision"))
	fmt.Printf("  Built:      %s\n", buildSetting(buildDate, "vcs.time"))
	fmt.Printf("  Protocol:   %d\n", protocol.ProtocolVersion)
	fmt.Printf("  Go version: %s\n", runtime.Version())
	fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)

	if info, ok := debug.ReadBuildInfo(); ok {
		fmt.Println()
		fmt.Println("  Dependencies:")
		for _, dep := range info.Deps {
			if dep.Replace != nil {
				fmt.Printf("    %s => %s %s\n", dep.Path, dep.Replace.Path, dep.Replace.Version)
			} else {
				fmt.Printf("    %s %s\n", dep.Path, dep.Version)
			}
		}
	}
}

// buildSetting returns value when set via ldflags, else the VCS setting
// recorded by the Go toolchain.
func buildSetting(value, key string) string {
	if value != "unknown" {
		return value
	}

	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key != key {
				continue
			}
			if key == "vcs.revision" && len(setting.Value) > 8 {
				return setting.Value[:8]
			}
			return setting.Value
		}
	}
	return "unknown"
}
