package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"clipmesh.dev/go/clipmesh/internal/client"
	"clipmesh.dev/go/clipmesh/internal/config"
	"clipmesh.dev/go/clipmesh/internal/daemon"
	"clipmesh.dev/go/clipmesh/internal/service"
	"clipmesh.dev/go/clipmesh/internal/tui"
)

var (
	daemonLogFile   string
	daemonLogLevel  string
	daemonStartWait time.Duration
)

func init() {
	rootCmd.AddCommand(daemonCmd)

	daemonCmd.AddCommand(daemonRunCmd)
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	daemonCmd.AddCommand(daemonInstallCmd)
	daemonCmd.AddCommand(daemonUninstallCmd)

	daemonRunCmd.Flags().StringVar(&daemonLogFile, "log-file", "", "append logs to this file instead of stderr")
	daemonRunCmd.Flags().StringVar(&daemonLogLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	daemonStartCmd.Flags().DurationVar(&daemonStartWait, "wait", 10*time.Second, "how long to wait for the daemon to come up")
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Daemon management commands",
	Long: `Control the clipmesh background daemon.

The daemon watches the clipboard, discovers and connects to peers, and
serves the local control socket used by the other commands.`,
}

var daemonRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run daemon in foreground",
	Long: `Run the daemon in the foreground.

This is typically used by service managers (systemd, launchd).
For manual use, prefer 'clipmesh daemon start'.`,
	RunE: runDaemonRun,
}

func runDaemonRun(cmd *cobra.Command, args []string) error {
	cfg, paths, err := loadConfig()
	if err != nil {
		return err
	}

	if client.IsRunning() {
		return fmt.Errorf("daemon is already running")
	}

	level := cfg.Logging.Level
	if verboseLog {
		level = "debug"
	}
	if daemonLogLevel != "" {
		level = daemonLogLevel
	}

	var out io.Writer = os.Stderr
	if daemonLogFile != "" {
		f, err := os.OpenFile(daemonLogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		out = f
	}

	buffer := daemon.NewLogBuffer(daemon.LogBufferSize)
	if err := daemon.SetupLogging(level, cfg.Logging.Format, out, buffer); err != nil {
		return err
	}

	d, err := daemon.New(&daemon.Options{
		Config:    cfg,
		Paths:     paths,
		Version:   version,
		LogBuffer: buffer,
	})
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	return d.Run()
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start daemon in background",
	Long: `Start the daemon in the background.

Output goes to daemon.log in the config directory.
Use 'clipmesh daemon status' to check if it's running.`,
	RunE: runDaemonStart,
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}

	if client.IsRunning() {
		fmt.Println("Daemon is already running.")
		return nil
	}

	if err := paths.EnsureDirectories(); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("get executable: %w", err)
	}

	logFile, err := os.OpenFile(paths.LogFile(), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	runArgs := []string{"daemon", "run"}
	if cfgFile != "" {
		runArgs = append(runArgs, "--config", cfgFile)
	}
	if verboseLog {
		runArgs = append(runArgs, "--verbose")
	}

	proc := exec.Command(exe, runArgs...)
	proc.Stdout = logFile
	proc.Stderr = logFile

	if err := proc.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- proc.Wait()
	}()

	timeout := time.After(daemonStartWait)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("daemon failed to start: %w (see %s)", err, paths.LogFile())
			}
			return fmt.Errorf("daemon exited unexpectedly (see %s)", paths.LogFile())

		case <-ticker.C:
			if client.IsRunning() {
				fmt.Printf("Daemon started (PID %d).\n", proc.Process.Pid)
				fmt.Println("Use 'clipmesh status' for details.")
				return nil
			}

		case <-timeout:
			fmt.Println("Timeout waiting for daemon to start.")
			fmt.Printf("The daemon process may still be starting; check %s.\n", paths.LogFile())
			return nil
		}
	}
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	RunE:  runDaemonStop,
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	if c, err := client.Connect(); err == nil {
		err = c.Shutdown()
		c.Close()
		if err == nil && waitStopped(3*time.Second) {
			fmt.Println("Daemon stopped.")
			return nil
		}
	}

	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}
	if paths.PIDFile == "" {
		fmt.Println("Daemon is not running.")
		return nil
	}

	data, err := os.ReadFile(paths.PIDFile)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("Daemon is not running (no PID file).")
			return nil
		}
		return fmt.Errorf("read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("parse PID: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process: %w", err)
	}

	fmt.Printf("Sending SIGTERM to daemon (PID %d)...\n", pid)
	if err := process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			os.Remove(paths.PIDFile)
			fmt.Println("Daemon is not running (stale PID file removed).")
			return nil
		}
		return fmt.Errorf("send signal: %w", err)
	}

	if waitStopped(3 * time.Second) {
		fmt.Println("Daemon stopped.")
		return nil
	}

	fmt.Println("Daemon did not stop gracefully. Consider 'kill -9'.")
	return nil
}

func waitStopped(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !client.IsRunning() {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and service status",
	RunE:  runDaemonStatus,
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}

	installer := service.NewInstaller(service.Options{LogFile: paths.LogFile()})
	svc, _ := installer.Status()

	fmt.Println(tui.TitleStyle.Render("Daemon Status"))
	fmt.Println()

	serviceLine := tui.DimStyle.Render("not installed")
	if svc.Installed {
		serviceLine = "installed (" + installer.Location() + ")"
	}
	fmt.Println(tui.Field("Service", 12, serviceLine))

	c, err := client.Connect()
	if err != nil {
		fmt.Println(tui.Field("Running", 12, tui.ErrorStyle.Render("no")))
		return nil
	}
	defer c.Close()

	status, err := c.Status()
	if err != nil {
		return fmt.Errorf("get status: %w", err)
	}

	fmt.Println(tui.Field("Running", 12, tui.OKStyle.Render("yes")))
	fmt.Println(tui.Field("PID", 12, strconv.Itoa(status.PID)))
	if status.Version != "" {
		fmt.Println(tui.Field("Version", 12, status.Version))
	}
	fmt.Println(tui.Field("Uptime", 12, status.Uptime))
	fmt.Println(tui.Field("Listening", 12, status.ListenAddr))
	fmt.Println(tui.Field("Socket", 12, paths.SocketPath))
	fmt.Println(tui.Field("Log file", 12, paths.LogFile()))
	return nil
}

var daemonInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install daemon as user service",
	Long: `Install the daemon as a user service.

On Linux, this creates a systemd user service.
On macOS, this creates a launchd agent.
On Windows, this creates a scheduled task.

The service will start the daemon automatically when you log in.`,
	RunE: runDaemonInstall,
}

func runDaemonInstall(cmd *cobra.Command, args []string) error {
	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}
	if err := paths.EnsureDirectories(); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	installer := service.NewInstaller(service.Options{LogFile: paths.LogFile()})
	if err := installer.Install(); err != nil {
		if errors.Is(err, service.ErrAlreadyInstalled) {
			fmt.Printf("Service already installed at %s\n", installer.Location())
			return nil
		}
		return err
	}
	fmt.Printf("Installed %s\n", installer.Location())

	if client.IsRunning() {
		fmt.Println("A daemon is already running; the service takes over at next login.")
		return nil
	}

	if err := installer.Start(); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	fmt.Println("Service started.")
	return nil
}

var daemonUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove daemon user service",
	RunE:  runDaemonUninstall,
}

func runDaemonUninstall(cmd *cobra.Command, args []string) error {
	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}

	installer := service.NewInstaller(service.Options{LogFile: paths.LogFile()})
	if err := installer.Uninstall(); err != nil {
		if errors.Is(err, service.ErrNotInstalled) {
			fmt.Println("Service is not installed.")
			return nil
		}
		return err
	}
	fmt.Println("Service removed.")
	return nil
}
