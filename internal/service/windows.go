//go:build windows

package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const taskName = "clipmesh"

type windowsInstaller struct {
	opts    Options
	logFile string
}

// NewInstaller returns a Windows-specific service installer
func NewInstaller(opts Options) Installer {
	logFile := opts.LogFile
	if logFile == "" {
		logFile = filepath.Join(os.Getenv("APPDATA"), "clipmesh", "daemon.log")
	}
	return &windowsInstaller{opts: opts, logFile: logFile}
}

func (i *windowsInstaller) Location() string {
	return `Task Scheduler \` + taskName
}

func (i *windowsInstaller) Install() error {
	if i.IsInstalled() {
		return ErrAlreadyInstalled
	}

	if err := os.MkdirAll(filepath.Dir(i.logFile), 0755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	// The task runs the binary directly; the daemon writes logFile itself
	// when started with --log-file.
	cmd := exec.Command("schtasks", "/Create",
		"/TN", taskName,
		"/TR", fmt.Sprintf(`"%s" daemon run --log-file "%s"`, i.opts.executable(), i.logFile),
		"/SC", "ONLOGON",
		"/RL", "LIMITED",
		"/F",
	)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("create scheduled task: %w", err)
	}
	return nil
}

func (i *windowsInstaller) Uninstall() error {
	if !i.IsInstalled() {
		return ErrNotInstalled
	}

	i.Stop()

	if err := exec.Command("schtasks", "/Delete", "/TN", taskName, "/F").Run(); err != nil {
		return fmt.Errorf("delete scheduled task: %w", err)
	}
	return nil
}

func (i *windowsInstaller) IsInstalled() bool {
	return exec.Command("schtasks", "/Query", "/TN", taskName).Run() == nil
}

func (i *windowsInstaller) Start() error {
	if !i.IsInstalled() {
		return ErrNotInstalled
	}
	if err := exec.Command("schtasks", "/Run", "/TN", taskName).Run(); err != nil {
		return fmt.Errorf("run scheduled task: %w", err)
	}
	return nil
}

func (i *windowsInstaller) Stop() error {
	if !i.IsInstalled() {
		return ErrNotInstalled
	}
	exec.Command("schtasks", "/End", "/TN", taskName).Run()
	return nil
}

func (i *windowsInstaller) Status() (ServiceStatus, error) {
	status := ServiceStatus{}

	if !i.IsInstalled() {
		return status, nil
	}
	status.Installed = true

	output, err := exec.Command("tasklist", "/FI", "IMAGENAME eq clipmesh.exe", "/FO", "CSV", "/NH").Output()
	if err != nil {
		return status, nil
	}

	// Format: "clipmesh.exe","1234","Console","1","5,000 K"
	out := string(output)
	if strings.Contains(out, "clipmesh.exe") {
		status.Running = true
		parts := strings.Split(out, ",")
		if len(parts) >= 2 {
			fmt.Sscanf(strings.Trim(parts[1], `"`), "%d", &status.PID)
		}
	}

	return status, nil
}

func (i *windowsInstaller) Logs(lines int) (string, error) {
	out, err := readLogTail(i.logFile, lines)
	if err != nil {
		return "", fmt.Errorf("read log file: %w", err)
	}
	return out, nil
}
