//go:build linux

package service

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"
	"time"
)

const unitName = "clipmesh"

const systemdUnitTemplate = `[Unit]
Description=clipmesh clipboard sync daemon
After=network-online.target graphical-session.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.Executable}} daemon run
Restart=on-failure
RestartSec=5
{{- if .LogFile}}
StandardOutput=append:{{.LogFile}}
StandardError=append:{{.LogFile}}
{{- end}}

[Install]
WantedBy=default.target
`

var unitTemplate = template.Must(template.New("unit").Parse(systemdUnitTemplate))

type linuxInstaller struct {
	unitPath string
	opts     Options
}

// NewInstaller returns a Linux-specific service installer
func NewInstaller(opts Options) Installer {
	home, _ := os.UserHomeDir()
	return &linuxInstaller{
		unitPath: filepath.Join(home, ".config", "systemd", "user", unitName+".service"),
		opts:     opts,
	}
}

// renderUnit returns the systemd unit for opts
func renderUnit(opts Options) (string, error) {
	var buf bytes.Buffer
	err := unitTemplate.Execute(&buf, struct {
		Executable string
		LogFile    string
	}{opts.executable(), opts.LogFile})
	return buf.String(), err
}

func systemctl(args ...string) error {
	return exec.Command("systemctl", append([]string{"--user"}, args...)...).Run()
}

func (i *linuxInstaller) Location() string {
	return i.unitPath
}

func (i *linuxInstaller) Install() error {
	if i.IsInstalled() {
		return ErrAlreadyInstalled
	}

	if err := os.MkdirAll(filepath.Dir(i.unitPath), 0755); err != nil {
		return fmt.Errorf("create systemd user dir: %w", err)
	}

	content, err := renderUnit(i.opts)
	if err != nil {
		return fmt.Errorf("render unit file: %w", err)
	}
	if err := os.WriteFile(i.unitPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}

	if err := systemctl("daemon-reload"); err != nil {
		return fmt.Errorf("systemctl daemon-reload: %w", err)
	}
	if err := systemctl("enable", unitName); err != nil {
		return fmt.Errorf("systemctl enable: %w", err)
	}
	return nil
}

func (i *linuxInstaller) Uninstall() error {
	if !i.IsInstalled() {
		return ErrNotInstalled
	}

	// Best effort; the unit may not be running or enabled.
	systemctl("stop", unitName)
	systemctl("disable", unitName)

	if err := os.Remove(i.unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove unit file: %w", err)
	}

	systemctl("daemon-reload")
	return nil
}

func (i *linuxInstaller) IsInstalled() bool {
	_, err := os.Stat(i.unitPath)
	return err == nil
}

func (i *linuxInstaller) Start() error {
	if !i.IsInstalled() {
		return ErrNotInstalled
	}
	if err := systemctl("start", unitName); err != nil {
		return fmt.Errorf("systemctl start: %w", err)
	}
	return nil
}

func (i *linuxInstaller) Stop() error {
	if !i.IsInstalled() {
		return ErrNotInstalled
	}
	if err := systemctl("stop", unitName); err != nil {
		return fmt.Errorf("systemctl stop: %w", err)
	}
	return nil
}

func (i *linuxInstaller) Status() (ServiceStatus, error) {
	status := ServiceStatus{}

	if !i.IsInstalled() {
		return status, nil
	}
	status.Installed = true

	output, _ := exec.Command("systemctl", "--user", "is-active", unitName).Output()
	status.Running = strings.TrimSpace(string(output)) == "active"

	if status.Running {
		pidOutput, _ := exec.Command("systemctl", "--user", "show", unitName, "--property=MainPID", "--value").Output()
		if pid, err := strconv.Atoi(strings.TrimSpace(string(pidOutput))); err == nil {
			status.PID = pid
		}

		uptimeOutput, _ := exec.Command("systemctl", "--user", "show", unitName, "--property=ActiveEnterTimestamp", "--value").Output()
		if t, err := time.Parse("Mon 2006-01-02 15:04:05 MST", strings.TrimSpace(string(uptimeOutput))); err == nil {
			status.Uptime = time.Since(t)
		}
	}

	return status, nil
}

func (i *linuxInstaller) Logs(lines int) (string, error) {
	if i.opts.LogFile != "" {
		if out, err := readLogTail(i.opts.LogFile, lines); err == nil {
			return out, nil
		}
	}
	output, err := exec.Command("journalctl", "--user", "-u", unitName, "-n", strconv.Itoa(lines), "--no-pager").Output()
	if err != nil {
		return "", fmt.Errorf("journalctl: %w", err)
	}
	return string(output), nil
}
