//go:build darwin

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

const launchdLabel = "dev.clipmesh.daemon"

const launchAgentPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.Executable}}</string>
        <string>daemon</string>
        <string>run</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
    <key>StandardOutPath</key>
    <string>{{.LogFile}}</string>
    <key>StandardErrorPath</key>
    <string>{{.LogFile}}</string>
</dict>
</plist>
`

var plistTemplate = template.Must(template.New("plist").Parse(launchAgentPlist))

type darwinInstaller struct {
	plistPath string
	logFile   string
	opts      Options
}

// NewInstaller returns a macOS-specific service installer
func NewInstaller(opts Options) Installer {
	home, _ := os.UserHomeDir()
	logFile := opts.LogFile
	if logFile == "" {
		logFile = filepath.Join(home, "Library", "Logs", "clipmesh", "daemon.log")
	}

	return &darwinInstaller{
		plistPath: filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist"),
		logFile:   logFile,
		opts:      opts,
	}
}

func (i *darwinInstaller) Location() string {
	return i.plistPath
}

func (i *darwinInstaller) Install() error {
	if i.IsInstalled() {
		return ErrAlreadyInstalled
	}

	if err := os.MkdirAll(filepath.Dir(i.plistPath), 0755); err != nil {
		return fmt.Errorf("create LaunchAgents dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(i.logFile), 0755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	var buf bytes.Buffer
	err := plistTemplate.Execute(&buf, struct {
		Label      string
		Executable string
		LogFile    string
	}{launchdLabel, i.opts.executable(), i.logFile})
	if err != nil {
		return fmt.Errorf("render plist: %w", err)
	}
	if err := os.WriteFile(i.plistPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write plist: %w", err)
	}

	return nil
}

func (i *darwinInstaller) Uninstall() error {
	if !i.IsInstalled() {
		return ErrNotInstalled
	}

	i.Stop()

	if err := os.Remove(i.plistPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove plist: %w", err)
	}
	return nil
}

func (i *darwinInstaller) IsInstalled() bool {
	_, err := os.Stat(i.plistPath)
	return err == nil
}

func (i *darwinInstaller) Start() error {
	if !i.IsInstalled() {
		return ErrNotInstalled
	}
	if err := exec.Command("launchctl", "load", i.plistPath).Run(); err != nil {
		return fmt.Errorf("launchctl load: %w", err)
	}
	return nil
}

func (i *darwinInstaller) Stop() error {
	if !i.IsInstalled() {
		return ErrNotInstalled
	}
	// Fails when the agent is not loaded, which is fine.
	exec.Command("launchctl", "unload", i.plistPath).Run()
	return nil
}

func (i *darwinInstaller) Status() (ServiceStatus, error) {
	status := ServiceStatus{}

	if !i.IsInstalled() {
		return status, nil
	}
	status.Installed = true

	output, err := exec.Command("launchctl", "list", launchdLabel).Output()
	if err != nil {
		return status, nil
	}

	for _, line := range strings.Split(string(output), "\n") {
		if !strings.Contains(line, "PID") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) >= 3 {
			if pid, err := strconv.Atoi(strings.TrimSuffix(parts[2], ";")); err == nil {
				status.PID = pid
				status.Running = true
			}
		}
	}

	if status.PID > 0 {
		psOutput, err := exec.Command("ps", "-o", "lstart=", "-p", strconv.Itoa(status.PID)).Output()
		if err == nil {
			if t, err := time.Parse("Mon Jan 2 15:04:05 2006", strings.TrimSpace(string(psOutput))); err == nil {
				status.Uptime = time.Since(t)
			}
		}
	}

	return status, nil
}

func (i *darwinInstaller) Logs(lines int) (string, error) {
	out, err := readLogTail(i.logFile, lines)
	if err != nil {
		return "", fmt.Errorf("read log file: %w", err)
	}
	return out, nil
}
