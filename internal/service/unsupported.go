//go:build !linux && !darwin && !windows

package service

type unsupportedInstaller struct{}

// NewInstaller returns an installer that reports ErrUnsupported
func NewInstaller(opts Options) Installer {
	return unsupportedInstaller{}
}

func (unsupportedInstaller) Install() error { return ErrUnsupported }
func (unsupportedInstaller) Uninstall() error { return ErrUnsupported }
func (unsupportedInstaller) IsInstalled() bool { return false }
func (unsupportedInstaller) Start() error { return ErrUnsupported }
func (unsupportedInstaller) Stop() error { return ErrUnsupported }
func (unsupportedInstaller) Status() (ServiceStatus, error) { return ServiceStatus{}, nil }
func (unsupportedInstaller) Logs(lines int) (string, error) { return "", ErrUnsupported }
func (unsupportedInstaller) Location() string { return "" }
