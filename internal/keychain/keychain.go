// Package keychain stores the clipboard-sync PSK in the system keychain
// (macOS Keychain, Linux Secret Service, Windows Credential Manager).
package keychain

import (
	"errors"

	"github.com/zalando/go-keyring"
)

const (
	// ServiceName is the keychain service identifier
	ServiceName = "clipmesh"
	// AccountName is the keychain account identifier
	AccountName = "psk"
)

var (
	// ErrNotFound is returned when no PSK is stored in the keychain
	ErrNotFound = errors.New("psk not found in keychain")
)

// Store saves the PSK to the system keychain.
func Store(psk string) error {
	return keyring.Set(ServiceName, AccountName, psk)
}

// Get retrieves the PSK from the system keychain.
// Returns ErrNotFound if no PSK is stored.
func Get() (string, error) {
	psk, err := keyring.Get(ServiceName, AccountName)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return psk, nil
}

// Delete removes the PSK from the system keychain.
func Delete() error {
	err := keyring.Delete(ServiceName, AccountName)
	if err != nil && errors.Is(err, keyring.ErrNotFound) {
		return nil // Already deleted, not an error
	}
	return err
}

// IsAvailable checks if the system keychain is available.
// This can fail on headless Linux systems without a secret service.
func IsAvailable() bool {
	_, err := keyring.Get(ServiceName, "test-availability")
	return err == nil || errors.Is(err, keyring.ErrNotFound)
}
