package config

import (
	"fmt"
	"os"
	"strings"

	"clipmesh.dev/go/clipmesh/internal/keychain"
	"clipmesh.dev/go/clipmesh/internal/protocol"
)

// PSKEnvVar overrides the configured PSK
const PSKEnvVar = "CLIPMESH_PSK"

// PSKSource names where the PSK came from, for logging
type PSKSource string

const (
	PSKFromFile     PSKSource = "file"
	PSKFromEnv      PSKSource = "env"
	PSKFromKeychain PSKSource = "keychain"
	PSKFromConfig   PSKSource = "config"
	PSKNone         PSKSource = "none"
)

// KeychainGetter reads the PSK from the OS keychain. Replaced in tests.
var KeychainGetter = keychain.Get

// ResolvePSK returns the PSK from, in order: psk_file, $CLIPMESH_PSK, the OS
// keychain, then the psk config value. An unreadable psk_file is a
// configuration error.
func (c *Config) ResolvePSK() ([]byte, PSKSource, error) {
	if c.Security.PSKFile != "" {
		data, err := os.ReadFile(c.Security.PSKFile)
		if err != nil {
			return nil, PSKNone, protocol.ConfigurationError("read psk file", err)
		}
		psk := strings.TrimRight(string(data), "\r\n")
		if psk == "" {
			return nil, PSKNone, protocol.ConfigurationError("read psk file", fmt.Errorf("%s is empty", c.Security.PSKFile))
		}
		return []byte(psk), PSKFromFile, nil
	}

	if psk := os.Getenv(PSKEnvVar); psk != "" {
		return []byte(psk), PSKFromEnv, nil
	}

	// Keychain errors are not fatal: headless systems often have no secret service.
	if psk, err := KeychainGetter(); err == nil && psk != "" {
		return []byte(psk), PSKFromKeychain, nil
	}

	if c.Security.PSK != "" {
		return []byte(c.Security.PSK), PSKFromConfig, nil
	}

	return nil, PSKNone, nil
}
