package tui

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// ErrMismatch is returned when a confirmation does not match
var ErrMismatch = errors.New("entries do not match")

// stdinReader is shared so that several prompts can read piped stdin
var stdinReader *bufio.Reader

func readLine() (string, error) {
	if stdinReader == nil {
		stdinReader = bufio.NewReader(os.Stdin)
	}
	line, err := stdinReader.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r"), nil
}

// ReadSecret reads a secret from the terminal without echoing. Piped
// stdin is read a line at a time.
func ReadSecret(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := readLine()
		if err != nil {
			return nil, err
		}
		return []byte(line), nil
	}

	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("read secret: %w", err)
	}
	return secret, nil
}

// ReadSecretConfirm reads a secret twice. The confirmation is skipped
// when stdin is not a terminal.
func ReadSecretConfirm(prompt, confirmPrompt string) ([]byte, error) {
	secret, err := ReadSecret(prompt)
	if err != nil {
		return nil, err
	}
	if !IsTerminal() {
		return secret, nil
	}

	confirm, err := ReadSecret(confirmPrompt)
	if err != nil {
		return nil, err
	}
	if string(secret) != string(confirm) {
		return nil, ErrMismatch
	}
	return secret, nil
}

// Confirm prompts for a yes/no confirmation
func Confirm(prompt string, defaultYes bool) (bool, error) {
	hint := "[y/N]"
	if defaultYes {
		hint = "[Y/n]"
	}

	fmt.Fprintf(os.Stderr, "%s %s ", prompt, hint)

	response, err := readLine()
	if err != nil {
		return false, err
	}

	switch strings.TrimSpace(strings.ToLower(response)) {
	case "y", "yes":
		return true, nil
	case "n", "no":
		return false, nil
	default:
		return defaultYes, nil
	}
}
