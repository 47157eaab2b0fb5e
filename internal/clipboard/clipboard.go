// Package clipboard wraps the operating-system clipboard behind a minimal
// read/write interface.
package clipboard

import (
	"errors"
	"sync"

	"github.com/atotto/clipboard"
)

// ErrUnsupported is returned when no clipboard backend is available
var ErrUnsupported = errors.New("clipboard not supported on this system")

// Clipboard is the read/write primitive the sync loop polls.
// Read returns nil content when the clipboard is empty.
type Clipboard interface {
	Read() ([]byte, error)
	Write(content []byte) error
}

// System is the OS clipboard. It handles UTF-8 text only.
type System struct{}

// NewSystem returns the OS clipboard, or ErrUnsupported when no backend
// (xclip, xsel, wl-clipboard, pbcopy, Windows API) can be found.
func NewSystem() (*System, error) {
	if clipboard.Unsupported {
		return nil, ErrUnsupported
	}
	return &System{}, nil
}

func (System) Read() ([]byte, error) {
	text, err := clipboard.ReadAll()
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, nil
	}
	return []byte(text), nil
}

func (System) Write(content []byte) error {
	return clipboard.WriteAll(string(content))
}

// Memory is an in-process clipboard, used in tests and when the daemon runs
// headless.
type Memory struct {
	mu      sync.Mutex
	content []byte
	writes  int
}

// NewMemory returns an empty in-memory clipboard
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Read() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.content == nil {
		return nil, nil
	}
	out := make([]byte, len(m.content))
	copy(out, m.content)
	return out, nil
}

func (m *Memory) Write(content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.content = append([]byte(nil), content...)
	m.writes++
	return nil
}

// Set replaces the content as if a user had copied it.
func (m *Memory) Set(content string) {
	m.mu.Lock()
	m.content = []byte(content)
	m.mu.Unlock()
}

// String returns the current content.
func (m *Memory) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.content)
}

// Writes returns how many times Write was called.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}
