package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultBufferSize is how many recent events are kept in memory
	DefaultBufferSize = 2000

	// DefaultMaxFileSize is the size at which the journal is rotated to
	// <path>.1, replacing any previous rotation.
	DefaultMaxFileSize = 4 << 20
)

// Logger handles audit logging with both file persistence and in-memory ring buffer
type Logger struct {
	file    *os.File
	path    string
	size    int64
	maxSize int64
	buffer  *RingBuffer
	now     func() time.Time
	mu      sync.Mutex
}

// RingBuffer holds recent events in memory for fast querying
type RingBuffer struct {
	events []Event
	head   int
	count  int
	size   int
	mu     sync.RWMutex
}

// NewRingBuffer creates a new ring buffer with the given capacity
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{
		events: make([]Event, size),
		size:   size,
	}
}

// Add adds an event to the ring buffer
func (rb *RingBuffer) Add(event Event) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.events[rb.head] = event
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}
}

// Query returns matching events, newest first
func (rb *RingBuffer) Query(opts QueryOpts) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	results := make([]Event, 0)

	start := 0
	if rb.count == rb.size {
		start = rb.head
	}

	for i := rb.count - 1; i >= 0; i-- {
		event := rb.events[(start+i)%rb.size]
		if opts.matches(event) {
			results = append(results, event)
		}
		if opts.Limit > 0 && len(results) >= opts.Limit {
			break
		}
	}

	return results
}

// Count returns the number of events in the buffer
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// QueryOpts defines query parameters for filtering events
type QueryOpts struct {
	Since    *time.Time
	Level    string
	Category string
	Action   string
	Peer     string
	Search   string
	Limit    int
}

func (o QueryOpts) matches(e Event) bool {
	if o.Since != nil && e.Timestamp.Before(*o.Since) {
		return false
	}
	if o.Level != "" && !matchesLevel(e.Level, o.Level) {
		return false
	}
	if o.Category != "" && e.Category != o.Category {
		return false
	}
	if o.Action != "" && e.Action != o.Action {
		return false
	}
	if o.Peer != "" && e.Peer != o.Peer {
		return false
	}
	if o.Search != "" && !containsSearch(e, o.Search) {
		return false
	}
	return true
}

func matchesLevel(eventLevel, filterLevel string) bool {
	levels := map[string]int{LevelDebug: 0, LevelInfo: 1, LevelWarn: 2, LevelError: 3}
	el, eok := levels[eventLevel]
	fl, fok := levels[strings.ToUpper(filterLevel)]
	if !eok || !fok {
		return true
	}
	return el >= fl
}

func containsSearch(e Event, search string) bool {
	search = strings.ToLower(search)
	for _, field := range []string{e.Message, e.Action, e.Peer, e.Addr, e.Error} {
		if strings.Contains(strings.ToLower(field), search) {
			return true
		}
	}
	return false
}

// NewLogger opens the journal at path, creating it if needed, and loads
// its most recent events into memory.
func NewLogger(path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	l := &Logger{
		path:    path,
		maxSize: DefaultMaxFileSize,
		buffer:  NewRingBuffer(DefaultBufferSize),
		now:     time.Now,
	}
	l.loadExistingEvents()

	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Logger) open() error {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.file = f
	l.size = info.Size()

	// Terminate a torn last line so the next entry starts on its own line.
	if l.size > 0 && !endsWithNewline(l.path, l.size) {
		n, err := f.Write([]byte{'\n'})
		l.size += int64(n)
		if err != nil {
			f.Close()
			l.file = nil
			return fmt.Errorf("repair audit log: %w", err)
		}
	}
	return nil
}

func endsWithNewline(path string, size int64) bool {
	f, err := os.Open(path)
	if err != nil {
		return true
	}
	defer f.Close()

	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil {
		return true
	}
	return last[0] == '\n'
}

// ReadFile queries a journal without opening it for writing, for use
// while the daemon is not running.
func ReadFile(path string, opts QueryOpts) ([]Event, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return []Event{}, nil
		}
		return nil, err
	}
	l := &Logger{path: path, buffer: NewRingBuffer(DefaultBufferSize)}
	l.loadExistingEvents()
	return l.buffer.Query(opts), nil
}

// loadExistingEvents replays the journal into the ring buffer. Lines that
// do not parse (a torn final write) are skipped.
func (l *Logger) loadExistingEvents() {
	f, err := os.Open(l.path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		l.buffer.Add(event)
	}
}

// Log records an audit event. Write failures are returned but the event
// is still kept in memory.
func (l *Logger) Log(event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}
	if event.Level == "" {
		event.Level = LevelInfo
	}
	if event.Category == "" && event.Action != "" {
		if category, _, ok := strings.Cut(event.Action, "."); ok {
			event.Category = category
		}
	}

	l.buffer.Add(event)

	if l.file == nil {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')

	if l.maxSize > 0 && l.size+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return err
		}
	}

	n, err := l.file.Write(data)
	l.size += int64(n)
	if err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}

// rotate moves the journal to path.1 and starts a new file
func (l *Logger) rotate() error {
	l.file.Close()
	l.file = nil
	if err := os.Rename(l.path, l.path+".1"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rotate audit log: %w", err)
	}
	return l.open()
}

// Query returns events matching the criteria, newest first
func (l *Logger) Query(opts QueryOpts) []Event {
	return l.buffer.Query(opts)
}

// Path returns the journal file
func (l *Logger) Path() string {
	return l.path
}

// Close closes the audit logger
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
