package clipboard

import (
	"errors"
	"fmt"
	"regexp"
	"unicode/utf8"
)

// Reasons a clipboard value is not synchronized
var (
	ErrEmpty    = errors.New("empty content")
	ErrTooLarge = errors.New("content too large")
	ErrNotText  = errors.New("content is not valid UTF-8 text")
	ErrIgnored  = errors.New("content matches ignore pattern")
)

// Filter decides whether a clipboard value may be synchronized.
type Filter struct {
	MaxSize        int
	IgnoreEmpty    bool
	TextOnly       bool
	IgnorePatterns []*regexp.Regexp
}

// Check returns nil if content passes, or an error describing why it is
// skipped. Oversized content is rejected, never truncated.
func (f *Filter) Check(content []byte) error {
	if f.IgnoreEmpty && len(content) == 0 {
		return ErrEmpty
	}
	if f.MaxSize > 0 && len(content) > f.MaxSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(content), f.MaxSize)
	}
	if f.TextOnly && !utf8.Valid(content) {
		return ErrNotText
	}
	for _, re := range f.IgnorePatterns {
		if re.Match(content) {
			return fmt.Errorf("%w %q", ErrIgnored, re.String())
		}
	}
	return nil
}
