package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxPayload bounds a single frame. It sits above the default clipboard
// size limit with room for the message header.
const DefaultMaxPayload = 16 * 1024 * 1024

// lengthSize is the size of the big-endian frame length prefix.
const lengthSize = 8

// Framer handles length-prefixed message framing
type Framer struct {
	reader     io.Reader
	writer     io.Writer
	maxPayload uint64
}

// NewFramer creates a new framer with the default payload ceiling
func NewFramer(r io.Reader, w io.Writer) *Framer {
	return &Framer{
		reader:     r,
		writer:     w,
		maxPayload: DefaultMaxPayload,
	}
}

// SetMaxPayload changes the payload ceiling. Values <= 0 restore the default.
func (f *Framer) SetMaxPayload(n int) {
	if n <= 0 {
		f.maxPayload = DefaultMaxPayload
		return
	}
	f.maxPayload = uint64(n)
}

// MaxPayload returns the payload ceiling
func (f *Framer) MaxPayload() int {
	return int(f.maxPayload)
}

// ReadFrame reads one length-prefixed payload. The declared length is checked
// against the ceiling before anything is allocated for the body.
func (f *Framer) ReadFrame() ([]byte, error) {
	var lengthBuf [lengthSize]byte
	if _, err := io.ReadFull(f.reader, lengthBuf[:]); err != nil {
		return nil, TransportError("read length", err)
	}

	length := binary.BigEndian.Uint64(lengthBuf[:])
	if length == 0 {
		return nil, Violation("read frame", ErrEmptyFrame)
	}
	if length > f.maxPayload {
		return nil, Violation("read frame", fmt.Errorf("%w: declared %d, limit %d", ErrFrameTooLarge, length, f.maxPayload))
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(f.reader, body); err != nil {
		return nil, TransportError("read body", err)
	}

	return body, nil
}

// WriteFrame writes one length-prefixed payload
func (f *Framer) WriteFrame(payload []byte) error {
	if len(payload) == 0 {
		return Violation("write frame", ErrEmptyFrame)
	}
	if uint64(len(payload)) > f.maxPayload {
		return Violation("write frame", ErrFrameTooLarge)
	}

	// One write per frame so concurrent readers never see a split header.
	buf := make([]byte, lengthSize+len(payload))
	binary.BigEndian.PutUint64(buf[:lengthSize], uint64(len(payload)))
	copy(buf[lengthSize:], payload)

	if _, err := f.writer.Write(buf); err != nil {
		return TransportError("write frame", err)
	}

	return nil
}

// ReadMessage reads and decodes a single message
func (f *Framer) ReadMessage() (Message, error) {
	body, err := f.ReadFrame()
	if err != nil {
		return nil, err
	}
	return Decode(body)
}

// WriteMessage encodes and writes a single message
func (f *Framer) WriteMessage(msg Message) error {
	body, err := Encode(msg)
	if err != nil {
		return err
	}
	return f.WriteFrame(body)
}
