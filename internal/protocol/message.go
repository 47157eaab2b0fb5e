package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"unicode/utf8"

	"golang.org/x/crypto/blake2b"
)

// ProtocolVersion is the wire protocol version. Peers must match exactly.
const ProtocolVersion uint16 = 1

// NonceSize is the size of challenge nonces and proofs.
const NonceSize = 32

// MessageType identifies the type of a protocol message
type MessageType byte

const (
	MsgHello             MessageType = 0x01
	MsgChallenge         MessageType = 0x02
	MsgChallengeResponse MessageType = 0x03
	MsgClipboardUpdate   MessageType = 0x04
	MsgHeartbeat         MessageType = 0x05
	MsgHeartbeatAck      MessageType = 0x06
)

func (t MessageType) String() string {
	switch t {
	case MsgHello:
		return "hello"
	case MsgChallenge:
		return "challenge"
	case MsgChallengeResponse:
		return "challenge_response"
	case MsgClipboardUpdate:
		return "clipboard_update"
	case MsgHeartbeat:
		return "heartbeat"
	case MsgHeartbeatAck:
		return "heartbeat_ack"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}

// PeerIdentity is the stable logical name of a peer.
type PeerIdentity struct {
	Name  string `toml:"name" json:"name"`
	Group string `toml:"group" json:"group"`
}

// Key returns the dedup key for the identity.
func (id PeerIdentity) Key() string {
	return id.Group + "/" + id.Name
}

func (id PeerIdentity) String() string {
	if id.Group == "" {
		return id.Name
	}
	return id.Key()
}

// IsZero reports whether the identity is unset.
func (id PeerIdentity) IsZero() bool {
	return id.Name == "" && id.Group == ""
}

// ContentHash is the BLAKE2b-256 digest of clipboard content.
type ContentHash [32]byte

// HashContent hashes clipboard content.
func HashContent(content []byte) ContentHash {
	return ContentHash(blake2b.Sum256(content))
}

func (h ContentHash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns an abbreviated hex form for logs.
func (h ContentHash) Short() string {
	return hex.EncodeToString(h[:6])
}

// Message is one of the protocol messages defined in this package.
type Message interface {
	Type() MessageType
	sealed()
}

// Hello announces identity and protocol version.
type Hello struct {
	Identity   PeerIdentity
	InstanceID string
	Version    uint16
}

// Challenge carries a fresh random nonce.
type Challenge struct {
	Nonce [NonceSize]byte
}

// ChallengeResponse carries HMAC-SHA256(psk, nonce).
type ChallengeResponse struct {
	Proof [NonceSize]byte
}

// ClipboardUpdate carries new clipboard content.
type ClipboardUpdate struct {
	Hash    ContentHash
	Content []byte
}

// Heartbeat is a liveness probe.
type Heartbeat struct{}

// HeartbeatAck answers a Heartbeat.
type HeartbeatAck struct{}

func (*Hello) Type() MessageType             { return MsgHello }
func (*Challenge) Type() MessageType         { return MsgChallenge }
func (*ChallengeResponse) Type() MessageType { return MsgChallengeResponse }
func (*ClipboardUpdate) Type() MessageType   { return MsgClipboardUpdate }
func (*Heartbeat) Type() MessageType         { return MsgHeartbeat }
func (*HeartbeatAck) Type() MessageType      { return MsgHeartbeatAck }

func (*Hello) sealed()             {}
func (*Challenge) sealed()         {}
func (*ChallengeResponse) sealed() {}
func (*ClipboardUpdate) sealed()   {}
func (*Heartbeat) sealed()         {}
func (*HeartbeatAck) sealed()      {}

// NewClipboardUpdate builds an update with its hash filled in.
func NewClipboardUpdate(content []byte) *ClipboardUpdate {
	return &ClipboardUpdate{Hash: HashContent(content), Content: content}
}

// Encode serializes a message into a frame payload.
func Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case *Hello:
		buf := []byte{byte(MsgHello)}
		var err error
		if buf, err = appendString(buf, m.Identity.Name); err != nil {
			return nil, err
		}
		if buf, err = appendString(buf, m.Identity.Group); err != nil {
			return nil, err
		}
		if buf, err = appendString(buf, m.InstanceID); err != nil {
			return nil, err
		}
		return binary.BigEndian.AppendUint16(buf, m.Version), nil
	case *Challenge:
		return append([]byte{byte(MsgChallenge)}, m.Nonce[:]...), nil
	case *ChallengeResponse:
		return append([]byte{byte(MsgChallengeResponse)}, m.Proof[:]...), nil
	case *ClipboardUpdate:
		if uint64(len(m.Content)) > math.MaxUint32 {
			return nil, Violation("encode clipboard update", ErrFrameTooLarge)
		}
		buf := make([]byte, 0, 1+len(m.Hash)+4+len(m.Content))
		buf = append(buf, byte(MsgClipboardUpdate))
		buf = append(buf, m.Hash[:]...)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.Content)))
		return append(buf, m.Content...), nil
	case *Heartbeat:
		return []byte{byte(MsgHeartbeat)}, nil
	case *HeartbeatAck:
		return []byte{byte(MsgHeartbeatAck)}, nil
	case nil:
		return nil, fmt.Errorf("encode: nil message")
	default:
		return nil, fmt.Errorf("encode: unsupported message %T", msg)
	}
}

// Decode parses a frame payload. Any failure is a protocol violation.
func Decode(payload []byte) (Message, error) {
	if len(payload) == 0 {
		return nil, Violation("decode", ErrEmptyFrame)
	}

	d := decoder{buf: payload[1:]}
	var msg Message

	switch t := MessageType(payload[0]); t {
	case MsgHello:
		h := &Hello{}
		h.Identity.Name = d.string()
		h.Identity.Group = d.string()
		h.InstanceID = d.string()
		h.Version = d.uint16()
		msg = h
	case MsgChallenge:
		c := &Challenge{}
		d.fixed(c.Nonce[:])
		msg = c
	case MsgChallengeResponse:
		r := &ChallengeResponse{}
		d.fixed(r.Proof[:])
		msg = r
	case MsgClipboardUpdate:
		u := &ClipboardUpdate{}
		d.fixed(u.Hash[:])
		n := d.uint32()
		u.Content = d.bytes(int(n))
		if d.err == nil && HashContent(u.Content) != u.Hash {
			return nil, Violation("decode clipboard update", ErrHashMismatch)
		}
		msg = u
	case MsgHeartbeat:
		msg = &Heartbeat{}
	case MsgHeartbeatAck:
		msg = &HeartbeatAck{}
	default:
		return nil, Violation("decode", fmt.Errorf("%w: %s", ErrUnknownType, t))
	}

	if d.err != nil {
		return nil, Violation("decode "+msg.Type().String(), d.err)
	}
	if len(d.buf) != 0 {
		return nil, Violation("decode "+msg.Type().String(), fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(d.buf)))
	}
	return msg, nil
}

func appendString(buf []byte, s string) ([]byte, error) {
	if len(s) > math.MaxUint16 {
		return nil, fmt.Errorf("encode: string field too long (%d bytes)", len(s))
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...), nil
}

// decoder reads fields from a payload and records the first error.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf) < n {
		d.err = fmt.Errorf("%w: truncated (need %d bytes, have %d)", ErrMalformed, n, len(d.buf))
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) fixed(dst []byte) {
	if b := d.take(len(dst)); b != nil {
		copy(dst, b)
	}
}

func (d *decoder) uint16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *decoder) uint32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *decoder) bytes(n int) []byte {
	b := d.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (d *decoder) string() string {
	n := d.uint16()
	b := d.take(int(n))
	if b == nil {
		return ""
	}
	if !utf8.Valid(b) {
		d.err = fmt.Errorf("%w: invalid utf-8 in string field", ErrMalformed)
		return ""
	}
	return string(b)
}
