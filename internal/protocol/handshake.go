package protocol

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"net"
	"time"
)

// HandshakeTimeout is the default bound on a whole handshake
const HandshakeTimeout = 10 * time.Second

// handshakeMaxPayload caps frames read before the peer is authenticated.
const handshakeMaxPayload = 4096

// AdmitFunc inspects the remote Hello before any challenge is issued.
// Returning an error aborts the handshake.
type AdmitFunc func(hello *Hello) error

// HandshakeConfig describes the local side of a handshake
type HandshakeConfig struct {
	Identity   PeerIdentity
	InstanceID string
	PSK        []byte
	Timeout    time.Duration
	// Initiator is true for the side that dialed the connection.
	Initiator bool
	Admit     AdmitFunc
}

// HandshakeResult describes the authenticated remote side
type HandshakeResult struct {
	Peer       PeerIdentity
	InstanceID string
	Version    uint16
}

// ComputeProof returns HMAC-SHA256(psk, nonce).
func ComputeProof(psk []byte, nonce [NonceSize]byte) [NonceSize]byte {
	mac := hmac.New(sha256.New, psk)
	mac.Write(nonce[:])
	var proof [NonceSize]byte
	copy(proof[:], mac.Sum(nil))
	return proof
}

// NewNonce returns a fresh random challenge nonce.
func NewNonce() ([NonceSize]byte, error) {
	var n [NonceSize]byte
	if _, err := rand.Read(n[:]); err != nil {
		return n, fmt.Errorf("generate nonce: %w", err)
	}
	return n, nil
}

// PerformHandshake runs the mutual challenge-response exchange over conn.
//
// The initiator sends Hello, the responder answers with Hello and a Challenge.
// Once the initiator has proven the PSK it challenges the responder in turn.
// On failure nothing more is written; the caller closes the connection.
func PerformHandshake(ctx context.Context, conn net.Conn, cfg HandshakeConfig) (*HandshakeResult, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = HandshakeTimeout
	}

	conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	// Cancellation unblocks pending reads and writes.
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	framer := NewFramer(conn, conn)
	framer.SetMaxPayload(handshakeMaxPayload)

	h := &handshake{cfg: cfg, framer: framer}

	var (
		res *HandshakeResult
		err error
	)
	if cfg.Initiator {
		res, err = h.initiate()
	} else {
		res, err = h.respond()
	}
	if err != nil {
		return nil, classifyHandshakeError(ctx, err)
	}
	return res, nil
}

type handshake struct {
	cfg    HandshakeConfig
	framer *Framer
	remote *Hello
}

func (h *handshake) hello() *Hello {
	return &Hello{
		Identity:   h.cfg.Identity,
		InstanceID: h.cfg.InstanceID,
		Version:    ProtocolVersion,
	}
}

func (h *handshake) initiate() (*HandshakeResult, error) {
	if err := h.framer.WriteMessage(h.hello()); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}
	if err := h.receiveHello(); err != nil {
		return nil, err
	}
	if err := h.answerChallenge(); err != nil {
		return nil, err
	}
	if err := h.issueChallenge(); err != nil {
		return nil, err
	}
	return h.result(), nil
}

func (h *handshake) respond() (*HandshakeResult, error) {
	if err := h.receiveHello(); err != nil {
		return nil, err
	}
	if err := h.framer.WriteMessage(h.hello()); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}
	if err := h.issueChallenge(); err != nil {
		return nil, err
	}
	if err := h.answerChallenge(); err != nil {
		return nil, err
	}
	return h.result(), nil
}

func (h *handshake) receiveHello() error {
	msg, err := h.expect(MsgHello)
	if err != nil {
		return fmt.Errorf("receive hello: %w", err)
	}
	hello := msg.(*Hello)

	if hello.Version != ProtocolVersion {
		return AuthFailure("hello", fmt.Errorf("%w: ours %d, theirs %d", ErrVersionMismatch, ProtocolVersion, hello.Version))
	}
	if hello.Identity.Name == "" {
		return Violation("hello", fmt.Errorf("%w: empty peer name", ErrMalformed))
	}
	if hello.InstanceID != "" && hello.InstanceID == h.cfg.InstanceID {
		return TrustDenied("hello", ErrSelfConnection)
	}
	if hello.Identity.Group != h.cfg.Identity.Group {
		return TrustDenied("hello", fmt.Errorf("group %q does not match %q", hello.Identity.Group, h.cfg.Identity.Group))
	}
	if h.cfg.Admit != nil {
		if err := h.cfg.Admit(hello); err != nil {
			return err
		}
	}

	h.remote = hello
	return nil
}

// issueChallenge sends a fresh nonce and verifies the peer's proof.
func (h *handshake) issueChallenge() error {
	nonce, err := NewNonce()
	if err != nil {
		return err
	}
	if err := h.framer.WriteMessage(&Challenge{Nonce: nonce}); err != nil {
		return fmt.Errorf("send challenge: %w", err)
	}

	msg, err := h.expect(MsgChallengeResponse)
	if err != nil {
		return fmt.Errorf("receive proof: %w", err)
	}
	proof := msg.(*ChallengeResponse).Proof

	expected := ComputeProof(h.cfg.PSK, nonce)
	if !hmac.Equal(proof[:], expected[:]) {
		return AuthFailure("verify proof", ErrAuthFailed)
	}
	return nil
}

// answerChallenge proves knowledge of the PSK for the peer's nonce.
func (h *handshake) answerChallenge() error {
	msg, err := h.expect(MsgChallenge)
	if err != nil {
		return fmt.Errorf("receive challenge: %w", err)
	}
	nonce := msg.(*Challenge).Nonce

	if err := h.framer.WriteMessage(&ChallengeResponse{Proof: ComputeProof(h.cfg.PSK, nonce)}); err != nil {
		return fmt.Errorf("send proof: %w", err)
	}
	return nil
}

func (h *handshake) expect(t MessageType) (Message, error) {
	msg, err := h.framer.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msg.Type() != t {
		return nil, Violation("handshake", fmt.Errorf("%w: got %s, want %s", ErrUnexpectedType, msg.Type(), t))
	}
	return msg, nil
}

func (h *handshake) result() *HandshakeResult {
	return &HandshakeResult{
		Peer:       h.remote.Identity,
		InstanceID: h.remote.InstanceID,
		Version:    h.remote.Version,
	}
}

func classifyHandshakeError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return TransportError("handshake", ctxErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return AuthFailure("handshake", ErrHandshakeTimeout)
	}

	var classified *Error
	if errors.As(err, &classified) {
		return err
	}
	return TransportError("handshake", err)
}
