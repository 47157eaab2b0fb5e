package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestHelloEncodeDecode(t *testing.T) {
	in := &Hello{
		Identity:   PeerIdentity{Name: "laptop", Group: "home"},
		InstanceID: "2f1d3c1e-8f7b-4a3e-9c55-0a4e6b7d9a01",
		Version:    ProtocolVersion,
	}

	payload, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	msg, err := Decode(payload)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	out, ok := msg.(*Hello)
	if !ok {
		t.Fatalf("Expected *Hello, got %T", msg)
	}
	if *out != *in {
		t.Errorf("Expected %+v, got %+v", in, out)
	}
}

func TestClipboardUpdateHash(t *testing.T) {
	update := NewClipboardUpdate([]byte("hello"))
	if update.Hash != HashContent([]byte("hello")) {
		t.Fatal("NewClipboardUpdate did not hash content")
	}

	payload, err := Encode(update)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	// Flip a content byte so the hash no longer matches.
	payload[len(payload)-1] ^= 0xff

	_, err = Decode(payload)
	if !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("Expected ErrHashMismatch, got %v", err)
	}
	if KindOf(err) != KindProtocolViolation {
		t.Errorf("Expected protocol violation, got %s", KindOf(err))
	}
}

func TestClipboardUpdateEmptyContent(t *testing.T) {
	payload, err := Encode(NewClipboardUpdate(nil))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	msg, err := Decode(payload)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(msg.(*ClipboardUpdate).Content) != 0 {
		t.Error("Expected empty content")
	}
}

func TestDecodeMalformed(t *testing.T) {
	hello, _ := Encode(&Hello{Identity: PeerIdentity{Name: "a", Group: "g"}, Version: ProtocolVersion})
	update, _ := Encode(NewClipboardUpdate([]byte("payload")))

	tests := []struct {
		name    string
		payload []byte
		want    error
	}{
		{"empty", nil, ErrEmptyFrame},
		{"unknown type", []byte{0x7f}, ErrUnknownType},
		{"truncated challenge", append([]byte{byte(MsgChallenge)}, make([]byte, 10)...), ErrMalformed},
		{"truncated response", []byte{byte(MsgChallengeResponse), 1, 2}, ErrMalformed},
		{"truncated hello", hello[:len(hello)-1], ErrMalformed},
		{"hello trailing bytes", append(append([]byte{}, hello...), 0), ErrMalformed},
		{"heartbeat trailing bytes", []byte{byte(MsgHeartbeat), 0}, ErrMalformed},
		{"truncated update", update[:len(update)-3], ErrMalformed},
		{"update length overflow", append(append([]byte{}, update[:33]...), 0xff, 0xff, 0xff, 0xff), ErrMalformed},
		{"invalid utf8 name", []byte{byte(MsgHello), 0, 1, 0xff, 0, 0, 0, 0, 0, 1}, ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.payload)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, err)
			}
			if KindOf(err) != KindProtocolViolation {
				t.Errorf("Expected protocol violation, got %s", KindOf(err))
			}
		})
	}
}

func TestDecodeCopiesContent(t *testing.T) {
	payload, _ := Encode(NewClipboardUpdate([]byte("stable")))

	msg, err := Decode(payload)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	for i := range payload {
		payload[i] = 0
	}
	if !bytes.Equal(msg.(*ClipboardUpdate).Content, []byte("stable")) {
		t.Error("Decoded content aliases the frame buffer")
	}
}

func TestPeerIdentityKey(t *testing.T) {
	id := PeerIdentity{Name: "desk", Group: "office"}
	if id.Key() != "office/desk" {
		t.Errorf("Expected office/desk, got %s", id.Key())
	}
	if (PeerIdentity{}).IsZero() != true {
		t.Error("Expected zero identity")
	}
}
