// Package protocol defines the ringnet datagram format.
//
// Every datagram is at most MaxPacketSize bytes and starts with a kind byte:
//
//	KindIntro     | Seal(remote transport key, TLV intro fields)
//	KindSymmetric | nonce(12) | AES-128-GCM(frame byte | payload)
//
// Intro fields are tag(1) | length(2, LE) | value. Unknown tags are skipped
// so later versions can add fields; the version field is checked first so
// a peer speaking a different protocol is rejected cleanly.
package protocol

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Operative-001/ringnet/internal/crypto"
)

const (
	Version uint16 = 1

	MaxPacketSize = 1500

	KindIntro     byte = 0x01
	KindSymmetric byte = 0x02

	FrameHello byte = 0x01
	FrameData  byte = 0x02

	// MaxPayload is the largest data frame payload that fits one datagram.
	MaxPayload = MaxPacketSize - 1 - crypto.SymOverhead - 1
)

const (
	tagVersion      byte = 0x01
	tagSessionKey   byte = 0x02
	tagTransportKey byte = 0x03
	tagIdentity     byte = 0x04
	tagSignature    byte = 0x05
)

// Hello is the payload that proves a session key works in both directions.
var Hello = []byte("hello")

var (
	ErrTooLarge  = errors.New("protocol: datagram exceeds MaxPacketSize")
	ErrMalformed = errors.New("protocol: malformed datagram")
	ErrBadSig    = errors.New("protocol: intro signature invalid")
)

// VersionError reports an intro from a peer running another protocol version.
type VersionError struct {
	Got uint16
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("protocol: version %d, want %d", e.Got, Version)
}

// Intro is the first handshake packet. It carries the sender's session key
// along with the keys that identify it, signed by its identity key.
type Intro struct {
	Version      uint16
	SessionKey   crypto.SymmetricKey
	TransportKey [32]byte
	Identity     ed25519.PublicKey
	Signature    []byte
}

// NewIntro builds and signs an intro for kp announcing key.
func NewIntro(kp *crypto.KeyPair, key crypto.SymmetricKey) *Intro {
	in := &Intro{
		Version:      Version,
		SessionKey:   key,
		TransportKey: kp.TransportPub,
		Identity:     kp.IdentityPub,
	}
	in.Signature = kp.Sign(in.signedBytes())
	return in
}

func (in *Intro) signedBytes() []byte {
	var buf bytes.Buffer
	var v [2]byte
	binary.LittleEndian.PutUint16(v[:], in.Version)
	buf.Write(v[:])
	buf.Write(in.SessionKey[:])
	buf.Write(in.TransportKey[:])
	buf.Write(in.Identity)
	return buf.Bytes()
}

// Verify checks the signature against the embedded identity key.
func (in *Intro) Verify() error {
	if len(in.Identity) != ed25519.PublicKeySize || !ed25519.Verify(in.Identity, in.signedBytes(), in.Signature) {
		return ErrBadSig
	}
	return nil
}

// MarshalBinary encodes the intro fields.
func (in *Intro) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	var v [2]byte
	binary.LittleEndian.PutUint16(v[:], in.Version)
	for _, f := range []struct {
		tag byte
		val []byte
	}{
		{tagVersion, v[:]},
		{tagSessionKey, in.SessionKey[:]},
		{tagTransportKey, in.TransportKey[:]},
		{tagIdentity, in.Identity},
		{tagSignature, in.Signature},
	} {
		if len(f.val) > 0xFFFF {
			return nil, ErrTooLarge
		}
		var hdr [3]byte
		hdr[0] = f.tag
		binary.LittleEndian.PutUint16(hdr[1:], uint16(len(f.val)))
		buf.Write(hdr[:])
		buf.Write(f.val)
	}
	return buf.Bytes(), nil
}

// UnmarshalIntro decodes intro fields. A version other than Version
// yields a *VersionError before any other field is validated.
func UnmarshalIntro(b []byte) (*Intro, error) {
	fields := make(map[byte][]byte)
	for len(b) > 0 {
		if len(b) < 3 {
			return nil, fmt.Errorf("%w: truncated field header", ErrMalformed)
		}
		tag, n := b[0], int(binary.LittleEndian.Uint16(b[1:3]))
		b = b[3:]
		if len(b) < n {
			return nil, fmt.Errorf("%w: field %#x truncated", ErrMalformed, tag)
		}
		fields[tag] = b[:n]
		b = b[n:]
	}

	v, ok := fields[tagVersion]
	if !ok || len(v) != 2 {
		return nil, fmt.Errorf("%w: missing version", ErrMalformed)
	}
	in := &Intro{Version: binary.LittleEndian.Uint16(v)}
	if in.Version != Version {
		return in, &VersionError{Got: in.Version}
	}

	key, ok := fields[tagSessionKey]
	if !ok || len(key) != crypto.SymmetricKeySize {
		return nil, fmt.Errorf("%w: session key", ErrMalformed)
	}
	copy(in.SessionKey[:], key)

	tk, ok := fields[tagTransportKey]
	if !ok || len(tk) != 32 {
		return nil, fmt.Errorf("%w: transport key", ErrMalformed)
	}
	copy(in.TransportKey[:], tk)

	id, ok := fields[tagIdentity]
	if !ok || len(id) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: identity key", ErrMalformed)
	}
	in.Identity = append(ed25519.PublicKey(nil), id...)
	in.Signature = append([]byte(nil), fields[tagSignature]...)
	return in, nil
}

// EncodeIntro seals in to remotePub and prefixes the kind byte.
func EncodeIntro(remotePub [32]byte, in *Intro) ([]byte, error) {
	body, err := in.MarshalBinary()
	if err != nil {
		return nil, err
	}
	box, err := crypto.Seal(remotePub, body)
	if err != nil {
		return nil, err
	}
	pkt := append([]byte{KindIntro}, box...)
	if len(pkt) > MaxPacketSize {
		return nil, ErrTooLarge
	}
	return pkt, nil
}

// DecodeIntro opens an intro datagram with the local private key. Version
// mismatches surface as *VersionError; the signature is checked otherwise.
func DecodeIntro(priv [32]byte, pkt []byte) (*Intro, error) {
	if len(pkt) == 0 || pkt[0] != KindIntro {
		return nil, fmt.Errorf("%w: not an intro", ErrMalformed)
	}
	body, err := crypto.Open(priv, pkt[1:])
	if err != nil {
		return nil, err
	}
	in, err := UnmarshalIntro(body)
	if err != nil {
		return in, err
	}
	if err := in.Verify(); err != nil {
		return nil, err
	}
	return in, nil
}

// EncodeFrame encrypts one session frame under key.
func EncodeFrame(key crypto.SymmetricKey, frame byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: payload %d bytes, max %d", ErrTooLarge, len(payload), MaxPayload)
	}
	pt := make([]byte, 0, 1+len(payload))
	pt = append(pt, frame)
	pt = append(pt, payload...)
	box, err := key.Encrypt(pt)
	if err != nil {
		return nil, err
	}
	return append([]byte{KindSymmetric}, box...), nil
}

// DecodeFrame decrypts a session datagram under key.
func DecodeFrame(key crypto.SymmetricKey, pkt []byte) (frame byte, payload []byte, err error) {
	if len(pkt) == 0 || pkt[0] != KindSymmetric {
		return 0, nil, fmt.Errorf("%w: not a session frame", ErrMalformed)
	}
	pt, err := key.Decrypt(pkt[1:])
	if err != nil {
		return 0, nil, err
	}
	if len(pt) == 0 {
		return 0, nil, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	return pt[0], pt[1:], nil
}

// IsHello reports whether a decoded frame is a well-formed hello.
func IsHello(frame byte, payload []byte) bool {
	return frame == FrameHello && bytes.Equal(payload, Hello)
}
