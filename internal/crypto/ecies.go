// Package crypto holds the node's key material and the two ciphers the
// transport uses: ECIES (X25519 + ChaCha20-Poly1305) to seal handshake
// intros to a peer's public key, and AES-128-GCM for per-connection
// session traffic.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfo = "ringnet-intro-v1"

// SealOverhead is the number of bytes Seal adds to a plaintext.
const SealOverhead = curve25519.PointSize + chacha20poly1305.NonceSize + chacha20poly1305.Overhead

// ErrDecryptFailed is returned when a sealed box does not open under the
// given key. For intros this usually means the datagram was meant for
// someone else or was corrupted in flight.
var ErrDecryptFailed = errors.New("crypto: authentication failed")

// Seal encrypts plaintext so only the holder of recipientPub's private key
// can read it. A fresh ephemeral X25519 key is used per call.
//
// Output: ephPub(32) || nonce(12) || ciphertext+tag
func Seal(recipientPub [32]byte, plaintext []byte) ([]byte, error) {
	var ephPriv [32]byte
	if _, err := io.ReadFull(rand.Reader, ephPriv[:]); err != nil {
		return nil, err
	}
	clamp(&ephPriv)

	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(ephPriv[:], recipientPub[:])
	if err != nil {
		return nil, err
	}
	aead, err := boxCipher(shared, ephPub, recipientPub[:])
	if err != nil {
		return nil, err
	}

	out := make([]byte, curve25519.PointSize+aead.NonceSize(), SealOverhead+len(plaintext))
	copy(out, ephPub)
	nonce := out[curve25519.PointSize:]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// Open reverses Seal with the recipient's private key.
func Open(priv [32]byte, box []byte) ([]byte, error) {
	if len(box) < SealOverhead {
		return nil, ErrDecryptFailed
	}
	ephPub := box[:curve25519.PointSize]
	nonce := box[curve25519.PointSize : curve25519.PointSize+chacha20poly1305.NonceSize]
	ct := box[curve25519.PointSize+chacha20poly1305.NonceSize:]

	shared, err := curve25519.X25519(priv[:], ephPub)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	ownPub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	aead, err := boxCipher(shared, ephPub, ownPub)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return pt, nil
}

// boxCipher binds the derived key to both public keys so a box cannot be
// replayed against a different recipient.
func boxCipher(shared, ephPub, recipientPub []byte) (cipherAEAD, error) {
	salt := make([]byte, 0, len(ephPub)+len(recipientPub))
	salt = append(salt, ephPub...)
	salt = append(salt, recipientPub...)

	r := hkdf.New(sha256.New, shared, salt, []byte(hkdfInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return chacha20poly1305.New(key)
}

func clamp(k *[32]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}
