package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"io"
)

// SymmetricKeySize is the length of a session key: 128 bits.
const SymmetricKeySize = 16

// SymOverhead is the number of bytes Encrypt adds to a plaintext.
const SymOverhead = 12 + 16

// cipherAEAD is the subset of cipher.AEAD the package uses.
type cipherAEAD = cipher.AEAD

// SymmetricKey is a per-direction session key. Each side of a connection
// encrypts with the key it generated and decrypts with the one it learned.
type SymmetricKey [SymmetricKeySize]byte

// NewSymmetricKey draws a fresh random key.
func NewSymmetricKey() (SymmetricKey, error) {
	var k SymmetricKey
	_, err := io.ReadFull(rand.Reader, k[:])
	return k, err
}

func (k SymmetricKey) String() string {
	return hex.EncodeToString(k[:4]) + "…"
}

// Encrypt returns nonce(12) || AES-128-GCM(plaintext).
func (k SymmetricKey) Encrypt(plaintext []byte) ([]byte, error) {
	aead, err := k.aead()
	if err != nil {
		return nil, err
	}
	out := make([]byte, aead.NonceSize(), SymOverhead+len(plaintext))
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, err
	}
	return aead.Seal(out, out, plaintext, nil), nil
}

// Decrypt opens a box produced by Encrypt under the same key.
func (k SymmetricKey) Decrypt(box []byte) ([]byte, error) {
	aead, err := k.aead()
	if err != nil {
		return nil, err
	}
	if len(box) < SymOverhead {
		return nil, ErrDecryptFailed
	}
	pt, err := aead.Open(nil, box[:aead.NonceSize()], box[aead.NonceSize():], nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return pt, nil
}

func (k SymmetricKey) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(k[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
