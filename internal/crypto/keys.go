package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/crypto/curve25519"
)

// KeyPair is a node identity: an X25519 key the transport seals intros to,
// and an Ed25519 key the peer id is derived from.
type KeyPair struct {
	TransportPriv [32]byte           `json:"-"`
	TransportPub  [32]byte           `json:"-"`
	IdentityPriv  ed25519.PrivateKey `json:"-"`
	IdentityPub   ed25519.PublicKey  `json:"-"`

	TransportPrivHex string `json:"transport_priv"`
	TransportPubHex  string `json:"transport_pub"`
	IdentityPrivHex  string `json:"identity_priv"`
}

func GenerateKeyPair() (*KeyPair, error) {
	var priv [32]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return nil, err
	}
	clamp(&priv)
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	idPub, idPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	kp := &KeyPair{
		TransportPriv: priv,
		IdentityPriv:  idPriv,
		IdentityPub:   idPub,
	}
	copy(kp.TransportPub[:], pub)
	kp.syncHex()
	return kp, nil
}

func (kp *KeyPair) syncHex() {
	kp.TransportPrivHex = hex.EncodeToString(kp.TransportPriv[:])
	kp.TransportPubHex = hex.EncodeToString(kp.TransportPub[:])
	kp.IdentityPrivHex = hex.EncodeToString(kp.IdentityPriv)
}

func (kp *KeyPair) syncFromHex() error {
	b, err := hex.DecodeString(kp.TransportPrivHex)
	if err != nil || len(b) != 32 {
		return errors.New("invalid transport_priv")
	}
	copy(kp.TransportPriv[:], b)

	pub, err := curve25519.X25519(kp.TransportPriv[:], curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("derive transport_pub: %w", err)
	}
	copy(kp.TransportPub[:], pub)
	if kp.TransportPubHex != "" && kp.TransportPubHex != hex.EncodeToString(pub) {
		return errors.New("transport_pub does not match transport_priv")
	}

	b, err = hex.DecodeString(kp.IdentityPrivHex)
	if err != nil || len(b) != ed25519.PrivateKeySize {
		return errors.New("invalid identity_priv")
	}
	kp.IdentityPriv = ed25519.PrivateKey(b)
	kp.IdentityPub = kp.IdentityPriv.Public().(ed25519.PublicKey)
	kp.syncHex()
	return nil
}

// PublicKeyHex returns the transport key in the form gateways are
// configured with.
func (kp *KeyPair) PublicKeyHex() string {
	return hex.EncodeToString(kp.TransportPub[:])
}

// PeerID derives the node's overlay identity from its Ed25519 key.
func (kp *KeyPair) PeerID() (peer.ID, error) {
	return PeerIDFromIdentity(kp.IdentityPub)
}

func (kp *KeyPair) Sign(data []byte) []byte {
	return ed25519.Sign(kp.IdentityPriv, data)
}

func (kp *KeyPair) Save(path string) error {
	kp.syncHex()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(kp)
}

func LoadKeyPair(path string) (*KeyPair, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	kp := &KeyPair{}
	if err := json.NewDecoder(f).Decode(kp); err != nil {
		return nil, err
	}
	return kp, kp.syncFromHex()
}

// PeerIDFromIdentity converts a raw Ed25519 public key into a peer id.
func PeerIDFromIdentity(pub ed25519.PublicKey) (peer.ID, error) {
	pk, err := p2pcrypto.UnmarshalEd25519PublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("crypto: identity key: %w", err)
	}
	return peer.IDFromPublicKey(pk)
}

// PubKeyFromHex parses a 32-byte hex-encoded X25519 public key.
func PubKeyFromHex(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, errors.New("public key must be 32 bytes")
	}
	copy(out[:], b)
	return out, nil
}
