package crypto

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundtrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	plaintext := []byte("intro for the responder")
	box, err := Seal(kp.TransportPub, plaintext)
	require.NoError(t, err)
	assert.Len(t, box, len(plaintext)+SealOverhead)

	got, err := Open(kp.TransportPriv, box)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestOpenWrongKey(t *testing.T) {
	kp1, err := GenerateKeyPair()
	require.NoError(t, err)
	kp2, err := GenerateKeyPair()
	require.NoError(t, err)

	box, err := Seal(kp1.TransportPub, []byte("secret"))
	require.NoError(t, err)
	_, err = Open(kp2.TransportPriv, box)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestOpenTruncatedOrTampered(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	_, err = Open(kp.TransportPriv, []byte("tooshort"))
	assert.ErrorIs(t, err, ErrDecryptFailed)

	box, err := Seal(kp.TransportPub, []byte("payload"))
	require.NoError(t, err)
	box[len(box)-1] ^= 0xFF
	_, err = Open(kp.TransportPriv, box)
	assert.ErrorIs(t, err, ErrDecryptFailed, "tampered box")
}

func TestSealNonDeterministic(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	a, err := Seal(kp.TransportPub, []byte("same"))
	require.NoError(t, err)
	b, err := Seal(kp.TransportPub, []byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "two seals of the same plaintext must differ")
}

func TestSymmetricKey(t *testing.T) {
	k, err := NewSymmetricKey()
	require.NoError(t, err)
	box, err := k.Encrypt([]byte("hello"))
	require.NoError(t, err)
	assert.Len(t, box, 5+SymOverhead)

	pt, err := k.Decrypt(box)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(pt))

	other, err := NewSymmetricKey()
	require.NoError(t, err)
	_, err = other.Decrypt(box)
	assert.ErrorIs(t, err, ErrDecryptFailed, "wrong key")
	_, err = k.Decrypt(box[:10])
	assert.ErrorIs(t, err, ErrDecryptFailed, "short box")
}

func TestKeyPairSaveLoad(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "keys", "identity.json")
	require.NoError(t, kp.Save(path))

	loaded, err := LoadKeyPair(path)
	require.NoError(t, err)
	assert.Equal(t, kp.TransportPub, loaded.TransportPub)
	assert.Equal(t, kp.TransportPriv, loaded.TransportPriv)
	assert.Equal(t, kp.IdentityPub, loaded.IdentityPub)

	id1, err := kp.PeerID()
	require.NoError(t, err)
	id2, err := loaded.PeerID()
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "peer id changed across reload")
}

func TestPeerIDDistinct(t *testing.T) {
	a, err := GenerateKeyPair()
	require.NoError(t, err)
	b, err := GenerateKeyPair()
	require.NoError(t, err)
	ida, err := a.PeerID()
	require.NoError(t, err)
	idb, err := b.PeerID()
	require.NoError(t, err)
	assert.NotEmpty(t, ida)
	assert.NotEqual(t, ida, idb)

	_, err = PeerIDFromIdentity([]byte("short"))
	assert.Error(t, err, "malformed identity key")
}

func TestPubKeyFromHex(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	got, err := PubKeyFromHex(kp.PublicKeyHex())
	require.NoError(t, err)
	assert.Equal(t, kp.TransportPub, got)

	_, err = PubKeyFromHex("abcd")
	assert.Error(t, err, "short key")
}
