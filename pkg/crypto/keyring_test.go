package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/woundwatch/pkg/apperr"
)

func testKey(fill byte) string {
	key := make([]byte, 32)
	for i := range key {
		key[i] = fill
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestKeyring_SealOpenRoundTrip(t *testing.T) {
	kr, err := NewKeyring(testKey(0x01))
	require.NoError(t, err)

	plaintext := []byte(`{"processing_id":"proc_abc","text":"wound photo attached"}`)
	ciphertext, nonce, keyID, err := kr.Seal(plaintext)
	require.NoError(t, err)
	assert.Equal(t, kr.CurrentKeyID(), keyID)
	assert.NotEqual(t, plaintext, ciphertext)

	opened, err := kr.Open(ciphertext, nonce, keyID)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestKeyring_RotationDecryptsOldEntries(t *testing.T) {
	oldRing, err := NewKeyring(testKey(0x01))
	require.NoError(t, err)
	ciphertext, nonce, oldID, err := oldRing.Seal([]byte("queued before rotation"))
	require.NoError(t, err)

	// After rotation the old key rides along decrypt-only.
	newRing, err := NewKeyring(testKey(0x02), testKey(0x01))
	require.NoError(t, err)
	assert.NotEqual(t, oldID, newRing.CurrentKeyID())

	opened, err := newRing.Open(ciphertext, nonce, oldID)
	require.NoError(t, err)
	assert.Equal(t, []byte("queued before rotation"), opened)
}

func TestKeyring_UnknownKeyID(t *testing.T) {
	kr, err := NewKeyring(testKey(0x01))
	require.NoError(t, err)

	_, err = kr.Open([]byte("junk"), make([]byte, 12), "deadbeef")
	require.Error(t, err)
	assert.Equal(t, apperr.KindNonRetryable, apperr.ClassOf(err))
}

func TestKeyring_TamperedCiphertext(t *testing.T) {
	kr, err := NewKeyring(testKey(0x01))
	require.NoError(t, err)

	ciphertext, nonce, keyID, err := kr.Seal([]byte("payload"))
	require.NoError(t, err)
	ciphertext[0] ^= 0xFF

	_, err = kr.Open(ciphertext, nonce, keyID)
	require.Error(t, err)
	assert.Equal(t, apperr.KindNonRetryable, apperr.ClassOf(err))
	assert.False(t, apperr.Retryable(err))
}

func TestNewKeyring_RejectsBadMaterial(t *testing.T) {
	_, err := NewKeyring("not base64!!")
	assert.Error(t, err)

	short := base64.StdEncoding.EncodeToString([]byte("too short"))
	_, err = NewKeyring(short)
	assert.Error(t, err)
}

func TestKeyring_KeyIDIsFingerprintNotMaterial(t *testing.T) {
	kr, err := NewKeyring(testKey(0x01))
	require.NoError(t, err)

	// Same material always fingerprints the same; different material differs.
	again, err := NewKeyring(testKey(0x01))
	require.NoError(t, err)
	assert.Equal(t, kr.CurrentKeyID(), again.CurrentKeyID())

	other, err := NewKeyring(testKey(0x02))
	require.NoError(t, err)
	assert.NotEqual(t, kr.CurrentKeyID(), other.CurrentKeyID())
	assert.Len(t, kr.CurrentKeyID(), 8)
}
