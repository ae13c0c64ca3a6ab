// Package crypto provides AES-256-GCM encryption for the durable input
// queue. A small keyring supports live rotation: new entries use the current
// key, old entries decrypt with whichever key their key_id names.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/carebridge/woundwatch/pkg/apperr"
)

const keySize = 32

// Keyring holds the current encryption key plus any previous keys still
// needed to decrypt queued entries.
type Keyring struct {
	currentID string
	aeads     map[string]cipher.AEAD
}

// NewKeyring builds a keyring from base64-encoded 32-byte keys. The first
// key is current; the rest are decrypt-only.
func NewKeyring(currentB64 string, previousB64 ...string) (*Keyring, error) {
	kr := &Keyring{aeads: make(map[string]cipher.AEAD)}

	id, aead, err := buildAEAD(currentB64)
	if err != nil {
		return nil, fmt.Errorf("current key: %w", err)
	}
	kr.currentID = id
	kr.aeads[id] = aead

	for _, b64 := range previousB64 {
		if b64 == "" {
			continue
		}
		id, aead, err := buildAEAD(b64)
		if err != nil {
			return nil, fmt.Errorf("previous key: %w", err)
		}
		kr.aeads[id] = aead
	}
	return kr, nil
}

func buildAEAD(b64 string) (string, cipher.AEAD, error) {
	key, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", nil, fmt.Errorf("key is not valid base64: %w", err)
	}
	if len(key) != keySize {
		return "", nil, fmt.Errorf("key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", nil, err
	}
	// key_id is a fingerprint, not the key: entries name the key that sealed
	// them without storing material.
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:4]), aead, nil
}

// CurrentKeyID returns the id new entries are sealed with.
func (k *Keyring) CurrentKeyID() string { return k.currentID }

// Seal encrypts plaintext with the current key and a fresh random nonce.
func (k *Keyring) Seal(plaintext []byte) (ciphertext, nonce []byte, keyID string, err error) {
	aead := k.aeads[k.currentID]
	nonce = make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, nil, "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(nil, nonce, plaintext, nil), nonce, k.currentID, nil
}

// Open decrypts a queued entry with the key its key_id names.
func (k *Keyring) Open(ciphertext, nonce []byte, keyID string) ([]byte, error) {
	aead, ok := k.aeads[keyID]
	if !ok {
		return nil, apperr.New(apperr.KindNonRetryable,
			fmt.Sprintf("no key in ring for key_id %q", keyID))
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNonRetryable, "failed to decrypt input record", err)
	}
	return plaintext, nil
}
