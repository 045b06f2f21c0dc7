package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/ruteri/compute-wallet-billing/interfaces"
)

// gcmNonceSize is the standard 12-byte GCM nonce.
const gcmNonceSize = 12

// MnemonicVault encrypts secrets with AES-256-GCM. Every blob carries its own
// random nonce, so encrypting the same plaintext twice yields different blobs.
//
// Format: [nonce (12 bytes)][ciphertext][tag (16 bytes)]
type MnemonicVault struct{}

// NewMnemonicVault returns a vault.
func NewMnemonicVault() *MnemonicVault {
	return &MnemonicVault{}
}

// Encrypt seals plaintext under key.
func (v *MnemonicVault) Encrypt(plaintext []byte, key interfaces.Key256) (interfaces.EncryptedBlob, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", interfaces.ErrValidation)
	}

	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	blob := make([]byte, 0, gcmNonceSize+len(plaintext)+aesGCM.Overhead())
	blob = append(blob, nonce...)
	blob = aesGCM.Seal(blob, nonce, plaintext, nil)
	return interfaces.EncryptedBlob(blob), nil
}

// Decrypt opens blob under key. A wrong key, a modified blob and a truncated
// blob all report ErrDecryptionFailure.
func (v *MnemonicVault) Decrypt(blob interfaces.EncryptedBlob, key interfaces.Key256) ([]byte, error) {
	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(blob) < gcmNonceSize+aesGCM.Overhead() {
		return nil, fmt.Errorf("%w: blob too short", interfaces.ErrDecryptionFailure)
	}

	plaintext, err := aesGCM.Open(nil, blob[:gcmNonceSize], blob[gcmNonceSize:], nil)
	if err != nil {
		return nil, interfaces.ErrDecryptionFailure
	}
	return plaintext, nil
}

// DecryptString is Decrypt for textual secrets such as mnemonics.
func (v *MnemonicVault) DecryptString(blob interfaces.EncryptedBlob, key interfaces.Key256) (string, error) {
	plaintext, err := v.Decrypt(blob, key)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func newGCM(key interfaces.Key256) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	if aesGCM.NonceSize() != gcmNonceSize {
		return nil, errors.New("unexpected GCM nonce size")
	}
	return aesGCM, nil
}
