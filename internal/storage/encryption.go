package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/ironfuel/livechat/internal/constants"
	"github.com/ironfuel/livechat/internal/util"
)

// contentCipher encrypts message content at rest with AES-256-GCM.
// A nil *contentCipher (or one without a key) passes content through unchanged.
type contentCipher struct {
	gcm cipher.AEAD
}

func newContentCipher(key []byte) (*contentCipher, error) {
	if err := util.ValidateExactLength(key, constants.EncryptionKeyLength, "encryption key"); err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return &contentCipher{}, nil
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &contentCipher{gcm: gcm}, nil
}

func (c *contentCipher) enabled() bool {
	return c != nil && c.gcm != nil
}

// encrypt returns base64(nonce || ciphertext).
func (c *contentCipher) encrypt(plaintext string) (string, error) {
	if !c.enabled() {
		return plaintext, nil
	}

	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *contentCipher) decrypt(ciphertext string) (string, error) {
	if !c.enabled() {
		return ciphertext, nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	nonceSize := c.gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := c.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}
