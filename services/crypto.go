package services

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	envelopeVersion  = "v1"
	envelopeIVBytes  = 12
	pbkdf2Iterations = 100000
	pbkdf2Salt       = "wa-agent-salt"
)

// Cipher encrypts and decrypts stored gateway API keys.
// Envelope format: v1:{base64(iv-12B)}:{base64(ciphertext+tag)}
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(envelope string) (string, error)
}

type aesGCMCipher struct {
	key []byte
}

// NewCipher derives an AES-256 key from the process secret via
// PBKDF2-SHA256 (100k iterations, constant salt).
func NewCipher(secret string) (Cipher, error) {
	if secret == "" {
		return nil, fmt.Errorf("encryption secret is empty")
	}
	key := pbkdf2.Key([]byte(secret), []byte(pbkdf2Salt), pbkdf2Iterations, 32, sha256.New)
	return &aesGCMCipher{key: key}, nil
}

func (c *aesGCMCipher) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func (c *aesGCMCipher) Encrypt(plaintext string) (string, error) {
	gcm, err := c.gcm()
	if err != nil {
		return "", err
	}

	iv := make([]byte, envelopeIVBytes)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate IV: %w", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)

	return fmt.Sprintf("%s:%s:%s",
		envelopeVersion,
		base64.StdEncoding.EncodeToString(iv),
		base64.StdEncoding.EncodeToString(sealed),
	), nil
}

func (c *aesGCMCipher) Decrypt(envelope string) (string, error) {
	parts := strings.Split(envelope, ":")
	if len(parts) != 3 {
		return "", fmt.Errorf("malformed encryption envelope")
	}
	if parts[0] != envelopeVersion {
		return "", fmt.Errorf("unsupported envelope version: %s", parts[0])
	}

	iv, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("invalid envelope IV: %w", err)
	}
	if len(iv) != envelopeIVBytes {
		return "", fmt.Errorf("invalid envelope IV length: %d", len(iv))
	}

	sealed, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("invalid envelope ciphertext: %w", err)
	}

	gcm, err := c.gcm()
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt envelope: %w", err)
	}

	return string(plaintext), nil
}
