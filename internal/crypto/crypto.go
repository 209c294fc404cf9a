package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	encryptedPrefix = "enc:"
	saltSize        = 16

	// scrypt parameters. N=2^15 keeps derivation under ~100ms while staying
	// well above the interactive minimum.
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// ErrDecrypt is returned when a ciphertext fails integrity checks. Jobs
// carrying such payloads must not be retried.
var ErrDecrypt = errors.New("decrypt-error")

// Cipher seals and opens sensitive job fields with AES-256-GCM. The data key
// is derived from the shared secret with scrypt using a random per-value
// salt carried in the envelope.
type Cipher struct {
	secret []byte
}

// NewCipher creates a cipher from the configured shared secret.
func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, errors.New("encryption secret cannot be empty")
	}
	return &Cipher{secret: []byte(secret)}, nil
}

// Encrypt seals plaintext into a prefixed base64 envelope of
// salt || nonce || ciphertext. Empty strings pass through unchanged.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	if strings.HasPrefix(plaintext, encryptedPrefix) {
		return plaintext, nil
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	gcm, err := c.aead(salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	envelope := append(append(salt, nonce...), sealed...)
	return encryptedPrefix + base64.StdEncoding.EncodeToString(envelope), nil
}

// Decrypt opens a prefixed envelope. Values without the prefix are returned
// as-is so unencrypted fields keep working. Any integrity failure maps to
// ErrDecrypt.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	if !strings.HasPrefix(ciphertext, encryptedPrefix) {
		return ciphertext, nil
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, encryptedPrefix))
	if err != nil {
		return "", ErrDecrypt
	}
	if len(data) < saltSize {
		return "", ErrDecrypt
	}

	salt, rest := data[:saltSize], data[saltSize:]
	gcm, err := c.aead(salt)
	if err != nil {
		return "", err
	}
	if len(rest) < gcm.NonceSize() {
		return "", ErrDecrypt
	}

	nonce, sealed := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether the value carries the envelope prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, encryptedPrefix)
}

func (c *Cipher) aead(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(c.secret, salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
