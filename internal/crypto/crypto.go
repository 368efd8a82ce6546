package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	ErrInvalidKey     = errors.New("invalid encryption key")
	ErrDecryptFailed  = errors.New("decryption failed")
	ErrMalformedValue = errors.New("malformed encrypted value")
)

// encryptedPrefix marks stored values as encrypted. Values without the
// prefix are treated as legacy plaintext and returned unchanged.
const encryptedPrefix = "enc:"

// sensitiveSettings lists the account setting keys that hold credentials.
var sensitiveSettings = map[string]struct{}{
	"password":      {},
	"client_secret": {},
	"token":         {},
	"refresh_token": {},
}

// Encryptor encrypts and decrypts credential strings with AES-256-GCM.
// The key is the SHA-256 digest of the configured secret.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor derives the cipher key from the secret and prepares the AEAD.
func NewEncryptor(secret string) (*Encryptor, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: secret must not be empty", ErrInvalidKey)
	}

	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}

	return &Encryptor{aead: aead}, nil
}

// Encrypt seals a plaintext value. Already-encrypted values pass through
// unchanged so update flows cannot double-encrypt.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" || IsEncrypted(plaintext) {
		return plaintext, nil
	}

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encryptedPrefix + base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a sealed value. Plaintext legacy values are returned as-is.
func (e *Encryptor) Decrypt(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}

	raw, err := base64.URLEncoding.DecodeString(strings.TrimPrefix(value, encryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedValue, err)
	}
	if len(raw) < e.aead.NonceSize() {
		return "", fmt.Errorf("%w: value too short", ErrMalformedValue)
	}

	nonce, ciphertext := raw[:e.aead.NonceSize()], raw[e.aead.NonceSize():]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecryptFailed, err)
	}

	return string(plaintext), nil
}

// EncryptSettings returns a copy of the settings map with all sensitive
// string values sealed.
func (e *Encryptor) EncryptSettings(settings map[string]any) (map[string]any, error) {
	if settings == nil {
		return nil, nil
	}

	out := make(map[string]any, len(settings))
	for key, value := range settings {
		str, isString := value.(string)
		if _, sensitive := sensitiveSettings[key]; sensitive && isString {
			enc, err := e.Encrypt(str)
			if err != nil {
				return nil, fmt.Errorf("failed to encrypt setting %s: %w", key, err)
			}
			out[key] = enc
			continue
		}
		out[key] = value
	}

	return out, nil
}

// DecryptSettings returns a copy of the settings map with all sensitive
// string values opened.
func (e *Encryptor) DecryptSettings(settings map[string]any) (map[string]any, error) {
	if settings == nil {
		return nil, nil
	}

	out := make(map[string]any, len(settings))
	for key, value := range settings {
		str, isString := value.(string)
		if _, sensitive := sensitiveSettings[key]; sensitive && isString {
			plain, err := e.Decrypt(str)
			if err != nil {
				return nil, fmt.Errorf("failed to decrypt setting %s: %w", key, err)
			}
			out[key] = plain
			continue
		}
		out[key] = value
	}

	return out, nil
}

// IsEncrypted reports whether a value carries the encrypted prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, encryptedPrefix)
}

// RedactedValue replaces credential values in settings shown to clients.
const RedactedValue = "***"

// RedactSettings returns a copy of the settings map with all non-empty
// sensitive string values replaced by RedactedValue.
func RedactSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}

	out := make(map[string]any, len(settings))
	for key, value := range settings {
		str, isString := value.(string)
		if _, sensitive := sensitiveSettings[key]; sensitive && isString && str != "" {
			out[key] = RedactedValue
			continue
		}
		out[key] = value
	}

	return out
}

// RestoreRedacted returns a copy of incoming where redacted sensitive values
// are swapped back for their stored counterparts. Clients can resubmit the
// settings they were shown without wiping credentials.
func RestoreRedacted(incoming, stored map[string]any) map[string]any {
	if incoming == nil {
		return nil
	}

	out := make(map[string]any, len(incoming))
	for key, value := range incoming {
		if str, isString := value.(string); isString && str == RedactedValue {
			if _, sensitive := sensitiveSettings[key]; sensitive {
				if previous, exists := stored[key]; exists {
					out[key] = previous
					continue
				}
			}
		}
		out[key] = value
	}

	return out
}
