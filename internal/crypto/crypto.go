// Package crypto provides AES-256-GCM symmetric encryption for device
// credential secrets at rest, with a fail-fast guard against the insecure
// lab-only sentinel key outside of the lab environment.
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

	"github.com/routeros-fleet/controlplane/internal/ccerrors"
	"github.com/routeros-fleet/controlplane/internal/config"
)

// InsecureLabKey is the sentinel value that, outside of the lab
// environment, aborts startup rather than silently encrypting secrets
// with a known key.
const InsecureLabKey = "INSECURE_LAB_KEY_DO_NOT_USE_IN_PRODUCTION"

// Cipher encrypts and decrypts credential secrets with a single
// process-wide AES-256-GCM key.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives a 32-byte AES key from keyMaterial (base64, or any
// string — non-base64 input is hashed down to key length) and refuses to
// start with the insecure sentinel key outside of the lab environment.
func NewCipher(keyMaterial string, env config.Environment) (*Cipher, error) {
	if keyMaterial == InsecureLabKey && env != config.EnvironmentLab {
		return nil, ccerrors.New(ccerrors.EncryptionKeyInsecure,
			fmt.Sprintf("insecure default encryption key not allowed in %s", env))
	}

	key, err := deriveKey(keyMaterial)
	if err != nil {
		return nil, ccerrors.Wrap(ccerrors.EncryptionKeyInsecure, "invalid encryption key", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ccerrors.Wrap(ccerrors.EncryptionKeyInsecure, "building AES cipher", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ccerrors.Wrap(ccerrors.EncryptionKeyInsecure, "building GCM mode", err)
	}
	return &Cipher{aead: aead}, nil
}

// deriveKey decodes keyMaterial as standard base64 when it decodes to
// exactly 32 bytes, otherwise folds it down to a 32-byte key via SHA-256
// so any operator-supplied passphrase still yields a valid AES-256 key.
func deriveKey(keyMaterial string) ([]byte, error) {
	if keyMaterial == "" {
		return nil, errors.New("encryption key must not be empty")
	}
	if decoded, err := base64.StdEncoding.DecodeString(keyMaterial); err == nil && len(decoded) == 32 {
		return decoded, nil
	}
	sum := sha256.Sum256([]byte(keyMaterial))
	return sum[:], nil
}

// Encrypt returns nonce||ciphertext, safe to store as an opaque blob.
func (c *Cipher) Encrypt(plaintext string) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, ccerrors.Wrap(ccerrors.Decryption, "generating nonce", err)
	}
	return c.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Decrypt reverses Encrypt. A tampered or mis-keyed blob yields
// ccerrors.Decryption.
func (c *Cipher) Decrypt(blob []byte) (string, error) {
	nonceSize := c.aead.NonceSize()
	if len(blob) < nonceSize {
		return "", ccerrors.New(ccerrors.Decryption, "ciphertext too short")
	}
	nonce, ciphertext := blob[:nonceSize], blob[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ccerrors.Wrap(ccerrors.Decryption, "decrypting credential secret", err)
	}
	return string(plaintext), nil
}
