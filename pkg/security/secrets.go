package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/cuemby/fleetagent/pkg/types"
)

// SecretsManager decrypts secret job variables with AES-256-GCM. It is
// constructed with an explicit key rather than reached through a package
// variable; a Worker builds one from the key in its environment and uses
// it for the single job that process runs.
type SecretsManager struct {
	encryptionKey []byte // 32 bytes for AES-256
}

// NewSecretsManager creates a new secrets manager with the given encryption key
// The key should be 32 bytes for AES-256-GCM
func NewSecretsManager(key []byte) (*SecretsManager, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}

	return &SecretsManager{
		encryptionKey: key,
	}, nil
}

// NewSecretsManagerFromPassword creates a secrets manager using a password
// The password is hashed with SHA-256 to derive the encryption key
func NewSecretsManagerFromPassword(password string) (*SecretsManager, error) {
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}

	// Derive 32-byte key from password using SHA-256
	hash := sha256.Sum256([]byte(password))
	return NewSecretsManager(hash[:])
}

// EncryptSecret encrypts plaintext data using AES-256-GCM
// Returns encrypted data with nonce prepended
func (sm *SecretsManager) EncryptSecret(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot encrypt empty data")
	}

	block, err := aes.NewCipher(sm.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return ciphertext, nil
}

// DecryptSecret decrypts data encrypted with EncryptSecret
// Expects nonce to be prepended to ciphertext
func (sm *SecretsManager) DecryptSecret(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("cannot decrypt empty data")
	}

	block, err := aes.NewCipher(sm.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

// DecryptVariables walks a job request's variable set and replaces every
// secret variable's base64-encoded ciphertext value with its decrypted
// plaintext, in place. It returns the names of the variables it decrypted
// so the caller can register them with the Secret Masker before anything
// else touches them.
func (sm *SecretsManager) DecryptVariables(vars map[string]*types.Variable) ([]string, error) {
	decrypted := make([]string, 0, len(vars))
	for name, v := range vars {
		if v == nil || !v.IsSecret {
			continue
		}
		ciphertext, err := base64.StdEncoding.DecodeString(v.Value)
		if err != nil {
			return decrypted, fmt.Errorf("variable %q: invalid base64 ciphertext: %w", name, err)
		}
		plaintext, err := sm.DecryptSecret(ciphertext)
		if err != nil {
			return decrypted, fmt.Errorf("variable %q: %w", name, err)
		}
		v.Value = string(plaintext)
		decrypted = append(decrypted, name)
	}
	return decrypted, nil
}

// DeriveKeyFromSessionToken derives a 32-byte AES key from the Listener
// session token that accompanies a job request, so the Worker can decrypt
// that job's secret variables without a process-wide key ever existing.
func DeriveKeyFromSessionToken(token string) []byte {
	hash := sha256.Sum256([]byte(token))
	return hash[:]
}
