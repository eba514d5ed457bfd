// Package secrets supplies the platform API token and other credentials to a
// run. Secrets live outside the repository: in the environment, a plain file,
// or an AES-256-GCM encrypted file that is decrypted in memory only for the
// duration of a run. Secret values are never written to logs or state.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"strings"
)

// Provider resolves named secrets.
type Provider interface {
	// Get returns the secret value for a key, or an error when the key is
	// unknown. Values are held in memory only.
	Get(key string) (string, error)
}

// EnvProvider reads secrets from environment variables, optionally applying
// a prefix (key "api_token" with prefix "LABFORGE_" reads LABFORGE_API_TOKEN).
type EnvProvider struct {
	Prefix string
}

// Get implements Provider.
func (p *EnvProvider) Get(key string) (string, error) {
	name := p.Prefix + strings.ToUpper(key)
	value := os.Getenv(name)
	if value == "" {
		return "", fmt.Errorf("secret %s not set in environment", name)
	}
	return value, nil
}

// FileProvider reads secrets from a plain KEY=VALUE file.
type FileProvider struct {
	values map[string]string
}

// NewFileProvider loads a KEY=VALUE file.
func NewFileProvider(path string) (*FileProvider, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secrets file: %w", err)
	}
	return &FileProvider{values: parseKeyValues(raw)}, nil
}

// Get implements Provider.
func (p *FileProvider) Get(key string) (string, error) {
	value, ok := p.values[strings.ToUpper(key)]
	if !ok {
		return "", fmt.Errorf("secret %s not present in secrets file", key)
	}
	return value, nil
}

// EncryptedFileProvider reads secrets from an AES-256-GCM encrypted KEY=VALUE
// file. The key is derived from a passphrase with SHA-256; the nonce is
// prepended to the ciphertext.
type EncryptedFileProvider struct {
	values map[string]string
}

// NewEncryptedFileProvider decrypts and loads an encrypted secrets file.
func NewEncryptedFileProvider(path, passphrase string) (*EncryptedFileProvider, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}
	ciphertext, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read encrypted secrets file: %w", err)
	}

	plaintext, err := decrypt(ciphertext, deriveKey(passphrase))
	if err != nil {
		return nil, fmt.Errorf("decrypt secrets file: %w", err)
	}
	return &EncryptedFileProvider{values: parseKeyValues(plaintext)}, nil
}

// Get implements Provider.
func (p *EncryptedFileProvider) Get(key string) (string, error) {
	value, ok := p.values[strings.ToUpper(key)]
	if !ok {
		return "", fmt.Errorf("secret %s not present in secrets file", key)
	}
	return value, nil
}

// Encrypt seals a plaintext secrets payload with a passphrase, for the
// operator-side tooling that produces the encrypted file.
func Encrypt(plaintext []byte, passphrase string) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot encrypt empty data")
	}
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}

	block, err := aes.NewCipher(deriveKey(passphrase))
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
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decrypt(ciphertext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
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
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// deriveKey derives a 32-byte AES-256 key from a passphrase.
func deriveKey(passphrase string) []byte {
	hash := sha256.Sum256([]byte(passphrase))
	return hash[:]
}

// parseKeyValues parses KEY=VALUE lines, skipping blanks and # comments.
// Keys are normalized to upper case.
func parseKeyValues(data []byte) map[string]string {
	values := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		values[strings.ToUpper(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
	return values
}
