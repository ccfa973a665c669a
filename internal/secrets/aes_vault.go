package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/rendis/sitegraph/pkg/schema"
)

// saltKey is the reserved secret row holding the PBKDF2 salt. It is stored
// unencrypted and hidden from List.
const saltKey = "_vault_salt"

const defaultIterations = 100_000

// VaultConfig configures key derivation. MasterKey (32 raw bytes) wins over
// Passphrase. With a passphrase and no Salt, the salt is loaded from the
// store or generated and persisted on first use.
type VaultConfig struct {
	MasterKey  []byte
	Passphrase string
	Salt       []byte
	Iterations int
}

// AESVault encrypts secrets with AES-256-GCM before persisting them.
type AESVault struct {
	store SecretStore
	aead  cipher.AEAD
}

// NewAESVault creates a vault over s.
func NewAESVault(ctx context.Context, s SecretStore, cfg VaultConfig) (*AESVault, error) {
	key, err := deriveKey(ctx, s, cfg)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &AESVault{store: s, aead: aead}, nil
}

func deriveKey(ctx context.Context, s SecretStore, cfg VaultConfig) ([]byte, error) {
	if len(cfg.MasterKey) > 0 {
		if len(cfg.MasterKey) != 32 {
			return nil, schema.NewErrorf(schema.ErrCodeVault,
				"master key must be 32 bytes, got %d", len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	}
	if cfg.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeVault, "either master key or passphrase is required")
	}

	salt := cfg.Salt
	if len(salt) == 0 {
		var err error
		if salt, err = loadOrCreateSalt(ctx, s); err != nil {
			return nil, err
		}
	}

	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = defaultIterations
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, salt, iterations, 32)
}

func loadOrCreateSalt(ctx context.Context, s SecretStore) ([]byte, error) {
	salt, err := s.GetSecret(ctx, saltKey)
	if err == nil && len(salt) > 0 {
		return salt, nil
	}
	if err != nil && !schema.HasCode(err, schema.ErrCodeNotFound) {
		return nil, schema.NewError(schema.ErrCodeVault, "read vault salt").WithCause(err)
	}

	salt = make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := s.StoreSecret(ctx, saltKey, salt); err != nil {
		return nil, schema.NewError(schema.ErrCodeVault, "persist vault salt").WithCause(err)
	}
	return salt, nil
}

func (v *AESVault) encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (v *AESVault) decrypt(ciphertext []byte) ([]byte, error) {
	n := v.aead.NonceSize()
	if len(ciphertext) < n {
		return nil, schema.NewError(schema.ErrCodeVault, "ciphertext too short")
	}
	plaintext, err := v.aead.Open(nil, ciphertext[:n], ciphertext[n:], nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "decrypt failed: %s", err.Error())
	}
	return plaintext, nil
}

func (v *AESVault) Store(ctx context.Context, key string, value []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	encrypted, err := v.encrypt(value)
	if err != nil {
		return err
	}
	return v.store.StoreSecret(ctx, key, encrypted)
}

func (v *AESVault) Resolve(ctx context.Context, key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	encrypted, err := v.store.GetSecret(ctx, key)
	if err != nil {
		return nil, err
	}
	return v.decrypt(encrypted)
}

func (v *AESVault) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	return v.store.DeleteSecret(ctx, key)
}

// List returns stored keys, excluding reserved ones.
func (v *AESVault) List(ctx context.Context) ([]string, error) {
	keys, err := v.store.ListSecrets(ctx)
	if err != nil {
		return nil, err
	}
	out := keys[:0]
	for _, k := range keys {
		if !strings.HasPrefix(k, "_") {
			out = append(out, k)
		}
	}
	return out, nil
}

func checkKey(key string) error {
	if key == "" || strings.HasPrefix(key, "_") {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid secret key %q", key)
	}
	return nil
}

var _ Vault = (*AESVault)(nil)
