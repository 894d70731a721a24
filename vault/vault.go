/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L4
Logic:       Field-level encryption for sensitive entity
             attributes. AES-256-GCM under a per-tenant data
             key derived from the master secret via
             PBKDF2-HMAC-SHA512. Ciphertext travels as an
             ASCII marker so storage and diff tooling can
             recognize encrypted fields by prefix alone.
Root Cause:  Sprint task L020 — encryption at rest for
             sensitive financial fields.
Context:     Account numbers and notes must never sit in
             storage as plaintext; decryption failures are
             surfaced, never silently degraded.
Suitability: L4 — cryptographic correctness required.
──────────────────────────────────────────────────────────────
*/

package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/pbkdf2"
)

// MarkerPrefix identifies an encrypted field at rest. The full grammar is
// vault:v1:<tenantId>:<base64(nonce||ciphertext)>.
const MarkerPrefix = "vault:v1:"

const (
	keyLen     = 32 // AES-256
	nonceLen   = 12
	iterations = 100_000
)

// derivationSalt is fixed so tenant keys are cacheable and reproducible
// across processes sharing the master secret.
var derivationSalt = []byte("expenseflow-vault-v1")

var (
	ErrMissingMasterSecret = errors.New("vault: master secret not configured")
	ErrNotCiphertext       = errors.New("vault: value is not a vault marker")
	ErrTenantMismatch      = errors.New("vault: marker belongs to a different tenant")
	ErrDecrypt             = errors.New("vault: decryption failed")
)

// Vault encrypts and decrypts sensitive field values per tenant.
type Vault struct {
	masterSecret []byte
	keys         *lru.Cache[string, []byte]
}

// New builds a Vault. masterSecret is required; keyCacheSize bounds the
// derived-key cache (derivation is the expensive step, 100k PBKDF2 rounds).
func New(masterSecret string, keyCacheSize int) (*Vault, error) {
	if masterSecret == "" {
		return nil, ErrMissingMasterSecret
	}
	if keyCacheSize <= 0 {
		keyCacheSize = 256
	}
	cache, err := lru.New[string, []byte](keyCacheSize)
	if err != nil {
		return nil, fmt.Errorf("vault key cache: %w", err)
	}
	return &Vault{masterSecret: []byte(masterSecret), keys: cache}, nil
}

// IsCiphertext reports whether s carries the vault marker prefix. The
// prefix is the sole indicator a field is encrypted.
func IsCiphertext(s string) bool {
	return strings.HasPrefix(s, MarkerPrefix)
}

func (v *Vault) tenantKey(tenantID string) []byte {
	if key, ok := v.keys.Get(tenantID); ok {
		return key
	}
	key := pbkdf2.Key(v.masterSecret, append(derivationSalt, []byte(tenantID)...), iterations, keyLen, sha512.New)
	v.keys.Add(tenantID, key)
	return key
}

// Encrypt seals plaintext for the tenant and returns the marker string.
// A fresh random nonce is prepended to the ciphertext before base64.
func (v *Vault) Encrypt(plaintext, tenantID string) (string, error) {
	block, err := aes.NewCipher(v.tenantKey(tenantID))
	if err != nil {
		return "", fmt.Errorf("vault cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("vault gcm: %w", err)
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault nonce: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, []byte(plaintext), []byte(tenantID))
	encoded := base64.StdEncoding.EncodeToString(append(nonce, sealed...))
	return MarkerPrefix + tenantID + ":" + encoded, nil
}

// Decrypt opens a marker produced by Encrypt. It rejects markers with a
// foreign prefix or a tenant id that disagrees with the caller's.
func (v *Vault) Decrypt(marker, tenantID string) (string, error) {
	if !IsCiphertext(marker) {
		return "", ErrNotCiphertext
	}
	rest := marker[len(MarkerPrefix):]
	sep := strings.IndexByte(rest, ':')
	if sep < 0 {
		return "", ErrNotCiphertext
	}
	markerTenant, encoded := rest[:sep], rest[sep+1:]
	if markerTenant != tenantID {
		return "", ErrTenantMismatch
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(raw) < nonceLen {
		return "", ErrDecrypt
	}

	block, err := aes.NewCipher(v.tenantKey(tenantID))
	if err != nil {
		return "", fmt.Errorf("vault cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("vault gcm: %w", err)
	}
	plaintext, err := gcm.Open(nil, raw[:nonceLen], raw[nonceLen:], []byte(tenantID))
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}
