// Package vault encrypts sensitive entity fields at rest. Ciphertext travels
// as an ASCII marker string so storage, diffs, and the ledger treat it as an
// ordinary field value; the marker prefix is the sole indicator a field is
// encrypted.
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
	"golang.org/x/sync/singleflight"

	"github.com/tallyhq/tallyd/internal/metrics"
)

// MarkerPrefix starts every encrypted field value.
// Full grammar: vault:v1:<tenantId>:<base64(nonce||ciphertext)>.
const MarkerPrefix = "vault:v1:"

const (
	// keySalt is the fixed derivation salt; the tenant id is appended so
	// every tenant gets an independent data key from the one master secret.
	keySalt = "tallyd.vault.v1"

	// iterations is the PBKDF2 work factor.
	iterations = 100_000

	keyLen    = 32 // AES-256
	nonceLen  = 12 // GCM standard nonce
	keyCache  = 1024
	minCipher = nonceLen + 16 // nonce plus GCM tag
)

var (
	// ErrNoMasterSecret is returned when constructing a vault without a
	// secret.
	ErrNoMasterSecret = errors.New("vault: master secret is required")

	// ErrNotCiphertext is returned when decrypting a value without the
	// marker prefix.
	ErrNotCiphertext = errors.New("vault: value is not a vault marker")

	// ErrTenantMismatch is returned when a marker's tenant id disagrees with
	// the caller's.
	ErrTenantMismatch = errors.New("vault: marker belongs to another tenant")

	// ErrCiphertextInvalid is returned for markers that fail to parse or
	// authenticate. It is terminal; decryption never degrades to plaintext.
	ErrCiphertextInvalid = errors.New("vault: ciphertext is invalid")
)

// Vault derives per-tenant AES-256-GCM data keys from a master secret and
// encrypts field values into markers. Safe for concurrent use.
type Vault struct {
	secret []byte

	// keys caches derived tenant keys; derivation is deterministic, so
	// cached entries never expire.
	keys  *lru.Cache[string, []byte]
	group singleflight.Group

	metrics *metrics.Metrics
}

// New builds a Vault over masterSecret.
func New(masterSecret string, m *metrics.Metrics) (*Vault, error) {
	if masterSecret == "" {
		return nil, ErrNoMasterSecret
	}
	cache, err := lru.New[string, []byte](keyCache)
	if err != nil {
		return nil, fmt.Errorf("vault key cache: %w", err)
	}
	return &Vault{secret: []byte(masterSecret), keys: cache, metrics: m}, nil
}

// IsCiphertext reports whether s carries the vault marker prefix.
func IsCiphertext(s string) bool {
	return strings.HasPrefix(s, MarkerPrefix)
}

// IsCiphertext is the method form used through the interceptor's cipher
// interface.
func (v *Vault) IsCiphertext(s string) bool {
	return IsCiphertext(s)
}

// tenantKey returns the tenant's data key, deriving it once per process.
func (v *Vault) tenantKey(tenant string) ([]byte, error) {
	if key, ok := v.keys.Get(tenant); ok {
		return key, nil
	}
	// singleflight collapses concurrent derivations for the same tenant;
	// PBKDF2 at 100k iterations is too expensive to run in parallel for one
	// answer.
	derived, err, _ := v.group.Do(tenant, func() (any, error) {
		salt := append([]byte(keySalt), []byte(tenant)...)
		key := pbkdf2.Key(v.secret, salt, iterations, keyLen, sha512.New)
		v.keys.Add(tenant, key)
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	return derived.([]byte), nil
}

func (v *Vault) aead(tenant string) (cipher.AEAD, error) {
	key, err := v.tenantKey(tenant)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext under the tenant's data key and returns the marker.
// A fresh random nonce is used per call, so equal plaintexts yield distinct
// markers.
func (v *Vault) Encrypt(plaintext, tenant string) (string, error) {
	if tenant == "" {
		return "", fmt.Errorf("%w: empty tenant", ErrTenantMismatch)
	}
	aead, err := v.aead(tenant)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), []byte(tenant))

	if v.metrics != nil {
		v.metrics.VaultEncrypts.Inc()
	}
	return MarkerPrefix + tenant + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a marker produced by Encrypt. The marker's embedded tenant id
// must match tenant.
func (v *Vault) Decrypt(marker, tenant string) (string, error) {
	markerTenant, blob, err := ParseMarker(marker)
	if err != nil {
		return "", err
	}
	if markerTenant != tenant {
		return "", fmt.Errorf("%w: marker is for %q", ErrTenantMismatch, markerTenant)
	}

	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCiphertextInvalid, err)
	}
	if len(raw) < minCipher {
		return "", fmt.Errorf("%w: too short", ErrCiphertextInvalid)
	}

	aead, err := v.aead(tenant)
	if err != nil {
		return "", err
	}
	plaintext, err := aead.Open(nil, raw[:nonceLen], raw[nonceLen:], []byte(tenant))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCiphertextInvalid, err)
	}

	if v.metrics != nil {
		v.metrics.VaultDecrypts.Inc()
	}
	return string(plaintext), nil
}

// ParseMarker splits a marker into its tenant id and base64 body without
// decrypting.
func ParseMarker(marker string) (tenant, blob string, err error) {
	if !IsCiphertext(marker) {
		return "", "", ErrNotCiphertext
	}
	rest := marker[len(MarkerPrefix):]
	// Tenant ids cannot contain ':', so the first separator ends the id.
	i := strings.IndexByte(rest, ':')
	if i <= 0 || i == len(rest)-1 {
		return "", "", fmt.Errorf("%w: malformed marker", ErrCiphertextInvalid)
	}
	return rest[:i], rest[i+1:], nil
}
