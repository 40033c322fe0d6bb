package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// APIKey represents an admin API key for the operator surface. Admin keys
// are separate from agent tokens: they authorize re-checks, manual stage
// closes, deletion, and key management, never participation.
type APIKey struct {
	ID         uuid.UUID  `json:"id"`
	KeyID      string     `json:"key_id"`
	KeyHash    string     `json:"-"` // Never serialized.
	Label      string     `json:"label"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// APIKeyWithRawKey is returned only on creation, the only time the raw key
// is available. After this, only the key ID is visible.
type APIKeyWithRawKey struct {
	APIKey
	RawKey string `json:"raw_key"`
}

const (
	// keyIDLen is the number of random bytes used for the key ID (8 hex chars).
	keyIDLen = 4
	// keySecretLen is the number of random bytes for the secret portion (32 hex chars).
	keySecretLen = 16
	// AdminKeyPrefix is the static prefix for all Togi admin keys.
	AdminKeyPrefix = "tgk_"
)

// GenerateAdminKey produces a new raw admin key in the format
// tgk_<8-char-id>_<32-char-secret>. Returns the full raw key and the key ID
// separately.
func GenerateAdminKey() (rawKey, keyID string, err error) {
	idBytes := make([]byte, keyIDLen)
	if _, err := rand.Read(idBytes); err != nil {
		return "", "", fmt.Errorf("model: generate key id: %w", err)
	}

	secretBytes := make([]byte, keySecretLen)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", "", fmt.Errorf("model: generate key secret: %w", err)
	}

	keyID = hex.EncodeToString(idBytes)
	secret := hex.EncodeToString(secretBytes)
	rawKey = AdminKeyPrefix + keyID + "_" + secret

	return rawKey, keyID, nil
}

// ParseAdminKey extracts the key ID from a raw admin key string.
// Returns an error if the format is invalid.
func ParseAdminKey(rawKey string) (keyID string, err error) {
	if !strings.HasPrefix(rawKey, AdminKeyPrefix) {
		return "", fmt.Errorf("model: invalid key format: missing %s prefix", AdminKeyPrefix)
	}

	rest := rawKey[len(AdminKeyPrefix):]
	underIdx := strings.IndexByte(rest, '_')
	if underIdx < 1 || underIdx == len(rest)-1 {
		return "", fmt.Errorf("model: invalid key format: expected tgk_<id>_<secret>")
	}

	return rest[:underIdx], nil
}

// ValidateKeyLabel checks that a key label is reasonable.
func ValidateKeyLabel(label string) error {
	if len(label) > 255 {
		return fmt.Errorf("label must be at most 255 characters")
	}
	return nil
}
