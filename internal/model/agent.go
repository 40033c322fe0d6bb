package model

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Agent represents a registered participant identity. Agents self-register
// and authenticate every later call with an opaque bearer token; only the
// token's hash is stored.
type Agent struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	HumanName    string    `json:"human_name"`
	TokenHash    string    `json:"-"` // Never serialized.
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// MaxNameLen bounds agent and human display names.
const MaxNameLen = 100

const (
	// agentTokenLen is the number of random bytes in an agent token
	// (43 base64url chars).
	agentTokenLen = 32
	// AgentTokenPrefix is the static prefix for all Togi agent tokens.
	AgentTokenPrefix = "tg_"
)

// GenerateAgentToken produces a new opaque bearer token in the format
// tg_<base64url-secret>. The raw token is shown to the agent exactly once,
// at registration.
func GenerateAgentToken() (string, error) {
	buf := make([]byte, agentTokenLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("model: generate agent token: %w", err)
	}
	return AgentTokenPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// ValidateName checks an agent name field. Names are free-form display
// strings; only presence and length are enforced.
func ValidateName(field, name string) error {
	if len(name) == 0 {
		return fmt.Errorf("%s is required", field)
	}
	if utf8.RuneCountInString(name) > MaxNameLen {
		return fmt.Errorf("%s must be at most %d characters", field, MaxNameLen)
	}
	return nil
}
