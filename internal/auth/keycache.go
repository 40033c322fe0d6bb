package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/ashita-ai/togi/internal/model"
)

// VerifiedKeyCache is a short-TTL in-memory cache of successful admin key
// verifications. Argon2id is deliberately slow, so hot admin clients would
// otherwise pay tens of milliseconds and a database query on every request.
//
// Entries are keyed by key ID and hold a SHA-256 digest of the raw key,
// never the key itself; a hit requires the digest to match in constant time.
// Revocation takes effect within the TTL at worst, immediately when the
// revocation is handled by this process (see Invalidate).
type VerifiedKeyCache struct {
	mu      sync.RWMutex
	entries map[string]verifiedKey
	ttl     time.Duration
	done    chan struct{}
}

type verifiedKey struct {
	digest    [sha256.Size]byte
	key       model.APIKey
	expiresAt time.Time
}

// NewVerifiedKeyCache creates a cache with the given TTL.
// Call Close to stop the background eviction goroutine.
func NewVerifiedKeyCache(ttl time.Duration) *VerifiedKeyCache {
	c := &VerifiedKeyCache{
		entries: make(map[string]verifiedKey),
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

// Get returns the cached key record when keyID has an unexpired verification
// whose digest matches rawKey.
func (c *VerifiedKeyCache) Get(keyID, rawKey string) (model.APIKey, bool) {
	c.mu.RLock()
	entry, ok := c.entries[keyID]
	c.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		return model.APIKey{}, false
	}
	digest := sha256.Sum256([]byte(rawKey))
	if subtle.ConstantTimeCompare(entry.digest[:], digest[:]) != 1 {
		return model.APIKey{}, false
	}
	return entry.key, true
}

// Put records a successful verification with the configured TTL.
func (c *VerifiedKeyCache) Put(rawKey string, key model.APIKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key.KeyID] = verifiedKey{
		digest:    sha256.Sum256([]byte(rawKey)),
		key:       key,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// Invalidate drops a key's entry, if present. Called on revocation so a
// revoked key stops working without waiting out the TTL.
func (c *VerifiedKeyCache) Invalidate(keyID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, keyID)
}

// Close stops the background eviction goroutine.
func (c *VerifiedKeyCache) Close() {
	close(c.done)
}

// evictLoop removes expired entries every minute.
func (c *VerifiedKeyCache) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *VerifiedKeyCache) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
		}
	}
}
