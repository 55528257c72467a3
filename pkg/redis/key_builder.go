package redis

import (
	"fmt"
	"time"
)

// Key patterns
const (
	KeyRateLimitShort = "ratelimit:short:%s"
	KeyRateLimitLong  = "ratelimit:long:%s"
	KeyCategoryByID   = "category:%s"
	KeyNominationByID = "nomination:%s"
)

// TTL constants
const (
	TTLCategory   = 5 * time.Minute
	TTLNomination = 30 * time.Second
)

// KeyBuilder provides environment-aware Redis key building functionality
type KeyBuilder struct {
	prefix string // Environment prefix (staging/prod)
}

// NewKeyBuilder creates a new key builder with environment-based prefix
func NewKeyBuilder(environment string) *KeyBuilder {
	prefix := "prod"
	switch environment {
	case "development", "staging", "local":
		prefix = "staging"
	case "test":
		prefix = "test"
	}

	return &KeyBuilder{
		prefix: prefix,
	}
}

// BuildKey constructs a Redis key with the environment prefix
func (kb *KeyBuilder) BuildKey(key string) string {
	return fmt.Sprintf("%s:%s", kb.prefix, key)
}

// KeyRateLimitShort is the burst-window counter for a hashed client key
func (kb *KeyBuilder) KeyRateLimitShort(clientHash string) string {
	return kb.BuildKey(fmt.Sprintf(KeyRateLimitShort, clientHash))
}

// KeyRateLimitLong is the sustained-window counter for a hashed client key
func (kb *KeyBuilder) KeyRateLimitLong(clientHash string) string {
	return kb.BuildKey(fmt.Sprintf(KeyRateLimitLong, clientHash))
}

// KeyCategory caches a category lookup
func (kb *KeyBuilder) KeyCategory(categoryID string) string {
	return kb.BuildKey(fmt.Sprintf(KeyCategoryByID, categoryID))
}

// KeyNomination caches a nomination lookup
func (kb *KeyBuilder) KeyNomination(nominationID string) string {
	return kb.BuildKey(fmt.Sprintf(KeyNominationByID, nominationID))
}
