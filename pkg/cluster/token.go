package cluster

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// TokenManager issues and validates the join tokens a new instance must
// present to proc_raft_join.
type TokenManager struct {
	tokens map[string]*JoinToken
	mu     sync.RWMutex
}

// JoinToken admits join attempts until it expires; validating it does not
// consume it.
type JoinToken struct {
	Token     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// NewTokenManager creates an empty token manager.
func NewTokenManager() *TokenManager {
	return &TokenManager{tokens: make(map[string]*JoinToken)}
}

// GenerateToken mints a new random join token valid for duration.
func (tm *TokenManager) GenerateToken(duration time.Duration) (*JoinToken, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return nil, fmt.Errorf("generate random token: %w", err)
	}

	jt := &JoinToken{
		Token:     hex.EncodeToString(bytes),
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(duration),
	}

	tm.mu.Lock()
	tm.tokens[jt.Token] = jt
	tm.mu.Unlock()

	return jt, nil
}

// ValidateToken reports whether token is known and unexpired.
func (tm *TokenManager) ValidateToken(token string) error {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	jt, ok := tm.tokens[token]
	if !ok {
		return fmt.Errorf("invalid join token")
	}
	if time.Now().After(jt.ExpiresAt) {
		return fmt.Errorf("join token expired")
	}
	return nil
}

// RevokeToken invalidates token immediately.
func (tm *TokenManager) RevokeToken(token string) {
	tm.mu.Lock()
	delete(tm.tokens, token)
	tm.mu.Unlock()
}

// CleanupExpiredTokens drops every token whose expiry has passed.
func (tm *TokenManager) CleanupExpiredTokens() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := time.Now()
	for token, jt := range tm.tokens {
		if now.After(jt.ExpiresAt) {
			delete(tm.tokens, token)
		}
	}
}

// ListTokens returns every active token.
func (tm *TokenManager) ListTokens() []*JoinToken {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	tokens := make([]*JoinToken, 0, len(tm.tokens))
	for _, jt := range tm.tokens {
		tokens = append(tokens, jt)
	}
	return tokens
}
