// Copyright 2021 Converter Systems LLC. All rights reserved.

package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"hash"
	"sync"
	"time"

	"github.com/edgewire/uastack/ua"
)

// DerivedKeySet holds one direction's symmetric keying material derived
// from the channel nonces.
type DerivedKeySet struct {
	SigningKey           []byte
	EncryptingKey        []byte
	InitializationVector []byte
	HMAC                 hash.Hash
	BlockCipher          cipher.Block
}

// DeriveKeySet derives the signing key, encrypting key and IV from the
// given secret and seed nonces using the policy's pseudo random
// function, and prepares the HMAC and block cipher.
func DeriveKeySet(policy ua.SecurityPolicy, secret, seed []byte) (*DerivedKeySet, error) {
	sigSize := policy.SymSignatureKeySize()
	encSize := policy.SymEncryptionKeySize()
	blockSize := policy.SymEncryptionBlockSize()
	if sigSize == 0 && encSize == 0 {
		return &DerivedKeySet{}, nil
	}
	material := ua.CalculatePSHA(secret, seed, sigSize+encSize+blockSize, policy.PolicyURI())
	ks := &DerivedKeySet{
		SigningKey:           material[:sigSize],
		EncryptingKey:        material[sigSize : sigSize+encSize],
		InitializationVector: material[sigSize+encSize:],
	}
	ks.HMAC = policy.SymHMACFactory(ks.SigningKey)
	if encSize > 0 {
		block, err := aes.NewCipher(ks.EncryptingKey)
		if err != nil {
			return nil, NewError(KindSecurity, ua.BadSecurityChecksFailed, "cipher setup failed")
		}
		ks.BlockCipher = block
	}
	return ks, nil
}

// SecurityToken is the keying material issued by one OPN exchange.
type SecurityToken struct {
	TokenID    uint32
	ChannelID  uint32
	CreatedAt  time.Time
	Lifetime   time.Duration
	LocalKeys  *DerivedKeySet
	RemoteKeys *DerivedKeySet
}

// expiresAt is the instant after which a superseded token may no longer
// protect in-flight chunks: the lifetime plus a 25% grace interval.
func (t *SecurityToken) expiresAt() time.Time {
	return t.CreatedAt.Add(t.Lifetime + t.Lifetime/4)
}

// TokenStore holds the current and, during the renewal window, the
// previous security token of a channel. Rotation and lookup follow the
// renewal rules: a new token supersedes the current one, the superseded
// token keeps verifying in-flight chunks until its lifetime plus grace
// has passed.
type TokenStore struct {
	mu       sync.RWMutex
	current  *SecurityToken
	previous *SecurityToken
}

// Install rotates the store: tok becomes current, the old current
// becomes previous, the old previous is dropped.
func (s *TokenStore) Install(tok *SecurityToken) {
	s.mu.Lock()
	s.previous = s.current
	s.current = tok
	s.mu.Unlock()
}

// Current returns the current token, or nil before the first OPN.
func (s *TokenStore) Current() *SecurityToken {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Lookup resolves a received token id against current then previous.
// An expired previous token is dropped rather than matched.
func (s *TokenStore) Lookup(tokenID uint32, now time.Time) (*SecurityToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.TokenID == tokenID {
		return s.current, nil
	}
	if s.previous != nil {
		if now.After(s.previous.expiresAt()) {
			s.previous = nil
		} else if s.previous.TokenID == tokenID {
			return s.previous, nil
		}
	}
	return nil, NewError(KindChannel, ua.BadSecureChannelTokenUnknown, "token id matches neither current nor previous token")
}
