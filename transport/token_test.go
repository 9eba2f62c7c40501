// Copyright 2021 Converter Systems LLC. All rights reserved.

package transport

import (
	"errors"
	"testing"
	"time"

	"gotest.tools/assert"

	"github.com/edgewire/uastack/ua"
)

func testToken(id uint32, createdAt time.Time, lifetime time.Duration) *SecurityToken {
	return &SecurityToken{
		TokenID:   id,
		ChannelID: 7,
		CreatedAt: createdAt,
		Lifetime:  lifetime,
	}
}

func TestTokenStoreRotation(t *testing.T) {
	s := &TokenStore{}
	now := time.Now()
	s.Install(testToken(1, now, time.Hour))
	s.Install(testToken(2, now, time.Hour))

	cur, err := s.Lookup(2, now)
	assert.NilError(t, err)
	assert.Equal(t, cur.TokenID, uint32(2))

	// the superseded token still verifies in-flight chunks
	prev, err := s.Lookup(1, now)
	assert.NilError(t, err)
	assert.Equal(t, prev.TokenID, uint32(1))

	// a second rotation drops the oldest token
	s.Install(testToken(3, now, time.Hour))
	_, err = s.Lookup(1, now)
	assert.Assert(t, errors.Is(err, ua.BadSecureChannelTokenUnknown))
}

func TestTokenStorePreviousExpiresWithGrace(t *testing.T) {
	s := &TokenStore{}
	created := time.Now()
	lifetime := time.Minute
	s.Install(testToken(1, created, lifetime))
	s.Install(testToken(2, created, lifetime))

	// inside lifetime + 25% grace the previous token is accepted
	within := created.Add(lifetime + lifetime/4 - time.Second)
	_, err := s.Lookup(1, within)
	assert.NilError(t, err)

	// beyond the grace interval it is dropped
	beyond := created.Add(lifetime + lifetime/4 + time.Second)
	_, err = s.Lookup(1, beyond)
	assert.Assert(t, errors.Is(err, ua.BadSecureChannelTokenUnknown))
}

func TestTokenStoreUnknownToken(t *testing.T) {
	s := &TokenStore{}
	s.Install(testToken(5, time.Now(), time.Hour))
	_, err := s.Lookup(99, time.Now())
	assert.Assert(t, errors.Is(err, ua.BadSecureChannelTokenUnknown))
}

func TestDeriveKeySetSizes(t *testing.T) {
	policy, err := ua.SelectSecurityPolicy(ua.SecurityPolicyURIBasic256Sha256)
	assert.NilError(t, err)
	secret := make([]byte, 32)
	seed := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(i)
		seed[i] = byte(255 - i)
	}
	ks, err := DeriveKeySet(policy, secret, seed)
	assert.NilError(t, err)
	assert.Equal(t, len(ks.SigningKey), policy.SymSignatureKeySize())
	assert.Equal(t, len(ks.EncryptingKey), policy.SymEncryptionKeySize())
	assert.Equal(t, len(ks.InitializationVector), policy.SymEncryptionBlockSize())
	assert.Assert(t, ks.HMAC != nil)
	assert.Assert(t, ks.BlockCipher != nil)

	// derivation is deterministic and direction-asymmetric
	ks2, err := DeriveKeySet(policy, secret, seed)
	assert.NilError(t, err)
	assert.DeepEqual(t, ks.SigningKey, ks2.SigningKey)
	ks3, err := DeriveKeySet(policy, seed, secret)
	assert.NilError(t, err)
	assert.Assert(t, string(ks.SigningKey) != string(ks3.SigningKey))
}

func TestDeriveKeySetNone(t *testing.T) {
	policy, err := ua.SelectSecurityPolicy(ua.SecurityPolicyURINone)
	assert.NilError(t, err)
	ks, err := DeriveKeySet(policy, nil, nil)
	assert.NilError(t, err)
	assert.Assert(t, ks.HMAC == nil)
	assert.Assert(t, ks.BlockCipher == nil)
}
