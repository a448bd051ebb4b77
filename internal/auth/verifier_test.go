package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifier_SignAndVerify(t *testing.T) {
	v := NewVerifier("s3cr3t", "xor-key", "channelserver", false)

	tok, err := v.Sign(Claims{
		AccountID:     42,
		ProfileID:     7,
		ScopeEntityID: 3,
		IssuingIP:     "203.0.113.5",
	}, time.Minute)
	require.NoError(t, err)

	claims, err := v.Verify(tok, "203.0.113.5")
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.AccountID)
	assert.Equal(t, int64(7), claims.ProfileID)
}

func TestVerifier_RejectsIPMismatch(t *testing.T) {
	v := NewVerifier("s3cr3t", "xor-key", "channelserver", false)
	tok, err := v.Sign(Claims{AccountID: 1, IssuingIP: "10.0.0.1"}, time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(tok, "10.0.0.2")
	assert.ErrorIs(t, err, ErrIPMismatch)
}

func TestVerifier_TrustProxySkipsIPCheck(t *testing.T) {
	v := NewVerifier("s3cr3t", "xor-key", "channelserver", true)
	tok, err := v.Sign(Claims{AccountID: 1, IssuingIP: "10.0.0.1"}, time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(tok, "10.0.0.2")
	assert.NoError(t, err)
}

func TestVerifier_RejectsExpired(t *testing.T) {
	v := NewVerifier("s3cr3t", "xor-key", "channelserver", false)
	tok, err := v.Sign(Claims{AccountID: 1}, -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(tok, "")
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerifier_RejectsTamperedSignature(t *testing.T) {
	v := NewVerifier("s3cr3t", "xor-key", "channelserver", false)
	tok, err := v.Sign(Claims{AccountID: 1, IssuingIP: "1.2.3.4"}, time.Minute)
	require.NoError(t, err)

	tampered := tok[:len(tok)-2] + "xx"
	_, err = v.Verify(tampered, "1.2.3.4")
	assert.Error(t, err)
}

func TestVerifier_DifferentSecretFailsVerification(t *testing.T) {
	signer := NewVerifier("secret-a", "xor-key", "channelserver", false)
	verifier := NewVerifier("secret-b", "xor-key", "channelserver", false)

	tok, err := signer.Sign(Claims{AccountID: 1, IssuingIP: "1.2.3.4"}, time.Minute)
	require.NoError(t, err)

	_, err = verifier.Verify(tok, "1.2.3.4")
	assert.ErrorIs(t, err, ErrBadSignature)
}

type stubProfile struct {
	allowed      map[int64]bool
	defaultScope int64
}

func (p stubProfile) CanAccessScope(scopeEntityID int64) bool { return p.allowed[scopeEntityID] }
func (p stubProfile) DefaultScopeEntityID() int64              { return p.defaultScope }

type stubLoader struct{ profile stubProfile }

func (l stubLoader) Load(ctx context.Context, profileID int64) (Profile, error) {
	return l.profile, nil
}

func TestVerifier_ScopeMismatchCoercesToDefault(t *testing.T) {
	v := NewVerifier("s3cr3t", "xor-key", "channelserver", false)
	tok, err := v.Sign(Claims{AccountID: 1, ProfileID: 9, ScopeEntityID: 99, IssuingIP: "1.2.3.4"}, time.Minute)
	require.NoError(t, err)

	loader := stubLoader{profile: stubProfile{allowed: map[int64]bool{}, defaultScope: 5}}
	identity, err := v.VerifyAndLoad(context.Background(), tok, "1.2.3.4", loader)
	require.NoError(t, err)
	assert.Equal(t, int64(5), identity.ScopeEntityID)
}

func TestVerifier_ScopeAllowedIsPreserved(t *testing.T) {
	v := NewVerifier("s3cr3t", "xor-key", "channelserver", false)
	tok, err := v.Sign(Claims{AccountID: 1, ProfileID: 9, ScopeEntityID: 99, IssuingIP: "1.2.3.4"}, time.Minute)
	require.NoError(t, err)

	loader := stubLoader{profile: stubProfile{allowed: map[int64]bool{99: true}, defaultScope: 5}}
	identity, err := v.VerifyAndLoad(context.Background(), tok, "1.2.3.4", loader)
	require.NoError(t, err)
	assert.Equal(t, int64(99), identity.ScopeEntityID)
}
