package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/relaygate/channelserver/internal/logger"
)

var (
	ErrMalformedToken = errors.New("auth: malformed token")
	ErrBadSignature   = errors.New("auth: signature verification failed")
	ErrExpired        = errors.New("auth: token expired")
	ErrIPMismatch     = errors.New("auth: issuing IP does not match request")
)

// Claims is the payload carried inside the token, XOR-obfuscated before
// signing (see Verifier.Sign). It keeps jwt.RegisteredClaims for the
// standard exp/iat/iss fields so expiry math reuses jwt/v5's NumericDate.
type Claims struct {
	AccountID     int64  `json:"account_id"`
	ProfileID     int64  `json:"profile_id"`
	ScopeEntityID int64  `json:"scope_entity_id"`
	DeviceHash    string `json:"device_hash,omitempty"`
	IssuingIP     string `json:"issuing_ip"`
	jwt.RegisteredClaims
}

// Profile is the narrow view the scope cross-check needs from whatever
// hydrates a profile from ProfileID. It is deliberately not a database
// model: hydration is an out-of-scope external collaborator.
type Profile interface {
	CanAccessScope(scopeEntityID int64) bool
	DefaultScopeEntityID() int64
}

// ProfileLoader loads a Profile by id. Implementations live outside this
// package (they're expected to hit whatever profile/account store a given
// deployment uses); the pipeline only depends on this interface.
type ProfileLoader interface {
	Load(ctx context.Context, profileID int64) (Profile, error)
}

// Identity is what a caller gets back after a token verifies.
type Identity struct {
	AccountID     int64
	ProfileID     int64
	ScopeEntityID int64
	DeviceHash    string
}

// Verifier implements spec.md §4.3: HMAC signature over an XOR-obfuscated
// payload, zero-skew expiry, IP binding, and profile-ACL scope coercion.
//
// The standard jwt/v5 codec assumes a plain JSON payload; the XOR layer
// means the payload bytes it signs aren't valid JSON by themselves, so
// signing/parsing here is done directly against crypto/hmac rather than
// through jwt.NewWithClaims/ParseWithClaims. jwt/v5 is still used for the
// RegisteredClaims shape and NumericDate so the standard exp/iat fields
// behave the same way any other JWT library's claims would.
type Verifier struct {
	secret     []byte
	xorKey     []byte
	issuer     string
	trustProxy bool
}

// NewVerifier builds a Verifier. secret and xorKey must both be non-empty;
// callers (cmd/channelserver) treat their absence as a startup-fatal error
// per spec.md §4.3, not a request-time check performed here.
func NewVerifier(secret, xorKey, issuer string, trustProxy bool) *Verifier {
	return &Verifier{
		secret:     []byte(secret),
		xorKey:     []byte(xorKey),
		issuer:     issuer,
		trustProxy: trustProxy,
	}
}

func xorBytes(data, key []byte) []byte {
	if len(key) == 0 {
		return data
	}
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ key[i%len(key)]
	}
	return out
}

// Sign issues a token for the given claims. ExpiresAt/IssuedAt/Issuer are
// filled in if not already set.
func (v *Verifier) Sign(claims Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	if claims.IssuedAt == nil {
		claims.IssuedAt = jwt.NewNumericDate(now)
	}
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	if claims.Issuer == "" {
		claims.Issuer = v.issuer
	}

	header := map[string]string{"alg": "HS256", "typ": "JWT"}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("auth: marshal header: %w", err)
	}
	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("auth: marshal claims: %w", err)
	}

	encHeader := base64.RawURLEncoding.EncodeToString(headerJSON)
	encPayload := base64.RawURLEncoding.EncodeToString(xorBytes(payloadJSON, v.xorKey))
	signingInput := encHeader + "." + encPayload

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(signingInput))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return signingInput + "." + sig, nil
}

// Verify checks signature, expiry and IP binding and returns the decoded
// claims. It does not consult a ProfileLoader; use VerifyAndLoad for the
// full pipeline step including scope coercion.
func (v *Verifier) Verify(tokenString, remoteAddr string) (*Claims, error) {
	parts := splitToken(tokenString)
	if len(parts) != 3 {
		return nil, ErrMalformedToken
	}
	signingInput := parts[0] + "." + parts[1]

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(signingInput))
	expectedSig := mac.Sum(nil)
	gotSig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || !hmac.Equal(expectedSig, gotSig) {
		return nil, ErrBadSignature
	}

	obfuscated, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrMalformedToken
	}
	payloadJSON := xorBytes(obfuscated, v.xorKey)

	var claims Claims
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return nil, ErrMalformedToken
	}

	if claims.ExpiresAt == nil || !time.Now().Before(claims.ExpiresAt.Time) {
		return nil, ErrExpired
	}

	if !v.trustProxy && claims.IssuingIP != "" && claims.IssuingIP != remoteAddr {
		return nil, ErrIPMismatch
	}

	return &claims, nil
}

// VerifyAndLoad runs Verify, loads the profile, and performs the scope
// cross-check: a non-zero scope_entity_id the profile's ACL rejects is
// logged as JWT_SCOPE_MISMATCH and coerced to the profile's default scope
// rather than failing the request (spec.md §4.3, testable property 6).
func (v *Verifier) VerifyAndLoad(ctx context.Context, tokenString, remoteAddr string, loader ProfileLoader) (*Identity, error) {
	claims, err := v.Verify(tokenString, remoteAddr)
	if err != nil {
		return nil, err
	}

	scopeEntityID := claims.ScopeEntityID
	if scopeEntityID != 0 && loader != nil {
		profile, err := loader.Load(ctx, claims.ProfileID)
		if err == nil && !profile.CanAccessScope(scopeEntityID) {
			logger.Security().Warn().
				Int64("account_id", claims.AccountID).
				Int64("profile_id", claims.ProfileID).
				Int64("requested_scope_entity_id", scopeEntityID).
				Msg("JWT_SCOPE_MISMATCH")
			scopeEntityID = profile.DefaultScopeEntityID()
		}
	}

	return &Identity{
		AccountID:     claims.AccountID,
		ProfileID:     claims.ProfileID,
		ScopeEntityID: scopeEntityID,
		DeviceHash:    claims.DeviceHash,
	}, nil
}

func splitToken(token string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(token); i++ {
		if token[i] == '.' {
			parts = append(parts, token[start:i])
			start = i + 1
		}
	}
	parts = append(parts, token[start:])
	return parts
}
