// Package admission implements the three checks applied to every
// client-initiated call on the network transport: bearer verification,
// source-address allow-listing, and rate limiting, each terminal on
// failure and evaluated in that order.
package admission

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/quietloop/projectbridge/internal/rpcerr"
)

// bearerMaxLifetime bounds a token's total validity window (exp - iat)
// regardless of what exp itself claims, closing Open Question #1: a
// signing key leak can't be used to mint long-lived tokens.
const bearerMaxLifetime = 24 * time.Hour

// Claims mirrors the subject/expiry/issued-at triple the original JWT
// handler encodes, carried here in a compact HMAC token instead of a JWT
// (no JWT library exists anywhere in the example pack).
type Claims struct {
	Subject   string `json:"sub"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// BearerVerifier checks the compact HMAC-SHA256 bearer tokens issued for
// this adapter: base64url(header).base64url(payload).base64url(signature),
// where header and payload are JSON and signature is HMAC-SHA256 over
// "header.payload" keyed by signingKey.
type BearerVerifier struct {
	signingKey []byte
}

// NewBearerVerifier returns a verifier keyed by signingKey. The key must
// be at least 32 bytes, matching this adapter's minimum signing-key length.
func NewBearerVerifier(signingKey []byte) (*BearerVerifier, error) {
	if len(signingKey) < 32 {
		return nil, fmt.Errorf("admission: signing key must be at least 32 bytes, got %d", len(signingKey))
	}
	return &BearerVerifier{signingKey: signingKey}, nil
}

// Verify checks header, a raw "Authorization" value, and returns the
// token's claims on success.
func (v *BearerVerifier) Verify(header string) (*Claims, error) {
	if header == "" {
		return nil, rpcerr.New(rpcerr.KindUnauthorised, "missing authorization header")
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return nil, rpcerr.New(rpcerr.KindUnauthorised, "malformed authorization header")
	}
	token := strings.TrimPrefix(header, prefix)

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, rpcerr.New(rpcerr.KindUnauthorised, "malformed bearer token")
	}
	headerPart, payloadPart, sigPart := parts[0], parts[1], parts[2]

	expected := sign(v.signingKey, headerPart+"."+payloadPart)
	gotSig, err := base64.RawURLEncoding.DecodeString(sigPart)
	if err != nil || !hmac.Equal(expected, gotSig) {
		return nil, rpcerr.New(rpcerr.KindUnauthorised, "bad bearer signature")
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(payloadPart)
	if err != nil {
		return nil, rpcerr.New(rpcerr.KindUnauthorised, "malformed bearer payload")
	}
	var claims Claims
	if err := json.Unmarshal(payloadBytes, &claims); err != nil {
		return nil, rpcerr.New(rpcerr.KindUnauthorised, "malformed bearer claims")
	}
	if claims.Subject == "" {
		return nil, rpcerr.New(rpcerr.KindUnauthorised, "bearer token missing subject")
	}

	now := time.Now().Unix()
	if claims.ExpiresAt != 0 && now >= claims.ExpiresAt {
		return nil, rpcerr.New(rpcerr.KindUnauthorised, "bearer token expired")
	}
	if claims.IssuedAt != 0 && now < claims.IssuedAt {
		return nil, rpcerr.New(rpcerr.KindUnauthorised, "bearer token not yet valid")
	}
	if claims.IssuedAt != 0 && claims.ExpiresAt != 0 {
		lifetime := time.Duration(claims.ExpiresAt-claims.IssuedAt) * time.Second
		if lifetime > bearerMaxLifetime {
			return nil, rpcerr.New(rpcerr.KindUnauthorised, "bearer token lifetime exceeds ceiling")
		}
	}

	return &claims, nil
}

// Issue mints a compact bearer token for subject, valid for ttl, signed
// with signingKey. Exposed for the token-admin CLI subcommand.
func Issue(signingKey []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	header := map[string]string{"alg": "HS256", "typ": "JWT"}
	claims := Claims{
		Subject:   subject,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	claimsBytes, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	headerPart := base64.RawURLEncoding.EncodeToString(headerBytes)
	payloadPart := base64.RawURLEncoding.EncodeToString(claimsBytes)
	sig := sign(signingKey, headerPart+"."+payloadPart)
	sigPart := base64.RawURLEncoding.EncodeToString(sig)

	return headerPart + "." + payloadPart + "." + sigPart, nil
}

func sign(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}
