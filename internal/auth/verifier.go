// Package auth implements TokenVerifier: RS256 JWT verification against a
// fixed public key, adapted from the teacher's HS256 TokenService
// (service.go/token.go) to the asymmetric, verify-only scheme required
// here — this service never signs tokens, only checks them (§4.1, §6).
package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/observer/coordinator/internal/coord"
)

// Claims is the claim set this system reads: subject, an optional token
// id, and expiry. The other registered claims are parsed as well, and the
// jwt library rejects a token whose nbf lies in the future; custom claims
// are ignored.
type Claims struct {
	jwt.RegisteredClaims
}

// Verifier checks RS256-signed tokens against one fixed public key.
// Stateless and safe for concurrent use.
type Verifier struct {
	publicKey *rsa.PublicKey
}

// NewVerifier parses a PEM-encoded RSA public key (PKIX or PKCS1) and
// returns a Verifier bound to it.
func NewVerifier(pemBytes []byte) (*Verifier, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("auth: no PEM block found in public key")
	}

	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("auth: public key is not RSA")
		}
		return &Verifier{publicKey: rsaKey}, nil
	}

	rsaKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	return &Verifier{publicKey: rsaKey}, nil
}

// Verify parses and validates tokenString, returning the resolved
// Principal on success. Rejects any algorithm other than RS256 (§6
// "algorithm allowlist"), a missing or empty subject, and an expired
// token; exp is otherwise handled by the jwt library's own clock skew
// leeway of zero.
func (v *Verifier) Verify(tokenString string) (coord.Principal, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok || t.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.publicKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if err != nil {
		return coord.Principal{}, coord.Wrap(coord.KindUnauthenticated, "verify token", err)
	}
	if !token.Valid {
		return coord.Principal{}, coord.ErrUnauthenticated
	}
	if claims.Subject == "" {
		return coord.Principal{}, coord.New(coord.KindUnauthenticated, "token has no subject")
	}

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	return coord.Principal{
		Subject:   claims.Subject,
		TokenID:   claims.ID,
		ExpiresAt: expiresAt,
	}, nil
}
