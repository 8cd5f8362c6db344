package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/observer/coordinator/internal/coord"
)

func generateTestKeyPair(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return priv, pemBytes
}

func signRS256(t *testing.T, priv *rsa.PrivateKey, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(priv)
	require.NoError(t, err)
	return signed
}

func TestVerifierAcceptsValidRS256Token(t *testing.T) {
	priv, pubPEM := generateTestKeyPair(t)
	v, err := NewVerifier(pubPEM)
	require.NoError(t, err)

	signed := signRS256(t, priv, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ID:        "token-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	principal, err := v.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, "alice", principal.Subject)
	assert.Equal(t, "token-1", principal.TokenID)
}

func TestVerifierRejectsWrongKey(t *testing.T) {
	priv, _ := generateTestKeyPair(t)
	_, otherPubPEM := generateTestKeyPair(t)
	v, err := NewVerifier(otherPubPEM)
	require.NoError(t, err)

	signed := signRS256(t, priv, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"},
	})

	_, err = v.Verify(signed)
	assert.Error(t, err)
	assert.Equal(t, coord.KindUnauthenticated, coord.KindOf(err))
}

func TestVerifierRejectsNonRS256Algorithm(t *testing.T) {
	_, pubPEM := generateTestKeyPair(t)
	v, err := NewVerifier(pubPEM)
	require.NoError(t, err)

	// Sign with HS256 to attempt an algorithm-confusion attack.
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "attacker"},
	})
	signed, err := token.SignedString([]byte("shared-secret"))
	require.NoError(t, err)

	_, err = v.Verify(signed)
	assert.Error(t, err)
	assert.Equal(t, coord.KindUnauthenticated, coord.KindOf(err))
}

func TestVerifierRejectsEmptySubject(t *testing.T) {
	priv, pubPEM := generateTestKeyPair(t)
	v, err := NewVerifier(pubPEM)
	require.NoError(t, err)

	signed := signRS256(t, priv, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	_, err = v.Verify(signed)
	assert.Error(t, err)
}

func TestVerifierRejectsExpiredToken(t *testing.T) {
	priv, pubPEM := generateTestKeyPair(t)
	v, err := NewVerifier(pubPEM)
	require.NoError(t, err)

	signed := signRS256(t, priv, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})

	_, err = v.Verify(signed)
	assert.Error(t, err)
}

func TestNewVerifierRejectsMalformedPEM(t *testing.T) {
	_, err := NewVerifier([]byte("not a pem block"))
	assert.Error(t, err)
}
