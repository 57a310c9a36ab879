package acmecrypto

import (
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/go-jose/go-jose/v3"
)

// GenToken returns a fresh URL-safe random token with 128 bits of entropy,
// used for nonces and challenge tokens. Base64url without padding per
// RFC 8555 section 8.3.
func GenToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("error in rand.Read: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func SHA256Digest(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// Thumbprint returns the base64url RFC 7638 SHA-256 thumbprint of a JWK.
func Thumbprint(jwk *jose.JSONWebKey) (string, error) {
	thumbBytes, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("error in jwk.Thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumbBytes), nil
}

// KeyAuthorization binds a challenge token to an account key:
// token || "." || base64url(SHA-256(JWK))
func KeyAuthorization(token string, jwk *jose.JSONWebKey) (string, error) {
	thumb, err := Thumbprint(jwk)
	if err != nil {
		return "", fmt.Errorf("error in Thumbprint: %w", err)
	}
	return token + "." + thumb, nil
}

// DNSChallengeDigest is the value expected in the _acme-challenge TXT record:
// base64url(SHA-256(key authorization))
func DNSChallengeDigest(token string, jwk *jose.JSONWebKey) (string, error) {
	keyAuth, err := KeyAuthorization(token, jwk)
	if err != nil {
		return "", fmt.Errorf("error in KeyAuthorization: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(SHA256Digest([]byte(keyAuth))), nil
}
