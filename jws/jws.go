package jws

import (
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v3"
	"github.com/samber/lo"
)

var (
	ErrBadEnvelope      = errors.New("malformed JWS envelope")
	ErrBadAlgorithm     = errors.New("unsupported signature algorithm")
	ErrBadSignature     = errors.New("signature verification failed")
	ErrAmbiguousKey     = errors.New("protected header must carry exactly one of kid and jwk")
	ErrMissingNonce     = errors.New("protected header missing nonce")
	ErrURLMismatch      = errors.New("protected header url does not match request url")
	ErrEmbeddedJWKOnly  = errors.New("endpoint requires an embedded jwk")
	ErrAccountKeyNeeded = errors.New("endpoint requires a kid referencing an existing account")
)

// Algorithms accepted in the protected header. Anything else is rejected
// before signature verification.
var allowedAlgorithms = []string{"RS256", "ES256", "ES384", "ES512"}

// Request is a parsed but not yet verified ACME JWS envelope.
type Request struct {
	sig *jose.JSONWebSignature

	Algorithm   string
	KeyID       string
	EmbeddedJWK *jose.JSONWebKey
	Nonce       string
	URL         string
}

// ParseRequest decodes a flattened JWS body and validates the protected
// header shape: allowed algorithm, a nonce, a url, and exactly one of kid or
// an embedded jwk per RFC 8555 section 6.2.
func ParseRequest(body []byte) (*Request, error) {
	sig, err := jose.ParseSigned(string(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadEnvelope, err)
	}
	if len(sig.Signatures) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one signature", ErrBadEnvelope)
	}

	header := sig.Signatures[0].Protected
	if !lo.Contains(allowedAlgorithms, header.Algorithm) {
		return nil, fmt.Errorf("%w: %q", ErrBadAlgorithm, header.Algorithm)
	}

	hasKID := header.KeyID != ""
	hasJWK := header.JSONWebKey != nil
	if hasKID == hasJWK {
		return nil, ErrAmbiguousKey
	}
	if header.Nonce == "" {
		return nil, ErrMissingNonce
	}

	url, _ := header.ExtraHeaders["url"].(string)

	return &Request{
		sig:         sig,
		Algorithm:   header.Algorithm,
		KeyID:       header.KeyID,
		EmbeddedJWK: header.JSONWebKey,
		Nonce:       header.Nonce,
		URL:         url,
	}, nil
}

// CheckURL enforces the url binding of the protected header.
func (r *Request) CheckURL(expected string) error {
	if r.URL != expected {
		return fmt.Errorf("%w: got %q want %q", ErrURLMismatch, r.URL, expected)
	}
	return nil
}

// VerifyWithEmbeddedJWK verifies the signature against the jwk carried in the
// protected header. Only valid for new-account class endpoints.
func (r *Request) VerifyWithEmbeddedJWK() ([]byte, error) {
	if r.EmbeddedJWK == nil {
		return nil, ErrEmbeddedJWKOnly
	}
	return r.verify(r.EmbeddedJWK)
}

// VerifyWithKey verifies the signature against an account's on-file key.
func (r *Request) VerifyWithKey(jwk *jose.JSONWebKey) ([]byte, error) {
	if r.KeyID == "" {
		return nil, ErrAccountKeyNeeded
	}
	return r.verify(jwk)
}

func (r *Request) verify(jwk *jose.JSONWebKey) ([]byte, error) {
	payload, err := r.sig.Verify(jwk)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadSignature, err)
	}
	return payload, nil
}
