package acme

import (
	"time"

	"github.com/go-jose/go-jose/v3"
)

// Status strings use the lower-case RFC 8555 names verbatim.
const (
	StatusPending     = "pending"
	StatusReady       = "ready"
	StatusProcessing  = "processing"
	StatusValid       = "valid"
	StatusInvalid     = "invalid"
	StatusRevoked     = "revoked"
	StatusDeactivated = "deactivated"
	StatusExpired     = "expired"
)

const (
	ChallengeHTTP01 = "http-01"
	ChallengeDNS01  = "dns-01"

	IdentifierDNS = "dns"
)

// Account is an ACME account.
// - https://www.rfc-editor.org/rfc/rfc8555.html#section-7.1.2
// The key is immutable once created; orders reference the account by ID.
type Account struct {
	ID         string
	Key        *jose.JSONWebKey
	Thumbprint string
	Contact    []string
	Status     string
	CreatedAt  time.Time
}

// Identifier is a name the order requests a certificate for. Only type "dns"
// is supported; the value may carry a single "*." wildcard prefix.
type Identifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Order tracks one certificate request from creation through finalize.
// - https://www.rfc-editor.org/rfc/rfc8555.html#section-7.1.3
type Order struct {
	ID              string
	AccountID       string
	ProvisionerName string
	Identifiers     []Identifier
	AuthzIDs        []string
	Status          string
	Expires         time.Time
	Error           *Problem

	// Set once the order is valid
	CertificateSerial string
	CertificatePEM    []byte
}

// Authorization proves control over a single identifier via its challenges.
// - https://www.rfc-editor.org/rfc/rfc8555.html#section-7.1.4
type Authorization struct {
	ID         string
	OrderID    string
	Identifier Identifier
	Wildcard   bool
	Status     string
	Expires    time.Time
	VerifiedAt *time.Time

	// Exactly one challenge per supported type; wildcard identifiers never
	// carry http-01.
	Challenges []*Challenge
}

// Challenge is one way to prove control of an authorization's identifier.
// - https://www.rfc-editor.org/rfc/rfc8555.html#section-8
type Challenge struct {
	ID          string
	AuthzID     string
	Type        string
	Token       string
	Status      string
	ValidatedAt *time.Time
	Error       *Problem
	Attempts    int
}

// RevokedCertificate is one append-only revocation record feeding CRL
// generation for a provisioner.
type RevokedCertificate struct {
	Serial          string // decimal serial number
	ProvisionerName string
	RevokedAt       time.Time
	Reason          int
}
