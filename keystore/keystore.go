package keystore

import (
	"crypto"
	"crypto/elliptic"
	"crypto/x509"
	"errors"
	"fmt"
)

const (
	// AliasRootCA is the fixed alias of the root CA entry.
	AliasRootCA = "rootCA"
	// AliasPrefixIntermediateCA prefixes per-provisioner intermediate aliases.
	AliasPrefixIntermediateCA = "intermediateCA_"
)

var (
	ErrNotFound       = errors.New("alias not found in keystore")
	ErrKeyNotPortable = errors.New("key material cannot be imported into this keystore")
)

// IntermediateAlias returns the keystore alias for a provisioner's signing
// intermediate.
func IntermediateAlias(provisioner string) string {
	return AliasPrefixIntermediateCA + provisioner
}

// Entry is one named keypair plus its certificate chain, leaf first.
type Entry struct {
	Key   crypto.Signer
	Chain []*x509.Certificate
}

// Certificate returns the leaf certificate of the entry.
func (e Entry) Certificate() *x509.Certificate {
	if len(e.Chain) == 0 {
		return nil
	}
	return e.Chain[0]
}

// KeyParams selects the key algorithm for NewKey. Exactly one of Bits or
// Curve is meaningful depending on Type.
type KeyParams struct {
	Type  string // "rsa" or "ecdsa"
	Bits  int
	Curve elliptic.Curve
}

// Store is opaque storage of key material and certificate chains keyed by
// alias. Reads may be concurrent; a Delete+Put swap during renewal is
// serialized against readers by the implementation. Persist flushes the
// in-memory state to the backing container.
type Store interface {
	Get(alias string) (Entry, error)
	Put(alias string, entry Entry) error
	Delete(alias string) error
	Persist() error

	// NewKey creates a fresh private key owned by the store backend. For
	// hardware-backed stores the key never leaves the token; Put must then be
	// called with that same key to attach the certificate chain.
	NewKey(alias string, params KeyParams) (crypto.Signer, error)
}

// Config is the tagged-union keystore configuration, dispatched once on Type.
type Config struct {
	Type string `json:"type"` // "pkcs12" or "pkcs11"

	// pkcs12
	Path     string `json:"path,omitempty"`
	Password string `json:"password,omitempty"`

	// pkcs11
	Module     string `json:"module,omitempty"`
	TokenLabel string `json:"tokenLabel,omitempty"`
	Pin        string `json:"pin,omitempty"`
	CertDir    string `json:"certDir,omitempty"`
}

// Open constructs the store named by cfg.Type. An unknown type is a fatal
// configuration error surfaced to the caller at init.
func Open(cfg Config) (Store, error) {
	switch cfg.Type {
	case "pkcs12":
		return openPKCS12(cfg.Path, cfg.Password)
	case "pkcs11":
		return openPKCS11(cfg)
	default:
		return nil, fmt.Errorf("unknown keystore type %q", cfg.Type)
	}
}
