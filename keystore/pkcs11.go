package keystore

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ThalesGroup/crypto11"
)

// pkcs11Store keeps private keys inside an HSM token via crypto11 and stores
// certificate chains as PEM files next to it. Keys never leave the token;
// Put only accepts keys created by NewKey on the same store.
type pkcs11Store struct {
	ctx     *crypto11.Context
	certDir string

	mu sync.RWMutex
}

func openPKCS11(cfg Config) (*pkcs11Store, error) {
	if cfg.Module == "" || cfg.TokenLabel == "" || cfg.Pin == "" {
		return nil, errors.New("pkcs11 keystore needs module, tokenLabel and pin")
	}
	ctx, err := crypto11.Configure(&crypto11.Config{
		Path:       cfg.Module,
		TokenLabel: cfg.TokenLabel,
		Pin:        cfg.Pin,
	})
	if err != nil {
		return nil, fmt.Errorf("error in crypto11.Configure: %w", err)
	}
	certDir := cfg.CertDir
	if certDir == "" {
		certDir = "pkcs11-certs"
	}
	if err := os.MkdirAll(certDir, 0700); err != nil {
		return nil, fmt.Errorf("error creating cert dir %s: %w", certDir, err)
	}
	return &pkcs11Store{ctx: ctx, certDir: certDir}, nil
}

func (s *pkcs11Store) chainPath(alias string) string {
	return filepath.Join(s.certDir, alias+"-chain.pem")
}

func (s *pkcs11Store) Get(alias string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	signer, err := s.ctx.FindKeyPair(nil, []byte(alias))
	if err != nil {
		return Entry{}, fmt.Errorf("error in FindKeyPair for alias %s: %w", alias, err)
	}
	if signer == nil {
		return Entry{}, ErrNotFound
	}

	data, err := os.ReadFile(s.chainPath(alias))
	if os.IsNotExist(err) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("error reading chain for alias %s: %w", alias, err)
	}

	var chain []*x509.Certificate
	for len(data) > 0 {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return Entry{}, fmt.Errorf("error parsing chain cert for alias %s: %w", alias, err)
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return Entry{}, ErrNotFound
	}
	return Entry{Key: signer, Chain: chain}, nil
}

func (s *pkcs11Store) Put(alias string, entry Entry) error {
	if _, ok := entry.Key.(crypto11.Signer); !ok {
		return ErrKeyNotPortable
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var buf []byte
	for _, cert := range entry.Chain {
		buf = append(buf, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})...)
	}
	path := s.chainPath(alias)
	if err := os.WriteFile(path+".tmp", buf, 0644); err != nil {
		return fmt.Errorf("error writing chain for alias %s: %w", alias, err)
	}
	if err := os.Rename(path+".tmp", path); err != nil {
		return fmt.Errorf("error renaming chain for alias %s: %w", alias, err)
	}
	return nil
}

func (s *pkcs11Store) Delete(alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	signer, err := s.ctx.FindKeyPair(nil, []byte(alias))
	if err != nil {
		return fmt.Errorf("error in FindKeyPair for alias %s: %w", alias, err)
	}
	if signer != nil {
		if err := signer.Delete(); err != nil {
			return fmt.Errorf("error deleting token key for alias %s: %w", alias, err)
		}
	}
	err = os.Remove(s.chainPath(alias))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error removing chain for alias %s: %w", alias, err)
	}
	return nil
}

func (s *pkcs11Store) NewKey(alias string, params KeyParams) (crypto.Signer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := []byte(alias)
	switch params.Type {
	case "rsa":
		signer, err := s.ctx.GenerateRSAKeyPairWithLabel(id, id, params.Bits)
		if err != nil {
			return nil, fmt.Errorf("error in GenerateRSAKeyPairWithLabel: %w", err)
		}
		return signer, nil
	case "ecdsa":
		signer, err := s.ctx.GenerateECDSAKeyPairWithLabel(id, id, params.Curve)
		if err != nil {
			return nil, fmt.Errorf("error in GenerateECDSAKeyPairWithLabel: %w", err)
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("unknown key algorithm %q", params.Type)
	}
}

// Persist is a no-op: the token owns key durability and chains are written
// through on Put.
func (s *pkcs11Store) Persist() error {
	return nil
}
