package keystore

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"software.sslmate.com/src/go-pkcs12"
)

// pkcs12Store keeps entries in memory and persists each alias as
// <alias>.p12 in a directory. Persist is atomic per file (tmp+rename).
type pkcs12Store struct {
	dir      string
	password string

	mu      sync.RWMutex
	entries map[string]Entry
}

func openPKCS12(dir, password string) (*pkcs12Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("error creating keystore dir %s: %w", dir, err)
	}
	s := &pkcs12Store{
		dir:      dir,
		password: password,
		entries:  make(map[string]Entry),
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("error loading keystore: %w", err)
	}
	return s, nil
}

func (s *pkcs12Store) load() error {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("error in os.ReadDir: %w", err)
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".p12") {
			continue
		}
		alias := strings.TrimSuffix(f.Name(), ".p12")
		data, err := os.ReadFile(filepath.Join(s.dir, f.Name()))
		if err != nil {
			return fmt.Errorf("error reading %s: %w", f.Name(), err)
		}
		key, leaf, caCerts, err := pkcs12.DecodeChain(data, s.password)
		if err != nil {
			return fmt.Errorf("error decoding %s: %w", f.Name(), err)
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return fmt.Errorf("key for alias %s does not implement crypto.Signer", alias)
		}
		s.entries[alias] = Entry{
			Key:   signer,
			Chain: append([]*x509.Certificate{leaf}, caCerts...),
		}
	}
	return nil
}

func (s *pkcs12Store) Get(alias string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[alias]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

func (s *pkcs12Store) Put(alias string, entry Entry) error {
	if entry.Key == nil || len(entry.Chain) == 0 {
		return fmt.Errorf("entry for alias %s needs a key and at least a leaf certificate", alias)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[alias] = entry
	return nil
}

func (s *pkcs12Store) Delete(alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, alias)
	return nil
}

func (s *pkcs12Store) NewKey(alias string, params KeyParams) (crypto.Signer, error) {
	switch params.Type {
	case "rsa":
		key, err := rsa.GenerateKey(rand.Reader, params.Bits)
		if err != nil {
			return nil, fmt.Errorf("error in rsa.GenerateKey: %w", err)
		}
		return key, nil
	case "ecdsa":
		key, err := ecdsa.GenerateKey(params.Curve, rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("error in ecdsa.GenerateKey: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unknown key algorithm %q", params.Type)
	}
}

// Persist writes every entry to its container file and removes files for
// deleted aliases.
func (s *pkcs12Store) Persist() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for alias, entry := range s.entries {
		var caCerts []*x509.Certificate
		if len(entry.Chain) > 1 {
			caCerts = entry.Chain[1:]
		}
		data, err := pkcs12.Modern.Encode(entry.Key, entry.Chain[0], caCerts, s.password)
		if err != nil {
			return fmt.Errorf("error encoding alias %s: %w", alias, err)
		}
		path := filepath.Join(s.dir, alias+".p12")
		if err := os.WriteFile(path+".tmp", data, 0600); err != nil {
			return fmt.Errorf("error writing %s: %w", path, err)
		}
		if err := os.Rename(path+".tmp", path); err != nil {
			return fmt.Errorf("error renaming %s: %w", path, err)
		}
	}

	files, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("error in os.ReadDir: %w", err)
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".p12") {
			continue
		}
		alias := strings.TrimSuffix(f.Name(), ".p12")
		if _, ok := s.entries[alias]; !ok {
			if err := os.Remove(filepath.Join(s.dir, f.Name())); err != nil {
				return fmt.Errorf("error removing stale alias %s: %w", alias, err)
			}
		}
	}
	return nil
}
