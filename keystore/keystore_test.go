package keystore

import (
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func selfSigned(t *testing.T, s Store, alias string) Entry {
	t.Helper()
	key, err := s.NewKey(alias, KeyParams{Type: "ecdsa", Curve: elliptic.P256()})
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: alias},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return Entry{Key: key, Chain: []*x509.Certificate{cert}}
}

func TestPKCS12RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Type: "pkcs12", Path: dir, Password: "changeit"})
	require.NoError(t, err)

	entry := selfSigned(t, s, AliasRootCA)
	require.NoError(t, s.Put(AliasRootCA, entry))
	require.NoError(t, s.Persist())

	// A fresh open must see the persisted entry with the same key material.
	reopened, err := Open(Config{Type: "pkcs12", Path: dir, Password: "changeit"})
	require.NoError(t, err)
	got, err := reopened.Get(AliasRootCA)
	require.NoError(t, err)
	require.Equal(t, entry.Chain[0].Raw, got.Chain[0].Raw)
	require.NotNil(t, got.Key)
}

func TestPKCS12DeleteRemovesOnPersist(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Type: "pkcs12", Path: dir, Password: "pw"})
	require.NoError(t, err)

	alias := IntermediateAlias("default")
	require.NoError(t, s.Put(alias, selfSigned(t, s, alias)))
	require.NoError(t, s.Persist())
	require.NoError(t, s.Delete(alias))
	require.NoError(t, s.Persist())

	reopened, err := Open(Config{Type: "pkcs12", Path: dir, Password: "pw"})
	require.NoError(t, err)
	_, err = reopened.Get(alias)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetUnknownAlias(t *testing.T) {
	s, err := Open(Config{Type: "pkcs12", Path: t.TempDir(), Password: "pw"})
	require.NoError(t, err)
	_, err = s.Get("nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestOpenUnknownType(t *testing.T) {
	_, err := Open(Config{Type: "hsm9000"})
	require.Error(t, err)
}
