package provisioner

import (
	"context"
	"crypto/elliptic"
	"testing"
	"time"

	"github.com/certkiln/certkiln/keystore"
	"github.com/stretchr/testify/require"
)

func testManager(t *testing.T, cfg Config) (*Manager, *Provisioner) {
	t.Helper()
	store, err := keystore.Open(keystore.Config{Type: "pkcs12", Path: t.TempDir(), Password: "pw"})
	require.NoError(t, err)

	params := keystore.KeyParams{Type: "ecdsa", Curve: elliptic.P256()}
	cfg.KeyParams = params
	if cfg.IntermediateValidity == 0 {
		cfg.IntermediateValidity = 365 * 24 * time.Hour
	}
	m, err := NewManager(store, RootConfig{KeyParams: params, CommonName: "Test Root", Validity: 10 * 365 * 24 * time.Hour}, []Config{cfg})
	require.NoError(t, err)
	p, ok := m.Get(cfg.Name)
	require.True(t, ok)
	return m, p
}

func TestCheckIdentifierPolicy(t *testing.T) {
	_, p := testManager(t, Config{
		Name:           "default",
		Meta:           Metadata{AllowWildcard: true},
		AllowedDomains: []string{"*.example.com", "example.com"},
		DeniedDomains:  []string{"internal.example.com"},
	})

	require.NoError(t, p.CheckIdentifier("example.com"))
	require.NoError(t, p.CheckIdentifier("www.example.com"))
	require.NoError(t, p.CheckIdentifier("*.example.com"))
	require.ErrorIs(t, p.CheckIdentifier("internal.example.com"), ErrDomainNotAllowed)
	require.ErrorIs(t, p.CheckIdentifier("other.org"), ErrDomainNotAllowed)
	require.ErrorIs(t, p.CheckIdentifier("bad*.example.com"), ErrBadDomain)
	require.ErrorIs(t, p.CheckIdentifier("nodots"), ErrBadDomain)
}

func TestWildcardPolicyFlag(t *testing.T) {
	_, p := testManager(t, Config{Name: "nowild", Meta: Metadata{AllowWildcard: false}})
	require.ErrorIs(t, p.CheckIdentifier("*.example.com"), ErrWildcardNotAllowed)
	require.NoError(t, p.CheckIdentifier("example.com"))
}

func TestRenewIntermediateSwapsSnapshot(t *testing.T) {
	m, p := testManager(t, Config{Name: "default", IntermediateValidity: 24 * time.Hour})

	before := p.Signing()
	require.NoError(t, m.RenewIntermediate(context.Background(), p))
	after := p.Signing()

	require.NotEqual(t, before.Certificate().SerialNumber, after.Certificate().SerialNumber)
	require.NoError(t, after.Certificate().CheckSignatureFrom(m.Root().Certificate()))

	// The keystore only carries the new signing entry under the alias
	entry, err := m.store.Get(keystore.IntermediateAlias("default"))
	require.NoError(t, err)
	require.Equal(t, after.Certificate().Raw, entry.Certificate().Raw)
}

func TestRenewAbandonedOnCancelledContext(t *testing.T) {
	m, p := testManager(t, Config{Name: "default", IntermediateValidity: 24 * time.Hour})
	before := p.Signing()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, m.RenewIntermediate(ctx, p))

	// Old intermediate stays live
	require.Equal(t, before.Certificate().Raw, p.Signing().Certificate().Raw)
	entry, err := m.store.Get(keystore.IntermediateAlias("default"))
	require.NoError(t, err)
	require.Equal(t, before.Certificate().Raw, entry.Certificate().Raw)
}
