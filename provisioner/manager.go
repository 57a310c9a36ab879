package provisioner

import (
	"context"
	"fmt"
	"time"

	"github.com/certkiln/certkiln/ca"
	"github.com/certkiln/certkiln/gologger"
	"github.com/certkiln/certkiln/internal"
	"github.com/certkiln/certkiln/keystore"
	"github.com/gobwas/glob"
)

var logger = gologger.NewLogger()

// Config is one provisioner's parsed configuration, algorithm union already
// dispatched by the config loader.
type Config struct {
	Name                   string
	KeyParams              keystore.KeyParams
	IntermediateCommonName string
	IntermediateValidity   time.Duration
	Meta                   Metadata
	AllowedDomains         []string
	DeniedDomains          []string
}

// RootConfig is the root CA's parsed configuration.
type RootConfig struct {
	KeyParams  keystore.KeyParams
	CommonName string
	Validity   time.Duration
}

// Manager owns the keystore and the provisioner set. It is the only writer of
// intermediate aliases; request handlers read intermediates through
// Provisioner.Signing snapshots.
type Manager struct {
	store        keystore.Store
	root         keystore.Entry
	provisioners map[string]*Provisioner
	ordered      []*Provisioner
}

// NewManager loads or creates the CA hierarchy: the root once (idempotent),
// then a signing intermediate per provisioner where the alias is absent.
func NewManager(store keystore.Store, rootCfg RootConfig, configs []Config) (*Manager, error) {
	root, err := ca.GenerateRootCA(store, rootCfg.KeyParams, rootCfg.CommonName, rootCfg.Validity)
	if err != nil {
		return nil, fmt.Errorf("error in ca.GenerateRootCA: %w", err)
	}

	m := &Manager{
		store:        store,
		root:         root,
		provisioners: make(map[string]*Provisioner),
	}

	for _, cfg := range configs {
		p, err := m.initProvisioner(cfg)
		if err != nil {
			return nil, fmt.Errorf("error initializing provisioner %s: %w", cfg.Name, err)
		}
		m.provisioners[cfg.Name] = p
		m.ordered = append(m.ordered, p)
	}
	return m, nil
}

func (m *Manager) initProvisioner(cfg Config) (*Provisioner, error) {
	if _, exists := m.provisioners[cfg.Name]; exists {
		return nil, fmt.Errorf("duplicate provisioner name %s", cfg.Name)
	}

	p := &Provisioner{
		Name:                 cfg.Name,
		Meta:                 cfg.Meta,
		keyParams:            cfg.KeyParams,
		intermediateCN:       cfg.IntermediateCommonName,
		intermediateValidity: cfg.IntermediateValidity,
	}
	if p.intermediateCN == "" {
		p.intermediateCN = cfg.Name + " Intermediate CA"
	}
	for _, pattern := range cfg.AllowedDomains {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("bad allowed domain pattern %q: %w", pattern, err)
		}
		p.allowed = append(p.allowed, g)
	}
	for _, pattern := range cfg.DeniedDomains {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("bad denied domain pattern %q: %w", pattern, err)
		}
		p.denied = append(p.denied, g)
	}

	alias := keystore.IntermediateAlias(cfg.Name)
	entry, err := m.store.Get(alias)
	if err == nil {
		p.signing = entry
		return p, nil
	}

	logger.Info().Str("provisioner", cfg.Name).Msg("no intermediate found, generating")
	entry, err = ca.GenerateIntermediateCA(m.store, m.root, alias, cfg.KeyParams, ca.IntermediateMeta{
		CommonName: p.intermediateCN,
		CRLURL:     cfg.Meta.CRLURL,
		OCSPURL:    cfg.Meta.OCSPURL,
	}, cfg.IntermediateValidity)
	if err != nil {
		return nil, fmt.Errorf("error in ca.GenerateIntermediateCA: %w", err)
	}
	if err := m.store.Put(alias, entry); err != nil {
		return nil, fmt.Errorf("error in store.Put: %w", err)
	}
	if err := m.store.Persist(); err != nil {
		return nil, fmt.Errorf("error in store.Persist: %w", err)
	}
	p.signing = entry
	return p, nil
}

func (m *Manager) Get(name string) (*Provisioner, bool) {
	p, ok := m.provisioners[name]
	return p, ok
}

func (m *Manager) All() []*Provisioner {
	return m.ordered
}

func (m *Manager) Root() keystore.Entry {
	return m.root
}

// RenewIntermediate replaces a provisioner's signing intermediate. Ordering
// matters for crash safety: the new entry is fully constructed in memory
// before the old alias is deleted, and the provisioner snapshot only swaps
// after Persist succeeds, so a failure at any earlier step leaves the old
// intermediate live. Already-issued leaves keep verifying against the old
// chain until their own expiry; only the signing slot changes.
func (m *Manager) RenewIntermediate(ctx context.Context, p *Provisioner) error {
	alias := keystore.IntermediateAlias(p.Name)

	entry, err := ca.GenerateIntermediateCA(m.store, m.root, alias, p.keyParams, ca.IntermediateMeta{
		CommonName: p.intermediateCN,
		CRLURL:     p.Meta.CRLURL,
		OCSPURL:    p.Meta.OCSPURL,
	}, p.intermediateValidity)
	if err != nil {
		return fmt.Errorf("error in ca.GenerateIntermediateCA: %w", err)
	}

	if err := ctx.Err(); err != nil {
		// Shutting down, abandon before touching the keystore
		return err
	}

	if err := m.store.Delete(alias); err != nil {
		return fmt.Errorf("error in store.Delete: %w", err)
	}
	if err := m.store.Put(alias, entry); err != nil {
		return fmt.Errorf("error in store.Put: %w", err)
	}
	if err := m.store.Persist(); err != nil {
		// In-memory and on-disk stores now disagree, needs an operator
		return fmt.Errorf("keystore persist failed after intermediate swap, operator attention required: %w", err)
	}

	p.swapSigning(entry)
	internal.Metric_IntermediatesRenewed.WithLabelValues(p.Name).Inc()
	logger.Info().Str("provisioner", p.Name).Time("notAfter", entry.Certificate().NotAfter).Msg("renewed intermediate")
	return nil
}
