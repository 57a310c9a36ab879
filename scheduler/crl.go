package scheduler

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/certkiln/certkiln/acme"
	"github.com/certkiln/certkiln/ca"
	"github.com/certkiln/certkiln/gologger"
	"github.com/certkiln/certkiln/internal"
	"github.com/certkiln/certkiln/provisioner"
)

var logger = gologger.NewLogger()

// CRLCache serves the current DER CRL per provisioner. CRLs regenerate on a
// fixed interval and immediately after a revocation through the engine's
// revoke hook, so the endpoint never signs on the request path.
type CRLCache struct {
	engine   *acme.Engine
	mgr      *provisioner.Manager
	interval time.Duration

	mu   sync.RWMutex
	crls map[string][]byte
}

func NewCRLCache(engine *acme.Engine, mgr *provisioner.Manager, interval time.Duration) *CRLCache {
	return &CRLCache{
		engine:   engine,
		mgr:      mgr,
		interval: interval,
		crls:     make(map[string][]byte),
	}
}

// Get returns the cached DER CRL for a provisioner, building it on first use.
func (c *CRLCache) Get(ctx context.Context, provisionerName string) ([]byte, error) {
	c.mu.RLock()
	der, ok := c.crls[provisionerName]
	c.mu.RUnlock()
	if ok {
		return der, nil
	}
	return c.Refresh(ctx, provisionerName)
}

// Refresh rebuilds one provisioner's CRL from the revocation records and
// swaps it into the cache.
func (c *CRLCache) Refresh(ctx context.Context, provisionerName string) ([]byte, error) {
	prov, ok := c.mgr.Get(provisionerName)
	if !ok {
		return nil, fmt.Errorf("unknown provisioner %s", provisionerName)
	}

	records, err := c.engine.RevokedFor(ctx, provisionerName)
	if err != nil {
		return nil, fmt.Errorf("error in RevokedFor: %w", err)
	}

	revoked := make([]ca.RevokedCert, 0, len(records))
	for _, record := range records {
		serial, ok := new(big.Int).SetString(record.Serial, 10)
		if !ok {
			logger.Warn().Str("serial", record.Serial).Msg("skipping unparseable revoked serial")
			continue
		}
		revoked = append(revoked, ca.RevokedCert{
			Serial:    serial,
			RevokedAt: record.RevokedAt,
			Reason:    record.Reason,
		})
	}

	// nextUpdate covers two refresh intervals so a single missed run never
	// hands out an expired CRL
	der, err := ca.GenerateCRL(revoked, prov.Signing(), 2*c.interval)
	if err != nil {
		return nil, fmt.Errorf("error in ca.GenerateCRL: %w", err)
	}

	c.mu.Lock()
	c.crls[provisionerName] = der
	c.mu.Unlock()

	internal.Metric_CRLRegenerations.WithLabelValues(provisionerName).Inc()
	logger.Debug().Str("provisioner", provisionerName).Int("revoked", len(revoked)).Msg("regenerated CRL")
	return der, nil
}

// RefreshAsync is the revoke hook: it rebuilds in the background so the
// revocation request does not wait on CRL signing.
func (c *CRLCache) RefreshAsync(provisionerName string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := c.Refresh(ctx, provisionerName); err != nil {
			logger.Error().Err(err).Str("provisioner", provisionerName).Msg("CRL refresh after revocation failed")
		}
	}()
}

// Run regenerates every provisioner's CRL on the configured interval until
// the context is cancelled.
func (c *CRLCache) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.refreshAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.refreshAll(ctx)
		}
	}
}

func (c *CRLCache) refreshAll(ctx context.Context) {
	for _, prov := range c.mgr.All() {
		if _, err := c.Refresh(ctx, prov.Name); err != nil {
			logger.Error().Err(err).Str("provisioner", prov.Name).Msg("scheduled CRL refresh failed")
		}
	}
}
