package scheduler

import (
	"context"
	"time"

	"github.com/certkiln/certkiln/provisioner"
)

// Renewer replaces signing intermediates before they expire. Each run checks
// every provisioner and renews the ones inside their renewal threshold; a
// failure on one provisioner never blocks the others.
type Renewer struct {
	mgr      *provisioner.Manager
	interval time.Duration
}

func NewRenewer(mgr *provisioner.Manager, interval time.Duration) *Renewer {
	return &Renewer{mgr: mgr, interval: interval}
}

// Run checks on the configured interval until the context is cancelled. The
// first check happens immediately so an intermediate that expired while the
// process was down is replaced at startup.
func (r *Renewer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.checkAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.checkAll(ctx)
		}
	}
}

func (r *Renewer) checkAll(ctx context.Context) {
	for _, prov := range r.mgr.All() {
		r.checkOne(ctx, prov)
	}
}

func (r *Renewer) checkOne(ctx context.Context, prov *provisioner.Provisioner) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Interface("panic", rec).Str("provisioner", prov.Name).Msg("panic during intermediate renewal check")
		}
	}()

	cert := prov.Signing().Certificate()
	if cert == nil {
		logger.Error().Str("provisioner", prov.Name).Msg("provisioner has no signing certificate")
		return
	}

	remaining := time.Until(cert.NotAfter)
	if remaining > prov.Meta.RenewalThreshold {
		return
	}

	logger.Info().Str("provisioner", prov.Name).Dur("remaining", remaining).Msg("intermediate inside renewal threshold")
	if err := r.mgr.RenewIntermediate(ctx, prov); err != nil {
		logger.Error().Err(err).Str("provisioner", prov.Name).Msg("intermediate renewal failed")
	}
}
