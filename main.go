package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/certkiln/certkiln/acme"
	"github.com/certkiln/certkiln/acmehttp"
	"github.com/certkiln/certkiln/challenge"
	"github.com/certkiln/certkiln/config"
	"github.com/certkiln/certkiln/gologger"
	"github.com/certkiln/certkiln/internal"
	"github.com/certkiln/certkiln/keystore"
	"github.com/certkiln/certkiln/nonce"
	"github.com/certkiln/certkiln/provisioner"
	"github.com/certkiln/certkiln/scheduler"
	"github.com/certkiln/certkiln/store"
	"github.com/certkiln/certkiln/tracing"
	"github.com/certkiln/certkiln/utils"
)

var logger = gologger.NewLogger()

func main() {
	logger.Info().Msg("starting CertKiln")

	if err := tracing.InitTracer(); err != nil {
		logger.Fatal().Err(err).Msg("error initializing tracer")
	}

	cfg, err := config.Load(utils.Env_ConfigPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", utils.Env_ConfigPath).Msg("error loading config")
	}

	ks, err := keystore.Open(cfg.Keystore)
	if err != nil {
		logger.Fatal().Err(err).Msg("error opening keystore")
	}

	rootCfg, err := cfg.RootCA()
	if err != nil {
		logger.Fatal().Err(err).Msg("error in root config")
	}
	provCfgs, err := cfg.ProvisionerConfigs()
	if err != nil {
		logger.Fatal().Err(err).Msg("error in provisioner config")
	}
	mgr, err := provisioner.NewManager(ks, rootCfg, provCfgs)
	if err != nil {
		logger.Fatal().Err(err).Msg("error initializing CA hierarchy")
	}

	repo, err := openStore()
	if err != nil {
		logger.Fatal().Err(err).Msg("error opening store")
	}

	nonces := openNonceManager()

	var dnsServers []string
	if utils.Env_DNSServers != "" {
		dnsServers = strings.Split(utils.Env_DNSServers, ",")
	}
	resolver := challenge.NewNetResolver(dnsServers, time.Duration(utils.Env_ChallengeTimeoutSec)*time.Second)

	engine := acme.NewEngine(repo, resolver, acme.EngineOptions{
		ChallengeTimeout:     time.Duration(utils.Env_ChallengeTimeoutSec) * time.Second,
		HTTP01Port:           int(utils.Env_HTTP01Port),
		MaxChallengeAttempts: int(utils.Env_MaxChallengeAttempts),
	})

	crls := scheduler.NewCRLCache(engine, mgr, time.Duration(utils.Env_CRLUpdateSeconds)*time.Second)
	engine.OnRevoke(crls.RefreshAsync)
	renewer := scheduler.NewRenewer(mgr, time.Duration(utils.Env_RenewalCheckSeconds)*time.Second)

	server := acmehttp.NewServer(engine, nonces, mgr, crls, utils.Env_ExternalURL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Msg("starting ACME server")
		return server.Start(":" + utils.Env_ACMEPort)
	})
	g.Go(func() error {
		logger.Info().Msg("starting internal server")
		if err := internal.StartMetricsServer(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return crls.Run(gctx)
	})
	g.Go(func() error {
		return renewer.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(utils.Env_ShutdownTimeoutSeconds)*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("error shutting down ACME server")
		}
		if err := internal.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("error shutting down internal server")
		}
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("error shutting down tracer")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("error running services")
	}
	logger.Info().Msg("stopped CertKiln")
}

func openStore() (acme.Store, error) {
	if utils.Env_PostgresDSN == "" {
		logger.Warn().Msg("POSTGRES_DSN not set, using in-memory store")
		return store.NewMemory(), nil
	}
	pg, err := store.NewPostgres(utils.Env_PostgresDSN)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := pg.Migrate(ctx); err != nil {
		return nil, err
	}
	return pg, nil
}

func openNonceManager() nonce.Manager {
	ttl := time.Duration(utils.Env_NonceTTLSeconds) * time.Second
	if utils.Env_NonceRedisAddr == "" {
		return nonce.NewMemoryManager(ttl, int(utils.Env_NonceMaxPending))
	}
	logger.Info().Str("addr", utils.Env_NonceRedisAddr).Msg("using redis nonce backend")
	return nonce.NewRedisManager(utils.Env_NonceRedisAddr, ttl)
}
