package utils

import (
	"os"
)

var (
	Env_ACMEPort               = EnvOrDefault("ACME_PORT", "8443")
	Env_ExternalURL            = EnvOrDefault("EXTERNAL_URL", "http://localhost:8443")
	Env_ConfigPath             = EnvOrDefault("CONFIG_PATH", "certkiln.json")
	Env_ShutdownTimeoutSeconds = MustEnvOrDefaultInt64("SHUTDOWN_TIMEOUT_SEC", 5)

	// Redis-backed nonce store for multi-node deployments, in-memory when empty
	Env_NonceRedisAddr  = os.Getenv("NONCE_REDIS_ADDR")
	Env_NonceTTLSeconds = MustEnvOrDefaultInt64("NONCE_TTL_SEC", 3600)
	Env_NonceMaxPending = MustEnvOrDefaultInt64("NONCE_MAX_PENDING", 100_000)

	// Postgres-backed repository, in-memory when empty
	Env_PostgresDSN = os.Getenv("POSTGRES_DSN")

	Env_ChallengeTimeoutSec = MustEnvOrDefaultInt64("CHALLENGE_TIMEOUT_SEC", 10)
	// Port override for HTTP-01 probes, mainly for tests and dev
	Env_HTTP01Port = MustEnvOrDefaultInt64("HTTP01_PORT", 80)
	// Comma-separated host:port DNS servers for DNS-01, system resolver when empty
	Env_DNSServers = os.Getenv("DNS_SERVERS")

	// 0 means a failed challenge stays retriable forever (until order expiry)
	Env_MaxChallengeAttempts = MustEnvOrDefaultInt64("MAX_CHALLENGE_ATTEMPTS", 0)

	Env_RenewalCheckSeconds  = MustEnvOrDefaultInt64("RENEWAL_CHECK_SEC", 21600)
	Env_RenewalThresholdDays = MustEnvOrDefaultInt64("RENEWAL_THRESHOLD_DAYS", 7)
	Env_CRLUpdateSeconds     = MustEnvOrDefaultInt64("CRL_UPDATE_SEC", 300)

	Env_TracingEnabled = os.Getenv("TRACING_ENABLED") == "1"
)
