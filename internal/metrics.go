package internal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Metric_NoncesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nonces_issued",
		Help: "Total replay nonces issued",
	})
	Metric_NoncesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nonces_rejected",
		Help: "Requests rejected with badNonce, unknown or already consumed",
	})
	Metric_ChallengesValidated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "challenges_validated",
		Help: "Challenge validation attempts by type and outcome",
	}, []string{"type", "outcome"})
	Metric_CertificatesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "certificates_issued",
		Help: "Leaf certificates issued, per provisioner",
	}, []string{"provisioner"})
	Metric_CertificatesRevoked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "certificates_revoked",
		Help: "Certificates revoked, per provisioner",
	}, []string{"provisioner"})
	Metric_IntermediatesRenewed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intermediates_renewed",
		Help: "Intermediate CA renewals, per provisioner",
	}, []string{"provisioner"})
	Metric_CRLRegenerations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crl_regenerations",
		Help: "CRL rebuilds, per provisioner",
	}, []string{"provisioner"})
)
