package acme

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/certkiln/certkiln/acmecrypto"
	"github.com/certkiln/certkiln/ca"
	"github.com/certkiln/certkiln/challenge"
	"github.com/certkiln/certkiln/gologger"
	"github.com/certkiln/certkiln/internal"
	"github.com/certkiln/certkiln/provisioner"
	"github.com/certkiln/certkiln/tracing"
	"github.com/certkiln/certkiln/utils"
	"github.com/go-jose/go-jose/v3"
	"github.com/samber/lo"
)

var logger = gologger.NewLogger()

// EngineOptions tunes engine behavior; zero values get sane defaults.
type EngineOptions struct {
	OrderLifetime    time.Duration
	ChallengeTimeout time.Duration
	HTTP01Port       int
	// MaxChallengeAttempts abandons an authorization after this many failed
	// validations. 0 keeps it retriable until the order expires.
	MaxChallengeAttempts int
	IncludeRootInChain   bool
}

// Engine owns every account, order, authorization and challenge transition.
// Handlers authenticate requests and call in; nothing else mutates entity
// status.
type Engine struct {
	store    Store
	resolver challenge.Resolver
	opts     EngineOptions

	// onRevoke is invoked after a successful revocation so the CRL for that
	// provisioner can be rebuilt ahead of its next scheduled refresh.
	onRevoke func(provisionerName string)
}

func NewEngine(store Store, resolver challenge.Resolver, opts EngineOptions) *Engine {
	if opts.OrderLifetime == 0 {
		opts.OrderLifetime = 7 * 24 * time.Hour
	}
	if opts.ChallengeTimeout == 0 {
		opts.ChallengeTimeout = 10 * time.Second
	}
	if opts.HTTP01Port == 0 {
		opts.HTTP01Port = 80
	}
	return &Engine{store: store, resolver: resolver, opts: opts}
}

// OnRevoke registers the CRL refresh hook.
func (e *Engine) OnRevoke(fn func(provisionerName string)) {
	e.onRevoke = fn
}

func (e *Engine) Store() Store {
	return e.store
}

// NewAccount registers an account for the given key, or returns the existing
// one bound to that key. With onlyReturnExisting set, a missing account is an
// accountDoesNotExist problem instead of a creation.
func (e *Engine) NewAccount(ctx context.Context, jwk *jose.JSONWebKey, contact []string, onlyReturnExisting bool) (*Account, bool, error) {
	ctx, span := tracing.KilnTracer.Start(ctx, "NewAccount")
	defer span.End()

	thumbprint, err := acmecrypto.Thumbprint(jwk)
	if err != nil {
		return nil, false, fmt.Errorf("error in acmecrypto.Thumbprint: %w", err)
	}

	existing, err := e.store.AccountByThumbprint(ctx, thumbprint)
	if err == nil {
		return existing, false, nil
	}
	if err != ErrNotFound {
		return nil, false, fmt.Errorf("error in AccountByThumbprint: %w", err)
	}
	if onlyReturnExisting {
		return nil, false, ProblemAccountDoesNotExist("no account registered for this key")
	}

	account := &Account{
		ID:         utils.GenKSortedID("acct_"),
		Key:        jwk,
		Thumbprint: thumbprint,
		Contact:    contact,
		Status:     StatusValid,
		CreatedAt:  time.Now(),
	}
	if err := e.store.CreateAccount(ctx, account); err != nil {
		return nil, false, fmt.Errorf("error in CreateAccount: %w", err)
	}
	logger.Info().Str("account", account.ID).Strs("contact", contact).Msg("created account")
	return account, true, nil
}

// ValidAccount loads an account and requires it to be usable for requests.
func (e *Engine) ValidAccount(ctx context.Context, id string) (*Account, error) {
	account, err := e.store.AccountByID(ctx, id)
	if err == ErrNotFound {
		return nil, ProblemAccountDoesNotExist("unknown account")
	}
	if err != nil {
		return nil, fmt.Errorf("error in AccountByID: %w", err)
	}
	if account.Status != StatusValid {
		return nil, ProblemUnauthorized("account is " + account.Status)
	}
	return account, nil
}

// DeactivateAccount is the client-initiated terminal transition for an
// account.
func (e *Engine) DeactivateAccount(ctx context.Context, id string) (*Account, error) {
	var out *Account
	err := e.store.MutateAccount(ctx, id, func(account *Account) error {
		account.Status = StatusDeactivated
		out = account
		return nil
	})
	if err == ErrNotFound {
		return nil, ProblemAccountDoesNotExist("unknown account")
	}
	if err != nil {
		return nil, fmt.Errorf("error in MutateAccount: %w", err)
	}
	logger.Info().Str("account", id).Msg("deactivated account")
	return out, nil
}

// NewOrder creates an order plus one pending authorization per identifier.
// Each authorization carries a dns-01 challenge, and an http-01 challenge
// unless the identifier is a wildcard.
func (e *Engine) NewOrder(ctx context.Context, prov *provisioner.Provisioner, account *Account, identifiers []Identifier) (*Order, []*Authorization, error) {
	ctx, span := tracing.KilnTracer.Start(ctx, "NewOrder")
	defer span.End()

	if len(identifiers) == 0 {
		return nil, nil, ProblemMalformed("order needs at least one identifier")
	}
	for _, ident := range identifiers {
		if ident.Type != IdentifierDNS {
			return nil, nil, ProblemRejectedIdentifier(fmt.Sprintf("unsupported identifier type %q", ident.Type))
		}
		if err := prov.CheckIdentifier(ident.Value); err != nil {
			return nil, nil, identifierProblem(ident.Value, err)
		}
	}

	order := &Order{
		ID:              utils.GenKSortedID("ord_"),
		AccountID:       account.ID,
		ProvisionerName: prov.Name,
		Identifiers:     identifiers,
		Status:          StatusPending,
		Expires:         time.Now().Add(e.opts.OrderLifetime),
	}

	authzs := make([]*Authorization, 0, len(identifiers))
	for _, ident := range identifiers {
		authz, err := e.newAuthorization(order, ident)
		if err != nil {
			return nil, nil, err
		}
		authzs = append(authzs, authz)
		order.AuthzIDs = append(order.AuthzIDs, authz.ID)
	}

	if err := e.store.CreateOrder(ctx, order); err != nil {
		return nil, nil, fmt.Errorf("error in CreateOrder: %w", err)
	}
	for _, authz := range authzs {
		if err := e.store.CreateAuthorization(ctx, authz); err != nil {
			return nil, nil, fmt.Errorf("error in CreateAuthorization: %w", err)
		}
	}

	logger.Info().Str("order", order.ID).Str("account", account.ID).Int("identifiers", len(identifiers)).Msg("created order")
	return order, authzs, nil
}

func (e *Engine) newAuthorization(order *Order, ident Identifier) (*Authorization, error) {
	wildcard := strings.HasPrefix(ident.Value, "*.")
	authz := &Authorization{
		ID:         utils.GenKSortedID("authz_"),
		OrderID:    order.ID,
		Identifier: ident,
		Wildcard:   wildcard,
		Status:     StatusPending,
		Expires:    order.Expires,
	}

	types := []string{ChallengeDNS01}
	if !wildcard {
		types = append(types, ChallengeHTTP01)
	}
	for _, challengeType := range types {
		token, err := acmecrypto.GenToken()
		if err != nil {
			return nil, fmt.Errorf("error in acmecrypto.GenToken: %w", err)
		}
		authz.Challenges = append(authz.Challenges, &Challenge{
			ID:      utils.GenKSortedID("chal_"),
			AuthzID: authz.ID,
			Type:    challengeType,
			Token:   token,
			Status:  StatusPending,
		})
	}
	return authz, nil
}

func identifierProblem(value string, err error) *Problem {
	switch {
	case err == provisioner.ErrWildcardNotAllowed, err == provisioner.ErrDomainNotAllowed:
		return ProblemRejectedIdentifier(fmt.Sprintf("identifier %q: %s", value, err))
	default:
		return ProblemBadIdentifier(fmt.Sprintf("identifier %q: %s", value, err))
	}
}

func (e *Engine) Order(ctx context.Context, id string) (*Order, error) {
	order, err := e.store.OrderByID(ctx, id)
	if err == ErrNotFound {
		return nil, ProblemMalformed("unknown order")
	}
	return order, err
}

func (e *Engine) Authorization(ctx context.Context, id string) (*Authorization, error) {
	authz, err := e.store.AuthorizationByID(ctx, id)
	if err == ErrNotFound {
		return nil, ProblemMalformed("unknown authorization")
	}
	return authz, err
}

func (e *Engine) Challenge(ctx context.Context, id string) (*Challenge, *Authorization, error) {
	ch, authz, err := e.store.ChallengeByID(ctx, id)
	if err == ErrNotFound {
		return nil, nil, ProblemMalformed("unknown challenge")
	}
	return ch, authz, err
}

// TriggerChallenge runs one validation attempt for a challenge on behalf of
// the owning account. The network probe runs outside any entity lock; only
// the resulting transition is applied under the authorization's mutation.
// The first challenge to succeed marks the authorization valid; sibling
// challenges stay pending. A failed attempt records the reason and leaves the
// challenge retriable unless the attempt cap is hit.
func (e *Engine) TriggerChallenge(ctx context.Context, prov *provisioner.Provisioner, account *Account, challengeID string) (*Challenge, *Authorization, error) {
	ctx, span := tracing.KilnTracer.Start(ctx, "TriggerChallenge")
	defer span.End()

	ch, authz, err := e.store.ChallengeByID(ctx, challengeID)
	if err == ErrNotFound {
		return nil, nil, ProblemMalformed("unknown challenge")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("error in ChallengeByID: %w", err)
	}

	order, err := e.store.OrderByID(ctx, authz.OrderID)
	if err != nil {
		return nil, nil, fmt.Errorf("error in OrderByID: %w", err)
	}
	if order.AccountID != account.ID {
		return nil, nil, ProblemUnauthorized("challenge does not belong to this account")
	}
	if time.Now().After(authz.Expires) {
		return nil, nil, ProblemMalformed("authorization has expired")
	}

	// Already settled, nothing to do: return current state for polling
	if authz.Status == StatusValid || ch.Status == StatusValid {
		return ch, authz, nil
	}
	if authz.Status != StatusPending {
		return nil, nil, ProblemMalformed("authorization is " + authz.Status)
	}

	// pending -> processing, or invalid -> processing on an explicit retry
	var token string
	err = e.store.MutateAuthorization(ctx, authz.ID, func(a *Authorization) error {
		c := findChallenge(a, challengeID)
		if c == nil {
			return ErrNotFound
		}
		if c.Status != StatusPending && c.Status != StatusInvalid && c.Status != StatusProcessing {
			return ProblemMalformed("challenge is " + c.Status)
		}
		c.Status = StatusProcessing
		c.Error = nil
		token = c.Token
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	result := e.validate(ctx, account, authz.Identifier.Value, ch.Type, token)

	outcome := "invalid"
	var updatedAuthz *Authorization
	var updatedChallenge *Challenge
	err = e.store.MutateAuthorization(ctx, authz.ID, func(a *Authorization) error {
		c := findChallenge(a, challengeID)
		if c == nil {
			return ErrNotFound
		}
		now := time.Now()
		if result.OK {
			// First successful challenge wins; if a concurrent sibling already
			// validated the authorization, leave this one untouched.
			if a.Status == StatusPending {
				c.Status = StatusValid
				c.ValidatedAt = &now
				a.Status = StatusValid
				a.VerifiedAt = &now
			}
			outcome = "valid"
		} else {
			c.Status = StatusInvalid
			c.Attempts++
			if result.Connection {
				c.Error = ProblemConnection(result.Reason)
			} else {
				c.Error = ProblemIncorrectResponse(result.Reason)
			}
			if e.opts.MaxChallengeAttempts > 0 && c.Attempts >= e.opts.MaxChallengeAttempts {
				a.Status = StatusInvalid
			}
		}
		updatedAuthz = a
		updatedChallenge = c
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	internal.Metric_ChallengesValidated.WithLabelValues(ch.Type, outcome).Inc()

	if err := e.propagateAuthzStatus(ctx, updatedAuthz); err != nil {
		return nil, nil, err
	}
	return updatedChallenge, updatedAuthz, nil
}

func findChallenge(authz *Authorization, id string) *Challenge {
	for _, c := range authz.Challenges {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (e *Engine) validate(ctx context.Context, account *Account, identValue, challengeType, token string) challenge.Result {
	ctx, cancel := context.WithTimeout(ctx, e.opts.ChallengeTimeout)
	defer cancel()

	switch challengeType {
	case ChallengeHTTP01:
		keyAuth, err := acmecrypto.KeyAuthorization(token, account.Key)
		if err != nil {
			return challenge.Result{Reason: "could not compute key authorization"}
		}
		return challenge.ValidateHTTP01(ctx, e.resolver, identValue, token, keyAuth, e.opts.HTTP01Port)
	case ChallengeDNS01:
		digest, err := acmecrypto.DNSChallengeDigest(token, account.Key)
		if err != nil {
			return challenge.Result{Reason: "could not compute key authorization digest"}
		}
		return challenge.ValidateDNS01(ctx, e.resolver, identValue, digest)
	default:
		return challenge.Result{Reason: fmt.Sprintf("unsupported challenge type %q", challengeType)}
	}
}

// propagateAuthzStatus moves the parent order forward: ready once every
// authorization is valid, invalid as soon as any authorization is invalid.
func (e *Engine) propagateAuthzStatus(ctx context.Context, authz *Authorization) error {
	if authz.Status != StatusValid && authz.Status != StatusInvalid {
		return nil
	}
	return e.store.MutateOrder(ctx, authz.OrderID, func(order *Order) error {
		if order.Status != StatusPending {
			return nil
		}
		if authz.Status == StatusInvalid {
			order.Status = StatusInvalid
			return nil
		}
		for _, authzID := range order.AuthzIDs {
			other, err := e.store.AuthorizationByID(ctx, authzID)
			if err != nil {
				return fmt.Errorf("error in AuthorizationByID: %w", err)
			}
			if other.Status != StatusValid {
				return nil
			}
		}
		order.Status = StatusReady
		logger.Info().Str("order", order.ID).Msg("order ready for finalization")
		return nil
	})
}

// Finalize accepts a DER CSR for a ready order and issues the certificate.
// The CSR's SAN set must exactly match the order's identifiers. The order
// moves to processing immediately and to valid once the chain is signed; any
// CSR or policy failure moves it to invalid with the original problem.
func (e *Engine) Finalize(ctx context.Context, prov *provisioner.Provisioner, account *Account, orderID string, csrDER []byte) (*Order, error) {
	ctx, span := tracing.KilnTracer.Start(ctx, "Finalize")
	defer span.End()

	// The store discards the mutation when the callback errors, so every
	// branch that moves the order to invalid must return nil and hand the
	// problem out through failed instead.
	var out *Order
	var failed *Problem
	fail := func(order *Order, problem *Problem) {
		order.Status = StatusInvalid
		order.Error = problem
		failed = problem
	}
	err := e.store.MutateOrder(ctx, orderID, func(order *Order) error {
		out = order
		if order.AccountID != account.ID {
			return ProblemUnauthorized("order does not belong to this account")
		}
		if time.Now().After(order.Expires) {
			fail(order, ProblemOrderNotReady("order has expired"))
			return nil
		}
		if order.Status != StatusReady {
			return ProblemOrderNotReady("order is " + order.Status)
		}

		csr, err := ca.ParseCSR(csrDER)
		if err != nil {
			fail(order, ProblemBadCSR("CSR could not be parsed or its signature is invalid"))
			return nil
		}
		if problem := checkCSRNames(csr, order.Identifiers); problem != nil {
			fail(order, problem)
			return nil
		}
		for _, name := range csr.DNSNames {
			if err := prov.CheckIdentifier(name); err != nil {
				fail(order, identifierProblem(name, err))
				return nil
			}
		}

		order.Status = StatusProcessing

		leaf, err := ca.IssueLeafCertificate(csr, prov.Signing(), prov.Meta.LeafValidity)
		if err != nil {
			logger.Error().Err(err).Str("order", order.ID).Msg("certificate issuance failed")
			fail(order, ProblemServerInternal())
			return nil
		}

		order.CertificateSerial = leaf.SerialNumber.String()
		order.CertificatePEM = e.encodeChain(leaf, prov)
		order.Status = StatusValid

		internal.Metric_CertificatesIssued.WithLabelValues(prov.Name).Inc()
		logger.Info().Str("order", order.ID).Str("serial", order.CertificateSerial).Msg("issued certificate")
		return nil
	})
	if err != nil {
		var problem *Problem
		if errors.As(err, &problem) {
			return out, problem
		}
		if err == ErrNotFound {
			return nil, ProblemMalformed("unknown order")
		}
		return nil, fmt.Errorf("error in MutateOrder: %w", err)
	}
	if failed != nil {
		return out, failed
	}
	return out, nil
}

// checkCSRNames requires the CSR SAN set to equal the order's identifier set,
// no more and no fewer.
func checkCSRNames(csr *x509.CertificateRequest, identifiers []Identifier) *Problem {
	if len(csr.IPAddresses) > 0 || len(csr.EmailAddresses) > 0 || len(csr.URIs) > 0 {
		return ProblemBadCSR("CSR carries non-DNS subject alternative names")
	}

	want := lo.Map(identifiers, func(ident Identifier, _ int) string {
		return strings.ToLower(ident.Value)
	})
	got := lo.Map(csr.DNSNames, func(name string, _ int) string {
		return strings.ToLower(name)
	})

	missing, extra := lo.Difference(lo.Uniq(want), lo.Uniq(got))
	if len(missing) > 0 || len(extra) > 0 {
		return ProblemBadCSR(fmt.Sprintf("CSR names do not match order identifiers (missing %v, extra %v)", missing, extra))
	}
	return nil
}

func (e *Engine) encodeChain(leaf *x509.Certificate, prov *provisioner.Provisioner) []byte {
	var buf []byte
	buf = append(buf, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leaf.Raw})...)
	for i, cert := range prov.Signing().Chain {
		// The last chain element is the root, shipped only when configured
		if i == len(prov.Signing().Chain)-1 && !e.opts.IncludeRootInChain {
			break
		}
		buf = append(buf, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})...)
	}
	return buf
}

// CertificateChain returns the PEM chain for a valid order.
func (e *Engine) CertificateChain(ctx context.Context, account *Account, orderID string) ([]byte, error) {
	order, err := e.store.OrderByID(ctx, orderID)
	if err == ErrNotFound {
		return nil, ProblemMalformed("unknown order")
	}
	if err != nil {
		return nil, fmt.Errorf("error in OrderByID: %w", err)
	}
	if order.AccountID != account.ID {
		return nil, ProblemUnauthorized("order does not belong to this account")
	}
	if order.Status != StatusValid || len(order.CertificatePEM) == 0 {
		return nil, ProblemOrderNotReady("certificate not issued yet")
	}
	return order.CertificatePEM, nil
}

// Revoke records a revocation for a certificate issued through one of the
// account's orders and kicks an immediate CRL rebuild for the provisioner.
func (e *Engine) Revoke(ctx context.Context, prov *provisioner.Provisioner, account *Account, certDER []byte, reason int) error {
	ctx, span := tracing.KilnTracer.Start(ctx, "Revoke")
	defer span.End()

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return ProblemMalformed("certificate could not be parsed")
	}
	serial := cert.SerialNumber.String()

	order, err := e.store.OrderBySerial(ctx, serial)
	if err == ErrNotFound {
		return ProblemUnauthorized("certificate was not issued by this provisioner")
	}
	if err != nil {
		return fmt.Errorf("error in OrderBySerial: %w", err)
	}
	if order.AccountID != account.ID {
		return ProblemUnauthorized("certificate does not belong to this account")
	}

	revoked, err := e.store.RevokedFor(ctx, prov.Name)
	if err != nil {
		return fmt.Errorf("error in RevokedFor: %w", err)
	}
	if lo.ContainsBy(revoked, func(rc RevokedCertificate) bool { return rc.Serial == serial }) {
		return ProblemAlreadyRevoked("certificate is already revoked")
	}

	err = e.store.AddRevoked(ctx, RevokedCertificate{
		Serial:          serial,
		ProvisionerName: prov.Name,
		RevokedAt:       time.Now(),
		Reason:          reason,
	})
	if err != nil {
		return fmt.Errorf("error in AddRevoked: %w", err)
	}

	internal.Metric_CertificatesRevoked.WithLabelValues(prov.Name).Inc()
	logger.Info().Str("serial", serial).Int("reason", reason).Str("provisioner", prov.Name).Msg("revoked certificate")

	if e.onRevoke != nil {
		e.onRevoke(prov.Name)
	}
	return nil
}

// RevokedFor lists the revocation records feeding CRL generation.
func (e *Engine) RevokedFor(ctx context.Context, provisionerName string) ([]RevokedCertificate, error) {
	return e.store.RevokedFor(ctx, provisionerName)
}
