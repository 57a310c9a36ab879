package acme_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certkiln/certkiln/acme"
	"github.com/certkiln/certkiln/acmecrypto"
	"github.com/certkiln/certkiln/keystore"
	"github.com/certkiln/certkiln/provisioner"
	"github.com/certkiln/certkiln/store"
)

// fakeResolver answers validation probes from in-memory maps so engine tests
// never touch the network.
type fakeResolver struct {
	mu   sync.Mutex
	txt  map[string][]string
	http map[string]string
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{txt: map[string][]string{}, http: map[string]string{}}
}

func (f *fakeResolver) setTXT(name, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txt[name] = append(f.txt[name], value)
}

func (f *fakeResolver) setHTTP(url, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.http[url] = body
}

func (f *fakeResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, ok := f.txt[name]
	if !ok {
		return nil, errors.New("no such host")
	}
	return values, nil
}

func (f *fakeResolver) FetchHTTP(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.http[url]
	if !ok {
		return nil, errors.New("connection refused")
	}
	return []byte(body), nil
}

type engineEnv struct {
	engine   *acme.Engine
	store    *store.Memory
	resolver *fakeResolver
	mgr      *provisioner.Manager
	prov     *provisioner.Provisioner
}

func newEngineEnv(t *testing.T, opts acme.EngineOptions) *engineEnv {
	t.Helper()
	ks, err := keystore.Open(keystore.Config{Type: "pkcs12", Path: t.TempDir(), Password: "pw"})
	require.NoError(t, err)

	params := keystore.KeyParams{Type: "ecdsa", Curve: elliptic.P256()}
	mgr, err := provisioner.NewManager(ks,
		provisioner.RootConfig{KeyParams: params, CommonName: "Test Root", Validity: 10 * 365 * 24 * time.Hour},
		[]provisioner.Config{{
			Name:                 "default",
			KeyParams:            params,
			IntermediateValidity: 365 * 24 * time.Hour,
			Meta: provisioner.Metadata{
				AllowWildcard: true,
				LeafValidity:  90 * 24 * time.Hour,
			},
		}})
	require.NoError(t, err)
	prov, ok := mgr.Get("default")
	require.True(t, ok)

	resolver := newFakeResolver()
	memory := store.NewMemory()
	return &engineEnv{
		engine:   acme.NewEngine(memory, resolver, opts),
		store:    memory,
		resolver: resolver,
		mgr:      mgr,
		prov:     prov,
	}
}

func newAccount(t *testing.T, e *acme.Engine) (*acme.Account, *jose.JSONWebKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	jwk := &jose.JSONWebKey{Key: key.Public(), Algorithm: string(jose.ES256)}
	account, created, err := e.NewAccount(context.Background(), jwk, []string{"mailto:ops@example.com"}, false)
	require.NoError(t, err)
	require.True(t, created)
	return account, jwk
}

func challengeOfType(t *testing.T, authz *acme.Authorization, challengeType string) *acme.Challenge {
	t.Helper()
	for _, c := range authz.Challenges {
		if c.Type == challengeType {
			return c
		}
	}
	t.Fatalf("no %s challenge on authorization %s", challengeType, authz.ID)
	return nil
}

// armHTTP01 publishes the expected key authorization on the fake resolver.
func (env *engineEnv) armHTTP01(t *testing.T, domain string, ch *acme.Challenge, jwk *jose.JSONWebKey) {
	t.Helper()
	keyAuth, err := acmecrypto.KeyAuthorization(ch.Token, jwk)
	require.NoError(t, err)
	env.resolver.setHTTP(fmt.Sprintf("http://%s/.well-known/acme-challenge/%s", domain, ch.Token), keyAuth)
}

func (env *engineEnv) armDNS01(t *testing.T, domain string, ch *acme.Challenge, jwk *jose.JSONWebKey) {
	t.Helper()
	digest, err := acmecrypto.DNSChallengeDigest(ch.Token, jwk)
	require.NoError(t, err)
	env.resolver.setTXT("_acme-challenge."+domain, digest)
}

func makeCSR(t *testing.T, names []string) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{DNSNames: names}, key)
	require.NoError(t, err)
	return der
}

func TestNewAccountIdempotentByKey(t *testing.T) {
	env := newEngineEnv(t, acme.EngineOptions{})
	ctx := context.Background()

	account, jwk := newAccount(t, env.engine)
	assert.Equal(t, acme.StatusValid, account.Status)
	assert.NotEmpty(t, account.Thumbprint)

	again, created, err := env.engine.NewAccount(ctx, jwk, nil, false)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, account.ID, again.ID)
}

func TestNewAccountOnlyReturnExisting(t *testing.T) {
	env := newEngineEnv(t, acme.EngineOptions{})

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	jwk := &jose.JSONWebKey{Key: key.Public()}

	_, _, err = env.engine.NewAccount(context.Background(), jwk, nil, true)
	problem := acme.AsProblem(err)
	assert.Equal(t, "urn:ietf:params:acme:error:accountDoesNotExist", problem.Type)
}

func TestDeactivatedAccountRejected(t *testing.T) {
	env := newEngineEnv(t, acme.EngineOptions{})
	ctx := context.Background()
	account, _ := newAccount(t, env.engine)

	deactivated, err := env.engine.DeactivateAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, acme.StatusDeactivated, deactivated.Status)

	_, err = env.engine.ValidAccount(ctx, account.ID)
	problem := acme.AsProblem(err)
	assert.Equal(t, "urn:ietf:params:acme:error:unauthorized", problem.Type)
}

func TestNewOrderPendingWithChallenges(t *testing.T) {
	env := newEngineEnv(t, acme.EngineOptions{})
	account, _ := newAccount(t, env.engine)

	order, authzs, err := env.engine.NewOrder(context.Background(), env.prov, account,
		[]acme.Identifier{{Type: acme.IdentifierDNS, Value: "www.example.com"}})
	require.NoError(t, err)

	assert.Equal(t, acme.StatusPending, order.Status)
	require.Len(t, authzs, 1)
	assert.Equal(t, acme.StatusPending, authzs[0].Status)
	require.Len(t, authzs[0].Challenges, 2)
	challengeOfType(t, authzs[0], acme.ChallengeHTTP01)
	challengeOfType(t, authzs[0], acme.ChallengeDNS01)
}

func TestWildcardOrderHasOnlyDNS01(t *testing.T) {
	env := newEngineEnv(t, acme.EngineOptions{})
	account, _ := newAccount(t, env.engine)

	_, authzs, err := env.engine.NewOrder(context.Background(), env.prov, account,
		[]acme.Identifier{{Type: acme.IdentifierDNS, Value: "*.example.com"}})
	require.NoError(t, err)

	require.Len(t, authzs, 1)
	assert.True(t, authzs[0].Wildcard)
	require.Len(t, authzs[0].Challenges, 1)
	assert.Equal(t, acme.ChallengeDNS01, authzs[0].Challenges[0].Type)
}

func TestNewOrderRejectsNonDNSIdentifier(t *testing.T) {
	env := newEngineEnv(t, acme.EngineOptions{})
	account, _ := newAccount(t, env.engine)

	_, _, err := env.engine.NewOrder(context.Background(), env.prov, account,
		[]acme.Identifier{{Type: "ip", Value: "10.0.0.1"}})
	problem := acme.AsProblem(err)
	assert.Equal(t, "urn:ietf:params:acme:error:rejectedIdentifier", problem.Type)
}

func TestTriggerHTTP01FirstWinLeavesSiblingPending(t *testing.T) {
	env := newEngineEnv(t, acme.EngineOptions{})
	ctx := context.Background()
	account, jwk := newAccount(t, env.engine)

	order, authzs, err := env.engine.NewOrder(ctx, env.prov, account,
		[]acme.Identifier{{Type: acme.IdentifierDNS, Value: "www.example.com"}})
	require.NoError(t, err)

	httpChal := challengeOfType(t, authzs[0], acme.ChallengeHTTP01)
	env.armHTTP01(t, "www.example.com", httpChal, jwk)

	ch, authz, err := env.engine.TriggerChallenge(ctx, env.prov, account, httpChal.ID)
	require.NoError(t, err)
	assert.Equal(t, acme.StatusValid, ch.Status)
	assert.Equal(t, acme.StatusValid, authz.Status)
	assert.Equal(t, acme.StatusPending, challengeOfType(t, authz, acme.ChallengeDNS01).Status)

	got, err := env.engine.Order(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, acme.StatusReady, got.Status)
}

func TestFailedHTTP01IsRetriable(t *testing.T) {
	env := newEngineEnv(t, acme.EngineOptions{})
	ctx := context.Background()
	account, jwk := newAccount(t, env.engine)

	order, authzs, err := env.engine.NewOrder(ctx, env.prov, account,
		[]acme.Identifier{{Type: acme.IdentifierDNS, Value: "www.example.com"}})
	require.NoError(t, err)
	httpChal := challengeOfType(t, authzs[0], acme.ChallengeHTTP01)

	// Wrong body served: reachable but not the key authorization
	env.resolver.setHTTP(fmt.Sprintf("http://www.example.com/.well-known/acme-challenge/%s", httpChal.Token), "wrong")

	ch, authz, err := env.engine.TriggerChallenge(ctx, env.prov, account, httpChal.ID)
	require.NoError(t, err)
	assert.Equal(t, acme.StatusInvalid, ch.Status)
	require.NotNil(t, ch.Error)
	assert.Equal(t, "urn:ietf:params:acme:error:incorrectResponse", ch.Error.Type)
	assert.Equal(t, acme.StatusPending, authz.Status)

	got, err := env.engine.Order(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, acme.StatusPending, got.Status)

	// Fix the served content and retry the same challenge
	env.armHTTP01(t, "www.example.com", httpChal, jwk)
	ch, authz, err = env.engine.TriggerChallenge(ctx, env.prov, account, httpChal.ID)
	require.NoError(t, err)
	assert.Equal(t, acme.StatusValid, ch.Status)
	assert.Equal(t, acme.StatusValid, authz.Status)
}

func TestUnreachableHostReportsConnectionProblem(t *testing.T) {
	env := newEngineEnv(t, acme.EngineOptions{})
	ctx := context.Background()
	account, _ := newAccount(t, env.engine)

	_, authzs, err := env.engine.NewOrder(ctx, env.prov, account,
		[]acme.Identifier{{Type: acme.IdentifierDNS, Value: "www.example.com"}})
	require.NoError(t, err)
	httpChal := challengeOfType(t, authzs[0], acme.ChallengeHTTP01)

	ch, _, err := env.engine.TriggerChallenge(ctx, env.prov, account, httpChal.ID)
	require.NoError(t, err)
	assert.Equal(t, acme.StatusInvalid, ch.Status)
	require.NotNil(t, ch.Error)
	assert.Equal(t, "urn:ietf:params:acme:error:connection", ch.Error.Type)
}

func TestMaxChallengeAttemptsAbandonsAuthorization(t *testing.T) {
	env := newEngineEnv(t, acme.EngineOptions{MaxChallengeAttempts: 1})
	ctx := context.Background()
	account, _ := newAccount(t, env.engine)

	order, authzs, err := env.engine.NewOrder(ctx, env.prov, account,
		[]acme.Identifier{{Type: acme.IdentifierDNS, Value: "www.example.com"}})
	require.NoError(t, err)
	httpChal := challengeOfType(t, authzs[0], acme.ChallengeHTTP01)

	_, authz, err := env.engine.TriggerChallenge(ctx, env.prov, account, httpChal.ID)
	require.NoError(t, err)
	assert.Equal(t, acme.StatusInvalid, authz.Status)

	got, err := env.engine.Order(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, acme.StatusInvalid, got.Status)
}

func TestOrderReadyOnlyWhenAllAuthorizationsValid(t *testing.T) {
	env := newEngineEnv(t, acme.EngineOptions{})
	ctx := context.Background()
	account, jwk := newAccount(t, env.engine)

	order, authzs, err := env.engine.NewOrder(ctx, env.prov, account, []acme.Identifier{
		{Type: acme.IdentifierDNS, Value: "www.example.com"},
		{Type: acme.IdentifierDNS, Value: "api.example.com"},
	})
	require.NoError(t, err)
	require.Len(t, authzs, 2)

	first := challengeOfType(t, authzs[0], acme.ChallengeDNS01)
	env.armDNS01(t, authzs[0].Identifier.Value, first, jwk)
	_, _, err = env.engine.TriggerChallenge(ctx, env.prov, account, first.ID)
	require.NoError(t, err)

	got, err := env.engine.Order(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, acme.StatusPending, got.Status, "one valid authorization is not enough")

	second := challengeOfType(t, authzs[1], acme.ChallengeDNS01)
	env.armDNS01(t, authzs[1].Identifier.Value, second, jwk)
	_, _, err = env.engine.TriggerChallenge(ctx, env.prov, account, second.ID)
	require.NoError(t, err)

	got, err = env.engine.Order(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, acme.StatusReady, got.Status)
}

// readyOrder drives an order for the given names through dns-01 validation.
func readyOrder(t *testing.T, env *engineEnv, account *acme.Account, jwk *jose.JSONWebKey, names ...string) *acme.Order {
	t.Helper()
	ctx := context.Background()
	identifiers := make([]acme.Identifier, 0, len(names))
	for _, name := range names {
		identifiers = append(identifiers, acme.Identifier{Type: acme.IdentifierDNS, Value: name})
	}
	order, authzs, err := env.engine.NewOrder(ctx, env.prov, account, identifiers)
	require.NoError(t, err)
	for _, authz := range authzs {
		ch := challengeOfType(t, authz, acme.ChallengeDNS01)
		env.armDNS01(t, authz.Identifier.Value, ch, jwk)
		_, _, err = env.engine.TriggerChallenge(ctx, env.prov, account, ch.ID)
		require.NoError(t, err)
	}
	got, err := env.engine.Order(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, acme.StatusReady, got.Status)
	return got
}

func TestFinalizeIssuesCertificate(t *testing.T) {
	env := newEngineEnv(t, acme.EngineOptions{})
	ctx := context.Background()
	account, jwk := newAccount(t, env.engine)
	order := readyOrder(t, env, account, jwk, "www.example.com")

	finalized, err := env.engine.Finalize(ctx, env.prov, account, order.ID, makeCSR(t, []string{"www.example.com"}))
	require.NoError(t, err)
	assert.Equal(t, acme.StatusValid, finalized.Status)
	assert.NotEmpty(t, finalized.CertificateSerial)

	chain, err := env.engine.CertificateChain(ctx, account, order.ID)
	require.NoError(t, err)

	block, rest := pem.Decode(chain)
	require.NotNil(t, block)
	leaf, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, []string{"www.example.com"}, leaf.DNSNames)
	require.NoError(t, leaf.CheckSignatureFrom(env.prov.Signing().Certificate()))

	// Intermediate ships in the chain, root does not by default
	block, rest = pem.Decode(rest)
	require.NotNil(t, block)
	intermediate, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.True(t, intermediate.IsCA)
	block, _ = pem.Decode(rest)
	assert.Nil(t, block)

	// Leaf validity never outlives the signing intermediate
	assert.False(t, leaf.NotAfter.After(env.prov.Signing().Certificate().NotAfter))
}

func TestFinalizeRejectsMismatchedSANSet(t *testing.T) {
	env := newEngineEnv(t, acme.EngineOptions{})
	ctx := context.Background()
	account, jwk := newAccount(t, env.engine)
	order := readyOrder(t, env, account, jwk, "www.example.com")

	_, err := env.engine.Finalize(ctx, env.prov, account, order.ID,
		makeCSR(t, []string{"www.example.com", "other.example.com"}))
	problem := acme.AsProblem(err)
	assert.Equal(t, "urn:ietf:params:acme:error:badCSR", problem.Type)

	got, err := env.engine.Order(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, acme.StatusInvalid, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "urn:ietf:params:acme:error:badCSR", got.Error.Type)
}

func TestFinalizeUnparseableCSRPersistsInvalid(t *testing.T) {
	env := newEngineEnv(t, acme.EngineOptions{})
	ctx := context.Background()
	account, jwk := newAccount(t, env.engine)
	order := readyOrder(t, env, account, jwk, "www.example.com")

	_, err := env.engine.Finalize(ctx, env.prov, account, order.ID, []byte("not a csr"))
	problem := acme.AsProblem(err)
	assert.Equal(t, "urn:ietf:params:acme:error:badCSR", problem.Type)

	// The invalid status and the problem must survive a fresh read
	got, err := env.engine.Order(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, acme.StatusInvalid, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "urn:ietf:params:acme:error:badCSR", got.Error.Type)
}

func TestFinalizeExpiredOrderPersistsInvalid(t *testing.T) {
	env := newEngineEnv(t, acme.EngineOptions{})
	ctx := context.Background()
	account, jwk := newAccount(t, env.engine)
	order := readyOrder(t, env, account, jwk, "www.example.com")

	require.NoError(t, env.store.MutateOrder(ctx, order.ID, func(o *acme.Order) error {
		o.Expires = time.Now().Add(-time.Minute)
		return nil
	}))

	_, err := env.engine.Finalize(ctx, env.prov, account, order.ID, makeCSR(t, []string{"www.example.com"}))
	problem := acme.AsProblem(err)
	assert.Equal(t, "urn:ietf:params:acme:error:orderNotReady", problem.Type)

	got, err := env.engine.Order(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, acme.StatusInvalid, got.Status)
	require.NotNil(t, got.Error)
}

func TestFinalizePendingOrderNotReady(t *testing.T) {
	env := newEngineEnv(t, acme.EngineOptions{})
	ctx := context.Background()
	account, _ := newAccount(t, env.engine)

	order, _, err := env.engine.NewOrder(ctx, env.prov, account,
		[]acme.Identifier{{Type: acme.IdentifierDNS, Value: "www.example.com"}})
	require.NoError(t, err)

	_, err = env.engine.Finalize(ctx, env.prov, account, order.ID, makeCSR(t, []string{"www.example.com"}))
	problem := acme.AsProblem(err)
	assert.Equal(t, "urn:ietf:params:acme:error:orderNotReady", problem.Type)

	// The order itself is untouched, the client can still validate
	got, err := env.engine.Order(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, acme.StatusPending, got.Status)
}

func TestFinalizeForeignAccountRejected(t *testing.T) {
	env := newEngineEnv(t, acme.EngineOptions{})
	ctx := context.Background()
	account, jwk := newAccount(t, env.engine)
	other, _ := newAccount(t, env.engine)
	order := readyOrder(t, env, account, jwk, "www.example.com")

	_, err := env.engine.Finalize(ctx, env.prov, other, order.ID, makeCSR(t, []string{"www.example.com"}))
	problem := acme.AsProblem(err)
	assert.Equal(t, "urn:ietf:params:acme:error:unauthorized", problem.Type)
}

func TestRevokeRecordsSerialOnce(t *testing.T) {
	env := newEngineEnv(t, acme.EngineOptions{})
	ctx := context.Background()
	account, jwk := newAccount(t, env.engine)
	order := readyOrder(t, env, account, jwk, "www.example.com")

	finalized, err := env.engine.Finalize(ctx, env.prov, account, order.ID, makeCSR(t, []string{"www.example.com"}))
	require.NoError(t, err)

	var hookCalls []string
	env.engine.OnRevoke(func(name string) { hookCalls = append(hookCalls, name) })

	block, _ := pem.Decode(finalized.CertificatePEM)
	require.NotNil(t, block)

	require.NoError(t, env.engine.Revoke(ctx, env.prov, account, block.Bytes, 1))
	assert.Equal(t, []string{"default"}, hookCalls)

	revoked, err := env.engine.RevokedFor(ctx, "default")
	require.NoError(t, err)
	require.Len(t, revoked, 1)
	assert.Equal(t, finalized.CertificateSerial, revoked[0].Serial)
	assert.Equal(t, 1, revoked[0].Reason)

	err = env.engine.Revoke(ctx, env.prov, account, block.Bytes, 1)
	problem := acme.AsProblem(err)
	assert.Equal(t, "urn:ietf:params:acme:error:alreadyRevoked", problem.Type)
}

func TestRevokeForeignCertificateRejected(t *testing.T) {
	env := newEngineEnv(t, acme.EngineOptions{})
	ctx := context.Background()
	account, jwk := newAccount(t, env.engine)
	other, _ := newAccount(t, env.engine)
	order := readyOrder(t, env, account, jwk, "www.example.com")

	finalized, err := env.engine.Finalize(ctx, env.prov, account, order.ID, makeCSR(t, []string{"www.example.com"}))
	require.NoError(t, err)

	block, _ := pem.Decode(finalized.CertificatePEM)
	err = env.engine.Revoke(ctx, env.prov, other, block.Bytes, 0)
	problem := acme.AsProblem(err)
	assert.Equal(t, "urn:ietf:params:acme:error:unauthorized", problem.Type)
}
