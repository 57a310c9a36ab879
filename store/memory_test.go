package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certkiln/certkiln/acme"
	"github.com/certkiln/certkiln/utils"
)

func TestMemoryAccountLookup(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	account := &acme.Account{
		ID:         utils.GenKSortedID("acct_"),
		Thumbprint: "tp-1",
		Contact:    []string{"mailto:ops@example.com"},
		Status:     acme.StatusValid,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, s.CreateAccount(ctx, account))

	got, err := s.AccountByThumbprint(ctx, "tp-1")
	require.NoError(t, err)
	assert.Equal(t, account.ID, got.ID)

	_, err = s.AccountByID(ctx, "acct_missing")
	assert.ErrorIs(t, err, acme.ErrNotFound)
}

func TestMemoryMutateDoesNotAliasReads(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	order := &acme.Order{ID: "ord_1", Status: acme.StatusPending}
	require.NoError(t, s.CreateOrder(ctx, order))

	before, err := s.OrderByID(ctx, "ord_1")
	require.NoError(t, err)

	require.NoError(t, s.MutateOrder(ctx, "ord_1", func(o *acme.Order) error {
		o.Status = acme.StatusReady
		return nil
	}))

	assert.Equal(t, acme.StatusPending, before.Status, "previously read copy must not change")

	after, err := s.OrderByID(ctx, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, acme.StatusReady, after.Status)
}

func TestMemoryMutateCallbackErrorDiscardsWrite(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.CreateOrder(ctx, &acme.Order{ID: "ord_1", Status: acme.StatusPending}))

	wantErr := acme.ProblemOrderNotReady("not yet")
	err := s.MutateOrder(ctx, "ord_1", func(o *acme.Order) error {
		o.Status = acme.StatusInvalid
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	got, err := s.OrderByID(ctx, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, acme.StatusPending, got.Status)
}

func TestMemoryReadInsideMutateCallback(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.CreateOrder(ctx, &acme.Order{ID: "ord_1", AuthzIDs: []string{"authz_1"}, Status: acme.StatusPending}))
	require.NoError(t, s.CreateAuthorization(ctx, &acme.Authorization{ID: "authz_1", OrderID: "ord_1", Status: acme.StatusValid}))

	err := s.MutateOrder(ctx, "ord_1", func(o *acme.Order) error {
		authz, err := s.AuthorizationByID(ctx, o.AuthzIDs[0])
		if err != nil {
			return err
		}
		if authz.Status == acme.StatusValid {
			o.Status = acme.StatusReady
		}
		return nil
	})
	require.NoError(t, err)

	got, err := s.OrderByID(ctx, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, acme.StatusReady, got.Status)
}

func TestMemoryMutateSerialized(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.CreateAuthorization(ctx, &acme.Authorization{
		ID: "authz_1",
		Challenges: []*acme.Challenge{
			{ID: "chal_1", AuthzID: "authz_1", Status: acme.StatusPending},
		},
	}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.MutateAuthorization(ctx, "authz_1", func(a *acme.Authorization) error {
				a.Challenges[0].Attempts++
				return nil
			})
		}()
	}
	wg.Wait()

	chal, _, err := s.ChallengeByID(ctx, "chal_1")
	require.NoError(t, err)
	assert.Equal(t, 50, chal.Attempts)
}

func TestMemoryChallengeIndex(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.CreateAuthorization(ctx, &acme.Authorization{
		ID: "authz_1",
		Challenges: []*acme.Challenge{
			{ID: "chal_http", Type: acme.ChallengeHTTP01, AuthzID: "authz_1"},
			{ID: "chal_dns", Type: acme.ChallengeDNS01, AuthzID: "authz_1"},
		},
	}))

	chal, authz, err := s.ChallengeByID(ctx, "chal_dns")
	require.NoError(t, err)
	assert.Equal(t, acme.ChallengeDNS01, chal.Type)
	assert.Equal(t, "authz_1", authz.ID)

	_, _, err = s.ChallengeByID(ctx, "chal_missing")
	assert.ErrorIs(t, err, acme.ErrNotFound)
}

func TestMemoryRevokedPerProvisioner(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.AddRevoked(ctx, acme.RevokedCertificate{Serial: "1", ProvisionerName: "acme", RevokedAt: time.Now()}))
	require.NoError(t, s.AddRevoked(ctx, acme.RevokedCertificate{Serial: "2", ProvisionerName: "other", RevokedAt: time.Now()}))

	got, err := s.RevokedFor(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].Serial)
}
