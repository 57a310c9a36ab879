package acme

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("not found")

// Store is the persistent repository the engine runs against. Mutate
// operations give get-for-update semantics: the callback runs with the entity
// exclusively held, so status transitions on a single entity are serialized
// even under concurrent requests. Implementations live outside this package.
type Store interface {
	CreateAccount(ctx context.Context, account *Account) error
	AccountByID(ctx context.Context, id string) (*Account, error)
	AccountByThumbprint(ctx context.Context, thumbprint string) (*Account, error)
	MutateAccount(ctx context.Context, id string, fn func(*Account) error) error

	CreateOrder(ctx context.Context, order *Order) error
	OrderByID(ctx context.Context, id string) (*Order, error)
	OrderBySerial(ctx context.Context, serial string) (*Order, error)
	MutateOrder(ctx context.Context, id string, fn func(*Order) error) error

	CreateAuthorization(ctx context.Context, authz *Authorization) error
	AuthorizationByID(ctx context.Context, id string) (*Authorization, error)
	MutateAuthorization(ctx context.Context, id string, fn func(*Authorization) error) error

	// ChallengeByID returns a challenge together with its parent authorization.
	ChallengeByID(ctx context.Context, id string) (*Challenge, *Authorization, error)

	AddRevoked(ctx context.Context, revoked RevokedCertificate) error
	RevokedFor(ctx context.Context, provisionerName string) ([]RevokedCertificate, error)
}
