package store

import (
	"context"
	"sync"

	"github.com/certkiln/certkiln/acme"
)

// Memory is the in-process repository. Entity mutations hold a per-entity
// lock for the duration of the callback, which gives the get-for-update
// serialization the engine relies on; plain reads only take the map lock.
type Memory struct {
	mu sync.RWMutex

	accounts       map[string]*acme.Account
	accountsByTP   map[string]string // thumbprint -> account id
	orders         map[string]*acme.Order
	ordersBySerial map[string]string // serial -> order id
	authzs         map[string]*acme.Authorization
	authzByChal    map[string]string // challenge id -> authz id
	revoked        map[string][]acme.RevokedCertificate

	entityLocks sync.Map // entity id -> *sync.Mutex
}

func NewMemory() *Memory {
	return &Memory{
		accounts:       make(map[string]*acme.Account),
		accountsByTP:   make(map[string]string),
		orders:         make(map[string]*acme.Order),
		ordersBySerial: make(map[string]string),
		authzs:         make(map[string]*acme.Authorization),
		authzByChal:    make(map[string]string),
		revoked:        make(map[string][]acme.RevokedCertificate),
	}
}

func (m *Memory) lockEntity(id string) func() {
	actual, _ := m.entityLocks.LoadOrStore(id, &sync.Mutex{})
	mu := actual.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func cloneAccount(a *acme.Account) *acme.Account {
	if a == nil {
		return nil
	}
	out := *a
	out.Contact = append([]string(nil), a.Contact...)
	return &out
}

func cloneOrder(o *acme.Order) *acme.Order {
	if o == nil {
		return nil
	}
	out := *o
	out.Identifiers = append([]acme.Identifier(nil), o.Identifiers...)
	out.AuthzIDs = append([]string(nil), o.AuthzIDs...)
	out.CertificatePEM = append([]byte(nil), o.CertificatePEM...)
	return &out
}

func cloneAuthz(a *acme.Authorization) *acme.Authorization {
	if a == nil {
		return nil
	}
	out := *a
	out.Challenges = make([]*acme.Challenge, 0, len(a.Challenges))
	for _, c := range a.Challenges {
		cc := *c
		out.Challenges = append(out.Challenges, &cc)
	}
	return &out
}

func (m *Memory) CreateAccount(ctx context.Context, account *acme.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[account.ID] = cloneAccount(account)
	m.accountsByTP[account.Thumbprint] = account.ID
	return nil
}

func (m *Memory) AccountByID(ctx context.Context, id string) (*acme.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	account, ok := m.accounts[id]
	if !ok {
		return nil, acme.ErrNotFound
	}
	return cloneAccount(account), nil
}

func (m *Memory) AccountByThumbprint(ctx context.Context, thumbprint string) (*acme.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.accountsByTP[thumbprint]
	if !ok {
		return nil, acme.ErrNotFound
	}
	return cloneAccount(m.accounts[id]), nil
}

func (m *Memory) MutateAccount(ctx context.Context, id string, fn func(*acme.Account) error) error {
	defer m.lockEntity("acct|" + id)()

	m.mu.RLock()
	account, ok := m.accounts[id]
	m.mu.RUnlock()
	if !ok {
		return acme.ErrNotFound
	}

	working := cloneAccount(account)
	if err := fn(working); err != nil {
		return err
	}

	m.mu.Lock()
	m.accounts[id] = cloneAccount(working)
	m.mu.Unlock()
	return nil
}

func (m *Memory) CreateOrder(ctx context.Context, order *acme.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.ID] = cloneOrder(order)
	return nil
}

func (m *Memory) OrderByID(ctx context.Context, id string) (*acme.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	order, ok := m.orders[id]
	if !ok {
		return nil, acme.ErrNotFound
	}
	return cloneOrder(order), nil
}

func (m *Memory) OrderBySerial(ctx context.Context, serial string) (*acme.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.ordersBySerial[serial]
	if !ok {
		return nil, acme.ErrNotFound
	}
	return cloneOrder(m.orders[id]), nil
}

func (m *Memory) MutateOrder(ctx context.Context, id string, fn func(*acme.Order) error) error {
	defer m.lockEntity("ord|" + id)()

	m.mu.RLock()
	order, ok := m.orders[id]
	m.mu.RUnlock()
	if !ok {
		return acme.ErrNotFound
	}

	working := cloneOrder(order)
	if err := fn(working); err != nil {
		return err
	}

	m.mu.Lock()
	m.orders[id] = cloneOrder(working)
	if working.CertificateSerial != "" {
		m.ordersBySerial[working.CertificateSerial] = id
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) CreateAuthorization(ctx context.Context, authz *acme.Authorization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authzs[authz.ID] = cloneAuthz(authz)
	for _, c := range authz.Challenges {
		m.authzByChal[c.ID] = authz.ID
	}
	return nil
}

func (m *Memory) AuthorizationByID(ctx context.Context, id string) (*acme.Authorization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	authz, ok := m.authzs[id]
	if !ok {
		return nil, acme.ErrNotFound
	}
	return cloneAuthz(authz), nil
}

func (m *Memory) MutateAuthorization(ctx context.Context, id string, fn func(*acme.Authorization) error) error {
	defer m.lockEntity("authz|" + id)()

	m.mu.RLock()
	authz, ok := m.authzs[id]
	m.mu.RUnlock()
	if !ok {
		return acme.ErrNotFound
	}

	working := cloneAuthz(authz)
	if err := fn(working); err != nil {
		return err
	}

	m.mu.Lock()
	m.authzs[id] = cloneAuthz(working)
	m.mu.Unlock()
	return nil
}

func (m *Memory) ChallengeByID(ctx context.Context, id string) (*acme.Challenge, *acme.Authorization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	authzID, ok := m.authzByChal[id]
	if !ok {
		return nil, nil, acme.ErrNotFound
	}
	authz := cloneAuthz(m.authzs[authzID])
	for _, c := range authz.Challenges {
		if c.ID == id {
			return c, authz, nil
		}
	}
	return nil, nil, acme.ErrNotFound
}

func (m *Memory) AddRevoked(ctx context.Context, revoked acme.RevokedCertificate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[revoked.ProvisionerName] = append(m.revoked[revoked.ProvisionerName], revoked)
	return nil
}

func (m *Memory) RevokedFor(ctx context.Context, provisionerName string) ([]acme.RevokedCertificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]acme.RevokedCertificate(nil), m.revoked[provisionerName]...), nil
}
