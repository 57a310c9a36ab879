package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/certkiln/certkiln/acme"
)

// Postgres persists ACME state in a relational schema. Mutate operations run
// the callback inside a transaction holding SELECT ... FOR UPDATE on the row,
// which serializes status transitions across replicas.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("error in sql.Open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(time.Minute)
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

// Migrate creates the schema if it does not exist yet.
func (p *Postgres) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			thumbprint TEXT NOT NULL UNIQUE,
			doc JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			cert_serial TEXT,
			doc JSONB NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS orders_cert_serial ON orders (cert_serial) WHERE cert_serial <> ''`,
		`CREATE TABLE IF NOT EXISTS authorizations (
			id TEXT PRIMARY KEY,
			doc JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS challenge_index (
			challenge_id TEXT PRIMARY KEY,
			authz_id TEXT NOT NULL REFERENCES authorizations (id)
		)`,
		`CREATE TABLE IF NOT EXISTS revoked_certificates (
			serial TEXT PRIMARY KEY,
			provisioner TEXT NOT NULL,
			revoked_at TIMESTAMPTZ NOT NULL,
			reason INT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS revoked_by_provisioner ON revoked_certificates (provisioner)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("error in migration exec: %w", err)
		}
	}
	return nil
}

func (p *Postgres) CreateAccount(ctx context.Context, account *acme.Account) error {
	doc, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("error in json.Marshal: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO accounts (id, thumbprint, doc) VALUES ($1, $2, $3)`, account.ID, account.Thumbprint, doc)
	if err != nil {
		return fmt.Errorf("error in insert account: %w", err)
	}
	return nil
}

func (p *Postgres) AccountByID(ctx context.Context, id string) (*acme.Account, error) {
	return scanDoc[acme.Account](p.db.QueryRowContext(ctx, `SELECT doc FROM accounts WHERE id = $1`, id))
}

func (p *Postgres) AccountByThumbprint(ctx context.Context, thumbprint string) (*acme.Account, error) {
	return scanDoc[acme.Account](p.db.QueryRowContext(ctx, `SELECT doc FROM accounts WHERE thumbprint = $1`, thumbprint))
}

func (p *Postgres) MutateAccount(ctx context.Context, id string, fn func(*acme.Account) error) error {
	return mutateDoc(ctx, p.db, "accounts", id, fn, func(tx *sql.Tx, account *acme.Account, doc []byte) error {
		_, err := tx.ExecContext(ctx, `UPDATE accounts SET doc = $2 WHERE id = $1`, id, doc)
		return err
	})
}

func (p *Postgres) CreateOrder(ctx context.Context, order *acme.Order) error {
	doc, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("error in json.Marshal: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO orders (id, cert_serial, doc) VALUES ($1, $2, $3)`, order.ID, order.CertificateSerial, doc)
	if err != nil {
		return fmt.Errorf("error in insert order: %w", err)
	}
	return nil
}

func (p *Postgres) OrderByID(ctx context.Context, id string) (*acme.Order, error) {
	return scanDoc[acme.Order](p.db.QueryRowContext(ctx, `SELECT doc FROM orders WHERE id = $1`, id))
}

func (p *Postgres) OrderBySerial(ctx context.Context, serial string) (*acme.Order, error) {
	return scanDoc[acme.Order](p.db.QueryRowContext(ctx, `SELECT doc FROM orders WHERE cert_serial = $1`, serial))
}

func (p *Postgres) MutateOrder(ctx context.Context, id string, fn func(*acme.Order) error) error {
	return mutateDoc(ctx, p.db, "orders", id, fn, func(tx *sql.Tx, order *acme.Order, doc []byte) error {
		_, err := tx.ExecContext(ctx, `UPDATE orders SET doc = $2, cert_serial = $3 WHERE id = $1`, id, doc, order.CertificateSerial)
		return err
	})
}

func (p *Postgres) CreateAuthorization(ctx context.Context, authz *acme.Authorization) error {
	doc, err := json.Marshal(authz)
	if err != nil {
		return fmt.Errorf("error in json.Marshal: %w", err)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error in BeginTx: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO authorizations (id, doc) VALUES ($1, $2)`, authz.ID, doc); err != nil {
		return fmt.Errorf("error in insert authorization: %w", err)
	}
	for _, c := range authz.Challenges {
		if _, err := tx.ExecContext(ctx, `INSERT INTO challenge_index (challenge_id, authz_id) VALUES ($1, $2)`, c.ID, authz.ID); err != nil {
			return fmt.Errorf("error in insert challenge index: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error in Commit: %w", err)
	}
	return nil
}

func (p *Postgres) AuthorizationByID(ctx context.Context, id string) (*acme.Authorization, error) {
	return scanDoc[acme.Authorization](p.db.QueryRowContext(ctx, `SELECT doc FROM authorizations WHERE id = $1`, id))
}

func (p *Postgres) MutateAuthorization(ctx context.Context, id string, fn func(*acme.Authorization) error) error {
	return mutateDoc(ctx, p.db, "authorizations", id, fn, func(tx *sql.Tx, authz *acme.Authorization, doc []byte) error {
		_, err := tx.ExecContext(ctx, `UPDATE authorizations SET doc = $2 WHERE id = $1`, id, doc)
		return err
	})
}

func (p *Postgres) ChallengeByID(ctx context.Context, id string) (*acme.Challenge, *acme.Authorization, error) {
	var authzID string
	err := p.db.QueryRowContext(ctx, `SELECT authz_id FROM challenge_index WHERE challenge_id = $1`, id).Scan(&authzID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, acme.ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("error in select challenge index: %w", err)
	}
	authz, err := p.AuthorizationByID(ctx, authzID)
	if err != nil {
		return nil, nil, err
	}
	for _, c := range authz.Challenges {
		if c.ID == id {
			return c, authz, nil
		}
	}
	return nil, nil, acme.ErrNotFound
}

func (p *Postgres) AddRevoked(ctx context.Context, revoked acme.RevokedCertificate) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO revoked_certificates (serial, provisioner, revoked_at, reason) VALUES ($1, $2, $3, $4)`,
		revoked.Serial, revoked.ProvisionerName, revoked.RevokedAt, revoked.Reason)
	if err != nil {
		return fmt.Errorf("error in insert revoked: %w", err)
	}
	return nil
}

func (p *Postgres) RevokedFor(ctx context.Context, provisionerName string) ([]acme.RevokedCertificate, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT serial, provisioner, revoked_at, reason FROM revoked_certificates WHERE provisioner = $1 ORDER BY revoked_at`,
		provisionerName)
	if err != nil {
		return nil, fmt.Errorf("error in select revoked: %w", err)
	}
	defer rows.Close()

	var out []acme.RevokedCertificate
	for rows.Next() {
		var r acme.RevokedCertificate
		if err := rows.Scan(&r.Serial, &r.ProvisionerName, &r.RevokedAt, &r.Reason); err != nil {
			return nil, fmt.Errorf("error in rows.Scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error in rows.Err: %w", err)
	}
	return out, nil
}

func scanDoc[T any](row *sql.Row) (*T, error) {
	var doc []byte
	err := row.Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, acme.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error in row.Scan: %w", err)
	}
	var out T
	if err := json.Unmarshal(doc, &out); err != nil {
		return nil, fmt.Errorf("error in json.Unmarshal: %w", err)
	}
	return &out, nil
}

func mutateDoc[T any](ctx context.Context, db *sql.DB, table, id string, fn func(*T) error, write func(*sql.Tx, *T, []byte) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error in BeginTx: %w", err)
	}
	defer tx.Rollback()

	var doc []byte
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1 FOR UPDATE`, table), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return acme.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("error in select for update: %w", err)
	}

	var entity T
	if err := json.Unmarshal(doc, &entity); err != nil {
		return fmt.Errorf("error in json.Unmarshal: %w", err)
	}
	if err := fn(&entity); err != nil {
		return err
	}

	updated, err := json.Marshal(&entity)
	if err != nil {
		return fmt.Errorf("error in json.Marshal: %w", err)
	}
	if err := write(tx, &entity, updated); err != nil {
		return fmt.Errorf("error in update %s: %w", table, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error in Commit: %w", err)
	}
	return nil
}
