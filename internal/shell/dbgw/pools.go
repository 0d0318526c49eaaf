package dbgw

import (
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/typekcz/loradataserver/internal/core/crypto"
	"github.com/typekcz/loradataserver/internal/core/domain"
)

// RoleName is the database role owning a tenant schema.
func RoleName(adminUser, schema string) string {
	return adminUser + "_" + schema
}

// tenantPools holds one connection pool per tenant role. Pools are opened on
// first use and kept until closeAll.
type tenantPools struct {
	base          *url.URL
	adminUser     string
	adminPassword string
	secret        string
	maxOpen       int

	mu    sync.Mutex
	pools map[string]*sqlx.DB
}

func newTenantPools(dsn, secret string, maxOpen int) (*tenantPools, error) {
	u, err := url.Parse(dsn)
	if err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
		return nil, fmt.Errorf("%w: database dsn must be a postgres:// URL", domain.ErrConfiguration)
	}
	if u.User == nil || u.User.Username() == "" {
		return nil, fmt.Errorf("%w: database dsn has no user", domain.ErrConfiguration)
	}
	password, _ := u.User.Password()
	return &tenantPools{
		base:          u,
		adminUser:     u.User.Username(),
		adminPassword: password,
		secret:        secret,
		maxOpen:       maxOpen,
		pools:         make(map[string]*sqlx.DB),
	}, nil
}

// password returns the password of a tenant role. Without a role secret,
// tenant roles share the administrative password.
func (p *tenantPools) password(role string) (string, error) {
	if p.secret == "" {
		return p.adminPassword, nil
	}
	return crypto.RolePassword(p.secret, role)
}

// dsn returns the admin DSN with the credentials replaced by the tenant role.
func (p *tenantPools) dsn(schema string) (string, error) {
	role := RoleName(p.adminUser, schema)
	password, err := p.password(role)
	if err != nil {
		return "", err
	}
	u := *p.base
	u.User = url.UserPassword(role, password)
	return u.String(), nil
}

func (p *tenantPools) get(schema string) (*sqlx.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if db, ok := p.pools[schema]; ok {
		return db, nil
	}
	dsn, err := p.dsn(schema)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if p.maxOpen > 0 {
		db.SetMaxOpenConns(p.maxOpen)
		db.SetMaxIdleConns(p.maxOpen)
	}
	p.pools[schema] = db
	return db, nil
}

func (p *tenantPools) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pools)
}

func (p *tenantPools) closeAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for schema, db := range p.pools {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pool %s: %w", schema, err))
		}
		delete(p.pools, schema)
	}
	return errors.Join(errs...)
}
