package store

import (
	"context"
	"strings"

	"github.com/typekcz/loradataserver/internal/core/auth"
	"github.com/typekcz/loradataserver/internal/core/domain"
	"github.com/typekcz/loradataserver/internal/core/query"
	"github.com/typekcz/loradataserver/internal/shell/dbgw"
)

// Datasets manages tenant tables in the application schemas. Writes
// provision the schema on first use.
type Datasets struct {
	gw      dbgw.Gateway
	authz   auth.Authorizer
	tenants *tenants
}

// Create creates a dataset owned by the application's tenant role.
func (s *Datasets) Create(ctx context.Context, cred auth.Credential, applicationID int64, name string, columns []query.Column) error {
	if err := validName("CreateDataset", name); err != nil {
		return err
	}
	if err := s.authz.CheckApp(ctx, cred, applicationID, auth.Write); err != nil {
		return err
	}
	schema, err := s.tenants.ensure(ctx, applicationID)
	if err != nil {
		return err
	}
	return s.gw.CreateTable(ctx, query.Table(schema, name), columns, true)
}

// Query runs raw SQL as the application's tenant role.
func (s *Datasets) Query(ctx context.Context, cred auth.Credential, applicationID int64, sqlText string, params ...any) (*query.Result, error) {
	if err := s.authz.CheckApp(ctx, cred, applicationID, auth.Write); err != nil {
		return nil, err
	}
	schema, err := s.tenants.ensure(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	return s.gw.SafeQueryOnSchema(ctx, schema, sqlText, params...)
}

// List returns the dataset names of an application.
func (s *Datasets) List(ctx context.Context, cred auth.Credential, applicationID int64) ([]string, error) {
	if err := s.authz.CheckApp(ctx, cred, applicationID, auth.Read); err != nil {
		return nil, err
	}
	return s.gw.QueryTables(ctx, domain.TenantSchema(applicationID))
}

// Select reads rows of a dataset.
func (s *Datasets) Select(ctx context.Context, cred auth.Credential, applicationID int64, name string, params query.Params) (*query.Result, error) {
	if err := validName("SelectDataset", name); err != nil {
		return nil, err
	}
	if err := s.authz.CheckApp(ctx, cred, applicationID, auth.Read); err != nil {
		return nil, err
	}
	return s.gw.QueryAsTenant(ctx, query.Table(domain.TenantSchema(applicationID), name), params)
}

// Insert adds one row to a dataset.
func (s *Datasets) Insert(ctx context.Context, cred auth.Credential, applicationID int64, name string, row map[string]any) error {
	if err := validName("InsertDataset", name); err != nil {
		return err
	}
	if err := s.authz.CheckApp(ctx, cred, applicationID, auth.Write); err != nil {
		return err
	}
	return s.gw.Insert(ctx, query.Table(domain.TenantSchema(applicationID), name), row)
}

// Drop removes a dataset.
func (s *Datasets) Drop(ctx context.Context, cred auth.Credential, applicationID int64, name string) error {
	if err := validName("DropDataset", name); err != nil {
		return err
	}
	if err := s.authz.CheckApp(ctx, cred, applicationID, auth.Write); err != nil {
		return err
	}
	return s.gw.DropTable(ctx, query.Table(domain.TenantSchema(applicationID), name))
}

func validName(op, name string) error {
	if strings.TrimSpace(name) == "" {
		return NewStoreError(op, "dataset", "", "name is required", domain.ErrValidation)
	}
	return nil
}
