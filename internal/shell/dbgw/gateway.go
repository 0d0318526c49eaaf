// Package dbgw is the database gateway. It compiles table names, column
// definitions and filter conditions into Postgres statements, provisions
// tenant schemas with their own roles and keeps one connection pool per role.
//
// Identifiers are always quoted with pq.QuoteIdentifier and values are always
// bound as $n parameters; no caller-supplied name is concatenated verbatim.
package dbgw

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/typekcz/loradataserver/internal/core/query"
)

// Gateway is the storage contract used by the DAOs, the view engine and the
// ingestor.
type Gateway interface {
	Query(ctx context.Context, table query.TableName, params query.Params) (*query.Result, error)
	// QueryAsTenant is Query on the pool of the role owning table's schema.
	QueryAsTenant(ctx context.Context, table query.TableName, params query.Params) (*query.Result, error)
	Insert(ctx context.Context, table query.TableName, data map[string]any) error
	Update(ctx context.Context, table query.TableName, data map[string]any, keys []string) (bool, error)
	Upsert(ctx context.Context, table query.TableName, data map[string]any, keys []string) error
	Delete(ctx context.Context, table query.TableName, conds query.Conditions) error

	QueryTables(ctx context.Context, schema string) ([]string, error)
	CreateTable(ctx context.Context, table query.TableName, columns []query.Column, useTenantRole bool) error
	CreateForeignKeyConstraint(ctx context.Context, child query.TableName, childCols []string, parent query.TableName, parentCols []string, cascadeUpdate, cascadeDelete bool) error
	DropTable(ctx context.Context, table query.TableName) error

	SchemaExists(ctx context.Context, schema string) (bool, error)
	CreateSchema(ctx context.Context, schema string) error
	CreateSchemaAndRoles(ctx context.Context, schema string) error
	SafeQueryOnSchema(ctx context.Context, schema, sqlText string, params ...any) (*query.Result, error)

	// WithTx runs fn against a gateway whose administrative statements share
	// one transaction. Tenant-role statements are not part of it.
	WithTx(ctx context.Context, fn func(Gateway) error) error
	Close() error
}

// Config configures a Postgres gateway.
type Config struct {
	// DSN is a postgres:// URL for the administrative role.
	DSN string

	MaxOpenConns       int
	TenantMaxOpenConns int

	// RoleSecret derives tenant role passwords. Empty means tenant roles use
	// the administrative password.
	RoleSecret string
}

// Postgres implements Gateway on lib/pq.
type Postgres struct {
	admin   *sqlx.DB
	exec    sqlx.ExtContext
	tx      *sqlx.Tx
	tenants *tenantPools
	logger  *slog.Logger
}

var _ Gateway = (*Postgres)(nil)

// Open connects the administrative pool and checks it is reachable. Tenant
// pools are opened lazily.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}

	tenants, err := newTenantPools(cfg.DSN, cfg.RoleSecret, cfg.TenantMaxOpenConns)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Postgres{
		admin:   db,
		exec:    db,
		tenants: tenants,
		logger:  logger.With("component", "dbgw"),
	}, nil
}

// AdminUser is the administrative role name.
func (g *Postgres) AdminUser() string {
	return g.tenants.adminUser
}

// Ping checks the administrative pool.
func (g *Postgres) Ping(ctx context.Context) error {
	return g.admin.PingContext(ctx)
}

// Close closes every pool. Closing a transactional gateway is a no-op.
func (g *Postgres) Close() error {
	if g.tx != nil {
		return nil
	}
	return errors.Join(g.tenants.closeAll(), g.admin.Close())
}

// =============================================================================
// DML
// =============================================================================

// Query selects rows. With a limit or offset the total count comes from a
// window over the same statement. The window is empty when the offset is
// past the last row; the total then comes from a second COUNT(*) statement.
// A limit of 0 returns no rows but still the total count and the column
// metadata.
func (g *Postgres) Query(ctx context.Context, table query.TableName, params query.Params) (*query.Result, error) {
	return g.query(ctx, "Query", g.exec, table, params)
}

// QueryAsTenant runs a structured select as the tenant role of the table's
// schema, so reads of tenant data are bound by that role's privileges.
func (g *Postgres) QueryAsTenant(ctx context.Context, table query.TableName, params query.Params) (*query.Result, error) {
	if table.Schema == "" {
		return nil, execError("QueryAsTenant", table.String(), errors.New("table has no tenant schema"))
	}
	db, err := g.tenants.get(table.Schema)
	if err != nil {
		return nil, execError("QueryAsTenant", table.String(), err)
	}
	return g.query(ctx, "QueryAsTenant", db, table, params)
}

func (g *Postgres) query(ctx context.Context, op string, exec sqlx.ExtContext, table query.TableName, params query.Params) (*query.Result, error) {
	stmt, err := selectStatement(table, params)
	if err != nil {
		return nil, err
	}

	rows, err := g.queryx(ctx, exec, stmt)
	if err != nil {
		return nil, execError(op, table.String(), err)
	}
	res, total, err := readResult(rows)
	if err != nil {
		return nil, execError(op, table.String(), err)
	}

	switch {
	case !params.Paginated():
		res.TotalCount = int64(len(res.Rows))
	case total >= 0:
		res.TotalCount = total
	case params.Offset != nil && *params.Offset > 0:
		res.TotalCount, err = g.count(ctx, op, exec, table, params.Conditions)
		if err != nil {
			return nil, err
		}
	}

	if params.Limit != nil && *params.Limit == 0 {
		res.Rows = []map[string]any{}
	}
	return res, nil
}

func (g *Postgres) count(ctx context.Context, op string, exec sqlx.ExtContext, table query.TableName, conds query.Conditions) (int64, error) {
	stmt, err := countStatement(table, conds)
	if err != nil {
		return 0, err
	}
	var n int64
	g.logger.Debug("executing statement", "sql", stmt.String())
	if err := exec.QueryRowxContext(ctx, stmt.String(), stmt.args...).Scan(&n); err != nil {
		return 0, execError(op, table.String(), err)
	}
	return n, nil
}

// Insert adds one row.
func (g *Postgres) Insert(ctx context.Context, table query.TableName, data map[string]any) error {
	stmt, err := insertStatement(table, data)
	if err != nil {
		return err
	}
	_, err = g.execStmt(ctx, g.exec, stmt)
	return execError("Insert", table.String(), err)
}

// Update writes the non-key fields of data to the row identified by its key
// fields and reports whether any row changed.
func (g *Postgres) Update(ctx context.Context, table query.TableName, data map[string]any, keys []string) (bool, error) {
	stmt, err := updateStatement(table, data, keys)
	if err != nil {
		return false, err
	}
	res, err := g.execStmt(ctx, g.exec, stmt)
	if err != nil {
		return false, execError("Update", table.String(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, execError("Update", table.String(), err)
	}
	return n > 0, nil
}

// Upsert inserts data or overwrites the row with the same key fields.
func (g *Postgres) Upsert(ctx context.Context, table query.TableName, data map[string]any, keys []string) error {
	stmt, err := upsertStatement(table, data, keys)
	if err != nil {
		return err
	}
	_, err = g.execStmt(ctx, g.exec, stmt)
	return execError("Upsert", table.String(), err)
}

// Delete removes the rows matching conds. Empty conds delete every row.
func (g *Postgres) Delete(ctx context.Context, table query.TableName, conds query.Conditions) error {
	stmt, err := deleteStatement(table, conds)
	if err != nil {
		return err
	}
	_, err = g.execStmt(ctx, g.exec, stmt)
	return execError("Delete", table.String(), err)
}

// =============================================================================
// DDL
// =============================================================================

// QueryTables lists the base tables of a schema ("public" when empty).
func (g *Postgres) QueryTables(ctx context.Context, schema string) ([]string, error) {
	if schema == "" {
		schema = "public"
	}
	var names []string
	err := sqlx.SelectContext(ctx, g.exec, &names,
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		 ORDER BY table_name`, schema)
	if err != nil {
		return nil, execError("QueryTables", schema, err)
	}
	return names, nil
}

// CreateTable creates a table with a primary key over the key columns. With
// useTenantRole the statement runs as the schema's tenant role, which then
// owns the table.
func (g *Postgres) CreateTable(ctx context.Context, table query.TableName, columns []query.Column, useTenantRole bool) error {
	stmt, err := createTableStatement(table, columns)
	if err != nil {
		return err
	}
	var exec sqlx.ExtContext = g.exec
	if useTenantRole && table.Schema != "" {
		db, err := g.tenants.get(table.Schema)
		if err != nil {
			return execError("CreateTable", table.String(), err)
		}
		exec = db
	}
	_, err = g.execStmt(ctx, exec, stmt)
	return execError("CreateTable", table.String(), err)
}

// CreateForeignKeyConstraint adds a foreign key named fk_<child>_<parent>.
func (g *Postgres) CreateForeignKeyConstraint(ctx context.Context, child query.TableName, childCols []string, parent query.TableName, parentCols []string, cascadeUpdate, cascadeDelete bool) error {
	stmt, err := foreignKeyStatement(child, childCols, parent, parentCols, cascadeUpdate, cascadeDelete)
	if err != nil {
		return err
	}
	_, err = g.execStmt(ctx, g.exec, stmt)
	return execError("CreateForeignKeyConstraint", child.String(), err)
}

// DropTable drops a table.
func (g *Postgres) DropTable(ctx context.Context, table query.TableName) error {
	stmt := &statement{}
	stmt.write("DROP TABLE ", tableIdent(table))
	_, err := g.execStmt(ctx, g.exec, stmt)
	return execError("DropTable", table.String(), err)
}

// =============================================================================
// Schemas and Roles
// =============================================================================

// SchemaExists reports whether a schema exists.
func (g *Postgres) SchemaExists(ctx context.Context, schema string) (bool, error) {
	var exists bool
	err := g.exec.QueryRowxContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_catalog.pg_namespace WHERE nspname = $1)`, schema).Scan(&exists)
	if err != nil {
		return false, execError("SchemaExists", schema, err)
	}
	return exists, nil
}

// CreateSchema creates a schema owned by the administrative role.
func (g *Postgres) CreateSchema(ctx context.Context, schema string) error {
	stmt := &statement{}
	stmt.write("CREATE SCHEMA ", ident(schema), " AUTHORIZATION ", ident(g.AdminUser()))
	_, err := g.execStmt(ctx, g.exec, stmt)
	return execError("CreateSchema", schema, err)
}

// CreateSchemaAndRoles creates the tenant role, makes the administrative
// role a member of it and creates the schema owned by it, in one
// transaction.
func (g *Postgres) CreateSchemaAndRoles(ctx context.Context, schema string) error {
	role := RoleName(g.AdminUser(), schema)
	password, err := g.tenants.password(role)
	if err != nil {
		return err
	}

	// Utility statements take no bind parameters; the password is quoted as
	// a literal instead.
	stmts := []string{
		"CREATE ROLE " + ident(role) + " WITH LOGIN PASSWORD " + pq.QuoteLiteral(password),
		"GRANT " + ident(role) + " TO " + ident(g.AdminUser()),
		"CREATE SCHEMA " + ident(schema) + " AUTHORIZATION " + ident(role),
	}
	err = g.WithTx(ctx, func(gw Gateway) error {
		tx := gw.(*Postgres)
		for _, s := range stmts {
			if _, err := tx.exec.ExecContext(ctx, s); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return execError("CreateSchemaAndRoles", schema, err)
	}
	g.logger.Info("tenant schema provisioned", "schema", schema, "role", role)
	return nil
}

// SafeQueryOnSchema runs tenant SQL on the tenant role's pool with the
// search path set to the schema. Access to anything else is refused by the
// database's privileges.
func (g *Postgres) SafeQueryOnSchema(ctx context.Context, schema, sqlText string, params ...any) (*query.Result, error) {
	db, err := g.tenants.get(schema)
	if err != nil {
		return nil, execError("SafeQueryOnSchema", schema, err)
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, execError("SafeQueryOnSchema", schema, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "SET LOCAL search_path TO "+ident(schema)); err != nil {
		return nil, execError("SafeQueryOnSchema", schema, err)
	}
	g.logger.Debug("executing tenant statement", "schema", schema, "sql", sqlText)
	rows, err := tx.QueryxContext(ctx, sqlText, params...)
	if err != nil {
		return nil, execError("SafeQueryOnSchema", schema, err)
	}
	res, _, err := readResult(rows)
	if err != nil {
		return nil, execError("SafeQueryOnSchema", schema, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, execError("SafeQueryOnSchema", schema, err)
	}
	res.TotalCount = int64(len(res.Rows))
	return res, nil
}

// =============================================================================
// Transactions
// =============================================================================

// WithTx executes fn within a transaction on the administrative pool.
// Nested calls join the outer transaction.
func (g *Postgres) WithTx(ctx context.Context, fn func(Gateway) error) error {
	if g.tx != nil {
		return fn(g)
	}
	tx, err := g.admin.BeginTxx(ctx, nil)
	if err != nil {
		return execError("WithTx", "", err)
	}
	child := &Postgres{
		admin:   g.admin,
		exec:    tx,
		tx:      tx,
		tenants: g.tenants,
		logger:  g.logger,
	}
	if err := fn(child); err != nil {
		tx.Rollback()
		return err
	}
	return execError("WithTx", "", tx.Commit())
}

// =============================================================================
// Helpers
// =============================================================================

func (g *Postgres) execStmt(ctx context.Context, exec sqlx.ExtContext, stmt *statement) (sql.Result, error) {
	g.logger.Debug("executing statement", "sql", stmt.String())
	return exec.ExecContext(ctx, stmt.String(), stmt.args...)
}

func (g *Postgres) queryx(ctx context.Context, exec sqlx.ExtContext, stmt *statement) (*sqlx.Rows, error) {
	g.logger.Debug("executing statement", "sql", stmt.String())
	return exec.QueryxContext(ctx, stmt.String(), stmt.args...)
}

// readResult drains rows into a Result. The window count column is removed
// from rows and metadata; total is -1 when it was absent or no row came back.
func readResult(rows *sqlx.Rows) (*query.Result, int64, error) {
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, -1, err
	}
	res := &query.Result{Rows: []map[string]any{}}
	for _, ct := range types {
		if ct.Name() == totalCountColumn {
			continue
		}
		res.Columns = append(res.Columns, query.ColumnMeta{
			Name: ct.Name(),
			Type: basicTypeOf(ct.DatabaseTypeName()),
		})
	}

	total := int64(-1)
	for rows.Next() {
		row := make(map[string]any, len(types))
		if err := rows.MapScan(row); err != nil {
			return nil, -1, err
		}
		if v, ok := row[totalCountColumn]; ok {
			if n, ok := v.(int64); ok {
				total = n
			}
			delete(row, totalCountColumn)
		}
		res.Rows = append(res.Rows, row)
	}
	return res, total, rows.Err()
}
