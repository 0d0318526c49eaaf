package dbgw

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/typekcz/loradataserver/internal/core/domain"
	"github.com/typekcz/loradataserver/internal/core/query"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Tables of the main schema.
var (
	DeviceTable      = query.Table(domain.MainSchema, "device")
	ViewTable        = query.Table(domain.MainSchema, "view")
	ViewParamTable   = query.Table(domain.MainSchema, "viewParam")
	DeviceStatsTable = query.Table(domain.MainSchema, "deviceStats")
)

type tableDef struct {
	table   query.TableName
	columns []query.Column
}

var mainTables = []tableDef{
	{DeviceTable, []query.Column{
		{Name: "devEUI", Type: query.TypeBinary, Key: true, NotNull: true},
		{Name: "applicationID", Type: query.TypeInteger, Length: query.Len(8), NotNull: true},
		{Name: "receiveFunction", Type: query.TypeString, Length: query.Len(query.Unbounded)},
		{Name: "dataset", Type: query.TypeString, Length: query.Len(100)},
		{Name: "latitude", Type: query.TypeFloat},
		{Name: "longitude", Type: query.TypeFloat},
	}},
	{ViewTable, []query.Column{
		{Name: "applicationID", Type: query.TypeInteger, Length: query.Len(8), Key: true, NotNull: true},
		{Name: "name", Type: query.TypeString, Length: query.Len(100), Key: true, NotNull: true},
		{Name: "public", Type: query.TypeBoolean},
		{Name: "dataset", Type: query.TypeString, Length: query.Len(100)},
		{Name: "query", Type: query.TypeString, Length: query.Len(query.Unbounded)},
		{Name: "visualizer", Type: query.TypeString, Length: query.Len(query.Unbounded), NotNull: true},
		{Name: "defaultOptions", Type: query.TypeString, Length: query.Len(query.Unbounded)},
	}},
	{ViewParamTable, []query.Column{
		{Name: "applicationID", Type: query.TypeInteger, Length: query.Len(8), Key: true, NotNull: true},
		{Name: "viewName", Type: query.TypeString, Length: query.Len(100), Key: true, NotNull: true},
		{Name: "index", Type: query.TypeInteger, Length: query.Len(4), Key: true, NotNull: true},
		{Name: "type", Type: query.TypeString, Length: query.Len(10), NotNull: true},
		{Name: "description", Type: query.TypeString, Length: query.Len(100), NotNull: true},
	}},
	{DeviceStatsTable, []query.Column{
		{Name: "devEUI", Type: query.TypeBinary, Key: true, NotNull: true},
		{Name: "time", Type: query.TypeDate, Key: true, NotNull: true},
		{Name: "rxReceived", Type: query.TypeInteger},
		{Name: "txEmitted", Type: query.TypeInteger},
		{Name: "errors", Type: query.TypeInteger},
		{Name: "acks", Type: query.TypeInteger},
	}},
}

// InitMainSchema creates the main schema, its tables and foreign keys when
// the schema does not exist yet. It reports whether anything was created.
func InitMainSchema(ctx context.Context, gw Gateway) (bool, error) {
	exists, err := gw.SchemaExists(ctx, domain.MainSchema)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	err = gw.WithTx(ctx, func(tx Gateway) error {
		if err := tx.CreateSchema(ctx, domain.MainSchema); err != nil {
			return err
		}
		for _, def := range mainTables {
			if err := tx.CreateTable(ctx, def.table, def.columns, false); err != nil {
				return err
			}
		}
		if err := tx.CreateForeignKeyConstraint(ctx,
			ViewParamTable, []string{"applicationID", "viewName"},
			ViewTable, []string{"applicationID", "name"},
			true, true); err != nil {
			return err
		}
		return tx.CreateForeignKeyConstraint(ctx,
			DeviceStatsTable, []string{"devEUI"},
			DeviceTable, []string{"devEUI"},
			true, true)
	})
	if err != nil {
		return false, fmt.Errorf("initialize main schema: %w", err)
	}
	return true, nil
}

// Bootstrap prepares the main schema and applies the embedded migrations.
func (g *Postgres) Bootstrap(ctx context.Context) error {
	created, err := InitMainSchema(ctx, g)
	if err != nil {
		return err
	}
	if created {
		g.logger.Info("main schema created")
	}
	return g.migrate()
}

func (g *Postgres) migrate() error {
	// A dedicated handle, since closing the migrator closes its database.
	db, err := sql.Open("postgres", g.tenants.base.String())
	if err != nil {
		return fmt.Errorf("open migration database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{
		SchemaName:      domain.MainSchema,
		MigrationsTable: "schema_migrations",
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		driver.Close()
		return fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		driver.Close()
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()
	m.Log = migrationLogger{logger: g.logger}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}

	version, _, err := m.Version()
	if err == nil {
		g.logger.Debug("migrations applied", "version", version)
	}
	return nil
}

// migrationLogger adapts slog to the migrate.Logger interface.
type migrationLogger struct {
	logger *slog.Logger
}

func (l migrationLogger) Printf(format string, v ...any) {
	l.logger.Debug(fmt.Sprintf(format, v...))
}

func (l migrationLogger) Verbose() bool {
	return false
}
