package dbgw

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/typekcz/loradataserver/internal/core/domain"
	"github.com/typekcz/loradataserver/internal/core/query"
)

// recordingGateway records DDL calls made through the Gateway interface.
type recordingGateway struct {
	Gateway // nil; unexpected calls panic

	schemaExists bool
	failTable    string

	schemas     []string
	tables      []query.TableName
	foreignKeys []query.TableName
	txCalls     int
}

func (g *recordingGateway) SchemaExists(ctx context.Context, schema string) (bool, error) {
	return g.schemaExists, nil
}

func (g *recordingGateway) CreateSchema(ctx context.Context, schema string) error {
	g.schemas = append(g.schemas, schema)
	return nil
}

func (g *recordingGateway) CreateTable(ctx context.Context, table query.TableName, columns []query.Column, useTenantRole bool) error {
	if table.Name == g.failTable {
		return errors.New("boom")
	}
	g.tables = append(g.tables, table)
	return nil
}

func (g *recordingGateway) CreateForeignKeyConstraint(ctx context.Context, child query.TableName, childCols []string, parent query.TableName, parentCols []string, cascadeUpdate, cascadeDelete bool) error {
	g.foreignKeys = append(g.foreignKeys, child)
	return nil
}

func (g *recordingGateway) WithTx(ctx context.Context, fn func(Gateway) error) error {
	g.txCalls++
	return fn(g)
}

func TestInitMainSchema_CreatesLayout(t *testing.T) {
	gw := &recordingGateway{}

	created, err := InitMainSchema(context.Background(), gw)
	require.NoError(t, err)

	assert.True(t, created)
	assert.Equal(t, 1, gw.txCalls)
	assert.Equal(t, []string{domain.MainSchema}, gw.schemas)
	assert.Equal(t, []query.TableName{DeviceTable, ViewTable, ViewParamTable, DeviceStatsTable}, gw.tables)
	assert.Equal(t, []query.TableName{ViewParamTable, DeviceStatsTable}, gw.foreignKeys)
}

func TestInitMainSchema_ExistingSchema(t *testing.T) {
	gw := &recordingGateway{schemaExists: true}

	created, err := InitMainSchema(context.Background(), gw)
	require.NoError(t, err)

	assert.False(t, created)
	assert.Empty(t, gw.tables)
}

func TestInitMainSchema_Failure(t *testing.T) {
	gw := &recordingGateway{failTable: "view"}

	_, err := InitMainSchema(context.Background(), gw)
	require.Error(t, err)
	assert.Empty(t, gw.foreignKeys)
}

func TestMainTables_ColumnTypesResolve(t *testing.T) {
	for _, def := range mainTables {
		_, err := createTableStatement(def.table, def.columns)
		assert.NoError(t, err, def.table.String())
	}
}
