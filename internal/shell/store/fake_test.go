package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/typekcz/loradataserver/internal/core/auth"
	"github.com/typekcz/loradataserver/internal/core/query"
	"github.com/typekcz/loradataserver/internal/shell/dbgw"
)

// =============================================================================
// In-memory Gateway
// =============================================================================

type rawCall struct {
	schema string
	sql    string
	params []any
}

// memGateway keeps tables as row slices and evaluates the condition language
// in Go. WithTx snapshots all tables and restores them on error.
type memGateway struct {
	mu sync.Mutex

	tables        map[string][]map[string]any
	schemas       map[string]bool
	provisioned   int
	rawCalls      []rawCall
	rawResult     *query.Result
	tenantReads   []string
	failInsertsOn string
	existsDelay   time.Duration
}

var _ dbgw.Gateway = (*memGateway)(nil)

func newMemGateway() *memGateway {
	return &memGateway{
		tables:  map[string][]map[string]any{},
		schemas: map[string]bool{},
	}
}

func (g *memGateway) rows(t query.TableName) []map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tables[t.String()]
}

func (g *memGateway) Query(ctx context.Context, table query.TableName, p query.Params) (*query.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var matched []map[string]any
	for _, row := range g.tables[table.String()] {
		ok, err := matches(row, p.Conditions)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, row)
		}
	}
	res := &query.Result{Rows: []map[string]any{}, TotalCount: int64(len(matched))}

	if p.Offset != nil {
		if *p.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[*p.Offset:]
		}
	}
	if p.Limit != nil && *p.Limit < len(matched) {
		matched = matched[:*p.Limit]
	}
	for _, row := range matched {
		out := map[string]any{}
		for k, v := range row {
			if len(p.Select) == 0 || contains(p.Select, k) {
				out[k] = v
			}
		}
		res.Rows = append(res.Rows, out)
	}
	return res, nil
}

func (g *memGateway) Insert(ctx context.Context, table query.TableName, data map[string]any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failInsertsOn == table.Name {
		return &dbgw.ExecutionError{Op: "Insert", Table: table.String(), Err: errors.New("insert failed")}
	}
	g.tables[table.String()] = append(g.tables[table.String()], copyRow(data))
	return nil
}

func (g *memGateway) Update(ctx context.Context, table query.TableName, data map[string]any, keys []string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	updated := false
	for _, row := range g.tables[table.String()] {
		if sameKeys(row, data, keys) {
			for k, v := range data {
				row[k] = v
			}
			updated = true
		}
	}
	return updated, nil
}

func (g *memGateway) Upsert(ctx context.Context, table query.TableName, data map[string]any, keys []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, row := range g.tables[table.String()] {
		if sameKeys(row, data, keys) {
			for k, v := range data {
				row[k] = v
			}
			return nil
		}
	}
	g.tables[table.String()] = append(g.tables[table.String()], copyRow(data))
	return nil
}

func (g *memGateway) Delete(ctx context.Context, table query.TableName, conds query.Conditions) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	var kept []map[string]any
	for _, row := range g.tables[table.String()] {
		ok, err := matches(row, conds)
		if err != nil {
			return err
		}
		if !ok {
			kept = append(kept, row)
		}
	}
	g.tables[table.String()] = kept
	return nil
}

func (g *memGateway) QueryAsTenant(ctx context.Context, table query.TableName, p query.Params) (*query.Result, error) {
	if table.Schema == "" {
		return nil, &dbgw.ExecutionError{Op: "QueryAsTenant", Err: fmt.Errorf("table %q has no tenant schema", table.Name)}
	}
	g.mu.Lock()
	g.tenantReads = append(g.tenantReads, table.String())
	g.mu.Unlock()
	return g.Query(ctx, table, p)
}

func (g *memGateway) tenantQueries() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.tenantReads...)
}

func (g *memGateway) QueryTables(ctx context.Context, schema string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var names []string
	for key := range g.tables {
		if name, ok := strings.CutPrefix(key, schema+"."); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (g *memGateway) CreateTable(ctx context.Context, table query.TableName, columns []query.Column, useTenantRole bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if table.Schema != "" && !g.schemas[table.Schema] {
		return &dbgw.ExecutionError{Op: "CreateTable", Err: fmt.Errorf("schema %q does not exist", table.Schema)}
	}
	g.tables[table.String()] = []map[string]any{}
	return nil
}

func (g *memGateway) CreateForeignKeyConstraint(ctx context.Context, child query.TableName, childCols []string, parent query.TableName, parentCols []string, cascadeUpdate, cascadeDelete bool) error {
	return nil
}

func (g *memGateway) DropTable(ctx context.Context, table query.TableName) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.tables, table.String())
	return nil
}

func (g *memGateway) SchemaExists(ctx context.Context, schema string) (bool, error) {
	if g.existsDelay > 0 {
		time.Sleep(g.existsDelay)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.schemas[schema], nil
}

func (g *memGateway) CreateSchema(ctx context.Context, schema string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.schemas[schema] = true
	return nil
}

func (g *memGateway) CreateSchemaAndRoles(ctx context.Context, schema string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.schemas[schema] {
		return &dbgw.ExecutionError{Op: "CreateSchemaAndRoles", Err: errors.New("schema already exists")}
	}
	g.schemas[schema] = true
	g.provisioned++
	return nil
}

func (g *memGateway) SafeQueryOnSchema(ctx context.Context, schema, sqlText string, params ...any) (*query.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rawCalls = append(g.rawCalls, rawCall{schema: schema, sql: sqlText, params: params})
	if g.rawResult != nil {
		return g.rawResult, nil
	}
	return &query.Result{Rows: []map[string]any{}}, nil
}

func (g *memGateway) WithTx(ctx context.Context, fn func(dbgw.Gateway) error) error {
	g.mu.Lock()
	snapshot := map[string][]map[string]any{}
	for k, rows := range g.tables {
		for _, r := range rows {
			snapshot[k] = append(snapshot[k], copyRow(r))
		}
	}
	g.mu.Unlock()

	if err := fn(g); err != nil {
		g.mu.Lock()
		g.tables = snapshot
		g.mu.Unlock()
		return err
	}
	return nil
}

func (g *memGateway) Close() error { return nil }

// =============================================================================
// Condition Evaluation
// =============================================================================

func matches(row map[string]any, conds query.Conditions) (bool, error) {
	for col, list := range conds {
		for _, c := range list {
			var op query.Operator
			var want any
			switch c := c.(type) {
			case query.Literal:
				op, want = query.OpEq, c.Value
			case query.Comparison:
				op, want = c.Op, c.Value
			default:
				return false, fmt.Errorf("unsupported condition %T", c)
			}
			if !compare(row[col], op, want) {
				return false, nil
			}
		}
	}
	return true, nil
}

func compare(got any, op query.Operator, want any) bool {
	var cmp int
	switch w := want.(type) {
	case []byte:
		cmp = bytes.Compare(asBytes(got), w)
	case time.Time:
		g, _ := got.(time.Time)
		cmp = g.Compare(w)
	case string:
		cmp = strings.Compare(fmt.Sprint(got), w)
	default:
		gf, gok := asFloat(got)
		wf, wok := asFloat(want)
		if !gok || !wok {
			return false
		}
		switch {
		case gf < wf:
			cmp = -1
		case gf > wf:
			cmp = 1
		}
	}
	switch op {
	case query.OpEq, "":
		return cmp == 0
	case query.OpNe:
		return cmp != 0
	case query.OpGt:
		return cmp > 0
	case query.OpGe:
		return cmp >= 0
	case query.OpLt:
		return cmp < 0
	case query.OpLe:
		return cmp <= 0
	}
	return false
}

func asBytes(v any) []byte {
	b, _ := v.([]byte)
	return b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func sameKeys(row, data map[string]any, keys []string) bool {
	for _, k := range keys {
		if !compare(row[k], query.OpEq, data[k]) {
			return false
		}
	}
	return true
}

func copyRow(r map[string]any) map[string]any {
	out := make(map[string]any, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// =============================================================================
// Authorizer
// =============================================================================

// fakeAuthz grants per-application levels to the "user" token.
type fakeAuthz struct {
	levels map[int64]auth.Permission
	checks int
}

func (a *fakeAuthz) CheckApp(ctx context.Context, cred auth.Credential, applicationID int64, min auth.Permission) error {
	a.checks++
	if cred.IsSystem() {
		return nil
	}
	if cred.Empty() {
		return auth.ErrUnauthorized
	}
	if a.levels[applicationID] < min {
		return auth.ErrForbidden
	}
	return nil
}

func (a *fakeAuthz) CheckOrg(ctx context.Context, cred auth.Credential, organizationID int64, min auth.Permission) error {
	return a.CheckApp(ctx, cred, organizationID, min)
}

var user = auth.Token("user")
