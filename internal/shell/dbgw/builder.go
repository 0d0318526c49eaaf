package dbgw

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/typekcz/loradataserver/internal/core/domain"
	"github.com/typekcz/loradataserver/internal/core/query"
)

// totalCountColumn carries the windowed row count in paginated selects.
const totalCountColumn = "__total_row_count__"

// statement is SQL text plus its positional values. Identifiers only ever
// reach the text through ident/tableIdent; values only through bind.
type statement struct {
	sb   strings.Builder
	args []any
}

func (s *statement) write(parts ...string) {
	for _, p := range parts {
		s.sb.WriteString(p)
	}
}

// bind appends a value and returns its placeholder.
func (s *statement) bind(v any) string {
	s.args = append(s.args, v)
	return "$" + strconv.Itoa(len(s.args))
}

func (s *statement) String() string {
	return s.sb.String()
}

func ident(name string) string {
	return pq.QuoteIdentifier(name)
}

func tableIdent(t query.TableName) string {
	if t.Schema == "" {
		return ident(t.Name)
	}
	return ident(t.Schema) + "." + ident(t.Name)
}

func identList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = ident(n)
	}
	return strings.Join(quoted, ", ")
}

// sortedKeys returns the keys of a row in a stable order.
func sortedKeys(data map[string]any) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// =============================================================================
// Conditions
// =============================================================================

// where compiles conditions into a WHERE clause. Every condition becomes
// "<ident> <op> <value>" and all of them are ANDed.
func (s *statement) where(conds query.Conditions) error {
	first := true
	for _, col := range conds.Columns() {
		for _, c := range conds[col] {
			op, value, err := compileCondition(c)
			if err != nil {
				return fmt.Errorf("column %s: %w", col, err)
			}
			if first {
				s.write(" WHERE ")
				first = false
			} else {
				s.write(" AND ")
			}
			s.write(ident(col), " ", op, " ", s.bind(value))
		}
	}
	return nil
}

func compileCondition(c query.Condition) (string, any, error) {
	switch c := c.(type) {
	case query.Literal:
		return "=", c.Value, nil
	case query.Comparison:
		op, err := c.Op.SQL()
		if err != nil {
			return "", nil, err
		}
		return op, c.Value, nil
	case query.Param:
		return "", nil, fmt.Errorf("%w: unbound parameter %d", domain.ErrValidation, c.Index)
	case nil:
		return "", nil, fmt.Errorf("%w: empty condition", domain.ErrValidation)
	}
	return "", nil, fmt.Errorf("%w: unsupported condition %T", domain.ErrValidation, c)
}

// =============================================================================
// DML
// =============================================================================

// selectStatement builds a SELECT. A limit of 0 is sent as LIMIT 1 so the
// window count and column metadata still come back; the caller drops the row.
func selectStatement(table query.TableName, p query.Params) (*statement, error) {
	if p.Limit != nil && *p.Limit < 0 {
		return nil, fmt.Errorf("%w: negative limit", domain.ErrValidation)
	}
	if p.Offset != nil && *p.Offset < 0 {
		return nil, fmt.Errorf("%w: negative offset", domain.ErrValidation)
	}

	s := &statement{}
	s.write("SELECT ")
	if len(p.Select) > 0 {
		s.write(identList(p.Select))
	} else {
		s.write("*")
	}
	if p.Paginated() {
		s.write(", count(*) OVER() AS ", ident(totalCountColumn))
	}
	s.write(" FROM ", tableIdent(table))
	if err := s.where(p.Conditions); err != nil {
		return nil, err
	}
	if p.Limit != nil {
		limit := *p.Limit
		if limit == 0 {
			limit = 1
		}
		s.write(" LIMIT ", s.bind(limit))
	}
	if p.Offset != nil {
		s.write(" OFFSET ", s.bind(*p.Offset))
	}
	return s, nil
}

// countStatement counts all rows matching the conditions.
func countStatement(table query.TableName, conds query.Conditions) (*statement, error) {
	s := &statement{}
	s.write("SELECT count(*) FROM ", tableIdent(table))
	if err := s.where(conds); err != nil {
		return nil, err
	}
	return s, nil
}

func insertStatement(table query.TableName, data map[string]any) (*statement, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: insert into %s without values", domain.ErrValidation, table)
	}
	keys := sortedKeys(data)
	s := &statement{}
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = s.bind(data[k])
	}
	s.write("INSERT INTO ", tableIdent(table), " (", identList(keys), ") VALUES (", strings.Join(values, ", "), ")")
	return s, nil
}

// updateStatement sets every non-key field of data on the rows matching the
// key fields of data.
func updateStatement(table query.TableName, data map[string]any, keys []string) (*statement, error) {
	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}

	s := &statement{}
	s.write("UPDATE ", tableIdent(table), " SET ")
	n := 0
	for _, field := range sortedKeys(data) {
		if isKey[field] {
			continue
		}
		if n > 0 {
			s.write(", ")
		}
		s.write(ident(field), " = ", s.bind(data[field]))
		n++
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: update of %s sets no columns", domain.ErrValidation, table)
	}

	conds := query.Conditions{}
	for _, k := range keys {
		if v, ok := data[k]; ok {
			conds = conds.And(k, query.Eq(v))
		}
	}
	if len(conds) == 0 {
		return nil, fmt.Errorf("%w: update of %s has no key values", domain.ErrValidation, table)
	}
	if err := s.where(conds); err != nil {
		return nil, err
	}
	return s, nil
}

// upsertStatement inserts data or, on a key conflict, overwrites the non-key
// fields.
func upsertStatement(table query.TableName, data map[string]any, keys []string) (*statement, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: upsert into %s without key columns", domain.ErrValidation, table)
	}
	s, err := insertStatement(table, data)
	if err != nil {
		return nil, err
	}

	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}
	var sets []string
	for _, field := range sortedKeys(data) {
		if !isKey[field] {
			sets = append(sets, ident(field)+" = EXCLUDED."+ident(field))
		}
	}

	s.write(" ON CONFLICT (", identList(keys), ")")
	if len(sets) == 0 {
		s.write(" DO NOTHING")
	} else {
		s.write(" DO UPDATE SET ", strings.Join(sets, ", "))
	}
	return s, nil
}

func deleteStatement(table query.TableName, conds query.Conditions) (*statement, error) {
	s := &statement{}
	s.write("DELETE FROM ", tableIdent(table))
	if err := s.where(conds); err != nil {
		return nil, err
	}
	return s, nil
}

// =============================================================================
// DDL
// =============================================================================

func createTableStatement(table query.TableName, columns []query.Column) (*statement, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: table %s has no columns", domain.ErrConfiguration, table)
	}
	s := &statement{}
	s.write("CREATE TABLE ", tableIdent(table), " (")
	var keys []string
	for i, col := range columns {
		typ, err := ConcreteType(col.Type, col.Length)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col.Name, err)
		}
		if i > 0 {
			s.write(", ")
		}
		s.write(ident(col.Name), " ", typ)
		if col.NotNull {
			s.write(" NOT NULL")
		} else {
			s.write(" NULL")
		}
		if col.Key {
			keys = append(keys, col.Name)
		}
	}
	if len(keys) > 0 {
		s.write(", PRIMARY KEY (", identList(keys), ")")
	}
	s.write(")")
	return s, nil
}

// foreignKeyName is the constraint name: fk_<child>_<parent>.
func foreignKeyName(child, parent query.TableName) string {
	return "fk_" + child.String() + "_" + parent.String()
}

func foreignKeyStatement(child query.TableName, childCols []string, parent query.TableName, parentCols []string, cascadeUpdate, cascadeDelete bool) (*statement, error) {
	if len(childCols) == 0 || len(childCols) != len(parentCols) {
		return nil, fmt.Errorf("%w: foreign key %s -> %s column mismatch", domain.ErrConfiguration, child, parent)
	}
	s := &statement{}
	s.write("ALTER TABLE ", tableIdent(child),
		" ADD CONSTRAINT ", ident(foreignKeyName(child, parent)),
		" FOREIGN KEY (", identList(childCols), ")",
		" REFERENCES ", tableIdent(parent), " (", identList(parentCols), ")")
	if cascadeUpdate {
		s.write(" ON UPDATE CASCADE")
	}
	if cascadeDelete {
		s.write(" ON DELETE CASCADE")
	}
	return s, nil
}
