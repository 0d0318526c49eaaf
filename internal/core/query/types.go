// Package query holds the value types shared by the database gateway and its
// callers: table names, column definitions, filter conditions and results.
// The types carry no behaviour beyond validation and JSON encoding.
package query

import (
	"fmt"
	"math"
	"strings"

	"github.com/typekcz/loradataserver/internal/core/domain"
)

// =============================================================================
// Tables and Columns
// =============================================================================

// TableName identifies a table, optionally qualified by a schema.
type TableName struct {
	Schema string `json:"schema,omitempty"`
	Name   string `json:"name"`
}

// Table is a shorthand for a schema-qualified TableName.
func Table(schema, name string) TableName {
	return TableName{Schema: schema, Name: name}
}

func (t TableName) String() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// BasicType is a storage-independent column type.
type BasicType string

const (
	TypeString  BasicType = "string"
	TypeBinary  BasicType = "binary"
	TypeBoolean BasicType = "boolean"
	TypeInteger BasicType = "integer"
	TypeFloat   BasicType = "float"
	TypeDate    BasicType = "date"
	TypeAutoID  BasicType = "autoid"
)

// ParseBasicType normalizes a type name. Unknown names yield ErrConfiguration.
func ParseBasicType(s string) (BasicType, error) {
	t := BasicType(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case TypeString, TypeBinary, TypeBoolean, TypeInteger, TypeFloat, TypeDate, TypeAutoID:
		return t, nil
	}
	return "", fmt.Errorf("%w: unsupported type %q", domain.ErrConfiguration, s)
}

// Unbounded is the length of a column without an upper size limit.
const Unbounded int64 = math.MaxInt64

// Column describes a column to be created.
// Length is in bytes; nil (or zero) means no length was requested.
type Column struct {
	Name    string    `json:"name"`
	Type    BasicType `json:"type"`
	Length  *int64    `json:"length,omitempty"`
	Key     bool      `json:"key,omitempty"`
	NotNull bool      `json:"notnull,omitempty"`
}

// Len returns a pointer to n, for use in Column literals.
func Len(n int64) *int64 {
	return &n
}

// =============================================================================
// Parameters and Results
// =============================================================================

// Params describes a SELECT. Nil Limit/Offset mean "not given".
type Params struct {
	Conditions Conditions `json:"conditions,omitempty"`
	Limit      *int       `json:"limit,omitempty"`
	Offset     *int       `json:"offset,omitempty"`
	Select     []string   `json:"select,omitempty"`
}

// Int returns a pointer to n, for Params.Limit and Params.Offset.
func Int(n int) *int {
	return &n
}

// Paginated reports whether the query needs a windowed total count.
func (p Params) Paginated() bool {
	return p.Limit != nil || p.Offset != nil
}

// ColumnMeta is the name and abstract type of a result column.
type ColumnMeta struct {
	Name string    `json:"name"`
	Type BasicType `json:"type"`
}

// Result is the outcome of a query. TotalCount ignores limit and offset.
type Result struct {
	Columns    []ColumnMeta     `json:"columns,omitempty"`
	Rows       []map[string]any `json:"rows"`
	TotalCount int64            `json:"totalCount"`
}
