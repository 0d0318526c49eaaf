package dbgw

import (
	"fmt"
	"strings"

	"github.com/typekcz/loradataserver/internal/core/domain"
	"github.com/typekcz/loradataserver/internal/core/query"
)

// concreteType is one Postgres rendering of an abstract column type.
type concreteType struct {
	name        string
	capacity    int64 // largest length in bytes the type can hold
	needsLength bool  // rendered as name(n); requires a finite length
	isDefault   bool  // chosen when no length is requested
}

// typeTable lists the variants of each abstract type, smallest first.
var typeTable = map[query.BasicType][]concreteType{
	query.TypeString: {
		{name: "VARCHAR", capacity: query.Unbounded, needsLength: true},
		{name: "TEXT", capacity: query.Unbounded, isDefault: true},
	},
	query.TypeInteger: {
		{name: "SMALLINT", capacity: 2},
		{name: "INTEGER", capacity: 4, isDefault: true},
		{name: "BIGINT", capacity: 8},
	},
	query.TypeFloat: {
		{name: "REAL", capacity: 4},
		{name: "DOUBLE PRECISION", capacity: 8, isDefault: true},
	},
	query.TypeAutoID: {
		{name: "SERIAL", capacity: 4},
		{name: "BIGSERIAL", capacity: 8, isDefault: true},
	},
	query.TypeBoolean: {{name: "BOOLEAN", capacity: query.Unbounded, isDefault: true}},
	query.TypeBinary:  {{name: "BYTEA", capacity: query.Unbounded, isDefault: true}},
	query.TypeDate:    {{name: "TIMESTAMP", capacity: query.Unbounded, isDefault: true}},
}

// ConcreteType selects the Postgres type for an abstract type and length.
// With a length, the smallest variant whose capacity covers it wins; without
// one, the default variant. Unsatisfiable requests yield ErrConfiguration.
func ConcreteType(t query.BasicType, length *int64) (string, error) {
	variants, ok := typeTable[query.BasicType(strings.ToLower(string(t)))]
	if !ok {
		return "", fmt.Errorf("%w: unsupported type %q", domain.ErrConfiguration, t)
	}

	// Single-variant types ignore the length.
	if len(variants) == 1 {
		return variants[0].name, nil
	}

	hasLength := length != nil && *length > 0
	for _, v := range variants {
		if !hasLength {
			if v.isDefault {
				return v.name, nil
			}
			continue
		}
		n := *length
		if n > v.capacity {
			continue
		}
		if v.needsLength {
			if n == query.Unbounded {
				continue
			}
			return fmt.Sprintf("%s(%d)", v.name, n), nil
		}
		return v.name, nil
	}

	if hasLength {
		return "", fmt.Errorf("%w: no %s variant holds %d bytes", domain.ErrConfiguration, t, *length)
	}
	return "", fmt.Errorf("%w: type %q has no default variant", domain.ErrConfiguration, t)
}

// basicTypeOf maps a database type name, as reported by the driver, back to
// an abstract type. Unknown types map to "".
func basicTypeOf(dbType string) query.BasicType {
	switch strings.ToUpper(dbType) {
	case "VARCHAR", "TEXT", "BPCHAR", "CHAR", "NAME":
		return query.TypeString
	case "INT2", "INT4", "INT8":
		return query.TypeInteger
	case "FLOAT4", "FLOAT8":
		return query.TypeFloat
	case "BOOL":
		return query.TypeBoolean
	case "BYTEA":
		return query.TypeBinary
	case "DATE", "TIME", "TIMETZ", "TIMESTAMP", "TIMESTAMPTZ":
		return query.TypeDate
	}
	return ""
}
