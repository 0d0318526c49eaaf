package query

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/typekcz/loradataserver/internal/core/domain"
)

// =============================================================================
// Operators
// =============================================================================

// Operator is a comparison operator of the filter language.
type Operator string

const (
	OpEq      Operator = "eq"
	OpNe      Operator = "ne"
	OpGt      Operator = "gt"
	OpGe      Operator = "ge"
	OpLt      Operator = "lt"
	OpLe      Operator = "le"
	OpLike    Operator = "li"
	OpNotLike Operator = "nl"
)

var operatorSQL = map[Operator]string{
	OpEq:      "=",
	OpNe:      "<>",
	OpGt:      ">",
	OpGe:      ">=",
	OpLt:      "<",
	OpLe:      "<=",
	OpLike:    "LIKE",
	OpNotLike: "NOT LIKE",
}

// SQL returns the SQL spelling of the operator. The empty operator is equality.
func (o Operator) SQL() (string, error) {
	if o == "" {
		return "=", nil
	}
	s, ok := operatorSQL[o]
	if !ok {
		return "", fmt.Errorf("%w: unknown operator %q", domain.ErrValidation, string(o))
	}
	return s, nil
}

// =============================================================================
// Conditions
// =============================================================================

// Condition is one filter on a column. It is one of Literal, Comparison or
// Param.
type Condition interface {
	isCondition()
}

// Literal compares the column for equality with Value.
type Literal struct {
	Value any
}

// Comparison compares the column with Value using Op.
type Comparison struct {
	Op    Operator
	Value any
}

// Param is a placeholder for the Index-th positional parameter of a view.
// It must be bound before the conditions are compiled.
type Param struct {
	Op    Operator
	Index int
}

func (Literal) isCondition()    {}
func (Comparison) isCondition() {}
func (Param) isCondition()      {}

// Conditions maps a column name to its conditions. Everything is ANDed.
type Conditions map[string][]Condition

// Where starts a Conditions with a single condition.
func Where(column string, cond ...Condition) Conditions {
	return Conditions{column: cond}
}

// Eq is a Literal condition.
func Eq(v any) Condition {
	return Literal{Value: v}
}

// Cmp is a Comparison condition.
func Cmp(op Operator, v any) Condition {
	return Comparison{Op: op, Value: v}
}

// And appends conditions for a column and returns c.
func (c Conditions) And(column string, cond ...Condition) Conditions {
	c[column] = append(c[column], cond...)
	return c
}

// Columns returns the condition columns in a stable order.
func (c Conditions) Columns() []string {
	cols := make([]string, 0, len(c))
	for col := range c {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

// MaxParamIndex returns the highest referenced Param index, or -1 when there
// is none.
func (c Conditions) MaxParamIndex() int {
	highest := -1
	for _, conds := range c {
		for _, cond := range conds {
			if p, ok := cond.(Param); ok && p.Index > highest {
				highest = p.Index
			}
		}
	}
	return highest
}

// =============================================================================
// JSON
// =============================================================================

// A column is either a single condition or an array of them. A condition is a
// bare value, {"operator", "value"} or {"operator", "paramIndex"}.

type comparisonJSON struct {
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

type paramJSON struct {
	Operator   Operator `json:"operator,omitempty"`
	ParamIndex int      `json:"paramIndex"`
}

// MarshalJSON implements json.Marshaler.
func (c Conditions) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c))
	for col, conds := range c {
		encoded := make([]any, 0, len(conds))
		for _, cond := range conds {
			switch v := cond.(type) {
			case Literal:
				encoded = append(encoded, v.Value)
			case Comparison:
				encoded = append(encoded, comparisonJSON{Operator: v.Op, Value: v.Value})
			case Param:
				encoded = append(encoded, paramJSON{Operator: v.Op, ParamIndex: v.Index})
			}
		}
		if len(encoded) == 1 {
			out[col] = encoded[0]
		} else {
			out[col] = encoded
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Conditions) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: conditions: %v", domain.ErrValidation, err)
	}
	out := make(Conditions, len(raw))
	for col, msg := range raw {
		msg = bytes.TrimSpace(msg)
		if len(msg) > 0 && msg[0] == '[' {
			var items []json.RawMessage
			if err := json.Unmarshal(msg, &items); err != nil {
				return fmt.Errorf("%w: conditions on %q: %v", domain.ErrValidation, col, err)
			}
			for _, item := range items {
				cond, err := decodeCondition(item)
				if err != nil {
					return fmt.Errorf("conditions on %q: %w", col, err)
				}
				out[col] = append(out[col], cond)
			}
			continue
		}
		cond, err := decodeCondition(msg)
		if err != nil {
			return fmt.Errorf("conditions on %q: %w", col, err)
		}
		out[col] = []Condition{cond}
	}
	*c = out
	return nil
}

func decodeCondition(msg json.RawMessage) (Condition, error) {
	msg = bytes.TrimSpace(msg)
	if len(msg) == 0 || msg[0] != '{' {
		var v any
		if err := json.Unmarshal(msg, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
		}
		return Literal{Value: v}, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(msg, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	_, hasOp := fields["operator"]
	_, hasValue := fields["value"]
	_, hasParam := fields["paramIndex"]

	switch {
	case hasOp && hasValue && len(fields) == 2:
		var cmp comparisonJSON
		if err := json.Unmarshal(msg, &cmp); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
		}
		if _, err := cmp.Operator.SQL(); err != nil {
			return nil, err
		}
		return Comparison{Op: cmp.Operator, Value: cmp.Value}, nil
	case hasParam && !hasValue && (len(fields) == 1 || (hasOp && len(fields) == 2)):
		var p paramJSON
		if err := json.Unmarshal(msg, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
		}
		if p.ParamIndex < 0 {
			return nil, fmt.Errorf("%w: negative paramIndex %d", domain.ErrValidation, p.ParamIndex)
		}
		if _, err := p.Operator.SQL(); err != nil {
			return nil, err
		}
		return Param{Op: p.Operator, Index: p.ParamIndex}, nil
	}
	return nil, fmt.Errorf("%w: malformed condition %s", domain.ErrValidation, string(msg))
}
