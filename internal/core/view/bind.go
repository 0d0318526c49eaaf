package view

import (
	"fmt"

	"github.com/typekcz/loradataserver/internal/core/domain"
	"github.com/typekcz/loradataserver/internal/core/query"
)

// Bound is a view ready to execute: either Raw with Args, or a structured
// Params against Table.
type Bound struct {
	Raw    string
	Args   []any
	Table  query.TableName
	Params query.Params
}

// Bind substitutes args into the view. Param conditions take
// args[Param.Index], so the binding order follows the declared index and not
// the order of conditions. Too few args fail the whole request.
func Bind(v View, args []any) (Bound, error) {
	need := v.RequiredParams()
	if len(args) < need {
		return Bound{}, fmt.Errorf("%w: view %q needs %d parameters, got %d",
			domain.ErrValidation, v.Name, need, len(args))
	}

	if v.Query.IsRaw() {
		return Bound{Raw: v.Query.Raw, Args: args[:need]}, nil
	}

	conds := make(query.Conditions, len(v.Query.Conditions))
	for col, list := range v.Query.Conditions {
		bound := make([]query.Condition, 0, len(list))
		for _, cond := range list {
			if p, ok := cond.(query.Param); ok {
				op := p.Op
				if op == "" {
					op = query.OpEq
				}
				cond = query.Comparison{Op: op, Value: args[p.Index]}
			}
			bound = append(bound, cond)
		}
		conds[col] = bound
	}

	return Bound{
		Table: query.Table(domain.TenantSchema(v.ApplicationID), v.Dataset),
		Params: query.Params{
			Select:     v.Query.Select,
			Conditions: conds,
			Limit:      v.Query.Limit,
			Offset:     v.Query.Offset,
		},
	}, nil
}
