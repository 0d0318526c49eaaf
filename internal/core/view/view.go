// Package view defines stored view definitions and binds caller-supplied
// positional parameters into them.
package view

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/typekcz/loradataserver/internal/core/domain"
	"github.com/typekcz/loradataserver/internal/core/query"
)

// View is a named, parameterized query over a tenant's data.
type View struct {
	ApplicationID  int64           `json:"applicationID"`
	Name           string          `json:"name"`
	Public         bool            `json:"public"`
	Dataset        string          `json:"dataset,omitempty"`
	Query          Query           `json:"query"`
	Visualizer     string          `json:"visualizer"`
	DefaultOptions json.RawMessage `json:"defaultOptions,omitempty"`
	Params         []Param         `json:"params,omitempty"`
}

// Param is a declared positional parameter. Its position in View.Params is
// its index.
type Param struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Query is either a raw SQL template (Raw != "") or a structured select over
// the view's dataset.
type Query struct {
	Raw        string
	Select     []string
	Conditions query.Conditions
	Limit      *int
	Offset     *int
}

// IsRaw reports whether the query is a raw SQL template.
func (q Query) IsRaw() bool {
	return q.Raw != ""
}

type structuredJSON struct {
	Select     []string         `json:"select,omitempty"`
	Conditions query.Conditions `json:"conditions,omitempty"`
	Limit      *int             `json:"limit,omitempty"`
	Offset     *int             `json:"offset,omitempty"`
}

// MarshalJSON encodes a raw query as a JSON string and a structured one as an
// object.
func (q Query) MarshalJSON() ([]byte, error) {
	if q.IsRaw() {
		return json.Marshal(q.Raw)
	}
	return json.Marshal(structuredJSON{
		Select:     q.Select,
		Conditions: q.Conditions,
		Limit:      q.Limit,
		Offset:     q.Offset,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (q *Query) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("%w: view query: %v", domain.ErrValidation, err)
		}
		*q = Query{Raw: raw}
		return nil
	}
	var s structuredJSON
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: view query: %v", domain.ErrValidation, err)
	}
	*q = Query{Select: s.Select, Conditions: s.Conditions, Limit: s.Limit, Offset: s.Offset}
	return nil
}

// RequiredParams is the number of positional parameters a caller must supply.
func (v View) RequiredParams() int {
	if v.Query.IsRaw() {
		return len(v.Params)
	}
	return v.Query.Conditions.MaxParamIndex() + 1
}

// Validate checks a view definition before it is stored.
func (v View) Validate() error {
	if strings.TrimSpace(v.Name) == "" {
		return fmt.Errorf("%w: view name is required", domain.ErrValidation)
	}
	if strings.TrimSpace(v.Visualizer) == "" {
		return fmt.Errorf("%w: view %q has no visualizer", domain.ErrValidation, v.Name)
	}
	if !v.Query.IsRaw() && v.Dataset == "" {
		return fmt.Errorf("%w: structured view %q needs a dataset", domain.ErrValidation, v.Name)
	}
	if used := v.Query.Conditions.MaxParamIndex(); used >= len(v.Params) {
		return fmt.Errorf("%w: view %q references paramIndex %d but declares %d parameters",
			domain.ErrValidation, v.Name, used, len(v.Params))
	}
	if len(v.DefaultOptions) > 0 && !json.Valid(v.DefaultOptions) {
		return fmt.Errorf("%w: view %q default options are not valid JSON", domain.ErrValidation, v.Name)
	}
	return nil
}
