package store

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/typekcz/loradataserver/internal/core/auth"
	"github.com/typekcz/loradataserver/internal/core/domain"
	"github.com/typekcz/loradataserver/internal/core/query"
	"github.com/typekcz/loradataserver/internal/core/view"
	"github.com/typekcz/loradataserver/internal/shell/dbgw"
)

var viewKeys = []string{"applicationID", "name"}

// Views stores view definitions and resolves them into data.
type Views struct {
	gw    dbgw.Gateway
	authz auth.Authorizer
}

// ViewSummary is a list entry.
type ViewSummary struct {
	Name       string `json:"name"`
	Visualizer string `json:"visualizer"`
	Dataset    string `json:"dataset,omitempty"`
}

// =============================================================================
// Reads
// =============================================================================

// List returns the views of an application. Requires READ.
func (v *Views) List(ctx context.Context, cred auth.Credential, applicationID int64) ([]ViewSummary, error) {
	if err := v.authz.CheckApp(ctx, cred, applicationID, auth.Read); err != nil {
		return nil, err
	}
	res, err := v.gw.Query(ctx, dbgw.ViewTable, query.Params{
		Select:     []string{"name", "visualizer", "dataset"},
		Conditions: query.Where("applicationID", query.Eq(applicationID)),
	})
	if err != nil {
		return nil, err
	}
	out := make([]ViewSummary, 0, len(res.Rows))
	for _, r := range res.Rows {
		out = append(out, ViewSummary{
			Name:       strVal(r["name"]),
			Visualizer: strVal(r["visualizer"]),
			Dataset:    strVal(r["dataset"]),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get returns a full view definition. Requires READ even for public views.
func (v *Views) Get(ctx context.Context, cred auth.Credential, applicationID int64, name string) (*view.View, error) {
	if err := v.authz.CheckApp(ctx, cred, applicationID, auth.Read); err != nil {
		return nil, err
	}
	return v.load(ctx, applicationID, name)
}

// Params returns the declared parameters of a view, in index order.
func (v *Views) Params(ctx context.Context, cred auth.Credential, applicationID int64, name string) ([]view.Param, error) {
	vw, err := v.visible(ctx, cred, applicationID, name)
	if err != nil {
		return nil, err
	}
	return vw.Params, nil
}

// Options returns the default visualizer options of a view.
func (v *Views) Options(ctx context.Context, cred auth.Credential, applicationID int64, name string) (json.RawMessage, error) {
	vw, err := v.visible(ctx, cred, applicationID, name)
	if err != nil {
		return nil, err
	}
	return vw.DefaultOptions, nil
}

// Data resolves a view with positional parameters and fetches its rows. Raw
// and structured views both run as the tenant role.
func (v *Views) Data(ctx context.Context, cred auth.Credential, applicationID int64, name string, params []any) (*query.Result, error) {
	vw, err := v.visible(ctx, cred, applicationID, name)
	if err != nil {
		return nil, err
	}
	bound, err := view.Bind(*vw, params)
	if err != nil {
		return nil, err
	}
	if bound.Raw != "" {
		return v.gw.SafeQueryOnSchema(ctx, domain.TenantSchema(applicationID), bound.Raw, bound.Args...)
	}
	return v.gw.QueryAsTenant(ctx, bound.Table, bound.Params)
}

// visible loads a view and checks READ unless it is public.
func (v *Views) visible(ctx context.Context, cred auth.Credential, applicationID int64, name string) (*view.View, error) {
	vw, err := v.load(ctx, applicationID, name)
	if err != nil {
		return nil, err
	}
	if !vw.Public {
		if err := v.authz.CheckApp(ctx, cred, applicationID, auth.Read); err != nil {
			return nil, err
		}
	}
	return vw, nil
}

func (v *Views) load(ctx context.Context, applicationID int64, name string) (*view.View, error) {
	res, err := v.gw.Query(ctx, dbgw.ViewTable, query.Params{
		Conditions: query.Where("applicationID", query.Eq(applicationID)).And("name", query.Eq(name)),
	})
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		return nil, NewStoreError("GetView", "view", name, "not found", domain.ErrNotFound)
	}
	r := res.Rows[0]

	vw := &view.View{
		ApplicationID: applicationID,
		Name:          name,
		Public:        boolVal(r["public"]),
		Dataset:       strVal(r["dataset"]),
		Visualizer:    strVal(r["visualizer"]),
	}
	if q := strVal(r["query"]); q != "" {
		if err := json.Unmarshal([]byte(q), &vw.Query); err != nil {
			return nil, NewStoreError("GetView", "view", name, "stored query is corrupt", err)
		}
	}
	if opts := strVal(r["defaultOptions"]); opts != "" {
		vw.DefaultOptions = json.RawMessage(opts)
	}

	params, err := v.gw.Query(ctx, dbgw.ViewParamTable, query.Params{
		Select:     []string{"index", "type", "description"},
		Conditions: query.Where("applicationID", query.Eq(applicationID)).And("viewName", query.Eq(name)),
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(params.Rows, func(i, j int) bool {
		return int64Val(params.Rows[i]["index"]) < int64Val(params.Rows[j]["index"])
	})
	for _, p := range params.Rows {
		vw.Params = append(vw.Params, view.Param{
			Type:        strVal(p["type"]),
			Description: strVal(p["description"]),
		})
	}
	return vw, nil
}

// =============================================================================
// Mutations
// =============================================================================

// Create stores a new view with its parameters. Requires WRITE.
func (v *Views) Create(ctx context.Context, cred auth.Credential, vw view.View) error {
	if err := vw.Validate(); err != nil {
		return err
	}
	if err := v.authz.CheckApp(ctx, cred, vw.ApplicationID, auth.Write); err != nil {
		return err
	}
	row, err := viewToRow(vw)
	if err != nil {
		return err
	}
	return v.gw.WithTx(ctx, func(tx dbgw.Gateway) error {
		if err := tx.Insert(ctx, dbgw.ViewTable, row); err != nil {
			return err
		}
		return insertParams(ctx, tx, vw)
	})
}

// Update replaces a view definition and all of its parameters in one
// transaction. Requires WRITE.
func (v *Views) Update(ctx context.Context, cred auth.Credential, vw view.View) error {
	if err := vw.Validate(); err != nil {
		return err
	}
	if err := v.authz.CheckApp(ctx, cred, vw.ApplicationID, auth.Write); err != nil {
		return err
	}
	row, err := viewToRow(vw)
	if err != nil {
		return err
	}
	return v.gw.WithTx(ctx, func(tx dbgw.Gateway) error {
		updated, err := tx.Update(ctx, dbgw.ViewTable, row, viewKeys)
		if err != nil {
			return err
		}
		if !updated {
			return NewStoreError("UpdateView", "view", vw.Name, "not found", domain.ErrNotFound)
		}
		if err := tx.Delete(ctx, dbgw.ViewParamTable, paramConditions(vw.ApplicationID, vw.Name)); err != nil {
			return err
		}
		return insertParams(ctx, tx, vw)
	})
}

// Delete removes a view; its parameters go by cascade. Requires WRITE.
func (v *Views) Delete(ctx context.Context, cred auth.Credential, applicationID int64, name string) error {
	if err := v.authz.CheckApp(ctx, cred, applicationID, auth.Write); err != nil {
		return err
	}
	return v.gw.Delete(ctx, dbgw.ViewTable,
		query.Where("applicationID", query.Eq(applicationID)).And("name", query.Eq(name)))
}

func viewToRow(vw view.View) (map[string]any, error) {
	q, err := json.Marshal(vw.Query)
	if err != nil {
		return nil, NewStoreError("SaveView", "view", vw.Name, "encode query", err)
	}
	var opts any
	if len(vw.DefaultOptions) > 0 {
		opts = string(vw.DefaultOptions)
	}
	return map[string]any{
		"applicationID":  vw.ApplicationID,
		"name":           vw.Name,
		"public":         vw.Public,
		"dataset":        nullable(vw.Dataset),
		"query":          string(q),
		"visualizer":     vw.Visualizer,
		"defaultOptions": opts,
	}, nil
}

func paramConditions(applicationID int64, name string) query.Conditions {
	return query.Where("applicationID", query.Eq(applicationID)).And("viewName", query.Eq(name))
}

func insertParams(ctx context.Context, gw dbgw.Gateway, vw view.View) error {
	for i, p := range vw.Params {
		err := gw.Insert(ctx, dbgw.ViewParamTable, map[string]any{
			"applicationID": vw.ApplicationID,
			"viewName":      vw.Name,
			"index":         i,
			"type":          p.Type,
			"description":   p.Description,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
