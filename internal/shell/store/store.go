package store

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/typekcz/loradataserver/internal/core/auth"
	"github.com/typekcz/loradataserver/internal/core/domain"
	"github.com/typekcz/loradataserver/internal/shell/dbgw"
)

// Store bundles the DAOs over one gateway.
type Store struct {
	Devices  *Devices
	Datasets *Datasets
	Views    *Views
}

// New creates the DAOs. A nil logger uses slog.Default().
func New(gw dbgw.Gateway, authz auth.Authorizer, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")
	tenants := newTenants(gw, logger)
	return &Store{
		Devices:  &Devices{gw: gw, authz: authz},
		Datasets: &Datasets{gw: gw, authz: authz, tenants: tenants},
		Views:    &Views{gw: gw, authz: authz},
	}
}

// =============================================================================
// Tenant Provisioning
// =============================================================================

// tenants provisions tenant schemas lazily, at most once per schema even
// under concurrent first writes.
type tenants struct {
	gw     dbgw.Gateway
	logger *slog.Logger

	group singleflight.Group
	ready sync.Map // schema -> struct{}
}

func newTenants(gw dbgw.Gateway, logger *slog.Logger) *tenants {
	return &tenants{gw: gw, logger: logger}
}

// ensure creates the schema and role of an application if missing.
func (t *tenants) ensure(ctx context.Context, applicationID int64) (string, error) {
	schema := domain.TenantSchema(applicationID)
	if _, ok := t.ready.Load(schema); ok {
		return schema, nil
	}

	_, err, _ := t.group.Do(schema, func() (any, error) {
		exists, err := t.gw.SchemaExists(ctx, schema)
		if err != nil {
			return nil, err
		}
		if !exists {
			t.logger.Info("provisioning tenant schema", "application_id", applicationID, "schema", schema)
			if err := t.gw.CreateSchemaAndRoles(ctx, schema); err != nil {
				return nil, err
			}
		}
		t.ready.Store(schema, struct{}{})
		return nil, nil
	})
	if err != nil {
		return "", err
	}
	return schema, nil
}

// =============================================================================
// Row Helpers
// =============================================================================

func int64Val(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case []byte:
		i, _ := strconv.ParseInt(string(n), 10, 64)
		return i
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	}
	return 0
}

func strVal(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

func boolVal(v any) bool {
	b, _ := v.(bool)
	return b
}

func floatPtr(v any) *float64 {
	switch f := v.(type) {
	case float64:
		return &f
	case float32:
		x := float64(f)
		return &x
	case int64:
		x := float64(f)
		return &x
	}
	return nil
}

func timeVal(v any) time.Time {
	t, _ := v.(time.Time)
	return t
}

func bytesVal(v any) []byte {
	switch b := v.(type) {
	case []byte:
		return b
	case string:
		return []byte(b)
	}
	return nil
}

// nullable maps the zero value to SQL NULL.
func nullable[T comparable](v T) any {
	var zero T
	if v == zero {
		return nil
	}
	return v
}
