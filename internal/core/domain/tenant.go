package domain

import "strconv"

// MainSchema holds the cross-tenant tables (devices, views, stats).
const MainSchema = "main"

// TenantSchema returns the schema owned by an application.
func TenantSchema(applicationID int64) string {
	return "app-" + strconv.FormatInt(applicationID, 10)
}
