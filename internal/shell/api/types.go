package api

// HealthResponse is the health check response.
type HealthResponse struct {
	Status       string `json:"status"`
	PendingStats int    `json:"pendingStats"`
}

// ReadyResponse is the readiness check response.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}
