package handlers

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/forageapi/forage/internal/version"
)

// HealthOutput is the public health surface.
type HealthOutput struct {
	Body struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
}

// Health reports service liveness and build version.
func Health(_ context.Context, _ *struct{}) (*HealthOutput, error) {
	out := &HealthOutput{}
	out.Body.Status = "healthy"
	out.Body.Version = version.Get().Version
	return out, nil
}

// ProbeOutput is the K8s probe response.
type ProbeOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// RegisterProbes registers the hidden liveness and readiness probes.
// Readiness pings the database.
func RegisterProbes(api huma.API, db *sql.DB) {
	huma.Register(api, huma.Operation{
		OperationID: "livez",
		Method:      http.MethodGet,
		Path:        "/livez",
		Hidden:      true,
	}, func(_ context.Context, _ *struct{}) (*ProbeOutput, error) {
		out := &ProbeOutput{}
		out.Body.Status = "ok"
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "readyz",
		Method:      http.MethodGet,
		Path:        "/readyz",
		Hidden:      true,
	}, func(ctx context.Context, _ *struct{}) (*ProbeOutput, error) {
		if db != nil {
			if err := db.PingContext(ctx); err != nil {
				return nil, huma.Error503ServiceUnavailable("database unavailable")
			}
		}
		out := &ProbeOutput{}
		out.Body.Status = "ready"
		return out, nil
	})
}
