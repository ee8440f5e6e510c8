package domain

import "context"

// Route maps an operation type to its provider chain. Routes are owned by the
// external configuration store; the router reads them through a TTL cache.
type Route struct {
	OperationType string      `json:"operation_type"`
	Primary       string      `json:"primary"`
	Fallbacks     []string    `json:"fallbacks,omitempty"`
	Criticality   Criticality `json:"criticality,omitempty"`
	Enabled       bool        `json:"enabled"`
	CostEstimate  float64     `json:"cost_estimate,omitempty"` // USD per operation
}

// Chain returns the provider chain in failover order, primary first.
func (r *Route) Chain() []string {
	chain := make([]string, 0, 1+len(r.Fallbacks))
	if r.Primary != "" {
		chain = append(chain, r.Primary)
	}
	return append(chain, r.Fallbacks...)
}

// FeatureToggle is a named on/off switch owned by the configuration store.
type FeatureToggle struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// RouteStore defines the interface to the external configuration store.
type RouteStore interface {
	GetRoute(ctx context.Context, operationType string) (*Route, error)
	GetFeatureToggle(ctx context.Context, name string) (*FeatureToggle, error)
}
