package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"ai-control-plane/internal/domain"
)

// maxOutputBytes bounds how much of a provider response is kept as the
// operation output.
const maxOutputBytes = 64 * 1024

// Endpoint is the call target for one provider backend.
type Endpoint struct {
	URL    string
	APIKey string
}

type httpProviderExecutor struct {
	client    *http.Client
	endpoints map[string]Endpoint
}

// NewProviderExecutor creates an executor that posts operations to remote
// provider endpoints. It performs exactly one attempt per call; retry and
// failover decisions stay with the dispatch loop.
func NewProviderExecutor(endpoints map[string]Endpoint, timeout time.Duration) domain.ProviderExecutor {
	return &httpProviderExecutor{
		client:    &http.Client{Timeout: timeout},
		endpoints: endpoints,
	}
}

type providerRequest struct {
	OperationID string `json:"operation_id"`
	Type        string `json:"type"`
	TenantID    string `json:"tenant_id"`
	Payload     string `json:"payload,omitempty"`
}

// Execute posts the operation to the provider's endpoint and returns the
// response body. Status codes map onto the error taxonomy: 5xx responses are
// reported as server errors and 4xx as client errors.
func (e *httpProviderExecutor) Execute(ctx context.Context, provider string, op *domain.Operation) (string, error) {
	endpoint, ok := e.endpoints[provider]
	if !ok {
		return "", fmt.Errorf("provider %s has no configured endpoint: invalid provider", provider)
	}

	body, err := json.Marshal(providerRequest{
		OperationID: op.ID,
		Type:        op.Type,
		TenantID:    op.TenantID,
		Payload:     op.Payload,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal provider request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create provider request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if endpoint.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+endpoint.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxOutputBytes))

	if resp.StatusCode >= 500 {
		return string(bodyBytes), fmt.Errorf("provider returned server error: %s", resp.Status)
	}
	if resp.StatusCode >= 400 {
		return string(bodyBytes), fmt.Errorf("provider returned client error: %s", resp.Status)
	}
	return string(bodyBytes), nil
}
