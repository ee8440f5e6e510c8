package webhook

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"ai-control-plane/internal/domain"
	"ai-control-plane/internal/metrics"
)

// Transport posts a payload to a subscriber endpoint and returns the HTTP
// status. It is the only place webhook delivery touches the network.
type Transport interface {
	Post(ctx context.Context, url, payload string) (int, error)
}

// Dispatch pairs a due delivery with its subscription's target.
type Dispatch struct {
	Delivery  *domain.Delivery
	TargetURL string
}

// Drainer pushes due pending deliveries through the transport and feeds the
// outcomes back into the manager.
type Drainer struct {
	manager   *Manager
	transport Transport
	logger    *slog.Logger
}

// NewDrainer creates a drainer over the manager and transport.
func NewDrainer(manager *Manager, transport Transport, logger *slog.Logger) *Drainer {
	return &Drainer{
		manager:   manager,
		transport: transport,
		logger:    logger.With("component", "webhook-drainer"),
	}
}

// DrainOnce attempts every currently due delivery and returns how many were
// attempted. Failures feed back into the manager's retry schedule.
func (d *Drainer) DrainOnce(ctx context.Context) int {
	due := d.manager.Due()
	for _, dispatch := range due {
		status, err := d.transport.Post(ctx, dispatch.TargetURL, dispatch.Delivery.Payload)
		success := err == nil && status >= 200 && status < 300

		if err := d.manager.RecordAttempt(dispatch.Delivery.ID, success); err != nil {
			d.logger.Error("failed to record delivery attempt",
				"delivery_id", dispatch.Delivery.ID, "error", err)
			continue
		}

		if success {
			metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
		} else {
			metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
			d.logger.Warn("webhook delivery attempt failed",
				"delivery_id", dispatch.Delivery.ID, "http_status", status, "error", err)
		}
	}
	return len(due)
}

// Run drains on the given interval until the context is canceled.
func (d *Drainer) Run(ctx context.Context, interval time.Duration) {
	d.logger.Info("webhook drainer started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("webhook drainer stopped")
			return
		case <-ticker.C:
			d.DrainOnce(ctx)
		}
	}
}

// HTTPTransport is the production Transport backed by net/http.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates a transport with a bounded request timeout.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{client: &http.Client{Timeout: timeout}}
}

// Post delivers the payload as JSON and returns the response status code.
func (t *HTTPTransport) Post(ctx context.Context, url, payload string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
