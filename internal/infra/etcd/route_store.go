package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"

	"ai-control-plane/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	RouteDir  = "/controlplane/routes/"
	ToggleDir = "/controlplane/toggles/"
)

type etcdRouteStore struct {
	client *clientv3.Client
	logger *slog.Logger
	tracer trace.Tracer
}

// NewRouteStore creates the etcd-backed configuration store for routes and
// feature toggles.
func NewRouteStore(client *clientv3.Client, logger *slog.Logger) *etcdRouteStore {
	return &etcdRouteStore{
		client: client,
		logger: logger,
		tracer: otel.Tracer("control-plane-etcd-routes"),
	}
}

var _ domain.RouteStore = (*etcdRouteStore)(nil)

// SaveRoute persists the route for an operation type.
func (s *etcdRouteStore) SaveRoute(ctx context.Context, route *domain.Route) error {
	ctx, span := s.tracer.Start(ctx, "store.etcd.SaveRoute")
	defer span.End()

	routeJSON, err := json.Marshal(route)
	if err != nil {
		return fmt.Errorf("failed to marshal route to JSON: %w", err)
	}

	key := path.Join(RouteDir, route.OperationType)
	span.SetAttributes(
		attribute.String("operation.type", route.OperationType),
		attribute.String("etcd.key", key),
	)

	if _, err := s.client.Put(ctx, key, string(routeJSON)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put route to etcd")
		return fmt.Errorf("failed to save route %s to etcd: %w", route.OperationType, err)
	}
	return nil
}

// DeleteRoute removes the route for an operation type.
func (s *etcdRouteStore) DeleteRoute(ctx context.Context, operationType string) error {
	ctx, span := s.tracer.Start(ctx, "store.etcd.DeleteRoute")
	defer span.End()
	span.SetAttributes(attribute.String("operation.type", operationType))

	key := path.Join(RouteDir, operationType)
	if _, err := s.client.Delete(ctx, key); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete route from etcd")
		return fmt.Errorf("failed to delete route %s from etcd: %w", operationType, err)
	}
	return nil
}

// GetRoute retrieves the route for an operation type.
func (s *etcdRouteStore) GetRoute(ctx context.Context, operationType string) (*domain.Route, error) {
	ctx, span := s.tracer.Start(ctx, "store.etcd.GetRoute")
	defer span.End()
	span.SetAttributes(attribute.String("operation.type", operationType))

	key := path.Join(RouteDir, operationType)
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get route from etcd")
		return nil, fmt.Errorf("failed to get route %s from etcd: %w", operationType, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, domain.ErrRouteNotFound
	}

	var route domain.Route
	if err := json.Unmarshal(resp.Kvs[0].Value, &route); err != nil {
		return nil, fmt.Errorf("failed to unmarshal route %s from JSON: %w", operationType, err)
	}
	return &route, nil
}

// ListRoutes retrieves every configured route.
func (s *etcdRouteStore) ListRoutes(ctx context.Context) ([]*domain.Route, error) {
	ctx, span := s.tracer.Start(ctx, "store.etcd.ListRoutes")
	defer span.End()

	resp, err := s.client.Get(ctx, RouteDir, clientv3.WithPrefix())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list routes from etcd")
		return nil, fmt.Errorf("failed to list routes from etcd: %w", err)
	}
	span.SetAttributes(attribute.Int("etcd.kv_count", len(resp.Kvs)))

	routes := make([]*domain.Route, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var route domain.Route
		if err := json.Unmarshal(kv.Value, &route); err != nil {
			s.logger.Warn("failed to unmarshal route from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		routes = append(routes, &route)
	}
	return routes, nil
}

// SaveFeatureToggle persists a feature toggle.
func (s *etcdRouteStore) SaveFeatureToggle(ctx context.Context, toggle *domain.FeatureToggle) error {
	ctx, span := s.tracer.Start(ctx, "store.etcd.SaveFeatureToggle")
	defer span.End()
	span.SetAttributes(attribute.String("toggle.name", toggle.Name))

	toggleJSON, err := json.Marshal(toggle)
	if err != nil {
		return fmt.Errorf("failed to marshal toggle to JSON: %w", err)
	}

	key := path.Join(ToggleDir, toggle.Name)
	if _, err := s.client.Put(ctx, key, string(toggleJSON)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put toggle to etcd")
		return fmt.Errorf("failed to save toggle %s to etcd: %w", toggle.Name, err)
	}
	return nil
}

// GetFeatureToggle retrieves a feature toggle by name.
func (s *etcdRouteStore) GetFeatureToggle(ctx context.Context, name string) (*domain.FeatureToggle, error) {
	ctx, span := s.tracer.Start(ctx, "store.etcd.GetFeatureToggle")
	defer span.End()
	span.SetAttributes(attribute.String("toggle.name", name))

	key := path.Join(ToggleDir, name)
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get toggle from etcd")
		return nil, fmt.Errorf("failed to get toggle %s from etcd: %w", name, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("toggle %s not found", name)
	}

	var toggle domain.FeatureToggle
	if err := json.Unmarshal(resp.Kvs[0].Value, &toggle); err != nil {
		return nil, fmt.Errorf("failed to unmarshal toggle %s from JSON: %w", name, err)
	}
	return &toggle, nil
}
