package etcd

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"ai-control-plane/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const (
	LeaderElectionKey = "/controlplane/leader"
)

type etcdLeaderElectionManager struct {
	client   *clientv3.Client
	session  *concurrency.Session
	election *concurrency.Election
	isLeader bool
	mu       sync.RWMutex
	nodeID   string
	ttl      time.Duration
	logger   *slog.Logger
}

// NewLeaderElectionManager creates an etcd-backed leader election manager.
// Exactly one control-plane node holds leadership and drives the scheduler
// tick loop and daily quota resets.
func NewLeaderElectionManager(client *clientv3.Client, nodeID string, ttl time.Duration, logger *slog.Logger) domain.LeaderElectionManager {
	return &etcdLeaderElectionManager{
		client: client,
		nodeID: nodeID,
		ttl:    ttl,
		logger: logger.With("component", "leader-election"),
	}
}

// Campaign blocks until this node becomes the leader or the context is
// canceled. The returned channel closes when the session lease expires,
// meaning leadership is lost.
func (m *etcdLeaderElectionManager) Campaign(ctx context.Context) (<-chan struct{}, error) {
	session, err := concurrency.NewSession(m.client, concurrency.WithTTL(int(m.ttl.Seconds())))
	if err != nil {
		return nil, err
	}
	m.session = session
	m.election = concurrency.NewElection(session, LeaderElectionKey)

	if err := m.election.Campaign(ctx, m.nodeID); err != nil {
		_ = session.Close()
		return nil, err
	}

	m.logger.Info("became the leader", "node_id", m.nodeID)
	m.mu.Lock()
	m.isLeader = true
	m.mu.Unlock()

	return session.Done(), nil
}

// Resign gives up leadership so another node can win the next campaign.
func (m *etcdLeaderElectionManager) Resign(ctx context.Context) error {
	m.mu.Lock()
	m.isLeader = false
	m.mu.Unlock()

	if m.election != nil {
		m.logger.Info("resigning leadership", "node_id", m.nodeID)
		return m.election.Resign(ctx)
	}
	return nil
}

func (m *etcdLeaderElectionManager) IsLeader() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isLeader
}
