package domain

import "context"

// LeaderElectionManager elects a single control-plane node to drive the
// scheduler tick loop. Campaign blocks until this node wins; the returned
// channel closes when leadership is lost.
type LeaderElectionManager interface {
	Campaign(ctx context.Context) (<-chan struct{}, error)
	Resign(ctx context.Context) error
	IsLeader() bool
}
