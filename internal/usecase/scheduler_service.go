package usecase

import (
	"context"
	"log/slog"
	"time"

	"ai-control-plane/internal/admission"
	"ai-control-plane/internal/costs"
	"ai-control-plane/internal/domain"
	"ai-control-plane/internal/metrics"
	"ai-control-plane/internal/scheduler"
)

// SchedulerService runs the scheduled-operation loop on exactly one node.
// It campaigns for leadership, ticks the scheduler every minute while
// leading, and performs the daily quota and budget-alert resets at UTC
// midnight. Losing leadership stops the loop and re-enters the campaign.
type SchedulerService struct {
	leaderManager domain.LeaderElectionManager
	scheduler     *scheduler.Scheduler
	quotas        *admission.QuotaManager
	costs         *costs.Predictor
	nodeID        string
	clock         domain.Clock
	logger        *slog.Logger
}

// NewSchedulerService creates the leader-elected scheduler service.
func NewSchedulerService(
	leaderManager domain.LeaderElectionManager,
	sched *scheduler.Scheduler,
	quotas *admission.QuotaManager,
	costPredictor *costs.Predictor,
	nodeID string,
	clock domain.Clock,
	logger *slog.Logger,
) *SchedulerService {
	return &SchedulerService{
		leaderManager: leaderManager,
		scheduler:     sched,
		quotas:        quotas,
		costs:         costPredictor,
		nodeID:        nodeID,
		clock:         clock,
		logger:        logger.With("component", "scheduler-service", "node_id", nodeID),
	}
}

// Start campaigns for leadership in a loop until the context is canceled.
func (s *SchedulerService) Start(ctx context.Context) error {
	s.logger.Info("scheduler service starting")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler service shutting down")
			return ctx.Err()
		default:
		}

		s.logger.Info("campaigning for leadership")
		lostLeadership, err := s.leaderManager.Campaign(ctx)
		if err != nil {
			s.logger.Error("leadership campaign failed, retrying", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
			continue
		}

		metrics.IsLeader.WithLabelValues(s.nodeID).Set(1)
		s.runLeaderLoop(ctx, lostLeadership)
		metrics.IsLeader.WithLabelValues(s.nodeID).Set(0)
	}
}

// runLeaderLoop ticks the scheduler once per minute until leadership or the
// context is lost.
func (s *SchedulerService) runLeaderLoop(ctx context.Context, lostLeadership <-chan struct{}) {
	s.logger.Info("leading, scheduler loop started")

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	lastDay := s.clock.Now().UTC().Truncate(24 * time.Hour)

	for {
		select {
		case <-ctx.Done():
			if err := s.leaderManager.Resign(context.Background()); err != nil {
				s.logger.Warn("failed to resign leadership", "error", err)
			}
			return
		case <-lostLeadership:
			s.logger.Warn("leadership lost, scheduler loop stopped")
			return
		case <-ticker.C:
			if fired := s.scheduler.Tick(ctx); fired > 0 {
				s.logger.Info("scheduled operations fired", "count", fired)
			}

			day := s.clock.Now().UTC().Truncate(24 * time.Hour)
			if day.After(lastDay) {
				s.quotas.ResetDaily()
				s.costs.ResetBudgetAlerts()
				s.logger.Info("daily quota and budget alerts reset", "day", day.Format("2006-01-02"))
				lastDay = day
			}
		}
	}
}

// HandleEvent forwards an external event to the scheduler. Only the leader
// acts on it; follower nodes ignore events so each one fires once
// cluster-wide.
func (s *SchedulerService) HandleEvent(ctx context.Context, name string, data map[string]string) int {
	if !s.leaderManager.IsLeader() {
		return 0
	}
	return s.scheduler.HandleEvent(ctx, name, data)
}
