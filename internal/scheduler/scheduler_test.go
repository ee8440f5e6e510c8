package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"ai-control-plane/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type captureSubmitter struct {
	ops []*domain.Operation
	err error
}

func (s *captureSubmitter) Submit(ctx context.Context, op *domain.Operation) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.ops = append(s.ops, op)
	return "op-1", nil
}

func TestShouldFireCron(t *testing.T) {
	trigger := &CronTrigger{Pattern: "30 9 * * *"}

	fire, err := ShouldFireCron(trigger, time.Date(2025, 6, 2, 9, 30, 15, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, fire, "seconds within the minute do not matter")

	fire, err = ShouldFireCron(trigger, time.Date(2025, 6, 2, 9, 31, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, fire)
}

func TestShouldFireCronWildcards(t *testing.T) {
	trigger := &CronTrigger{Pattern: "* * * * *"}

	fire, err := ShouldFireCron(trigger, time.Date(2025, 6, 2, 23, 59, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, fire)
}

func TestShouldFireCronDayOfWeek(t *testing.T) {
	// Mondays at 08:00. 2025-06-02 is a Monday.
	trigger := &CronTrigger{Pattern: "0 8 * * 1"}

	fire, err := ShouldFireCron(trigger, time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, fire)

	fire, err = ShouldFireCron(trigger, time.Date(2025, 6, 3, 8, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, fire)
}

func TestShouldFireCronTimezone(t *testing.T) {
	trigger := &CronTrigger{Pattern: "0 9 * * *", Timezone: "America/New_York"}

	// 13:00 UTC is 09:00 in New York during DST.
	fire, err := ShouldFireCron(trigger, time.Date(2025, 6, 2, 13, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, fire)

	fire, err = ShouldFireCron(trigger, time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, fire)
}

func TestShouldFireCronInvalidPattern(t *testing.T) {
	_, err := ShouldFireCron(&CronTrigger{Pattern: "not-a-cron"}, time.Now())
	assert.Error(t, err)
}

func TestMatchesEvent(t *testing.T) {
	trigger := &EventTrigger{Name: "email.received", Filter: map[string]string{"folder": "inbox"}}

	assert.True(t, MatchesEvent(trigger, "email.received", map[string]string{"folder": "inbox", "from": "a@b.c"}))
	assert.False(t, MatchesEvent(trigger, "email.received", map[string]string{"folder": "spam"}))
	assert.False(t, MatchesEvent(trigger, "email.deleted", map[string]string{"folder": "inbox"}))
	assert.False(t, MatchesEvent(trigger, "email.received", nil))
}

func TestMatchesEventNoFilter(t *testing.T) {
	trigger := &EventTrigger{Name: "meeting.ended"}
	assert.True(t, MatchesEvent(trigger, "meeting.ended", nil))
}

func TestMatchesCondition(t *testing.T) {
	vars := map[string]float64{"queue_depth": 12, "error_rate": 0.5}

	cases := []struct {
		expr string
		want bool
	}{
		{"queue_depth >= 10", true},
		{"queue_depth <= 10", false},
		{"queue_depth > 12", false},
		{"queue_depth < 20", true},
		{"queue_depth == 12", true},
		{"error_rate != 0.5", false},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			got, err := MatchesCondition(&ConditionTrigger{Expression: tc.expr}, vars)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMatchesConditionErrors(t *testing.T) {
	_, err := MatchesCondition(&ConditionTrigger{Expression: "queue_depth >="}, nil)
	assert.Error(t, err)

	_, err = MatchesCondition(&ConditionTrigger{Expression: "a ~ 3"}, map[string]float64{"a": 1})
	assert.Error(t, err)

	got, err := MatchesCondition(&ConditionTrigger{Expression: "missing > 1"}, map[string]float64{})
	require.NoError(t, err)
	assert.False(t, got, "unknown variables evaluate false")
}

func TestTimeRangeContains(t *testing.T) {
	day := TimeRange{Start: "09:00", End: "17:00"}

	in, err := day.Contains(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, in)

	in, _ = day.Contains(time.Date(2025, 6, 2, 8, 59, 0, 0, time.UTC))
	assert.False(t, in)
}

func TestTimeRangeSpansMidnight(t *testing.T) {
	night := TimeRange{Start: "22:00", End: "06:00"}

	for _, tc := range []struct {
		hour, minute int
		want         bool
	}{
		{23, 30, true},
		{2, 0, true},
		{6, 0, true},
		{6, 1, false},
		{12, 0, false},
		{21, 59, false},
	} {
		in, err := night.Contains(time.Date(2025, 6, 2, tc.hour, tc.minute, 0, 0, time.UTC))
		require.NoError(t, err)
		assert.Equal(t, tc.want, in, "%02d:%02d", tc.hour, tc.minute)
	}
}

func TestCanExecuteWithinBudget(t *testing.T) {
	b := &Budget{DailyLimitUSD: 10, CurrentSpendUSD: 8}

	assert.False(t, CanExecuteWithinBudget(b, 5))
	assert.True(t, CanExecuteWithinBudget(b, 2))
	assert.True(t, CanExecuteWithinBudget(nil, 1e9))
}

func cronJob(name, pattern string) *Job {
	return &Job{
		Name:          name,
		OperationType: "daily-briefing",
		TenantID:      "tenant-1",
		Trigger:       Trigger{Type: TriggerCron, Cron: &CronTrigger{Pattern: pattern}},
	}
}

func TestSchedulerTickFiresCronJob(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)}
	sub := &captureSubmitter{}
	s := New(sub, clock, nil, slog.Default())

	require.NoError(t, s.AddJob(cronJob("briefing", "30 9 * * *")))

	assert.Equal(t, 1, s.Tick(context.Background()))
	require.Len(t, sub.ops, 1)
	assert.Equal(t, "daily-briefing", sub.ops[0].Type)
	assert.Equal(t, "tenant-1", sub.ops[0].TenantID)
}

func TestSchedulerTickFiresOncePerMinute(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)}
	sub := &captureSubmitter{}
	s := New(sub, clock, nil, slog.Default())
	require.NoError(t, s.AddJob(cronJob("briefing", "30 9 * * *")))

	assert.Equal(t, 1, s.Tick(context.Background()))
	clock.Advance(10 * time.Second)
	assert.Equal(t, 0, s.Tick(context.Background()), "same minute must not re-fire")

	clock.Advance(24 * time.Hour)
	assert.Equal(t, 1, s.Tick(context.Background()))
}

func TestSchedulerQuietHoursGate(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 2, 23, 0, 0, 0, time.UTC)}
	sub := &captureSubmitter{}
	s := New(sub, clock, nil, slog.Default())

	job := cronJob("nightly", "0 23 * * *")
	job.QuietHours = []TimeRange{{Start: "22:00", End: "06:00"}}
	require.NoError(t, s.AddJob(job))

	assert.Equal(t, 0, s.Tick(context.Background()))
}

func TestSchedulerBudgetGateAndSpendTracking(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}
	sub := &captureSubmitter{}
	s := New(sub, clock, nil, slog.Default())

	job := cronJob("hourly", "0 * * * *")
	job.Budget = &Budget{DailyLimitUSD: 1.0}
	job.EstimatedCost = 0.6
	require.NoError(t, s.AddJob(job))

	assert.Equal(t, 1, s.Tick(context.Background()))

	// Second firing would push spend to 1.2, over the limit.
	clock.Advance(time.Hour)
	assert.Equal(t, 0, s.Tick(context.Background()))
}

func TestSchedulerConditionTrigger(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 2, 9, 0, 30, 0, time.UTC)}
	sub := &captureSubmitter{}
	depth := 5.0
	s := New(sub, clock, func() map[string]float64 {
		return map[string]float64{"queue_depth": depth}
	}, slog.Default())

	job := &Job{
		Name:          "drain-alarm",
		OperationType: "synthesis",
		TenantID:      "tenant-1",
		Trigger:       Trigger{Type: TriggerCondition, Condition: &ConditionTrigger{Expression: "queue_depth >= 10"}},
	}
	require.NoError(t, s.AddJob(job))

	assert.Equal(t, 0, s.Tick(context.Background()))
	depth = 15
	assert.Equal(t, 1, s.Tick(context.Background()))
}

func TestSchedulerHandleEvent(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}
	sub := &captureSubmitter{}
	s := New(sub, clock, nil, slog.Default())

	job := &Job{
		Name:          "on-email",
		OperationType: "email-analysis",
		TenantID:      "tenant-1",
		Trigger: Trigger{Type: TriggerEvent, Event: &EventTrigger{
			Name:   "email.received",
			Filter: map[string]string{"folder": "inbox"},
		}},
	}
	require.NoError(t, s.AddJob(job))

	assert.Equal(t, 1, s.HandleEvent(context.Background(), "email.received", map[string]string{"folder": "inbox"}))
	assert.Equal(t, 0, s.HandleEvent(context.Background(), "email.received", map[string]string{"folder": "archive"}))
	assert.Len(t, sub.ops, 1)
}

func TestSchedulerSubmitRejectionDoesNotSpendBudget(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}
	sub := &captureSubmitter{err: errors.New("quota exceeded")}
	s := New(sub, clock, nil, slog.Default())

	job := cronJob("hourly", "0 * * * *")
	job.Budget = &Budget{DailyLimitUSD: 1.0}
	job.EstimatedCost = 0.6
	require.NoError(t, s.AddJob(job))

	assert.Equal(t, 0, s.Tick(context.Background()))
	assert.Zero(t, job.Budget.CurrentSpendUSD)
}

func TestJobValidate(t *testing.T) {
	assert.Error(t, (&Job{}).Validate())
	assert.Error(t, cronJob("bad", "61 * * * *").Validate())
	assert.NoError(t, cronJob("good", "*/5 * * * *").Validate())

	j := &Job{Name: "e", OperationType: "t", TenantID: "x",
		Trigger: Trigger{Type: TriggerEvent, Event: &EventTrigger{}}}
	assert.Error(t, j.Validate())
}
