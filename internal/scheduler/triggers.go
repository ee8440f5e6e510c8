package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// TriggerType names the kind of condition that fires a scheduled job.
type TriggerType string

const (
	TriggerCron      TriggerType = "cron"
	TriggerEvent     TriggerType = "event"
	TriggerCondition TriggerType = "condition"
)

// CronTrigger fires on a standard 5-field cron pattern, evaluated in the
// given timezone (UTC when empty).
type CronTrigger struct {
	Pattern  string `json:"pattern"`
	Timezone string `json:"timezone,omitempty"`
}

// EventTrigger fires on a named event whose data matches every filter key.
type EventTrigger struct {
	Name   string            `json:"name"`
	Filter map[string]string `json:"filter,omitempty"`
}

// ConditionTrigger fires when a single "variable operator number" expression
// holds against the caller-supplied context.
type ConditionTrigger struct {
	Expression string `json:"expression"`
}

// Trigger is the tagged union of the three trigger kinds.
type Trigger struct {
	Type      TriggerType       `json:"type"`
	Cron      *CronTrigger      `json:"cron,omitempty"`
	Event     *EventTrigger     `json:"event,omitempty"`
	Condition *ConditionTrigger `json:"condition,omitempty"`
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ShouldFireCron reports whether the cron pattern matches the given instant,
// at minute granularity, in the trigger's timezone. Evaluation is pure: the
// caller drives it on its own tick.
func ShouldFireCron(trigger *CronTrigger, now time.Time) (bool, error) {
	sched, err := cronParser.Parse(trigger.Pattern)
	if err != nil {
		return false, fmt.Errorf("invalid cron pattern %q: %w", trigger.Pattern, err)
	}

	loc := time.UTC
	if trigger.Timezone != "" {
		loc, err = time.LoadLocation(trigger.Timezone)
		if err != nil {
			return false, fmt.Errorf("invalid timezone %q: %w", trigger.Timezone, err)
		}
	}

	// The pattern matches the current minute iff that minute is the next
	// activation strictly after the previous second.
	minute := now.In(loc).Truncate(time.Minute)
	return sched.Next(minute.Add(-time.Second)).Equal(minute), nil
}

// MatchesEvent reports whether an event with the given name and data fires
// the trigger: exact name match plus equality on every declared filter key.
func MatchesEvent(trigger *EventTrigger, name string, data map[string]string) bool {
	if trigger.Name != name {
		return false
	}
	for key, want := range trigger.Filter {
		if data[key] != want {
			return false
		}
	}
	return true
}

// MatchesCondition parses the trigger's "variable operator number" expression
// and evaluates it against the context variables. Unknown variables evaluate
// to false rather than erroring, since the context is caller-owned.
func MatchesCondition(trigger *ConditionTrigger, context map[string]float64) (bool, error) {
	fields := strings.Fields(trigger.Expression)
	if len(fields) != 3 {
		return false, fmt.Errorf("condition %q must be 'variable operator number'", trigger.Expression)
	}

	variable, op, rawValue := fields[0], fields[1], fields[2]
	value, err := strconv.ParseFloat(rawValue, 64)
	if err != nil {
		return false, fmt.Errorf("condition %q has non-numeric operand: %w", trigger.Expression, err)
	}

	current, ok := context[variable]
	if !ok {
		return false, nil
	}

	switch op {
	case ">=":
		return current >= value, nil
	case "<=":
		return current <= value, nil
	case ">":
		return current > value, nil
	case "<":
		return current < value, nil
	case "==":
		return current == value, nil
	case "!=":
		return current != value, nil
	default:
		return false, fmt.Errorf("condition %q has unsupported operator %q", trigger.Expression, op)
	}
}

// TimeRange is a daily clock-time range in "HH:MM" form. End before Start
// means the range spans midnight.
type TimeRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Contains reports whether the instant's local clock time falls inside the
// range, inclusive at both ends.
func (r TimeRange) Contains(now time.Time) (bool, error) {
	start, err := parseClock(r.Start)
	if err != nil {
		return false, err
	}
	end, err := parseClock(r.End)
	if err != nil {
		return false, err
	}

	minute := now.Hour()*60 + now.Minute()
	if start <= end {
		return start <= minute && minute <= end, nil
	}
	// Spans midnight, e.g. 22:00-06:00.
	return minute >= start || minute <= end, nil
}

// IsWithinSLAWindow reports whether now falls inside the job's SLA window.
// A nil window never gates.
func IsWithinSLAWindow(window *TimeRange, now time.Time) (bool, error) {
	if window == nil {
		return true, nil
	}
	return window.Contains(now)
}

// IsInQuietHours reports whether now falls inside any quiet-hours range.
func IsInQuietHours(ranges []TimeRange, now time.Time) (bool, error) {
	for _, r := range ranges {
		in, err := r.Contains(now)
		if err != nil {
			return false, err
		}
		if in {
			return true, nil
		}
	}
	return false, nil
}

// Budget is a job's daily cost allowance.
type Budget struct {
	DailyLimitUSD   float64 `json:"daily_limit_usd"`
	CurrentSpendUSD float64 `json:"current_spend_usd"`
}

// CanExecuteWithinBudget reports whether the estimated cost still fits the
// daily limit. A nil budget never gates.
func CanExecuteWithinBudget(budget *Budget, estimatedCost float64) bool {
	if budget == nil {
		return true
	}
	return budget.CurrentSpendUSD+estimatedCost <= budget.DailyLimitUSD
}
