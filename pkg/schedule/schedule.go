package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"stepflow/pkg/models"
)

var (
	ErrUnknownKind = errors.New("unknown schedule kind")
)

// Evaluator computes fire times for the four schedule variants. Cron
// expressions carry an optional seconds field and are always evaluated in the
// job's timezone; evaluating in UTC would misfire across DST transitions.
type Evaluator struct {
	parser cron.Parser
}

func NewEvaluator() *Evaluator {
	return &Evaluator{
		parser: cron.NewParser(
			cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		),
	}
}

// Validate rejects malformed schedules before they reach the jobs table.
func (e *Evaluator) Validate(s models.Schedule) error {
	switch s.Kind {
	case models.ScheduleCron:
		if _, err := e.parser.Parse(s.Expression); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", s.Expression, err)
		}
		if s.Timezone != "" {
			if _, err := time.LoadLocation(s.Timezone); err != nil {
				return fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
			}
		}
		return nil
	case models.ScheduleFixedDelay:
		if s.DelaySeconds <= 0 {
			return errors.New("fixed_delay requires delay_seconds > 0")
		}
		return nil
	case models.ScheduleFixedRate:
		if s.IntervalSeconds <= 0 {
			return errors.New("fixed_rate requires interval_seconds > 0")
		}
		return nil
	case models.ScheduleOneTime:
		if s.ExecuteAt == nil {
			return errors.New("one_time requires execute_at")
		}
		return nil
	}
	return ErrUnknownKind
}

// Next returns the next fire time, or nil when the schedule will never fire
// again. FixedDelay anchors on the last completion, FixedRate on the last
// start, OneTime fires once, and Cron coalesces missed occurrences: it never
// backfills, only returns the next occurrence at or after now.
func (e *Evaluator) Next(s models.Schedule, lastStart, lastCompletion *time.Time, now time.Time) (*time.Time, error) {
	switch s.Kind {
	case models.ScheduleCron:
		return e.nextCron(s, now)

	case models.ScheduleFixedDelay:
		if lastCompletion == nil {
			return &now, nil
		}
		t := lastCompletion.Add(time.Duration(s.DelaySeconds) * time.Second)
		return &t, nil

	case models.ScheduleFixedRate:
		if lastStart == nil {
			return &now, nil
		}
		t := lastStart.Add(time.Duration(s.IntervalSeconds) * time.Second)
		return &t, nil

	case models.ScheduleOneTime:
		if lastStart != nil {
			return nil, nil // consumed after first run
		}
		t := *s.ExecuteAt
		return &t, nil
	}
	return nil, ErrUnknownKind
}

// IsComplete reports whether the schedule has nothing left to do. A one-time
// schedule is complete after its single run; a cron schedule is complete once
// its end date has passed and it has fired at least once.
func (e *Evaluator) IsComplete(s models.Schedule, lastStart *time.Time, now time.Time) bool {
	switch s.Kind {
	case models.ScheduleOneTime:
		return lastStart != nil
	case models.ScheduleCron:
		return s.EndDate != nil && now.After(*s.EndDate) && lastStart != nil
	}
	return false
}

func (e *Evaluator) nextCron(s models.Schedule, now time.Time) (*time.Time, error) {
	spec, err := e.parser.Parse(s.Expression)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", s.Expression, err)
	}

	loc := time.Local
	if s.Timezone != "" {
		loc, err = time.LoadLocation(s.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
		}
	}

	next := spec.Next(now.In(loc))
	if next.IsZero() {
		return nil, nil
	}
	if s.EndDate != nil && next.After(*s.EndDate) {
		return nil, nil
	}
	return &next, nil
}
