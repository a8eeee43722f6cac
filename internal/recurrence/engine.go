// Package recurrence computes when the next instance of a recurring task is
// due. It is pure: no clocks, no I/O, everything derives from the rule and
// the base time passed in.
package recurrence

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/taskloop/taskloop/internal/errors"
)

// Supported frequencies.
const (
	FrequencyDaily   = "daily"
	FrequencyWeekly  = "weekly"
	FrequencyMonthly = "monthly"
	FrequencyCustom  = "custom"
)

const day = 24 * time.Hour

// Rule is the recurrence configuration of one task. Interval applies to the
// fixed frequencies; custom rules carry their cadence in the cron expression
// and ignore Interval.
type Rule struct {
	Frequency      string
	Interval       int
	CronExpression string
}

// Next returns the next due time, strictly after base.
//
// Monthly means 30 days: the fixed step keeps results deterministic for any
// base date at the cost of calendar accuracy.
func Next(rule Rule, base time.Time) (time.Time, error) {
	var days int
	switch rule.Frequency {
	case FrequencyDaily:
		days = 1
	case FrequencyWeekly:
		days = 7
	case FrequencyMonthly:
		days = 30
	case FrequencyCustom:
		return nextCron(rule.CronExpression, base)
	default:
		return time.Time{}, errors.NewValidationError("frequency", "unknown frequency: "+rule.Frequency)
	}

	if rule.Interval < 1 {
		return time.Time{}, errors.NewValidationError("interval", "must be at least 1")
	}
	return base.Add(time.Duration(rule.Interval*days) * day), nil
}

func nextCron(expr string, base time.Time) (time.Time, error) {
	if expr == "" {
		return time.Time{}, errors.NewValidationError("cron_expression", "required for custom frequency")
	}

	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, errors.NewValidationError("cron_expression", "invalid cron expression: "+err.Error())
	}

	// Schedule.Next is exclusive of its argument, so an expression firing
	// exactly at base yields the following occurrence.
	next := schedule.Next(base)
	if next.IsZero() {
		return time.Time{}, errors.NewValidationError("cron_expression", "expression never fires: "+expr)
	}
	return next, nil
}

// ValidateRule checks a rule configuration before it is stored. The same
// rules the engine enforces at evaluation time apply at creation time, plus
// the constraint that only custom rules carry a cron expression.
func ValidateRule(rule Rule) error {
	switch rule.Frequency {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		if rule.CronExpression != "" {
			return errors.NewValidationError("cron_expression", "only allowed with custom frequency")
		}
	case FrequencyCustom:
		if rule.CronExpression == "" {
			return errors.NewValidationError("cron_expression", "required for custom frequency")
		}
		if _, err := cron.ParseStandard(rule.CronExpression); err != nil {
			return errors.NewValidationError("cron_expression", "invalid cron expression: "+err.Error())
		}
	default:
		return errors.NewValidationError("frequency", "must be one of daily, weekly, monthly, custom")
	}

	if rule.Interval < 1 {
		return errors.NewValidationError("interval", "must be at least 1")
	}
	return nil
}
