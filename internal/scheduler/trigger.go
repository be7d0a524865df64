package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/keel/pkg/models"
)

// MaxIntervalMs caps parsed every-intervals at the largest integer a JSON
// number can carry exactly (2^53-1 milliseconds).
const MaxIntervalMs = int64(1)<<53 - 1

// cronParser accepts standard 5-field expressions, optional seconds, and
// descriptors like @hourly.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

var intervalPattern = regexp.MustCompile(`^(\d+)(s|m|h|d)$`)

// ParseInterval parses an every-trigger interval of the form "<N><s|m|h|d>".
// It rejects malformed input, zero durations, and values whose millisecond
// count overflows MaxIntervalMs.
func ParseInterval(s string) (time.Duration, error) {
	match := intervalPattern.FindStringSubmatch(strings.TrimSpace(s))
	if match == nil {
		return 0, fmt.Errorf("scheduler: invalid interval %q (want <N><s|m|h|d>)", s)
	}
	n, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("scheduler: interval %q out of range", s)
	}
	if n <= 0 {
		return 0, fmt.Errorf("scheduler: interval %q must be positive", s)
	}

	var unit time.Duration
	switch match[2] {
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	}
	if n > MaxIntervalMs/unit.Milliseconds() {
		return 0, fmt.Errorf("scheduler: interval %q exceeds %d ms", s, MaxIntervalMs)
	}
	return time.Duration(n) * unit, nil
}

// ValidateTrigger checks that the trigger's type-specific fields parse.
func ValidateTrigger(t models.Trigger) error {
	switch t.Type {
	case models.TriggerEvery:
		_, err := ParseInterval(t.Interval)
		return err
	case models.TriggerAt:
		if t.At == nil || t.At.IsZero() {
			return fmt.Errorf("scheduler: at trigger requires a timestamp")
		}
		return nil
	case models.TriggerCron:
		if strings.TrimSpace(t.Expression) == "" {
			return fmt.Errorf("scheduler: cron trigger requires an expression")
		}
		if _, err := cronParser.Parse(t.Expression); err != nil {
			return fmt.Errorf("scheduler: invalid cron expression: %w", err)
		}
		if t.Timezone != "" {
			if _, err := time.LoadLocation(t.Timezone); err != nil {
				return fmt.Errorf("scheduler: invalid timezone %q: %w", t.Timezone, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("scheduler: unknown trigger type %q", t.Type)
	}
}

// nextOccurrence computes the first firing instant strictly after base.
// ok=false means the trigger has no future occurrence (a consumed one-shot).
func nextOccurrence(t models.Trigger, base time.Time) (time.Time, bool, error) {
	switch t.Type {
	case models.TriggerEvery:
		interval, err := ParseInterval(t.Interval)
		if err != nil {
			return time.Time{}, false, err
		}
		return base.Add(interval), true, nil
	case models.TriggerAt:
		if t.At == nil {
			return time.Time{}, false, fmt.Errorf("scheduler: at trigger missing timestamp")
		}
		if !t.At.After(base) {
			return time.Time{}, false, nil
		}
		return *t.At, true, nil
	case models.TriggerCron:
		sched, err := cronParser.Parse(t.Expression)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("scheduler: parse cron expression: %w", err)
		}
		loc := time.UTC
		if t.Timezone != "" {
			tz, err := time.LoadLocation(t.Timezone)
			if err != nil {
				return time.Time{}, false, fmt.Errorf("scheduler: load timezone: %w", err)
			}
			loc = tz
		}
		next := sched.Next(base.In(loc))
		return next.UTC(), !next.IsZero(), nil
	default:
		return time.Time{}, false, fmt.Errorf("scheduler: unknown trigger type %q", t.Type)
	}
}

// initialNextRun computes next_run_at for a schedule entering active status.
// An at trigger keeps its literal instant even when already past, so a
// one-shot created late still fires once; recurring triggers anchor on the
// last run when one exists, otherwise on now.
func initialNextRun(s *models.Schedule, now time.Time) (*time.Time, error) {
	if s.Trigger.Type == models.TriggerAt {
		at := s.Trigger.At.UTC()
		return &at, nil
	}
	base := now
	if s.LastRunAt != nil {
		base = *s.LastRunAt
	}
	next, ok, err := nextOccurrence(s.Trigger, base)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	// A stale anchor must not produce a next run already in the past.
	if next.Before(now) {
		next, ok, err = nextOccurrence(s.Trigger, now)
		if err != nil || !ok {
			return nil, err
		}
	}
	return &next, nil
}

// missedOccurrences counts firing instants in (nextRun, now], bounded by
// limit. Used by the catchup_all missed-run policy.
func missedOccurrences(t models.Trigger, nextRun, now time.Time, limit int) int {
	if limit < 1 {
		limit = 1
	}
	switch t.Type {
	case models.TriggerEvery:
		interval, err := ParseInterval(t.Interval)
		if err != nil || interval <= 0 {
			return 1
		}
		n := int(now.Sub(nextRun)/interval) + 1
		if n > limit {
			return limit
		}
		return n
	case models.TriggerCron:
		count := 0
		base := nextRun.Add(-time.Second)
		for count < limit {
			next, ok, err := nextOccurrence(t, base)
			if err != nil || !ok || next.After(now) {
				break
			}
			count++
			base = next
		}
		if count < 1 {
			return 1
		}
		return count
	default:
		return 1
	}
}
