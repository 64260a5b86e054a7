// Package timeutil evaluates relative durations and 5-field cron
// expressions. Cron evaluation goes through github.com/robfig/cron/v3,
// parameterized by a per-call IANA timezone, with a one-year probe horizon
// that rejects expressions that can never fire.
package timeutil

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/temporal-agent/scheduler/internal/apperr"
)

var relDuration = regexp.MustCompile(`^(\d+)(ms|s|m|h|d|w)$`)

var unitScale = map[string]time.Duration{
	"ms": time.Millisecond,
	"s":  time.Second,
	"m":  time.Minute,
	"h":  time.Hour,
	"d":  24 * time.Hour,
	"w":  7 * 24 * time.Hour,
}

// ResolveOneShot accepts either an absolute ISO-8601 timestamp ("at") or a
// relative duration string of the form <integer><unit> ("in"), and returns
// the absolute fire time. Exactly one of at/in must be non-empty.
func ResolveOneShot(at, in string, now time.Time) (time.Time, error) {
	switch {
	case at != "" && in != "":
		return time.Time{}, apperr.New(apperr.InvalidInput, "specify only one of 'at' or 'in'")
	case at != "":
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return time.Time{}, apperr.Wrap(apperr.InvalidTime, "unparseable absolute timestamp", err)
		}
		if !t.After(now) {
			return time.Time{}, apperr.New(apperr.InvalidTime, "absolute timestamp is in the past")
		}
		return t, nil
	case in != "":
		d, err := parseRelative(in)
		if err != nil {
			return time.Time{}, err
		}
		return now.Add(d), nil
	default:
		return time.Time{}, apperr.New(apperr.InvalidInput, "one of 'at' or 'in' is required")
	}
}

func parseRelative(s string) (time.Duration, error) {
	m := relDuration.FindStringSubmatch(s)
	if m == nil {
		return 0, apperr.New(apperr.InvalidTime, "relative duration must match <integer><ms|s|m|h|d|w>")
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, apperr.Wrap(apperr.InvalidTime, "relative duration overflow", err)
	}
	return time.Duration(n) * unitScale[m[2]], nil
}

const maxProbeHorizon = 366 * 24 * time.Hour

// NextAfter returns the smallest instant strictly greater than t that
// matches the 5-field cron expression, evaluated in the named IANA
// timezone. Fails with InvalidCron if no match falls within one year
// (guards against infeasible field combinations such as "0 9 30 2 *",
// February 30th).
func NextAfter(expr, tz string, t time.Time) (time.Time, error) {
	sched, err := parse(expr, tz)
	if err != nil {
		return time.Time{}, err
	}
	loc := sched.loc
	next := sched.schedule.Next(t.In(loc))
	if next.IsZero() || next.Sub(t) > maxProbeHorizon {
		return time.Time{}, apperr.New(apperr.InvalidCron, "cron expression does not match within one year")
	}
	return next, nil
}

// Upcoming returns the next n matches of expr after t.
func Upcoming(expr, tz string, t time.Time, n int) ([]time.Time, error) {
	sched, err := parse(expr, tz)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	cursor := t.In(sched.loc)
	for i := 0; i < n; i++ {
		next := sched.schedule.Next(cursor)
		if next.IsZero() || next.Sub(cursor) > maxProbeHorizon {
			return nil, apperr.New(apperr.InvalidCron, "cron expression does not match within one year")
		}
		out = append(out, next)
		cursor = next
	}
	return out, nil
}

// Describe returns a best-effort human-readable form of a cron expression.
// Equality with the raw expression is an acceptable fallback.
func Describe(expr string) string {
	known := map[string]string{
		"* * * * *": "every minute",
		"0 * * * *": "every hour",
		"0 0 * * *": "every day at midnight",
		"0 9 * * *": "every day at 9:00",
		"0 0 * * 0": "every Sunday at midnight",
		"0 0 1 * *": "on the first of every month",
	}
	if d, ok := known[expr]; ok {
		return d
	}
	return expr
}

type parsedSchedule struct {
	schedule cron.Schedule
	loc      *time.Location
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func parse(expr, tz string) (*parsedSchedule, error) {
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidInput, "unknown IANA timezone", err)
	}
	sched, err := cronParser.Parse(fmt.Sprintf("CRON_TZ=%s %s", tz, expr))
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidCron, "unparseable cron expression", err)
	}
	return &parsedSchedule{schedule: sched, loc: loc}, nil
}
