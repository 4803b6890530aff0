package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"jobhost/internal/job"
)

// Rule is a parsed recurrence rule evaluated in a fixed location.
//
// Accepted forms:
//   - five-field cron: "* * * * *", "*/5 9-17 * * MON-FRI" (an optional leading seconds field is allowed)
//   - descriptors: "@hourly", "@daily", "@every 90s"
//   - interval shorthands: "55m", "2h30m", "02:30" (2 hours 30 minutes)
//
// Optional prefixes "cron:" and "every:"/"interval:" force the interpretation.
type Rule struct {
	expr  string
	sched cron.Schedule
	loc   *time.Location
}

var rulesParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseRule parses raw into a Rule evaluated in loc (nil means UTC).
// Failures wrap job.ErrInvalidRecurrenceRule.
func ParseRule(raw string, loc *time.Location) (Rule, error) {
	if loc == nil {
		loc = time.UTC
	}
	expr, err := normalizeRule(raw)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: %v", job.ErrInvalidRecurrenceRule, err)
	}
	sched, err := rulesParser.Parse(expr)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: %q: %v", job.ErrInvalidRecurrenceRule, raw, err)
	}
	return Rule{expr: expr, sched: sched, loc: loc}, nil
}

func normalizeRule(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("rule required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return "", fmt.Errorf("cron expression required after 'cron:'")
		}
		return expr, nil
	case strings.HasPrefix(low, "interval:"):
		return everyExpr(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return everyExpr(s[len("every:"):])
	}

	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return s, nil
	}
	if expr, err := everyExpr(s); err == nil {
		return expr, nil
	}
	return "", fmt.Errorf("%q is not a cron expression like '*/5 * * * *', HH:MM like '02:30' or a duration like '55m'", raw)
}

func everyExpr(v string) (string, error) {
	d, err := parseInterval(v)
	if err != nil {
		return "", err
	}
	return "@every " + d.String(), nil
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return 0, fmt.Errorf("invalid interval %q", v)
		}
	}
	if d < time.Second {
		return 0, fmt.Errorf("interval must be at least 1s")
	}
	return d, nil
}

// String is the normalized expression stored on the entry.
func (r Rule) String() string { return r.expr }

func (r Rule) Location() *time.Location { return r.loc }

// Next returns the earliest firing instant strictly after t, in UTC.
// The zero time means the rule never fires again.
func (r Rule) Next(t time.Time) time.Time {
	if r.sched == nil {
		return time.Time{}
	}
	n := r.sched.Next(t.In(r.loc))
	if n.IsZero() {
		return n
	}
	return n.UTC()
}

// Upcoming returns up to n consecutive firing instants after t.
func (r Rule) Upcoming(t time.Time, n int) []time.Time {
	out := make([]time.Time, 0, max(n, 0))
	for i := 0; i < n; i++ {
		t = r.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.EqualFold(tz, "utc") {
		return time.UTC, nil
	}
	if strings.EqualFold(tz, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}
