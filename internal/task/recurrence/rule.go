package recurrence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cadence/internal/apperr"

	"github.com/robfig/cron/v3"
	"github.com/teambition/rrule-go"
)

// ErrInvalidRecurrence means a rule has no occurrence at or after the
// reference instant (bounded rule exhausted, impossible date).
var ErrInvalidRecurrence = errors.New("recurrence has no future occurrence")

// InvalidRecurrenceError names the rule that ran out of occurrences.
type InvalidRecurrenceError struct {
	Rule string
	Ref  time.Time
}

func (e *InvalidRecurrenceError) Error() string {
	return fmt.Sprintf("rule %q: no occurrence at or after %s", e.Rule, e.Ref.UTC().Format(time.RFC3339))
}

func (e *InvalidRecurrenceError) Unwrap() error { return ErrInvalidRecurrence }

// Kind describes the dialect of a parsed rule.
type Kind int

const (
	KindRRule Kind = iota
	KindCron
)

func (k Kind) String() string {
	switch k {
	case KindCron:
		return "cron"
	default:
		return "rrule"
	}
}

// Rule is a validated recurrence rule.
type Rule struct {
	Kind   Kind
	Source string
	// Body is the rule without its dialect prefix.
	Body string
}

// Bounded reports whether the rule carries COUNT or UNTIL.
func (r Rule) Bounded() bool {
	if r.Kind != KindRRule {
		return false
	}
	up := strings.ToUpper(r.Body)
	return strings.Contains(up, "COUNT=") || strings.Contains(up, "UNTIL=")
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse validates raw and reports its dialect.
func Parse(raw string) (Rule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Rule{}, apperr.Validationf("recurrence", "rule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(s, strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "rrule:"):
		return parseRRule(s, strings.TrimSpace(s[len("rrule:"):]))
	case strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@"):
		return parseCron(s, s)
	default:
		return parseRRule(s, s)
	}
}

func parseCron(src, expr string) (Rule, error) {
	if expr == "" {
		return Rule{}, apperr.Validationf("recurrence", "cron expression required after 'cron:'")
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return Rule{}, apperr.Validationf("recurrence", "invalid cron %q: %v", expr, err)
	}
	return Rule{Kind: KindCron, Source: src, Body: expr}, nil
}

func parseRRule(src, body string) (Rule, error) {
	if body == "" {
		return Rule{}, apperr.Validationf("recurrence", "rrule body required")
	}
	if !strings.Contains(strings.ToUpper(body), "FREQ=") {
		return Rule{}, apperr.Validationf("recurrence", "invalid rule %q (use RRULE like 'FREQ=DAILY;BYHOUR=9' or cron like 'cron:0 9 * * *')", src)
	}
	if strings.Contains(strings.ToUpper(body), "DTSTART") {
		return Rule{}, apperr.Validationf("recurrence", "DTSTART is taken from the trigger start time; remove it from %q", src)
	}
	if _, err := rrule.StrToROptionInLocation(body, time.UTC); err != nil {
		return Rule{}, apperr.Validationf("recurrence", "invalid rrule %q: %v", body, err)
	}
	return Rule{Kind: KindRRule, Source: src, Body: body}, nil
}

// Next returns the first occurrence of raw at or after ref, in UTC.
//
// anchor is the rule's start (DTSTART); BY* parts and wall-clock fields are
// evaluated in tz (IANA name, empty = UTC).
func Next(raw string, anchor, ref time.Time, tz string) (time.Time, error) {
	rule, err := Parse(raw)
	if err != nil {
		return time.Time{}, err
	}
	loc, err := LoadLocation(tz)
	if err != nil {
		return time.Time{}, err
	}

	var next time.Time
	switch rule.Kind {
	case KindCron:
		sched, err := cronParser.Parse(rule.Body)
		if err != nil {
			return time.Time{}, apperr.Validationf("recurrence", "invalid cron %q: %v", rule.Body, err)
		}
		from := ref
		if from.Before(anchor) {
			from = anchor
		}
		// cron.Next is strictly-after; step back so an exact match at from counts.
		next = sched.Next(from.In(loc).Add(-time.Nanosecond))
	default:
		if anchor.IsZero() {
			return time.Time{}, apperr.Validationf("recurrence", "anchor (start time) required for rrule")
		}
		opt, err := rrule.StrToROptionInLocation(rule.Body, loc)
		if err != nil {
			return time.Time{}, apperr.Validationf("recurrence", "invalid rrule %q: %v", rule.Body, err)
		}
		opt.Dtstart = anchor.In(loc).Truncate(time.Second)
		r, err := rrule.NewRRule(*opt)
		if err != nil {
			return time.Time{}, apperr.Validationf("recurrence", "invalid rrule %q: %v", rule.Body, err)
		}
		next = r.After(ref.In(loc), true)
	}

	if next.IsZero() {
		return time.Time{}, &InvalidRecurrenceError{Rule: rule.Source, Ref: ref}
	}
	return next.UTC(), nil
}

// LoadLocation resolves an IANA timezone name; empty means UTC.
func LoadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, apperr.Validationf("timezone", "unknown %q: %v", tz, err)
	}
	return loc, nil
}

// Daily returns "FREQ=DAILY;INTERVAL=n" at hh:mm.
func Daily(every, hour, minute int) string {
	if every <= 0 {
		every = 1
	}
	return fmt.Sprintf("FREQ=DAILY;INTERVAL=%d;BYHOUR=%d;BYMINUTE=%d;BYSECOND=0", every, hour, minute)
}

// Weekly returns a weekly rule on the given RFC 5545 day codes at hh:mm.
func Weekly(days []string, hour, minute int) string {
	return fmt.Sprintf("FREQ=WEEKLY;BYDAY=%s;BYHOUR=%d;BYMINUTE=%d;BYSECOND=0", strings.Join(days, ","), hour, minute)
}

// ParseClock parses "HH:MM" (24h).
func ParseClock(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
