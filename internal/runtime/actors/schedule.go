package actors

import (
	"fmt"
	"strings"
	"time"

	robfig "github.com/robfig/cron/v3"
)

var cronParser = robfig.NewParser(
	robfig.SecondOptional | robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow | robfig.Descriptor,
)

// Schedule is the parsed firing plan of a timer or reminder.
//
// DueTime is a Go duration relative to registration or an RFC3339 instant.
// Period is a Go duration or a cron expression. TTL is a duration relative to
// the first fire or an RFC3339 instant. Without a DueTime a periodic schedule
// first fires one period after registration and a one-shot fires at once.
type Schedule struct {
	first   time.Time
	period  time.Duration
	cron    robfig.Schedule
	expires time.Time
}

// ParseSchedule builds a Schedule relative to registeredAt.
func ParseSchedule(dueTime, period, ttl string, registeredAt time.Time) (Schedule, error) {
	var s Schedule
	if p := strings.TrimSpace(period); p != "" {
		if d, err := time.ParseDuration(p); err == nil {
			if d <= 0 {
				return Schedule{}, fmt.Errorf("period %q must be positive", period)
			}
			s.period = d
		} else {
			c, err := cronParser.Parse(p)
			if err != nil {
				return Schedule{}, fmt.Errorf("period %q is neither a duration nor a cron expression: %w", period, err)
			}
			s.cron = c
		}
	}

	due := strings.TrimSpace(dueTime)
	switch {
	case due != "":
		at, err := parseInstant(due, registeredAt)
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid dueTime %q: %w", dueTime, err)
		}
		s.first = at
	case s.period > 0:
		s.first = registeredAt.Add(s.period)
	case s.cron != nil:
		s.first = s.cron.Next(registeredAt)
	default:
		s.first = registeredAt
	}

	if t := strings.TrimSpace(ttl); t != "" {
		at, err := parseInstant(t, s.first)
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid ttl %q: %w", ttl, err)
		}
		s.expires = at
	}
	return s, nil
}

func parseInstant(v string, base time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(v); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("must not be negative")
		}
		return base.Add(d), nil
	}
	return time.Parse(time.RFC3339Nano, v)
}

// Periodic reports whether the schedule fires more than once.
func (s Schedule) Periodic() bool {
	return s.period > 0 || s.cron != nil
}

// First returns the first fire time.
func (s Schedule) First() time.Time {
	return s.first
}

// Next returns the fire time following prev, or the zero time when the
// schedule is done.
func (s Schedule) Next(prev time.Time) time.Time {
	var next time.Time
	switch {
	case s.period > 0:
		next = prev.Add(s.period)
	case s.cron != nil:
		next = s.cron.Next(prev)
	default:
		return time.Time{}
	}
	if s.Expired(next) {
		return time.Time{}
	}
	return next
}

// NextAfter returns the first fire time strictly after now, starting from
// first. Missed ticks collapse into one.
func (s Schedule) NextAfter(now time.Time) time.Time {
	at := s.first
	for !at.IsZero() && !at.After(now) {
		at = s.Next(at)
	}
	return at
}

// Following returns the first fire time after both prev and now.
func (s Schedule) Following(prev, now time.Time) time.Time {
	at := s.Next(prev)
	for !at.IsZero() && !at.After(now) {
		at = s.Next(at)
	}
	return at
}

// Expired reports whether t lies at or beyond the TTL.
func (s Schedule) Expired(t time.Time) bool {
	return !s.expires.IsZero() && !t.Before(s.expires)
}
