package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cron is a parsed cron trigger. All times are UTC.
type Cron struct {
	Hourly  bool          // fire every hour at Minute; Hour and Weekday are unused
	Hour    int           // 0-23
	Minute  int           // 0-59
	Weekday *time.Weekday // nil fires every day
}

// ParseCron parses a cron trigger spec:
//
//	hourly            every hour at :00
//	hourly:MM         every hour at :MM
//	daily             every day at 00:00
//	HH:MM, daily:HH:MM
//	weekly            every Monday at 00:00
//	weekly:Day, weekly:Day:HH:MM
func ParseCron(spec string) (Cron, error) {
	spec = strings.ToLower(strings.TrimSpace(spec))
	if spec == "" {
		return Cron{}, errors.New("empty cron spec")
	}

	kind, rest, _ := strings.Cut(spec, ":")
	switch kind {
	case "hourly":
		c := Cron{Hourly: true}
		if rest != "" {
			m, err := parseField(rest, "minute", 59)
			if err != nil {
				return Cron{}, err
			}
			c.Minute = m
		}
		return c, nil

	case "daily":
		if rest == "" {
			return Cron{}, nil
		}
		h, m, err := parseClock(rest)
		return Cron{Hour: h, Minute: m}, err

	case "weekly":
		mon := time.Monday
		if rest == "" {
			return Cron{Weekday: &mon}, nil
		}
		dayStr, clock, _ := strings.Cut(rest, ":")
		day, err := parseDay(dayStr)
		if err != nil {
			return Cron{}, err
		}
		c := Cron{Weekday: &day}
		if clock != "" {
			if c.Hour, c.Minute, err = parseClock(clock); err != nil {
				return Cron{}, err
			}
		}
		return c, nil

	default:
		h, m, err := parseClock(spec)
		if err != nil {
			return Cron{}, fmt.Errorf("unrecognized cron spec %q", spec)
		}
		return Cron{Hour: h, Minute: m}, nil
	}
}

// NextAfter returns the first firing strictly after t.
func (c Cron) NextAfter(t time.Time) time.Time {
	t = t.UTC()

	if c.Hourly {
		n := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), c.Minute, 0, 0, time.UTC)
		if !n.After(t) {
			n = n.Add(time.Hour)
		}
		return n
	}

	n := time.Date(t.Year(), t.Month(), t.Day(), c.Hour, c.Minute, 0, 0, time.UTC)
	if !n.After(t) {
		n = n.AddDate(0, 0, 1)
	}
	if c.Weekday != nil {
		for n.Weekday() != *c.Weekday {
			n = n.AddDate(0, 0, 1)
		}
	}
	return n
}

func parseClock(s string) (hour, minute int, err error) {
	hs, ms, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	if hour, err = parseField(hs, "hour", 23); err != nil {
		return 0, 0, err
	}
	if minute, err = parseField(ms, "minute", 59); err != nil {
		return 0, 0, err
	}
	return hour, minute, nil
}

func parseField(s, name string, maxVal int) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > maxVal {
		return 0, fmt.Errorf("invalid %s %q", name, s)
	}
	return n, nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func parseDay(s string) (time.Weekday, error) {
	s = strings.TrimSpace(s)
	if len(s) >= 3 {
		if d, ok := weekdays[s[:3]]; ok && strings.HasPrefix(strings.ToLower(d.String()), s) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}
