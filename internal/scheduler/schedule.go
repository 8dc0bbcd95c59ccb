package scheduler

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// ErrInvalidSchedule rejects expressions the parser cannot accept.
var ErrInvalidSchedule = errors.New("invalid schedule expression")

var intervalRe = regexp.MustCompile(`^(\d+)([smh])$`)

// Schedule is a parsed cron expression or interval shorthand.
// The printed normalized form parses back to an equal schedule.
type Schedule struct {
	cron     string        // 6-field normalized form; empty for intervals
	interval time.Duration // zero for cron schedules
	unit     byte          // 's', 'm' or 'h' for intervals
}

// ParseSchedule accepts 5-field cron (m h dom mon dow), 6-field cron
// (s m h dom mon dow), and interval shorthand Ns|Nm|Nh with N >= 1.
func ParseSchedule(expr string) (*Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidSchedule)
	}

	if m := intervalRe.FindStringSubmatch(expr); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 {
			return nil, fmt.Errorf("%w: interval %q", ErrInvalidSchedule, expr)
		}
		var d time.Duration
		switch m[2][0] {
		case 's':
			d = time.Duration(n) * time.Second
		case 'm':
			d = time.Duration(n) * time.Minute
		case 'h':
			d = time.Duration(n) * time.Hour
		}
		return &Schedule{interval: d, unit: m[2][0]}, nil
	}

	fields := strings.Fields(expr)
	switch len(fields) {
	case 5:
		// Normalize to the 6-field form firing at second 0.
		fields = append([]string{"0"}, fields...)
	case 6:
	default:
		return nil, fmt.Errorf("%w: %d fields", ErrInvalidSchedule, len(fields))
	}

	normalized := strings.Join(fields, " ")
	if !gronx.New().IsValid(normalized) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSchedule, expr)
	}
	return &Schedule{cron: normalized}, nil
}

// String prints the normalized form. ParseSchedule(s.String()) equals s.
func (s *Schedule) String() string {
	if s.interval > 0 {
		switch s.unit {
		case 'h':
			return fmt.Sprintf("%dh", int(s.interval.Hours()))
		case 'm':
			return fmt.Sprintf("%dm", int(s.interval.Minutes()))
		default:
			return fmt.Sprintf("%ds", int(s.interval.Seconds()))
		}
	}
	return s.cron
}

// Next returns the first firing instant strictly after from.
func (s *Schedule) Next(from time.Time) (time.Time, error) {
	if s.interval > 0 {
		return from.Add(s.interval), nil
	}
	next, err := gronx.NextTickAfter(s.cron, from, false)
	if err != nil {
		return time.Time{}, fmt.Errorf("next tick: %w", err)
	}
	return next, nil
}
