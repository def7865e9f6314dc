package telemetry

import (
	"strconv"
	"strings"
	"time"

	"github.com/bekirdag/mcoda/internal/errs"
)

// ParseTimeArg parses a time-window argument: either an RFC-3339
// timestamp or a duration shorthand N{s,m,h,d,w} interpreted as "N units
// before now".
func ParseTimeArg(arg string, now time.Time) (time.Time, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return time.Time{}, errs.New(errs.ClassValidation, "empty time range value")
	}

	if t, err := time.Parse(time.RFC3339, arg); err == nil {
		return t, nil
	}

	unit := arg[len(arg)-1]
	n, err := strconv.Atoi(arg[:len(arg)-1])
	if err != nil || n < 0 {
		return time.Time{}, badTimeRange(arg)
	}

	var d time.Duration
	switch unit {
	case 's':
		d = time.Duration(n) * time.Second
	case 'm':
		d = time.Duration(n) * time.Minute
	case 'h':
		d = time.Duration(n) * time.Hour
	case 'd':
		d = time.Duration(n) * 24 * time.Hour
	case 'w':
		d = time.Duration(n) * 7 * 24 * time.Hour
	default:
		return time.Time{}, badTimeRange(arg)
	}
	return now.Add(-d), nil
}

func badTimeRange(arg string) error {
	return errs.New(errs.ClassValidation, "bad time range %q", arg).
		WithHint("use an RFC-3339 timestamp or a shorthand like 90s, 30m, 2h, 7d, 1w")
}
