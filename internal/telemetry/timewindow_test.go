package telemetry

import (
	"testing"
	"time"

	"github.com/bekirdag/mcoda/internal/errs"
)

func TestParseTimeArgRFC3339(t *testing.T) {
	now := time.Now()
	got, err := ParseTimeArg("2026-07-01T10:00:00Z", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestParseTimeArgShorthand(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		arg  string
		want time.Time
	}{
		{"90s", now.Add(-90 * time.Second)},
		{"30m", now.Add(-30 * time.Minute)},
		{"2h", now.Add(-2 * time.Hour)},
		{"7d", now.Add(-7 * 24 * time.Hour)},
		{"1w", now.Add(-7 * 24 * time.Hour)},
	}
	for _, c := range cases {
		got, err := ParseTimeArg(c.arg, now)
		if err != nil {
			t.Errorf("ParseTimeArg(%q) failed: %v", c.arg, err)
			continue
		}
		if !got.Equal(c.want) {
			t.Errorf("ParseTimeArg(%q) = %s, want %s", c.arg, got, c.want)
		}
	}
}

func TestParseTimeArgInvalid(t *testing.T) {
	now := time.Now()
	for _, arg := range []string{"", "abc", "5y", "-3h", "h", "10"} {
		_, err := ParseTimeArg(arg, now)
		if err == nil {
			t.Errorf("expected error for %q", arg)
			continue
		}
		if errs.ClassOf(err) != errs.ClassValidation {
			t.Errorf("expected validation class for %q, got %s", arg, errs.ClassOf(err))
		}
	}
}
