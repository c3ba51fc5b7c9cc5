package scheduler

import (
	"testing"
	"time"
)

func TestCronDue(t *testing.T) {
	tests := []struct {
		name string
		expr string
		tz   string
		now  time.Time
		want bool
	}{
		{
			name: "exact minute",
			expr: "0 9 * * *",
			now:  time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
			want: true,
		},
		{
			name: "late in the due minute",
			expr: "0 9 * * *",
			now:  time.Date(2026, 3, 2, 9, 0, 59, 0, time.UTC),
			want: true,
		},
		{
			name: "one minute past",
			expr: "0 9 * * *",
			now:  time.Date(2026, 3, 2, 9, 1, 0, 0, time.UTC),
			want: false,
		},
		{
			name: "one minute early",
			expr: "0 9 * * *",
			now:  time.Date(2026, 3, 2, 8, 59, 30, 0, time.UTC),
			want: false,
		},
		{
			name: "every minute",
			expr: "* * * * *",
			now:  time.Date(2026, 3, 2, 14, 37, 12, 0, time.UTC),
			want: true,
		},
		{
			name: "descriptor hourly at top of hour",
			expr: "@hourly",
			now:  time.Date(2026, 3, 2, 14, 0, 5, 0, time.UTC),
			want: true,
		},
		{
			name: "descriptor hourly mid hour",
			expr: "@hourly",
			now:  time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC),
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cronDue(tt.expr, tt.tz, tt.now)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("cronDue(%q, %v) = %v, want %v", tt.expr, tt.now, got, tt.want)
			}
		})
	}
}

func TestCronDueTimezone(t *testing.T) {
	if _, err := time.LoadLocation("Europe/Warsaw"); err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	// 09:00 in Warsaw is 08:00 UTC in winter.
	nowUTC := time.Date(2026, 1, 15, 8, 0, 10, 0, time.UTC)

	due, err := cronDue("0 9 * * *", "Europe/Warsaw", nowUTC)
	if err != nil {
		t.Fatal(err)
	}
	if !due {
		t.Error("09:00 Warsaw must be due at 08:00 UTC")
	}

	due, err = cronDue("0 9 * * *", "", nowUTC)
	if err != nil {
		t.Fatal(err)
	}
	if due {
		t.Error("09:00 UTC must not be due at 08:00 UTC")
	}
}

func TestCronDueInvalidExpression(t *testing.T) {
	if _, err := cronDue("not a cron", "", time.Now()); err == nil {
		t.Error("expected parse error")
	}
	if _, err := cronDue("* * * * *", "Not/AZone", time.Now()); err == nil {
		t.Error("expected timezone error")
	}
}

func TestRanThisMinute(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 40, 0, time.UTC)

	if ranThisMinute(nil, now) {
		t.Error("nil last run must not count")
	}
	earlier := time.Date(2026, 3, 2, 9, 0, 10, 0, time.UTC)
	if !ranThisMinute(&earlier, now) {
		t.Error("run at 09:00:10 is inside the 09:00 window")
	}
	previous := time.Date(2026, 3, 2, 8, 59, 59, 0, time.UTC)
	if ranThisMinute(&previous, now) {
		t.Error("run at 08:59:59 is outside the 09:00 window")
	}
}
