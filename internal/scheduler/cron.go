package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Five-field expressions plus descriptors like @hourly. No seconds field.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// cronDue reports whether expr fires inside the minute containing now.
// The predicate is minute-aligned: the next fire time computed from the
// start of the previous minute must land in [minuteStart, minuteStart+60s).
// This keeps due-ness independent of where in the minute the tick lands.
func cronDue(expr, timezone string, now time.Time) (bool, error) {
	loc := now.Location()
	if timezone != "" {
		tz, err := time.LoadLocation(timezone)
		if err != nil {
			return false, fmt.Errorf("load timezone %q: %w", timezone, err)
		}
		loc = tz
	}

	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return false, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}

	minuteStart := now.In(loc).Truncate(time.Minute)
	next := schedule.Next(minuteStart.Add(-time.Minute))
	return !next.Before(minuteStart) && next.Before(minuteStart.Add(time.Minute)), nil
}

// minuteStart returns the start of the minute containing now.
func minuteStart(now time.Time) time.Time {
	return now.Truncate(time.Minute)
}

// ranThisMinute reports whether lastRun already falls inside the current
// minute window, which makes a due cron item a no-op until the next minute.
func ranThisMinute(lastRun *time.Time, now time.Time) bool {
	return lastRun != nil && !lastRun.Before(minuteStart(now))
}
