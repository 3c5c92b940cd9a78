package scheduler

import (
	"regexp"
	"strconv"
	"time"

	"codeberg.org/mutker/kpid/internal/errors"
)

var startTimeRe = regexp.MustCompile(`^([01]?[0-9]|2[0-3])h([0-5][0-9])$`)

// ParseStartTime parses a time of day formatted as HHhMM
func ParseStartTime(value string) (hour, minute int, err error) {
	m := startTimeRe.FindStringSubmatch(value)
	if m == nil {
		return 0, 0, errors.New().WithData(ErrInvalidStartTime, value)
	}

	hour, _ = strconv.Atoi(m[1])
	minute, _ = strconv.Atoi(m[2])

	return hour, minute, nil
}

// FormatStartTime formats a time of day as HHhMM
func FormatStartTime(hour, minute int) string {
	return twoDigits(hour) + "h" + twoDigits(minute)
}

func twoDigits(v int) string {
	if v < 10 {
		return "0" + strconv.Itoa(v)
	}
	return strconv.Itoa(v)
}

// NextDaily returns the next occurrence of hour:minute at or after now,
// today if it has not passed yet, tomorrow otherwise.
func NextDaily(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if next.Before(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// NextHourly returns the first occurrence at or after now of hour:minute
// advanced by whole hours.
func NextHourly(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	for next.Before(now) {
		next = next.Add(time.Hour)
	}
	return next
}

// MinutesUntil returns the whole minutes between now and next, rounded down
func MinutesUntil(now, next time.Time) time.Duration {
	return next.Sub(now).Truncate(time.Minute)
}
