// internal/services/schedule.go
package services

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/javajoker/versiondigest/internal/models"
)

// NextLocalTarget returns the start of the next targetHour in loc, as UTC.
// While the target hour is in progress the current one is returned so the
// item is due immediately.
func NextLocalTarget(now time.Time, loc *time.Location, targetHour int) time.Time {
	local := now.In(loc)
	target := time.Date(local.Year(), local.Month(), local.Day(), targetHour, 0, 0, 0, loc)
	if local.Hour() == targetHour {
		return target.UTC()
	}
	if !target.After(local) {
		target = time.Date(local.Year(), local.Month(), local.Day()+1, targetHour, 0, 0, 0, loc)
	}
	return target.UTC()
}

// NextWeeklyTarget is NextLocalTarget restricted to one weekday.
func NextWeeklyTarget(now time.Time, loc *time.Location, targetHour int, day time.Weekday) time.Time {
	candidate := NextLocalTarget(now, loc, targetHour)
	for i := 0; i < 7 && candidate.In(loc).Weekday() != day; i++ {
		local := candidate.In(loc)
		candidate = time.Date(local.Year(), local.Month(), local.Day()+1, targetHour, 0, 0, 0, loc).UTC()
	}
	return candidate
}

// IdempotencyKey identifies one logical email per user, type and local
// calendar date.
func IdempotencyKey(userID uuid.UUID, emailType models.EmailType, scheduledFor time.Time, loc *time.Location) string {
	return fmt.Sprintf("%s:%s:%s", userID, emailType, scheduledFor.In(loc).Format("2006-01-02"))
}

// localHourMatches reports whether it is targetHour in tz at now. An
// unloadable timezone is treated as UTC.
func localHourMatches(now time.Time, tz string, targetHour int) bool {
	loc, err := time.LoadLocation(tz)
	if err != nil || tz == "" {
		loc = time.UTC
	}
	return now.In(loc).Hour() == targetHour
}
