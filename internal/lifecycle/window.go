package lifecycle

import (
	"time"

	"github.com/unipermit/unipermit-api/internal/models"
	appErrors "github.com/unipermit/unipermit-api/pkg/errors"
)

const (
	DateLayout  = "2006-01-02"
	ClockLayout = "15:04"

	DefaultStartTime = "09:00"
	DefaultEndTime   = "10:00"
)

// Window labels derived from the confirmed schedule.
const (
	WindowActive    = "ACTIVE"
	WindowUpcoming  = "UPCOMING"
	WindowCompleted = "COMPLETED"
)

// ParseDate validates a YYYY-MM-DD date.
func ParseDate(raw string) (time.Time, error) {
	t, err := time.Parse(DateLayout, raw)
	if err != nil {
		return time.Time{}, appErrors.Clone(appErrors.ErrValidation, "date must be formatted as YYYY-MM-DD")
	}
	return t, nil
}

// ParseClock converts HH:mm into minutes since midnight.
func ParseClock(raw string) (int, error) {
	t, err := time.Parse(ClockLayout, raw)
	if err != nil {
		return 0, appErrors.Clone(appErrors.ErrValidation, "time must be formatted as HH:mm")
	}
	return t.Hour()*60 + t.Minute(), nil
}

// ValidateWindow checks a date and time range. With required unset, blank
// values are accepted; times present on both ends must satisfy end >= start.
func ValidateWindow(date, start, end string, required bool) error {
	if required && (date == "" || start == "" || end == "") {
		return appErrors.Clone(appErrors.ErrValidation, "permission date, start time and end time are required")
	}
	if date != "" {
		if _, err := ParseDate(date); err != nil {
			return err
		}
	}
	var from, to int
	var err error
	if start != "" {
		if from, err = ParseClock(start); err != nil {
			return err
		}
	}
	if end != "" {
		if to, err = ParseClock(end); err != nil {
			return err
		}
	}
	if start != "" && end != "" && to < from {
		return appErrors.Clone(appErrors.ErrValidation, "end time must not be before start time")
	}
	return nil
}

// IsActive reports whether an approved permission is in effect at now,
// both bounds inclusive, evaluated in local time.
func (e Engine) IsActive(r models.PermissionRequest, now time.Time) bool {
	return e.WindowLabel(r, now) == WindowActive
}

// WindowLabel classifies an approved permission relative to now. Records that
// are not approved, or carry no parseable schedule, get an empty label.
func (e Engine) WindowLabel(r models.PermissionRequest, now time.Time) string {
	if r.Status != models.PermissionApproved || r.PermissionDate == nil || r.StartTime == nil || r.EndTime == nil {
		return ""
	}
	if _, err := ParseDate(*r.PermissionDate); err != nil {
		return ""
	}
	start, err := ParseClock(*r.StartTime)
	if err != nil {
		return ""
	}
	end, err := ParseClock(*r.EndTime)
	if err != nil {
		return ""
	}

	local := now.In(e.location)
	today := local.Format(DateLayout)
	switch {
	case *r.PermissionDate > today:
		return WindowUpcoming
	case *r.PermissionDate < today:
		return WindowCompleted
	}

	minute := local.Hour()*60 + local.Minute()
	switch {
	case minute < start:
		return WindowUpcoming
	case minute > end:
		return WindowCompleted
	default:
		return WindowActive
	}
}

// View decorates a record with its window label.
func (e Engine) View(r models.PermissionRequest, now time.Time) models.PermissionView {
	label := e.WindowLabel(r, now)
	return models.PermissionView{PermissionRequest: r, Window: label, Active: label == WindowActive}
}

// Views decorates every record.
func (e Engine) Views(records []models.PermissionRequest, now time.Time) []models.PermissionView {
	out := make([]models.PermissionView, 0, len(records))
	for _, r := range records {
		out = append(out, e.View(r, now))
	}
	return out
}
