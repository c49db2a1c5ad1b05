// Package lifecycle holds the pure decision logic of a permission request:
// transitions, role visibility, the expiry rule and the active window.
// Nothing here performs I/O, so an Engine is safe for concurrent use.
package lifecycle

import (
	"sort"
	"time"

	"github.com/unipermit/unipermit-api/internal/models"
)

// DefaultExpiry is how long a SUBMITTED request stays visible.
const DefaultExpiry = 24 * time.Hour

// Engine evaluates lifecycle rules against a fixed expiry and local timezone.
type Engine struct {
	expiry   time.Duration
	location *time.Location
}

// New builds an engine. Non-positive expiry and nil location fall back to defaults.
func New(expiry time.Duration, location *time.Location) Engine {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	if location == nil {
		location = time.Local
	}
	return Engine{expiry: expiry, location: location}
}

// Expiry returns the configured threshold.
func (e Engine) Expiry() time.Duration { return e.expiry }

// Location returns the timezone used for "local today".
func (e Engine) Location() *time.Location { return e.location }

// Cutoff is the creation instant at or before which SUBMITTED records are expired.
func (e Engine) Cutoff(now time.Time) time.Time {
	return now.Add(-e.expiry)
}

// IsExpired reports whether a SUBMITTED record has aged out. Terminal records never expire.
func (e Engine) IsExpired(r models.PermissionRequest, now time.Time) bool {
	if r.Status != models.PermissionSubmitted {
		return false
	}
	return now.Sub(r.CreatedAt) >= e.expiry
}

// Sweep drops expired records. It is idempotent and never mutates its input.
func (e Engine) Sweep(records []models.PermissionRequest, now time.Time) []models.PermissionRequest {
	out := make([]models.PermissionRequest, 0, len(records))
	for _, r := range records {
		if !e.IsExpired(r, now) {
			out = append(out, r)
		}
	}
	return out
}

// Today returns the local calendar date of now.
func (e Engine) Today(now time.Time) string {
	return now.In(e.location).Format(DateLayout)
}

// Visible returns everything the authority may list, newest first.
func (e Engine) Visible(auth Authority, records []models.PermissionRequest, now time.Time) []models.PermissionRequest {
	return e.collect(records, now, auth.Sees, newestFirst)
}

// PendingQueue lists SUBMITTED records the authority may decide, oldest first.
func (e Engine) PendingQueue(auth Authority, records []models.PermissionRequest, now time.Time) []models.PermissionRequest {
	return e.collect(records, now, func(r models.PermissionRequest) bool {
		return r.Status == models.PermissionSubmitted && auth.Administers(r.Scope()) && auth.CanApprove(r) == nil
	}, oldestFirst)
}

// History lists decided records in the authority's scope, newest first.
func (e Engine) History(auth Authority, records []models.PermissionRequest, now time.Time) []models.PermissionRequest {
	return e.collect(records, now, func(r models.PermissionRequest) bool {
		return r.Status != models.PermissionSubmitted && auth.Administers(r.Scope())
	}, newestFirst)
}

// OwnHistory lists a student's requests across every scope, newest first.
func (e Engine) OwnHistory(studentID string, records []models.PermissionRequest, now time.Time) []models.PermissionRequest {
	if studentID == "" {
		return []models.PermissionRequest{}
	}
	return e.collect(records, now, func(r models.PermissionRequest) bool {
		return r.StudentID == studentID
	}, newestFirst)
}

// TodayAttendance lists the class's approvals for the local date, by roll number.
func (e Engine) TodayAttendance(auth Authority, records []models.PermissionRequest, now time.Time) ([]models.PermissionRequest, error) {
	if !auth.CanViewAttendance() {
		return nil, errNotAuthority
	}
	today := e.Today(now)
	scope := auth.Scope()
	return e.collect(records, now, func(r models.PermissionRequest) bool {
		return r.Status == models.PermissionApproved &&
			r.Scope().Equal(scope) &&
			r.PermissionDate != nil && *r.PermissionDate == today
	}, byRollNumber), nil
}

// Lookup lists approved records of an arbitrary scope, by roll number.
func (e Engine) Lookup(auth Authority, query models.Scope, records []models.PermissionRequest, now time.Time) ([]models.PermissionRequest, error) {
	if !auth.CanLookup() {
		return nil, errNotAuthority
	}
	query = query.Normalize()
	if !query.Complete() {
		return nil, errScopeRequired
	}
	return e.collect(records, now, func(r models.PermissionRequest) bool {
		return r.Status == models.PermissionApproved && r.Scope().Equal(query)
	}, byRollNumber), nil
}

func (e Engine) collect(records []models.PermissionRequest, now time.Time, keep func(models.PermissionRequest) bool, less func(a, b models.PermissionRequest) bool) []models.PermissionRequest {
	out := make([]models.PermissionRequest, 0)
	for _, r := range records {
		if e.IsExpired(r, now) || !keep(r) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func oldestFirst(a, b models.PermissionRequest) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func newestFirst(a, b models.PermissionRequest) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func byRollNumber(a, b models.PermissionRequest) bool {
	if a.RollNumber == b.RollNumber {
		return oldestFirst(a, b)
	}
	return a.RollNumber < b.RollNumber
}
