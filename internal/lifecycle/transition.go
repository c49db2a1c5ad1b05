package lifecycle

import (
	"time"

	"github.com/unipermit/unipermit-api/internal/models"
	appErrors "github.com/unipermit/unipermit-api/pkg/errors"
)

var (
	errScopeRequired = appErrors.Clone(appErrors.ErrValidation, "department, year and section are required")
	errExpired       = appErrors.Clone(appErrors.ErrNotFound, "permission request has expired")
)

// Approve moves a SUBMITTED record to APPROVED with the confirmed schedule.
// Authorization is checked first. A record that is already decided is returned
// unchanged together with an INVALID_TRANSITION error.
func (e Engine) Approve(r models.PermissionRequest, auth Authority, d models.Decision, now time.Time) (models.PermissionRequest, error) {
	if err := e.precheck(r, auth, now); err != nil {
		return r, err
	}
	if err := ValidateWindow(d.PermissionDate, d.StartTime, d.EndTime, true); err != nil {
		return r, err
	}

	out := r.Clone()
	out.Status = models.PermissionApproved
	stamp(&out, auth, now)
	date, start, end := d.PermissionDate, d.StartTime, d.EndTime
	out.PermissionDate = &date
	out.StartTime = &start
	out.EndTime = &end
	return out, nil
}

// Reject moves a SUBMITTED record to REJECTED. The confirmed schedule stays unset.
func (e Engine) Reject(r models.PermissionRequest, auth Authority, now time.Time) (models.PermissionRequest, error) {
	if err := e.precheck(r, auth, now); err != nil {
		return r, err
	}

	out := r.Clone()
	out.Status = models.PermissionRejected
	stamp(&out, auth, now)
	out.PermissionDate = nil
	out.StartTime = nil
	out.EndTime = nil
	return out, nil
}

func (e Engine) precheck(r models.PermissionRequest, auth Authority, now time.Time) error {
	if err := auth.CanApprove(r); err != nil {
		return err
	}
	if r.Status != models.PermissionSubmitted {
		return appErrors.ErrInvalidTransition
	}
	if e.IsExpired(r, now) {
		return errExpired
	}
	return nil
}

func stamp(r *models.PermissionRequest, auth Authority, now time.Time) {
	label := auth.ApproverLabel()
	at := now.UTC()
	r.ApprovedBy = &label
	r.ApprovedAt = &at
}

// DefaultDecision prefills the approval form from the requested schedule,
// falling back to today 09:00-10:00 for any missing part.
func (e Engine) DefaultDecision(r models.PermissionRequest, now time.Time) models.Decision {
	d := models.Decision{
		PermissionDate: r.RequestedDate,
		StartTime:      r.RequestedStartTime,
		EndTime:        r.RequestedEndTime,
	}
	if d.PermissionDate == "" {
		d.PermissionDate = e.Today(now)
	}
	if d.StartTime == "" {
		d.StartTime = DefaultStartTime
	}
	if d.EndTime == "" {
		d.EndTime = DefaultEndTime
	}
	return d
}

// Resolve fills blank decision fields from DefaultDecision.
func (e Engine) Resolve(r models.PermissionRequest, d models.Decision, now time.Time) models.Decision {
	def := e.DefaultDecision(r, now)
	if d.PermissionDate == "" {
		d.PermissionDate = def.PermissionDate
	}
	if d.StartTime == "" {
		d.StartTime = def.StartTime
	}
	if d.EndTime == "" {
		d.EndTime = def.EndTime
	}
	return d
}
