package lifecycle

import (
	"github.com/unipermit/unipermit-api/internal/models"
	appErrors "github.com/unipermit/unipermit-api/pkg/errors"
)

// Authority is the capability set of a signed-in user. Filters and transitions
// are written once against it instead of branching on the role in every view.
type Authority interface {
	User() models.User
	Scope() models.Scope
	// CanApprove returns nil when the authority may decide the record.
	CanApprove(record models.PermissionRequest) error
	// Administers reports whether the authority reviews requests routed to scope.
	Administers(scope models.Scope) bool
	// Sees reports whether the record belongs in the authority's general listing.
	Sees(record models.PermissionRequest) bool
	CanViewAttendance() bool
	CanLookup() bool
	CanSubmit() bool
	ApproverLabel() string
}

// For builds the authority matching the user's role.
func For(user models.User) Authority {
	base := member{user: user, scope: user.Scope().Normalize()}
	switch user.Role {
	case models.RoleClassTeacher:
		return classTeacher{base}
	case models.RoleCR:
		return classRep{base}
	case models.RoleTeacher:
		return staff{base}
	default:
		return student{base}
	}
}

type member struct {
	user  models.User
	scope models.Scope
}

func (m member) User() models.User { return m.user }
func (m member) Scope() models.Scope { return m.scope }
func (m member) owns(r models.PermissionRequest) bool {
	return m.user.ID != "" && r.StudentID == m.user.ID
}

var errNotAuthority = appErrors.ErrNotAuthority

type student struct{ member }

func (s student) CanApprove(models.PermissionRequest) error { return errNotAuthority }
func (s student) Administers(models.Scope) bool { return false }
func (s student) Sees(r models.PermissionRequest) bool { return s.owns(r) }
func (s student) CanViewAttendance() bool { return false }
func (s student) CanLookup() bool { return false }
func (s student) CanSubmit() bool { return true }
func (s student) ApproverLabel() string { return s.user.Name }

// classRep reviews its own section but never its own requests.
type classRep struct{ member }

func (c classRep) CanApprove(r models.PermissionRequest) error {
	if !c.Administers(r.Scope()) {
		return appErrors.ErrScopeMismatch
	}
	if c.owns(r) {
		return appErrors.ErrSelfApproval
	}
	return nil
}

func (c classRep) Administers(scope models.Scope) bool {
	return c.scope.Complete() && c.scope.Equal(scope)
}

func (c classRep) Sees(r models.PermissionRequest) bool {
	return c.owns(r) || c.Administers(r.Scope())
}

func (c classRep) CanViewAttendance() bool { return true }
func (c classRep) CanLookup() bool { return false }
func (c classRep) CanSubmit() bool { return true }
func (c classRep) ApproverLabel() string { return c.user.Name + " (CR)" }

type classTeacher struct{ member }

func (t classTeacher) CanApprove(r models.PermissionRequest) error {
	if !t.Administers(r.Scope()) {
		return appErrors.ErrScopeMismatch
	}
	return nil
}

func (t classTeacher) Administers(scope models.Scope) bool {
	return t.scope.Complete() && t.scope.Equal(scope)
}

func (t classTeacher) Sees(r models.PermissionRequest) bool {
	return t.Administers(r.Scope()) || r.Status == models.PermissionApproved
}

func (t classTeacher) CanViewAttendance() bool { return false }
func (t classTeacher) CanLookup() bool { return true }
func (t classTeacher) CanSubmit() bool { return false }
func (t classTeacher) ApproverLabel() string { return t.user.Name }

// staff is a general teacher with read-only access to approved records.
type staff struct{ member }

func (s staff) CanApprove(models.PermissionRequest) error { return errNotAuthority }
func (s staff) Administers(models.Scope) bool { return false }
func (s staff) Sees(r models.PermissionRequest) bool {
	return r.Status == models.PermissionApproved
}
func (s staff) CanViewAttendance() bool { return false }
func (s staff) CanLookup() bool { return true }
func (s staff) CanSubmit() bool { return false }
func (s staff) ApproverLabel() string { return s.user.Name }
