package dto

import "github.com/unipermit/unipermit-api/internal/models"

// SubmitPermissionRequest is the student-entered submission form. Name and roll
// number are taken as entered; they default to the session when blank.
type SubmitPermissionRequest struct {
	StudentName        string `json:"studentName" validate:"omitempty,max=120"`
	RollNumber         string `json:"rollNumber" validate:"omitempty,max=40"`
	Department         string `json:"department" validate:"required,max=40"`
	Year               string `json:"year" validate:"required,max=10"`
	Section            string `json:"section" validate:"required,max=10"`
	Reason             string `json:"reason" validate:"required,max=2000"`
	LetterImageBase64  string `json:"letterImageBase64" validate:"required"`
	RequestedDate      string `json:"requestedDate" validate:"omitempty,datetime=2006-01-02"`
	RequestedStartTime string `json:"requestedStartTime" validate:"omitempty,datetime=15:04"`
	RequestedEndTime   string `json:"requestedEndTime" validate:"omitempty,datetime=15:04"`
}

// DecisionRequest carries the confirmed schedule of an approval. Blank fields
// default to the requested schedule, then to today 09:00-10:00.
type DecisionRequest struct {
	PermissionDate string `json:"permissionDate" validate:"omitempty,datetime=2006-01-02"`
	StartTime      string `json:"startTime" validate:"omitempty,datetime=15:04"`
	EndTime        string `json:"endTime" validate:"omitempty,datetime=15:04"`
}

// Decision converts the payload to the engine's decision type.
func (r DecisionRequest) Decision() models.Decision {
	return models.Decision{PermissionDate: r.PermissionDate, StartTime: r.StartTime, EndTime: r.EndTime}
}

// ScopeQuery binds a (department, year, section) query string.
type ScopeQuery struct {
	Department string `form:"department"`
	Year       string `form:"year"`
	Section    string `form:"section"`
}

// Scope returns the bound scope, or nil when nothing was supplied.
func (q ScopeQuery) Scope() *models.Scope {
	scope := models.Scope{Department: q.Department, Year: q.Year, Section: q.Section}.Normalize()
	if scope.IsZero() {
		return nil
	}
	return &scope
}

// ExportQuery selects the rendered format of a roster export.
type ExportQuery struct {
	ScopeQuery
	Format string `form:"format"`
}

// PermissionList is a read view with its freshness flag.
type PermissionList struct {
	Items    []models.PermissionView `json:"items"`
	Degraded bool                    `json:"-"`
}

// PermissionDetail is a single request with approval form defaults.
type PermissionDetail struct {
	Permission      models.PermissionView `json:"permission"`
	CanDecide       bool                  `json:"canDecide"`
	DefaultDecision *models.Decision      `json:"defaultDecision,omitempty"`
	Degraded        bool                  `json:"-"`
}
