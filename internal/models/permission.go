package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// PermissionStatus enumerates the lifecycle states of a request.
type PermissionStatus string

const (
	PermissionSubmitted PermissionStatus = "SUBMITTED"
	PermissionApproved  PermissionStatus = "APPROVED"
	PermissionRejected  PermissionStatus = "REJECTED"
	// PermissionExpired is never persisted. It names SUBMITTED records that aged out of every read.
	PermissionExpired PermissionStatus = "EXPIRED"
)

// Terminal reports whether no further transition is possible from the status.
func (s PermissionStatus) Terminal() bool {
	return s == PermissionApproved || s == PermissionRejected
}

// AIVerification is the advisory annotation produced by the letter oracle.
type AIVerification struct {
	ExtractedName   string  `json:"extractedName"`
	ExtractedReason string  `json:"extractedReason"`
	HasSignature    bool    `json:"hasSignature"`
	RiskScore       float64 `json:"riskScore"`
	Summary         string  `json:"summary"`
	IsLegitimate    bool    `json:"isLegitimate"`
}

// Value implements driver.Valuer for the JSONB column.
func (a AIVerification) Value() (driver.Value, error) {
	return json.Marshal(a)
}

// Scan implements sql.Scanner for the JSONB column.
func (a *AIVerification) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*a = AIVerification{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("ai verification: unsupported type %T", src)
	}
	if len(raw) == 0 {
		*a = AIVerification{}
		return nil
	}
	return json.Unmarshal(raw, a)
}

// PermissionRequest is a student's leave request and its decision.
type PermissionRequest struct {
	ID                 string           `db:"id" json:"id"`
	StudentID          string           `db:"student_id" json:"studentId"`
	StudentName        string           `db:"student_name" json:"studentName"`
	RollNumber         string           `db:"roll_number" json:"rollNumber"`
	Department         string           `db:"department" json:"department"`
	Year               string           `db:"year" json:"year"`
	Section            string           `db:"section" json:"section"`
	Reason             string           `db:"reason" json:"reason"`
	LetterImageBase64  string           `db:"letter_image_base64" json:"letterImageBase64"`
	Status             PermissionStatus `db:"status" json:"status"`
	RequestedDate      string           `db:"requested_date" json:"requestedDate"`
	RequestedStartTime string           `db:"requested_start_time" json:"requestedStartTime"`
	RequestedEndTime   string           `db:"requested_end_time" json:"requestedEndTime"`
	AIVerification     *AIVerification  `db:"ai_verification" json:"aiVerification,omitempty"`
	ApprovedBy         *string          `db:"approved_by" json:"approvedBy,omitempty"`
	ApprovedAt         *time.Time       `db:"approved_at" json:"approvedAt,omitempty"`
	PermissionDate     *string          `db:"permission_date" json:"permissionDate,omitempty"`
	StartTime          *string          `db:"start_time" json:"startTime,omitempty"`
	EndTime            *string          `db:"end_time" json:"endTime,omitempty"`
	CreatedAt          time.Time        `db:"created_at" json:"createdAt"`
}

// Scope returns the class the request is routed to.
func (p PermissionRequest) Scope() Scope {
	return Scope{Department: p.Department, Year: p.Year, Section: p.Section}
}

// Clone returns a deep copy so callers can mutate without aliasing pointer fields.
func (p PermissionRequest) Clone() PermissionRequest {
	out := p
	if p.AIVerification != nil {
		v := *p.AIVerification
		out.AIVerification = &v
	}
	out.ApprovedBy = cloneString(p.ApprovedBy)
	out.PermissionDate = cloneString(p.PermissionDate)
	out.StartTime = cloneString(p.StartTime)
	out.EndTime = cloneString(p.EndTime)
	if p.ApprovedAt != nil {
		t := *p.ApprovedAt
		out.ApprovedAt = &t
	}
	return out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// PermissionFilter narrows store reads. Expiry is applied to every read regardless of filter.
type PermissionFilter struct {
	Scope          *Scope
	Status         []PermissionStatus
	StudentID      string
	PermissionDate string
	Audience       *Audience
}

// Audience limits a read to the rows one reviewer may see: the reviewer's
// class, plus their own rows or every approved row when set.
type Audience struct {
	Scope       Scope
	StudentID   string
	AnyApproved bool
}

// PermissionView decorates a record with the derived active-window label.
type PermissionView struct {
	PermissionRequest
	Window string `json:"window,omitempty"`
	Active bool   `json:"active"`
}

// Decision is the confirmed schedule an approver attaches to an approval.
type Decision struct {
	PermissionDate string `json:"permissionDate"`
	StartTime      string `json:"startTime"`
	EndTime        string `json:"endTime"`
}
