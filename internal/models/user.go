package models

import (
	"strings"
	"time"
)

// UserRole represents the roles known to the permission workflow.
type UserRole string

const (
	RoleStudent      UserRole = "STUDENT"
	RoleClassTeacher UserRole = "CLASS_TEACHER"
	RoleCR           UserRole = "CR"
	RoleTeacher      UserRole = "TEACHER"
)

// Valid reports whether the role is one of the known roles.
func (r UserRole) Valid() bool {
	switch r {
	case RoleStudent, RoleClassTeacher, RoleCR, RoleTeacher:
		return true
	}
	return false
}

// Scope identifies a class by department, year and section.
type Scope struct {
	Department string `db:"department" json:"department"`
	Year       string `db:"year" json:"year"`
	Section    string `db:"section" json:"section"`
}

// Normalize trims whitespace from every component.
func (s Scope) Normalize() Scope {
	return Scope{
		Department: strings.TrimSpace(s.Department),
		Year:       strings.TrimSpace(s.Year),
		Section:    strings.TrimSpace(s.Section),
	}
}

// IsZero reports whether no component is set.
func (s Scope) IsZero() bool {
	return s.Department == "" && s.Year == "" && s.Section == ""
}

// Complete reports whether every component is set.
func (s Scope) Complete() bool {
	return s.Department != "" && s.Year != "" && s.Section != ""
}

// Equal compares scopes component by component after trimming.
func (s Scope) Equal(other Scope) bool {
	return s.Normalize() == other.Normalize()
}

func (s Scope) String() string {
	return s.Department + "/" + s.Year + "/" + s.Section
}

// User represents an application user stored in the users table.
type User struct {
	ID           string    `db:"id" json:"id"`
	Name         string    `db:"name" json:"name"`
	Email        string    `db:"email" json:"email"`
	Role         UserRole  `db:"role" json:"role"`
	Department   string    `db:"department" json:"department"`
	Year         string    `db:"year" json:"year,omitempty"`
	Section      string    `db:"section" json:"section,omitempty"`
	RollNumber   *string   `db:"roll_number" json:"rollNumber,omitempty"`
	PasswordHash string    `db:"password_hash" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time `db:"updated_at" json:"updatedAt"`
}

// Scope returns the class the user belongs to or administers.
func (u User) Scope() Scope {
	return Scope{Department: u.Department, Year: u.Year, Section: u.Section}
}

// HasPassword reports whether the account must sign in with a password.
func (u User) HasPassword() bool {
	return u.PasswordHash != ""
}
