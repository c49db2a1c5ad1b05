package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// LoginRequest holds credentials for authenticating a user. Federated requests
// carry a domain-verified email and no password.
type LoginRequest struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password,omitempty"`
	Federated bool   `json:"federated,omitempty"`
	IP        string `json:"-"`
	UserAgent string `json:"-"`
}

// LoginResponse returns the issued token and the signed-in user.
type LoginResponse struct {
	Success     bool      `json:"success"`
	AccessToken string    `json:"access_token"`
	ExpiresIn   int64     `json:"expires_in"`
	User        UserInfo  `json:"user"`
	Created     bool      `json:"created"`
	IssuedAt    time.Time `json:"issued_at"`
}

// UserInfo describes the authenticated user in responses.
type UserInfo struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Email      string   `json:"email"`
	Role       UserRole `json:"role"`
	Department string   `json:"department"`
	Year       string   `json:"year,omitempty"`
	Section    string   `json:"section,omitempty"`
	RollNumber *string  `json:"rollNumber,omitempty"`
}

// NewUserInfo projects a stored user into its response shape.
func NewUserInfo(u User) UserInfo {
	return UserInfo{
		ID:         u.ID,
		Name:       u.Name,
		Email:      u.Email,
		Role:       u.Role,
		Department: u.Department,
		Year:       u.Year,
		Section:    u.Section,
		RollNumber: u.RollNumber,
	}
}

// JWTClaims is the session carried by every authenticated request.
type JWTClaims struct {
	UserID     string   `json:"user_id"`
	Name       string   `json:"name"`
	Email      string   `json:"email"`
	Role       UserRole `json:"role"`
	Department string   `json:"department"`
	Year       string   `json:"year,omitempty"`
	Section    string   `json:"section,omitempty"`
	RollNumber string   `json:"roll_number,omitempty"`
	jwt.RegisteredClaims
}

// User rebuilds the session user from the token payload.
func (c *JWTClaims) User() User {
	u := User{
		ID:         c.UserID,
		Name:       c.Name,
		Email:      c.Email,
		Role:       c.Role,
		Department: c.Department,
		Year:       c.Year,
		Section:    c.Section,
	}
	if c.RollNumber != "" {
		roll := c.RollNumber
		u.RollNumber = &roll
	}
	return u
}
