package main

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/unipermit/unipermit-api/internal/models"
)

// account is one scope-fixed administrative login.
type account struct {
	ID         string `mapstructure:"id"`
	Name       string `mapstructure:"name"`
	Email      string `mapstructure:"email"`
	Role       string `mapstructure:"role"`
	Department string `mapstructure:"department"`
	Year       string `mapstructure:"year"`
	Section    string `mapstructure:"section"`
	RollNumber string `mapstructure:"roll_number"`
	Password   string `mapstructure:"password"`
}

func loadAccounts(path string) ([]account, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	var accounts []account
	if err := v.UnmarshalKey("accounts", &accounts); err != nil {
		return nil, fmt.Errorf("decode accounts: %w", err)
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("no accounts in %s", path)
	}
	return accounts, nil
}

// toUser validates an account and hashes its password. Only password
// accounts are provisioned here; federated sign-in creates the rest.
func (a account) toUser(cost int) (*models.User, error) {
	email := strings.ToLower(strings.TrimSpace(a.Email))
	if email == "" {
		return nil, fmt.Errorf("account %q: email is required", a.Name)
	}
	role := models.UserRole(strings.ToUpper(strings.TrimSpace(a.Role)))
	if role != models.RoleClassTeacher && role != models.RoleCR {
		return nil, fmt.Errorf("account %s: role %q cannot be provisioned", email, a.Role)
	}
	scope := models.Scope{Department: a.Department, Year: a.Year, Section: a.Section}.Normalize()
	if !scope.Complete() {
		return nil, fmt.Errorf("account %s: department, year and section are required", email)
	}
	if a.Password == "" {
		return nil, fmt.Errorf("account %s: password is required", email)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(a.Password), cost)
	if err != nil {
		return nil, fmt.Errorf("account %s: hash password: %w", email, err)
	}

	user := &models.User{
		ID:           strings.TrimSpace(a.ID),
		Name:         strings.TrimSpace(a.Name),
		Email:        email,
		Role:         role,
		Department:   scope.Department,
		Year:         scope.Year,
		Section:      scope.Section,
		PasswordHash: string(hash),
	}
	if user.Name == "" {
		user.Name = email
	}
	if roll := strings.TrimSpace(a.RollNumber); roll != "" {
		user.RollNumber = &roll
	}
	return user, nil
}
