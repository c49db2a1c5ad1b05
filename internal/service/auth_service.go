package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/unipermit/unipermit-api/internal/models"
	appErrors "github.com/unipermit/unipermit-api/pkg/errors"
)

type authUserRepository interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// AuthConfig defines configuration for authentication flows.
type AuthConfig struct {
	AccessTokenSecret string
	AccessTokenExpiry time.Duration
	Issuer            string

	// AllowedDomain restricts federated sign-in, e.g. "mits.ac.in".
	AllowedDomain string
	// StaffMarker in the local part marks a first-time federated user as general staff.
	StaffMarker string
	StaffScope  models.Scope
}

// AuthService provides authentication use cases.
type AuthService struct {
	repo      authUserRepository
	validator *validator.Validate
	logger    *zap.Logger
	config    AuthConfig
	now       func() time.Time
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(repo authUserRepository, validate *validator.Validate, logger *zap.Logger, config AuthConfig) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if config.AccessTokenExpiry <= 0 {
		config.AccessTokenExpiry = 12 * time.Hour
	}
	config.AllowedDomain = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(config.AllowedDomain), "@"))
	config.StaffMarker = strings.ToLower(config.StaffMarker)
	return &AuthService{repo: repo, validator: validate, logger: logger, config: config, now: time.Now}
}

// Login authenticates with either a password or a domain-verified federated
// identity. The two paths are mutually exclusive per account.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (*models.LoginResponse, error) {
	req.Email = strings.TrimSpace(req.Email)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid login payload")
	}
	email := strings.ToLower(req.Email)

	var (
		user    *models.User
		created bool
		err     error
	)
	if req.Federated {
		user, created, err = s.federatedLogin(ctx, email)
	} else {
		user, err = s.passwordLogin(ctx, email, req.Password)
	}
	if err != nil {
		return nil, err
	}

	accessToken, _, err := s.generateAccessToken(user)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create access token")
	}

	method := "password"
	if req.Federated {
		method = "federated"
	}
	s.audit(ctx, user.ID, models.AuditActionLogin, map[string]interface{}{"status": "success", "method": method, "created": created}, req)

	return &models.LoginResponse{
		Success:     true,
		AccessToken: accessToken,
		ExpiresIn:   int64(s.config.AccessTokenExpiry.Seconds()),
		IssuedAt:    s.now().UTC(),
		User:        models.NewUserInfo(*user),
		Created:     created,
	}, nil
}

func (s *AuthService) passwordLogin(ctx context.Context, email, password string) (*models.User, error) {
	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrStorageUnavailable.Code, appErrors.ErrStorageUnavailable.Status, "failed to fetch user")
	}
	if !user.HasPassword() {
		return nil, appErrors.ErrUseFederatedLogin
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "invalid password")
	}
	return user, nil
}

func (s *AuthService) federatedLogin(ctx context.Context, email string) (*models.User, bool, error) {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" || (s.config.AllowedDomain != "" && domain != s.config.AllowedDomain) {
		return nil, false, appErrors.Clone(appErrors.ErrDomainRestricted, fmt.Sprintf("access restricted to @%s accounts", s.config.AllowedDomain))
	}

	user, err := s.repo.FindByEmail(ctx, email)
	switch {
	case err == nil:
		if user.HasPassword() {
			return nil, false, appErrors.ErrUsePasswordLogin
		}
		return user, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, false, appErrors.Wrap(err, appErrors.ErrStorageUnavailable.Code, appErrors.ErrStorageUnavailable.Status, "failed to fetch user")
	}

	user = s.provisionFederated(local, email)
	if err := s.repo.Create(ctx, user); err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrStorageUnavailable.Code, appErrors.ErrStorageUnavailable.Status, "failed to create user")
	}
	s.logger.Info("provisioned federated user", zap.String("user_id", user.ID), zap.String("role", string(user.Role)))
	s.audit(ctx, user.ID, models.AuditActionUserCreate, map[string]interface{}{"role": user.Role}, models.LoginRequest{})
	return user, true, nil
}

// provisionFederated builds a first-login account. Only STUDENT and general
// TEACHER accounts are ever created this way.
func (s *AuthService) provisionFederated(local, email string) *models.User {
	idPart := strings.ToUpper(local)
	if s.config.StaffMarker != "" && strings.Contains(local, s.config.StaffMarker) {
		return &models.User{
			Name:       "Staff " + idPart,
			Email:      email,
			Role:       models.RoleTeacher,
			Department: s.config.StaffScope.Department,
			Year:       s.config.StaffScope.Year,
			Section:    s.config.StaffScope.Section,
		}
	}
	roll := idPart
	return &models.User{
		Name:       "Student " + idPart,
		Email:      email,
		Role:       models.RoleStudent,
		RollNumber: &roll,
	}
}

// Me reloads the session user so profile changes made after sign-in are visible.
func (s *AuthService) Me(ctx context.Context, userID string) (*models.UserInfo, error) {
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrStorageUnavailable.Code, appErrors.ErrStorageUnavailable.Status, "failed to load user")
	}
	info := models.NewUserInfo(*user)
	return &info, nil
}

// ValidateToken parses and validates an access token returning the claims.
func (s *AuthService) ValidateToken(tokenString string) (*models.JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &models.JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.AccessTokenSecret), nil
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid token")
	}

	claims, ok := token.Claims.(*models.JWTClaims)
	if !ok || !token.Valid || !claims.Role.Valid() {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token claims")
	}

	return claims, nil
}

func (s *AuthService) generateAccessToken(user *models.User) (string, time.Time, error) {
	issuedAt := s.now().UTC()
	expiresAt := issuedAt.Add(s.config.AccessTokenExpiry)
	claims := &models.JWTClaims{
		UserID:     user.ID,
		Name:       user.Name,
		Email:      user.Email,
		Role:       user.Role,
		Department: user.Department,
		Year:       user.Year,
		Section:    user.Section,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}
	if user.RollNumber != nil {
		claims.RollNumber = *user.RollNumber
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.config.AccessTokenSecret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (s *AuthService) audit(ctx context.Context, userID, action string, values map[string]interface{}, req models.LoginRequest) {
	payload, err := json.Marshal(values)
	if err != nil {
		payload = nil
	}
	if err := s.repo.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     &userID,
		Action:     action,
		Resource:   "auth",
		ResourceID: &userID,
		NewValues:  payload,
		IPAddress:  req.IP,
		UserAgent:  req.UserAgent,
	}); err != nil {
		s.logger.Warn("failed to record auth audit log", zap.String("action", action), zap.Error(err))
	}
}
