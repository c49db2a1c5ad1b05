package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/unipermit/unipermit-api/internal/dto"
	"github.com/unipermit/unipermit-api/internal/lifecycle"
	"github.com/unipermit/unipermit-api/internal/models"
	appErrors "github.com/unipermit/unipermit-api/pkg/errors"
)

const (
	outcomeSuccess = "success"

	permissionCachePrefix  = "permissions:v1:"
	permissionCachePattern = "permissions:*"

	actionApprove = "approve"
	actionReject  = "reject"
)

type permissionStore interface {
	Upsert(ctx context.Context, permission *models.PermissionRequest) error
	GetByID(ctx context.Context, id string) (*models.PermissionRequest, error)
	List(ctx context.Context, filter models.PermissionFilter, cutoff time.Time) ([]models.PermissionRequest, error)
	UpdateDecision(ctx context.Context, permission *models.PermissionRequest, cutoff time.Time) error
}

type auditWriter interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type letterVerifier interface {
	Verify(ctx context.Context, image []byte, mimeType string) models.AIVerification
}

// PermissionService runs the request workflow over the store and the lifecycle engine.
type PermissionService struct {
	store     permissionStore
	audit     auditWriter
	verifier  letterVerifier
	cache     *CacheService
	metrics   *MetricsService
	validator *validator.Validate
	engine    lifecycle.Engine
	logger    *zap.Logger
	now       func() time.Time
}

// NewPermissionService wires the workflow. Cache, metrics and audit are optional.
func NewPermissionService(store permissionStore, audit auditWriter, verifier letterVerifier, cache *CacheService, metrics *MetricsService, validate *validator.Validate, engine lifecycle.Engine, logger *zap.Logger) *PermissionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &PermissionService{
		store:     store,
		audit:     audit,
		verifier:  verifier,
		cache:     cache,
		metrics:   metrics,
		validator: validate,
		engine:    engine,
		logger:    logger,
		now:       time.Now,
	}
}

// Engine exposes the lifecycle rules the service evaluates with.
func (s *PermissionService) Engine() lifecycle.Engine {
	return s.engine
}

// Submit validates the form, annotates the letter and persists a SUBMITTED request.
func (s *PermissionService) Submit(ctx context.Context, session models.User, req dto.SubmitPermissionRequest) (*models.PermissionView, error) {
	auth := lifecycle.For(session)
	if !auth.CanSubmit() {
		s.metrics.RecordSubmission(appErrors.ErrNotAuthority.Code)
		return nil, appErrors.Clone(appErrors.ErrNotAuthority, "only students and class representatives can submit requests")
	}
	image, mimeType, err := s.validateSubmission(req)
	if err != nil {
		s.metrics.RecordSubmission(appErrors.ErrValidation.Code)
		return nil, err
	}

	now := s.now()
	record := models.PermissionRequest{
		StudentID:          session.ID,
		StudentName:        firstNonEmpty(req.StudentName, session.Name),
		RollNumber:         firstNonEmpty(req.RollNumber, stringValue(session.RollNumber)),
		Department:         strings.TrimSpace(req.Department),
		Year:               strings.TrimSpace(req.Year),
		Section:            strings.TrimSpace(req.Section),
		Reason:             strings.TrimSpace(req.Reason),
		LetterImageBase64:  req.LetterImageBase64,
		Status:             models.PermissionSubmitted,
		RequestedDate:      req.RequestedDate,
		RequestedStartTime: req.RequestedStartTime,
		RequestedEndTime:   req.RequestedEndTime,
		CreatedAt:          now.UTC(),
	}
	verification := s.verify(ctx, image, mimeType)
	record.AIVerification = &verification

	if err := s.store.Upsert(ctx, &record); err != nil {
		s.metrics.RecordSubmission(appErrors.ErrStorageUnavailable.Code)
		return nil, appErrors.Wrap(err, appErrors.ErrStorageUnavailable.Code, appErrors.ErrStorageUnavailable.Status, "failed to save permission request")
	}

	s.metrics.RecordSubmission(outcomeSuccess)
	s.invalidate(ctx)
	s.recordAudit(ctx, session, models.AuditActionSubmit, record)
	s.logger.Info("permission submitted",
		zap.String("permission_id", record.ID),
		zap.String("student_id", record.StudentID),
		zap.String("scope", record.Scope().String()),
		zap.Float64("risk_score", verification.RiskScore),
	)

	view := s.engine.View(record, now)
	return &view, nil
}

// Upsert rewrites the owner's still-pending request. Decided, foreign and
// expired records are rejected.
func (s *PermissionService) Upsert(ctx context.Context, session models.User, id string, req dto.SubmitPermissionRequest) (*models.PermissionView, error) {
	image, mimeType, err := s.validateSubmission(req)
	if err != nil {
		return nil, err
	}
	existing, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if existing.StudentID != session.ID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only the requester can edit a permission request")
	}
	if existing.Status != models.PermissionSubmitted {
		return nil, appErrors.ErrInvalidTransition
	}
	if s.engine.IsExpired(*existing, now) {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "permission request has expired")
	}

	record := existing.Clone()
	record.StudentName = firstNonEmpty(req.StudentName, existing.StudentName)
	record.RollNumber = firstNonEmpty(req.RollNumber, existing.RollNumber)
	record.Department = strings.TrimSpace(req.Department)
	record.Year = strings.TrimSpace(req.Year)
	record.Section = strings.TrimSpace(req.Section)
	record.Reason = strings.TrimSpace(req.Reason)
	record.RequestedDate = req.RequestedDate
	record.RequestedStartTime = req.RequestedStartTime
	record.RequestedEndTime = req.RequestedEndTime
	if req.LetterImageBase64 != existing.LetterImageBase64 || record.AIVerification == nil {
		record.LetterImageBase64 = req.LetterImageBase64
		verification := s.verify(ctx, image, mimeType)
		record.AIVerification = &verification
	}

	if err := s.store.Upsert(ctx, &record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrStaleState
		}
		return nil, appErrors.Wrap(err, appErrors.ErrStorageUnavailable.Code, appErrors.ErrStorageUnavailable.Status, "failed to save permission request")
	}
	s.invalidate(ctx)
	s.recordAudit(ctx, session, models.AuditActionUpdate, record)

	view := s.engine.View(record, now)
	return &view, nil
}

// List is listPermissions: every non-expired record the session may see,
// optionally narrowed to one class.
func (s *PermissionService) List(ctx context.Context, session models.User, scope *models.Scope) (*dto.PermissionList, error) {
	auth := lifecycle.For(session)
	filter := models.PermissionFilter{}
	if scope != nil {
		normalized := scope.Normalize()
		if !normalized.Complete() {
			return nil, appErrors.Clone(appErrors.ErrValidation, "department, year and section are required together")
		}
		filter.Scope = &normalized
	}
	switch session.Role {
	case models.RoleStudent:
		filter.StudentID = session.ID
	case models.RoleTeacher:
		filter.Status = []models.PermissionStatus{models.PermissionApproved}
	case models.RoleCR:
		filter.Audience = &models.Audience{Scope: auth.Scope(), StudentID: session.ID}
	case models.RoleClassTeacher:
		filter.Audience = &models.Audience{Scope: auth.Scope(), AnyApproved: true}
	}

	records, degraded, err := s.read(ctx, "list", filter)
	if err != nil {
		return nil, err
	}
	now := s.now()
	return s.list(s.engine.Visible(auth, records, now), degraded, now), nil
}

// Pending is the approver queue for the session's class, oldest first.
func (s *PermissionService) Pending(ctx context.Context, session models.User) (*dto.PermissionList, error) {
	auth, scope, err := s.approver(session)
	if err != nil {
		return nil, err
	}
	records, degraded, err := s.read(ctx, "pending", models.PermissionFilter{
		Scope:  &scope,
		Status: []models.PermissionStatus{models.PermissionSubmitted},
	})
	if err != nil {
		return nil, err
	}
	now := s.now()
	return s.list(s.engine.PendingQueue(auth, records, now), degraded, now), nil
}

// History lists decided requests of the session's class, newest first.
func (s *PermissionService) History(ctx context.Context, session models.User) (*dto.PermissionList, error) {
	auth, scope, err := s.approver(session)
	if err != nil {
		return nil, err
	}
	records, degraded, err := s.read(ctx, "history", models.PermissionFilter{
		Scope:  &scope,
		Status: []models.PermissionStatus{models.PermissionApproved, models.PermissionRejected},
	})
	if err != nil {
		return nil, err
	}
	now := s.now()
	return s.list(s.engine.History(auth, records, now), degraded, now), nil
}

// Mine lists the session's own requests across every class.
func (s *PermissionService) Mine(ctx context.Context, session models.User) (*dto.PermissionList, error) {
	records, degraded, err := s.read(ctx, "mine", models.PermissionFilter{StudentID: session.ID})
	if err != nil {
		return nil, err
	}
	now := s.now()
	return s.list(s.engine.OwnHistory(session.ID, records, now), degraded, now), nil
}

// Today lists the class approvals for the local date, by roll number.
func (s *PermissionService) Today(ctx context.Context, session models.User) (*dto.PermissionList, error) {
	auth := lifecycle.For(session)
	if !auth.CanViewAttendance() {
		return nil, appErrors.Clone(appErrors.ErrNotAuthority, "only class representatives can view attendance")
	}
	now := s.now()
	scope := auth.Scope()
	records, degraded, err := s.read(ctx, "today", models.PermissionFilter{
		Scope:          &scope,
		Status:         []models.PermissionStatus{models.PermissionApproved},
		PermissionDate: s.engine.Today(now),
	})
	if err != nil {
		return nil, err
	}
	attendance, err := s.engine.TodayAttendance(auth, records, now)
	if err != nil {
		return nil, err
	}
	return s.list(attendance, degraded, now), nil
}

// Lookup lists approvals of any class for general staff, by roll number.
func (s *PermissionService) Lookup(ctx context.Context, session models.User, query models.Scope) (*dto.PermissionList, error) {
	auth := lifecycle.For(session)
	if !auth.CanLookup() {
		return nil, appErrors.Clone(appErrors.ErrNotAuthority, "only teaching staff can look up approvals")
	}
	query = query.Normalize()
	if !query.Complete() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "department, year and section are required")
	}
	records, degraded, err := s.read(ctx, "lookup", models.PermissionFilter{
		Scope:  &query,
		Status: []models.PermissionStatus{models.PermissionApproved},
	})
	if err != nil {
		return nil, err
	}
	now := s.now()
	approved, err := s.engine.Lookup(auth, query, records, now)
	if err != nil {
		return nil, err
	}
	return s.list(approved, degraded, now), nil
}

// Get returns one visible request with its approval form defaults.
func (s *PermissionService) Get(ctx context.Context, session models.User, id string) (*dto.PermissionDetail, error) {
	auth := lifecycle.For(session)
	record, degraded, err := s.readOne(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if s.engine.IsExpired(*record, now) || !auth.Sees(*record) {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "permission request not found")
	}

	detail := &dto.PermissionDetail{
		Permission: s.engine.View(*record, now),
		CanDecide:  record.Status == models.PermissionSubmitted && auth.CanApprove(*record) == nil,
		Degraded:   degraded,
	}
	if detail.CanDecide {
		def := s.engine.DefaultDecision(*record, now)
		detail.DefaultDecision = &def
	}
	return detail, nil
}

// Approve confirms a pending request with a schedule. Blank fields fall back
// to the requested schedule, then to today 09:00-10:00.
func (s *PermissionService) Approve(ctx context.Context, session models.User, id string, req dto.DecisionRequest) (*models.PermissionView, error) {
	if err := s.validator.Struct(req); err != nil {
		s.metrics.RecordDecision(actionApprove, appErrors.ErrValidation.Code)
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid decision payload")
	}
	return s.decide(ctx, session, id, actionApprove, func(r models.PermissionRequest, auth lifecycle.Authority, now time.Time) (models.PermissionRequest, error) {
		return s.engine.Approve(r, auth, s.engine.Resolve(r, req.Decision(), now), now)
	})
}

// Reject declines a pending request.
func (s *PermissionService) Reject(ctx context.Context, session models.User, id string) (*models.PermissionView, error) {
	return s.decide(ctx, session, id, actionReject, func(r models.PermissionRequest, auth lifecycle.Authority, now time.Time) (models.PermissionRequest, error) {
		return s.engine.Reject(r, auth, now)
	})
}

type transitionFunc func(r models.PermissionRequest, auth lifecycle.Authority, now time.Time) (models.PermissionRequest, error)

func (s *PermissionService) decide(ctx context.Context, session models.User, id, action string, transition transitionFunc) (*models.PermissionView, error) {
	auth := lifecycle.For(session)
	current, err := s.load(ctx, id)
	if err != nil {
		s.metrics.RecordDecision(action, appErrors.FromError(err).Code)
		return nil, err
	}

	now := s.now()
	updated, err := transition(*current, auth, now)
	if err != nil {
		s.metrics.RecordDecision(action, appErrors.FromError(err).Code)
		return nil, err
	}

	if err := s.store.UpdateDecision(ctx, &updated, s.engine.Cutoff(now)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = s.explainLostUpdate(ctx, id, now)
		} else {
			err = appErrors.Wrap(err, appErrors.ErrStorageUnavailable.Code, appErrors.ErrStorageUnavailable.Status, "failed to save decision")
		}
		s.metrics.RecordDecision(action, appErrors.FromError(err).Code)
		return nil, err
	}

	s.metrics.RecordDecision(action, outcomeSuccess)
	s.invalidate(ctx)
	auditAction := models.AuditActionApprove
	if updated.Status == models.PermissionRejected {
		auditAction = models.AuditActionReject
	}
	s.recordAudit(ctx, session, auditAction, updated)
	s.logger.Info("permission decided",
		zap.String("permission_id", updated.ID),
		zap.String("status", string(updated.Status)),
		zap.String("approved_by", stringValue(updated.ApprovedBy)),
	)

	view := s.engine.View(updated, now)
	return &view, nil
}

// explainLostUpdate classifies a conditional update that matched no row.
func (s *PermissionService) explainLostUpdate(ctx context.Context, id string, now time.Time) error {
	latest, err := s.store.GetByID(ctx, id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return appErrors.Clone(appErrors.ErrNotFound, "permission request not found")
	case err != nil:
		return appErrors.Wrap(err, appErrors.ErrStorageUnavailable.Code, appErrors.ErrStorageUnavailable.Status, "failed to reload permission request")
	case latest.Status.Terminal():
		return appErrors.Clone(appErrors.ErrStaleState, "permission was already "+strings.ToLower(string(latest.Status))+" by "+stringValue(latest.ApprovedBy))
	case s.engine.IsExpired(*latest, now):
		return appErrors.Clone(appErrors.ErrNotFound, "permission request has expired")
	default:
		return appErrors.ErrStaleState
	}
}

func (s *PermissionService) validateSubmission(req dto.SubmitPermissionRequest) ([]byte, string, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid permission request")
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, "", appErrors.Clone(appErrors.ErrValidation, "reason is required")
	}
	if err := lifecycle.ValidateWindow(req.RequestedDate, req.RequestedStartTime, req.RequestedEndTime, false); err != nil {
		return nil, "", err
	}
	image, mimeType, err := DecodeLetter(req.LetterImageBase64)
	if err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "letter image is not a valid base64 image")
	}
	return image, mimeType, nil
}

func (s *PermissionService) verify(ctx context.Context, image []byte, mimeType string) models.AIVerification {
	if s.verifier == nil {
		return FallbackVerification()
	}
	return s.verifier.Verify(ctx, image, mimeType)
}

func (s *PermissionService) approver(session models.User) (lifecycle.Authority, models.Scope, error) {
	auth := lifecycle.For(session)
	scope := auth.Scope()
	if !auth.Administers(scope) {
		return nil, models.Scope{}, appErrors.Clone(appErrors.ErrNotAuthority, "")
	}
	return auth, scope, nil
}

func (s *PermissionService) load(ctx context.Context, id string) (*models.PermissionRequest, error) {
	record, err := s.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "permission request not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrStorageUnavailable.Code, appErrors.ErrStorageUnavailable.Status, "failed to load permission request")
	}
	return record, nil
}

// read lists from the store and refreshes the cached snapshot. When the store
// is down the snapshot is served instead and the result is marked degraded.
func (s *PermissionService) read(ctx context.Context, view string, filter models.PermissionFilter) ([]models.PermissionRequest, bool, error) {
	key := permissionCachePrefix + filterKey(filter)
	now := s.now()
	records, err := s.store.List(ctx, filter, s.engine.Cutoff(now))
	if err == nil {
		s.cache.Remember(ctx, key, records)
		return records, false, nil
	}

	var snapshot []models.PermissionRequest
	if s.cache.Recall(ctx, key, &snapshot) {
		s.metrics.RecordDegradedRead(view)
		s.logger.Warn("permission store unavailable, serving cached snapshot", zap.String("view", view), zap.Error(err))
		return snapshot, true, nil
	}
	s.logger.Error("permission store unavailable", zap.String("view", view), zap.Error(err))
	return nil, false, appErrors.Wrap(err, appErrors.ErrStorageUnavailable.Code, appErrors.ErrStorageUnavailable.Status, appErrors.ErrStorageUnavailable.Message)
}

func (s *PermissionService) readOne(ctx context.Context, id string) (*models.PermissionRequest, bool, error) {
	key := permissionCachePrefix + "id=" + id
	record, err := s.store.GetByID(ctx, id)
	if err == nil {
		s.cache.Remember(ctx, key, record)
		return record, false, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, appErrors.Clone(appErrors.ErrNotFound, "permission request not found")
	}

	var snapshot models.PermissionRequest
	if s.cache.Recall(ctx, key, &snapshot) {
		s.metrics.RecordDegradedRead("detail")
		s.logger.Warn("permission store unavailable, serving cached record", zap.String("permission_id", id), zap.Error(err))
		return &snapshot, true, nil
	}
	return nil, false, appErrors.Wrap(err, appErrors.ErrStorageUnavailable.Code, appErrors.ErrStorageUnavailable.Status, appErrors.ErrStorageUnavailable.Message)
}

func (s *PermissionService) list(records []models.PermissionRequest, degraded bool, now time.Time) *dto.PermissionList {
	return &dto.PermissionList{Items: s.engine.Views(records, now), Degraded: degraded}
}

func (s *PermissionService) invalidate(ctx context.Context) {
	_ = s.cache.Invalidate(ctx, permissionCachePattern)
}

func (s *PermissionService) recordAudit(ctx context.Context, session models.User, action string, record models.PermissionRequest) {
	if s.audit == nil {
		return
	}
	values, err := json.Marshal(map[string]interface{}{
		"status":         record.Status,
		"scope":          record.Scope().String(),
		"approvedBy":     record.ApprovedBy,
		"permissionDate": record.PermissionDate,
		"startTime":      record.StartTime,
		"endTime":        record.EndTime,
	})
	if err != nil {
		values = nil
	}
	userID := session.ID
	resourceID := record.ID
	if err := s.audit.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     &userID,
		Action:     action,
		Resource:   "permission",
		ResourceID: &resourceID,
		NewValues:  values,
	}); err != nil {
		s.logger.Warn("failed to record permission audit log", zap.String("action", action), zap.Error(err))
	}
}

// filterKey renders a stable cache key for a store filter.
func filterKey(f models.PermissionFilter) string {
	parts := make([]string, 0, 4)
	if f.Scope != nil {
		parts = append(parts, "scope="+f.Scope.Normalize().String())
	}
	if len(f.Status) > 0 {
		statuses := make([]string, len(f.Status))
		for i, status := range f.Status {
			statuses[i] = string(status)
		}
		parts = append(parts, "status="+strings.Join(statuses, ","))
	}
	if f.StudentID != "" {
		parts = append(parts, "student="+f.StudentID)
	}
	if f.PermissionDate != "" {
		parts = append(parts, "date="+f.PermissionDate)
	}
	if a := f.Audience; a != nil {
		audience := "audience=" + a.Scope.Normalize().String()
		if a.StudentID != "" {
			audience += "+" + a.StudentID
		}
		if a.AnyApproved {
			audience += "+approved"
		}
		parts = append(parts, audience)
	}
	if len(parts) == 0 {
		return "all"
	}
	return strings.Join(parts, "|")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
