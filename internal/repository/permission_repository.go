package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/unipermit/unipermit-api/internal/models"
)

const permissionColumns = `id, student_id, student_name, roll_number, department, year, section, reason,
       letter_image_base64, status, requested_date, requested_start_time, requested_end_time, ai_verification,
       approved_by, approved_at, permission_date, start_time, end_time, created_at`

// PermissionRepository persists permission requests.
type PermissionRepository struct {
	db *sqlx.DB
}

// NewPermissionRepository constructs the repository.
func NewPermissionRepository(db *sqlx.DB) *PermissionRepository {
	return &PermissionRepository{db: db}
}

// Upsert inserts a request or replaces an existing one that is still SUBMITTED.
// Returns sql.ErrNoRows when the stored row was already decided.
func (r *PermissionRepository) Upsert(ctx context.Context, permission *models.PermissionRequest) error {
	if permission.ID == "" {
		permission.ID = uuid.NewString()
	}
	if permission.Status == "" {
		permission.Status = models.PermissionSubmitted
	}
	if permission.CreatedAt.IsZero() {
		permission.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO permissions
	(id, student_id, student_name, roll_number, department, year, section, reason, letter_image_base64, status,
	 requested_date, requested_start_time, requested_end_time, ai_verification, approved_by, approved_at,
	 permission_date, start_time, end_time, created_at)
	VALUES (:id, :student_id, :student_name, :roll_number, :department, :year, :section, :reason, :letter_image_base64, :status,
	 :requested_date, :requested_start_time, :requested_end_time, :ai_verification, :approved_by, :approved_at,
	 :permission_date, :start_time, :end_time, :created_at)
	ON CONFLICT (id) DO UPDATE SET
	 student_name = EXCLUDED.student_name, roll_number = EXCLUDED.roll_number, department = EXCLUDED.department,
	 year = EXCLUDED.year, section = EXCLUDED.section, reason = EXCLUDED.reason,
	 letter_image_base64 = EXCLUDED.letter_image_base64, requested_date = EXCLUDED.requested_date,
	 requested_start_time = EXCLUDED.requested_start_time, requested_end_time = EXCLUDED.requested_end_time,
	 ai_verification = EXCLUDED.ai_verification
	WHERE permissions.status = 'SUBMITTED' AND permissions.student_id = EXCLUDED.student_id`
	result, err := r.db.NamedExecContext(ctx, query, permission)
	if err != nil {
		return fmt.Errorf("upsert permission: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check permission upsert rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// GetByID fetches a request by identifier, including expired ones.
func (r *PermissionRepository) GetByID(ctx context.Context, id string) (*models.PermissionRequest, error) {
	query := `SELECT ` + permissionColumns + ` FROM permissions WHERE id = $1`
	var permission models.PermissionRequest
	if err := r.db.GetContext(ctx, &permission, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get permission: %w", err)
	}
	return &permission, nil
}

// List returns requests matching the filter, newest first. SUBMITTED rows
// created at or before cutoff are never returned.
func (r *PermissionRepository) List(ctx context.Context, filter models.PermissionFilter, cutoff time.Time) ([]models.PermissionRequest, error) {
	builder := strings.Builder{}
	args := []interface{}{cutoff}
	builder.WriteString(`SELECT ` + permissionColumns + ` FROM permissions`)

	conditions := []string{"NOT (status = 'SUBMITTED' AND created_at <= $1)"}
	if filter.Scope != nil {
		scope := filter.Scope.Normalize()
		args = append(args, scope.Department, scope.Year, scope.Section)
		conditions = append(conditions, fmt.Sprintf("department = $%d AND year = $%d AND section = $%d", len(args)-2, len(args)-1, len(args)))
	}
	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.StudentID != "" {
		args = append(args, filter.StudentID)
		conditions = append(conditions, fmt.Sprintf("student_id = $%d", len(args)))
	}
	if filter.PermissionDate != "" {
		args = append(args, filter.PermissionDate)
		conditions = append(conditions, fmt.Sprintf("permission_date = $%d", len(args)))
	}
	if filter.Audience != nil {
		var alternatives []string
		if scope := filter.Audience.Scope.Normalize(); scope.Complete() {
			args = append(args, scope.Department, scope.Year, scope.Section)
			alternatives = append(alternatives, fmt.Sprintf("(department = $%d AND year = $%d AND section = $%d)", len(args)-2, len(args)-1, len(args)))
		}
		if filter.Audience.StudentID != "" {
			args = append(args, filter.Audience.StudentID)
			alternatives = append(alternatives, fmt.Sprintf("student_id = $%d", len(args)))
		}
		if filter.Audience.AnyApproved {
			alternatives = append(alternatives, "status = 'APPROVED'")
		}
		if len(alternatives) == 0 {
			alternatives = append(alternatives, "FALSE")
		}
		conditions = append(conditions, "("+strings.Join(alternatives, " OR ")+")")
	}
	builder.WriteString(" WHERE ")
	builder.WriteString(strings.Join(conditions, " AND "))
	builder.WriteString(" ORDER BY created_at DESC")

	permissions := make([]models.PermissionRequest, 0)
	if err := r.db.SelectContext(ctx, &permissions, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	return permissions, nil
}

// UpdateDecision persists an approval or rejection. The write only lands while
// the row is still SUBMITTED and younger than cutoff; otherwise sql.ErrNoRows.
func (r *PermissionRepository) UpdateDecision(ctx context.Context, permission *models.PermissionRequest, cutoff time.Time) error {
	const query = `UPDATE permissions SET status = :status, approved_by = :approved_by, approved_at = :approved_at,
	permission_date = :permission_date, start_time = :start_time, end_time = :end_time
	WHERE id = :id AND status = 'SUBMITTED' AND created_at > :cutoff`
	result, err := r.db.NamedExecContext(ctx, query, map[string]interface{}{
		"id":              permission.ID,
		"status":          permission.Status,
		"approved_by":     permission.ApprovedBy,
		"approved_at":     permission.ApprovedAt,
		"permission_date": permission.PermissionDate,
		"start_time":      permission.StartTime,
		"end_time":        permission.EndTime,
		"cutoff":          cutoff,
	})
	if err != nil {
		return fmt.Errorf("update permission decision: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check permission decision rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteExpired physically removes SUBMITTED rows created at or before cutoff.
func (r *PermissionRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM permissions WHERE status = 'SUBMITTED' AND created_at <= $1`
	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired permissions: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check expired permission rows: %w", err)
	}
	return rows, nil
}
