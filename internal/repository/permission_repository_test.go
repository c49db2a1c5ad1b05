package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unipermit/unipermit-api/internal/models"
)

var permissionColumnNames = []string{
	"id", "student_id", "student_name", "roll_number", "department", "year", "section", "reason",
	"letter_image_base64", "status", "requested_date", "requested_start_time", "requested_end_time", "ai_verification",
	"approved_by", "approved_at", "permission_date", "start_time", "end_time", "created_at",
}

func TestPermissionRepositoryUpsertDefaults(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewPermissionRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (id) DO UPDATE")).WillReturnResult(sqlmock.NewResult(1, 1))

	permission := &models.PermissionRequest{
		StudentID:         "s1",
		Department:        "CAI",
		Year:              "3",
		Section:           "A",
		Reason:            "medical",
		LetterImageBase64: "aGVsbG8=",
		AIVerification:    &models.AIVerification{Summary: "ok", RiskScore: 12},
	}
	require.NoError(t, repo.Upsert(context.Background(), permission))
	assert.NotEmpty(t, permission.ID)
	assert.Equal(t, models.PermissionSubmitted, permission.Status)
	assert.False(t, permission.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPermissionRepositoryUpsertDecidedRow(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewPermissionRepository(db)

	mock.ExpectExec("INSERT INTO permissions").WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Upsert(context.Background(), &models.PermissionRequest{ID: "p1", StudentID: "s1", Status: models.PermissionSubmitted, CreatedAt: time.Now()})
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPermissionRepositoryGetByID(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewPermissionRepository(db)

	created := time.Date(2025, 3, 10, 2, 30, 0, 0, time.UTC)
	approvedAt := created.Add(time.Hour)
	rows := sqlmock.NewRows(permissionColumnNames).
		AddRow("p1", "s1", "Ravi", "23A01", "CAI", "3", "A", "fever", "aGVsbG8=", "APPROVED", "2025-03-10", "09:00", "10:00",
			[]byte(`{"extractedName":"Ravi","extractedReason":"fever","hasSignature":true,"riskScore":10,"summary":"fine","isLegitimate":true}`),
			"Mrs Rao", approvedAt, "2025-03-10", "09:00", "10:30", created)
	mock.ExpectQuery(regexp.QuoteMeta("FROM permissions WHERE id = $1")).WithArgs("p1").WillReturnRows(rows)

	found, err := repo.GetByID(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, models.PermissionApproved, found.Status)
	require.NotNil(t, found.AIVerification)
	assert.True(t, found.AIVerification.HasSignature)
	assert.Equal(t, float64(10), found.AIVerification.RiskScore)
	require.NotNil(t, found.EndTime)
	assert.Equal(t, "10:30", *found.EndTime)
	assert.True(t, found.CreatedAt.Equal(created))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPermissionRepositoryGetByIDWithoutVerification(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewPermissionRepository(db)

	rows := sqlmock.NewRows(permissionColumnNames).
		AddRow("p2", "s1", "Ravi", "23A01", "CAI", "3", "A", "fever", "aGVsbG8=", "SUBMITTED", "", "", "",
			nil, nil, nil, nil, nil, nil, time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("FROM permissions WHERE id = $1")).WithArgs("p2").WillReturnRows(rows)

	found, err := repo.GetByID(context.Background(), "p2")
	require.NoError(t, err)
	assert.Nil(t, found.AIVerification)
	assert.Nil(t, found.ApprovedBy)
	assert.Nil(t, found.PermissionDate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPermissionRepositoryListAlwaysAppliesCutoff(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewPermissionRepository(db)

	cutoff := time.Now().Add(-24 * time.Hour)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE NOT (status = 'SUBMITTED' AND created_at <= $1) ORDER BY created_at DESC")).
		WithArgs(cutoff).
		WillReturnRows(sqlmock.NewRows(permissionColumnNames))

	list, err := repo.List(context.Background(), models.PermissionFilter{}, cutoff)
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPermissionRepositoryListFilters(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewPermissionRepository(db)

	cutoff := time.Now().Add(-24 * time.Hour)
	rows := sqlmock.NewRows(permissionColumnNames).
		AddRow("p1", "s1", "Ravi", "23A01", "CAI", "3", "A", "fever", "aGVsbG8=", "APPROVED", "2025-03-10", "09:00", "10:00",
			nil, "CR (Sec A) (CR)", time.Now(), "2025-03-10", "09:00", "10:00", time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("department = $2 AND year = $3 AND section = $4 AND status IN ($5) AND student_id = $6 AND permission_date = $7")).
		WithArgs(cutoff, "CAI", "3", "A", models.PermissionApproved, "s1", "2025-03-10").
		WillReturnRows(rows)

	list, err := repo.List(context.Background(), models.PermissionFilter{
		Scope:          &models.Scope{Department: " CAI", Year: "3", Section: "A "},
		Status:         []models.PermissionStatus{models.PermissionApproved},
		StudentID:      "s1",
		PermissionDate: "2025-03-10",
	}, cutoff)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "p1", list[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPermissionRepositoryListAudience(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewPermissionRepository(db)

	cutoff := time.Now().Add(-24 * time.Hour)
	mock.ExpectQuery(regexp.QuoteMeta("AND ((department = $2 AND year = $3 AND section = $4) OR student_id = $5) ORDER BY")).
		WithArgs(cutoff, "CAI", "3", "A", "cr-a").
		WillReturnRows(sqlmock.NewRows(permissionColumnNames))
	_, err := repo.List(context.Background(), models.PermissionFilter{
		Audience: &models.Audience{Scope: models.Scope{Department: "CAI", Year: "3", Section: "A"}, StudentID: "cr-a"},
	}, cutoff)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("AND ((department = $2 AND year = $3 AND section = $4) OR status = 'APPROVED') ORDER BY")).
		WithArgs(cutoff, "CAI", "3", "A").
		WillReturnRows(sqlmock.NewRows(permissionColumnNames))
	_, err = repo.List(context.Background(), models.PermissionFilter{
		Audience: &models.Audience{Scope: models.Scope{Department: "CAI", Year: "3", Section: "A"}, AnyApproved: true},
	}, cutoff)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("AND (FALSE) ORDER BY")).
		WithArgs(cutoff).
		WillReturnRows(sqlmock.NewRows(permissionColumnNames))
	_, err = repo.List(context.Background(), models.PermissionFilter{Audience: &models.Audience{}}, cutoff)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPermissionRepositoryListError(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewPermissionRepository(db)

	mock.ExpectQuery("FROM permissions").WillReturnError(errors.New("connection refused"))

	_, err := repo.List(context.Background(), models.PermissionFilter{}, time.Now())
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPermissionRepositoryUpdateDecision(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewPermissionRepository(db)

	by := "Mrs Rao"
	at := time.Now()
	permission := &models.PermissionRequest{ID: "p1", Status: models.PermissionRejected, ApprovedBy: &by, ApprovedAt: &at}

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = ? AND status = 'SUBMITTED' AND created_at > ?")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.UpdateDecision(context.Background(), permission, at.Add(-24*time.Hour)))

	mock.ExpectExec("UPDATE permissions SET").WillReturnResult(sqlmock.NewResult(0, 0))
	err := repo.UpdateDecision(context.Background(), permission, at.Add(-24*time.Hour))
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPermissionRepositoryDeleteExpired(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewPermissionRepository(db)

	cutoff := time.Now().Add(-24 * time.Hour)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM permissions WHERE status = 'SUBMITTED' AND created_at <= $1")).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	removed, err := repo.DeleteExpired(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
