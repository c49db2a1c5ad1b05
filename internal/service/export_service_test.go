package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unipermit/unipermit-api/internal/dto"
	"github.com/unipermit/unipermit-api/internal/models"
	appErrors "github.com/unipermit/unipermit-api/pkg/errors"
	"github.com/unipermit/unipermit-api/pkg/export"
)

type rosterStub struct {
	list  *dto.PermissionList
	err   error
	query models.Scope
}

func (r *rosterStub) Today(ctx context.Context, session models.User) (*dto.PermissionList, error) {
	return r.list, r.err
}

func (r *rosterStub) Lookup(ctx context.Context, session models.User, query models.Scope) (*dto.PermissionList, error) {
	r.query = query
	return r.list, r.err
}

type failingRenderer struct{}

func (failingRenderer) Render(export.Dataset) ([]byte, error) { return nil, errors.New("disk full") }
func (failingRenderer) ContentType() string { return "text/plain" }

func rosterList() *dto.PermissionList {
	approved := models.PermissionRequest{
		ID:             "a1",
		StudentName:    "Anu",
		RollNumber:     "21CAI001",
		Reason:         "Sports meet",
		Status:         models.PermissionApproved,
		ApprovedBy:     stringPtr("User cr-a (CR)"),
		PermissionDate: stringPtr("2026-03-10"),
		StartTime:      stringPtr("10:00"),
		EndTime:        stringPtr("11:00"),
	}
	return &dto.PermissionList{Items: []models.PermissionView{{PermissionRequest: approved, Window: "ACTIVE", Active: true}}, Degraded: true}
}

func newTestExportService(source rosterSource) *ExportService {
	svc := NewExportService(source, nil, nil, nil)
	svc.now = func() time.Time { return time.Date(2026, 3, 10, 10, 30, 0, 0, time.UTC) }
	return svc
}

func TestExportTodayCSV(t *testing.T) {
	svc := newTestExportService(&rosterStub{list: rosterList()})
	cr := member("cr-a", models.RoleCR, classA)

	result, err := svc.Today(context.Background(), cr, "csv")
	require.NoError(t, err)
	assert.Equal(t, "text/csv", result.ContentType)
	assert.Equal(t, "attendance_CAI-3-A_20260310_103000.csv", result.Filename)
	assert.Equal(t, 1, result.Rows)
	assert.True(t, result.Degraded)

	body := string(result.Data)
	assert.True(t, strings.HasPrefix(body, "Roll No,Student,Reason,Date,Time,Status,Approved By"))
	assert.Contains(t, body, "21CAI001,Anu,Sports meet,2026-03-10,10:00 - 11:00,ACTIVE,User cr-a (CR)")
}

func TestExportLookupPDF(t *testing.T) {
	source := &rosterStub{list: rosterList()}
	svc := newTestExportService(source)

	result, err := svc.Lookup(context.Background(), member("g1", models.RoleTeacher, classA), classB, "PDF")
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", result.ContentType)
	assert.True(t, strings.HasSuffix(result.Filename, ".pdf"))
	assert.True(t, strings.HasPrefix(string(result.Data), "%PDF"))
	assert.Equal(t, classB, source.query)
}

func TestExportErrors(t *testing.T) {
	svc := newTestExportService(&rosterStub{list: rosterList()})
	_, err := svc.Today(context.Background(), member("cr-a", models.RoleCR, classA), "xlsx")
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	svc = newTestExportService(&rosterStub{err: appErrors.ErrNotAuthority})
	_, err = svc.Today(context.Background(), member("s1", models.RoleStudent, models.Scope{}), "csv")
	assert.ErrorIs(t, err, appErrors.ErrNotAuthority)

	svc = NewExportService(&rosterStub{list: rosterList()}, nil, failingRenderer{}, nil)
	_, err = svc.Today(context.Background(), member("cr-a", models.RoleCR, classA), "")
	assert.ErrorIs(t, err, appErrors.ErrInternal)
}
