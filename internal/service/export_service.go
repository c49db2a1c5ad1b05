package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/unipermit/unipermit-api/internal/dto"
	"github.com/unipermit/unipermit-api/internal/models"
	appErrors "github.com/unipermit/unipermit-api/pkg/errors"
	"github.com/unipermit/unipermit-api/pkg/export"
)

// Export formats.
const (
	ExportFormatCSV = "csv"
	ExportFormatPDF = "pdf"
)

type rosterSource interface {
	Today(ctx context.Context, session models.User) (*dto.PermissionList, error)
	Lookup(ctx context.Context, session models.User, query models.Scope) (*dto.PermissionList, error)
}

type renderer interface {
	Render(data export.Dataset) ([]byte, error)
	ContentType() string
}

// ExportResult is a rendered roster ready to be streamed.
type ExportResult struct {
	Filename    string
	ContentType string
	Data        []byte
	Rows        int
	Degraded    bool
}

// ExportService renders attendance rosters as CSV or PDF.
type ExportService struct {
	source rosterSource
	csv    renderer
	pdf    renderer
	logger *zap.Logger
	now    func() time.Time
}

// NewExportService constructs an ExportService. Nil renderers use the defaults.
func NewExportService(source rosterSource, logger *zap.Logger, csv renderer, pdf renderer) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{source: source, csv: csv, pdf: pdf, logger: logger, now: time.Now}
}

// Today renders the session class's approvals for the local date.
func (s *ExportService) Today(ctx context.Context, session models.User, format string) (*ExportResult, error) {
	r, err := s.pick(format)
	if err != nil {
		return nil, err
	}
	list, err := s.source.Today(ctx, session)
	if err != nil {
		return nil, err
	}
	scope := session.Scope().Normalize()
	title := fmt.Sprintf("Permitted Students - %s", scope.String())
	subtitle := "Date: " + s.today(list)
	return s.render(r, format, "attendance_"+scope.String(), title, subtitle, list)
}

// Lookup renders a class's approvals for general staff.
func (s *ExportService) Lookup(ctx context.Context, session models.User, query models.Scope, format string) (*ExportResult, error) {
	r, err := s.pick(format)
	if err != nil {
		return nil, err
	}
	list, err := s.source.Lookup(ctx, session, query)
	if err != nil {
		return nil, err
	}
	query = query.Normalize()
	title := fmt.Sprintf("Approved Permissions - %s", query.String())
	subtitle := "Generated " + s.now().Format("2006-01-02 15:04")
	return s.render(r, format, "lookup_"+query.String(), title, subtitle, list)
}

func (s *ExportService) pick(format string) (renderer, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", ExportFormatCSV:
		return s.csv, nil
	case ExportFormatPDF:
		return s.pdf, nil
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported export format %q", format))
	}
}

func (s *ExportService) render(r renderer, format, name, title, subtitle string, list *dto.PermissionList) (*ExportResult, error) {
	dataset := rosterDataset(title, subtitle, list.Items)
	payload, err := r.Render(dataset)
	if err != nil {
		s.logger.Error("failed to render export", zap.String("name", name), zap.Error(err))
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render export")
	}
	ext := ExportFormatCSV
	if strings.EqualFold(strings.TrimSpace(format), ExportFormatPDF) {
		ext = ExportFormatPDF
	}
	return &ExportResult{
		Filename:    fmt.Sprintf("%s_%s.%s", sanitizeFilename(name), s.now().Format("20060102_150405"), ext),
		ContentType: r.ContentType(),
		Data:        payload,
		Rows:        len(dataset.Rows),
		Degraded:    list.Degraded,
	}, nil
}

func (s *ExportService) today(list *dto.PermissionList) string {
	for _, item := range list.Items {
		if item.PermissionDate != nil {
			return *item.PermissionDate
		}
	}
	return s.now().Format("2006-01-02")
}

func rosterDataset(title, subtitle string, items []models.PermissionView) export.Dataset {
	rows := make([]map[string]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, map[string]string{
			"roll":     item.RollNumber,
			"name":     item.StudentName,
			"reason":   item.Reason,
			"window":   fmt.Sprintf("%s - %s", stringValue(item.StartTime), stringValue(item.EndTime)),
			"date":     stringValue(item.PermissionDate),
			"status":   item.Window,
			"approver": stringValue(item.ApprovedBy),
		})
	}
	return export.Dataset{
		Title:    title,
		Subtitle: subtitle,
		Columns: []export.Column{
			{Key: "roll", Title: "Roll No", Width: 1},
			{Key: "name", Title: "Student", Width: 2},
			{Key: "reason", Title: "Reason", Width: 3},
			{Key: "date", Title: "Date", Width: 1.2},
			{Key: "window", Title: "Time", Width: 1.4},
			{Key: "status", Title: "Status", Width: 1.2},
			{Key: "approver", Title: "Approved By", Width: 1.8},
		},
		Rows: rows,
	}
}

func sanitizeFilename(raw string) string {
	if raw == "" {
		return "export"
	}
	replacer := strings.NewReplacer(" ", "_", "/", "-", "\\", "-", ":", "-", "..", ".")
	result := replacer.Replace(raw)
	if len(result) > 100 {
		return result[:100]
	}
	return result
}
