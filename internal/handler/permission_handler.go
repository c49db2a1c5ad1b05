package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/unipermit/unipermit-api/internal/dto"
	"github.com/unipermit/unipermit-api/internal/middleware"
	"github.com/unipermit/unipermit-api/internal/models"
	"github.com/unipermit/unipermit-api/internal/service"
	appErrors "github.com/unipermit/unipermit-api/pkg/errors"
	"github.com/unipermit/unipermit-api/pkg/response"
)

type permissionService interface {
	Submit(ctx context.Context, session models.User, req dto.SubmitPermissionRequest) (*models.PermissionView, error)
	Upsert(ctx context.Context, session models.User, id string, req dto.SubmitPermissionRequest) (*models.PermissionView, error)
	List(ctx context.Context, session models.User, scope *models.Scope) (*dto.PermissionList, error)
	Pending(ctx context.Context, session models.User) (*dto.PermissionList, error)
	History(ctx context.Context, session models.User) (*dto.PermissionList, error)
	Mine(ctx context.Context, session models.User) (*dto.PermissionList, error)
	Today(ctx context.Context, session models.User) (*dto.PermissionList, error)
	Lookup(ctx context.Context, session models.User, query models.Scope) (*dto.PermissionList, error)
	Get(ctx context.Context, session models.User, id string) (*dto.PermissionDetail, error)
	Approve(ctx context.Context, session models.User, id string, req dto.DecisionRequest) (*models.PermissionView, error)
	Reject(ctx context.Context, session models.User, id string) (*models.PermissionView, error)
}

type rosterExporter interface {
	Today(ctx context.Context, session models.User, format string) (*service.ExportResult, error)
	Lookup(ctx context.Context, session models.User, query models.Scope, format string) (*service.ExportResult, error)
}

// PermissionHandler exposes the permission request workflow.
type PermissionHandler struct {
	service  permissionService
	exporter rosterExporter
}

// NewPermissionHandler constructs the handler.
func NewPermissionHandler(svc permissionService, exporter rosterExporter) *PermissionHandler {
	return &PermissionHandler{service: svc, exporter: exporter}
}

// List godoc
// @Summary List permission requests
// @Description Non-expired requests visible to the caller, optionally narrowed to one class
// @Tags Permissions
// @Produce json
// @Security BearerAuth
// @Param department query string false "Department"
// @Param year query string false "Year"
// @Param section query string false "Section"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /permissions [get]
func (h *PermissionHandler) List(c *gin.Context) {
	session, ok := sessionFromContext(c)
	if !ok {
		return
	}
	var query dto.ScopeQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid query parameters"))
		return
	}
	h.writeList(c)(h.service.List(c.Request.Context(), session, query.Scope()))
}

// Submit godoc
// @Summary Submit a permission request
// @Description Validates the form, runs letter verification and stores the request as SUBMITTED
// @Tags Permissions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param payload body dto.SubmitPermissionRequest true "Permission request"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /permissions [post]
func (h *PermissionHandler) Submit(c *gin.Context) {
	session, ok := sessionFromContext(c)
	if !ok {
		return
	}
	var req dto.SubmitPermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid permission payload"))
		return
	}
	view, err := h.service.Submit(c.Request.Context(), session, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, view)
}

// Update godoc
// @Summary Update a pending permission request
// @Description Owner-only rewrite of a request that is still SUBMITTED
// @Tags Permissions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Permission ID"
// @Param payload body dto.SubmitPermissionRequest true "Permission request"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /permissions/{id} [put]
func (h *PermissionHandler) Update(c *gin.Context) {
	session, ok := sessionFromContext(c)
	if !ok {
		return
	}
	var req dto.SubmitPermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid permission payload"))
		return
	}
	view, err := h.service.Upsert(c.Request.Context(), session, c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, view)
}

// Mine godoc
// @Summary Own permission history
// @Tags Permissions
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Envelope
// @Router /permissions/mine [get]
func (h *PermissionHandler) Mine(c *gin.Context) {
	session, ok := sessionFromContext(c)
	if !ok {
		return
	}
	h.writeList(c)(h.service.Mine(c.Request.Context(), session))
}

// Pending godoc
// @Summary Approver queue
// @Description SUBMITTED requests of the caller's class, oldest first
// @Tags Permissions
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Envelope
// @Router /permissions/pending [get]
func (h *PermissionHandler) Pending(c *gin.Context) {
	session, ok := sessionFromContext(c)
	if !ok {
		return
	}
	h.writeList(c)(h.service.Pending(c.Request.Context(), session))
}

// History godoc
// @Summary Approver history
// @Description Decided requests of the caller's class, newest first
// @Tags Permissions
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Envelope
// @Router /permissions/history [get]
func (h *PermissionHandler) History(c *gin.Context) {
	session, ok := sessionFromContext(c)
	if !ok {
		return
	}
	h.writeList(c)(h.service.History(c.Request.Context(), session))
}

// Today godoc
// @Summary Today's attendance
// @Description Approved requests of the caller's class for the local date, by roll number
// @Tags Permissions
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Envelope
// @Router /permissions/today [get]
func (h *PermissionHandler) Today(c *gin.Context) {
	session, ok := sessionFromContext(c)
	if !ok {
		return
	}
	h.writeList(c)(h.service.Today(c.Request.Context(), session))
}

// Lookup godoc
// @Summary Staff lookup
// @Description Approved requests of any class, by roll number
// @Tags Permissions
// @Produce json
// @Security BearerAuth
// @Param department query string true "Department"
// @Param year query string true "Year"
// @Param section query string true "Section"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /permissions/lookup [get]
func (h *PermissionHandler) Lookup(c *gin.Context) {
	session, ok := sessionFromContext(c)
	if !ok {
		return
	}
	var query dto.ScopeQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid query parameters"))
		return
	}
	h.writeList(c)(h.service.Lookup(c.Request.Context(), session, models.Scope{Department: query.Department, Year: query.Year, Section: query.Section}))
}

// ExportToday godoc
// @Summary Export today's attendance
// @Tags Permissions
// @Produce text/csv
// @Produce application/pdf
// @Security BearerAuth
// @Param format query string false "csv or pdf"
// @Success 200 {file} file
// @Router /permissions/today/export [get]
func (h *PermissionHandler) ExportToday(c *gin.Context) {
	session, ok := sessionFromContext(c)
	if !ok {
		return
	}
	var query dto.ExportQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid query parameters"))
		return
	}
	h.writeExport(c)(h.exporter.Today(c.Request.Context(), session, query.Format))
}

// ExportLookup godoc
// @Summary Export a class's approvals
// @Tags Permissions
// @Produce text/csv
// @Produce application/pdf
// @Security BearerAuth
// @Param department query string true "Department"
// @Param year query string true "Year"
// @Param section query string true "Section"
// @Param format query string false "csv or pdf"
// @Success 200 {file} file
// @Router /permissions/lookup/export [get]
func (h *PermissionHandler) ExportLookup(c *gin.Context) {
	session, ok := sessionFromContext(c)
	if !ok {
		return
	}
	var query dto.ExportQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid query parameters"))
		return
	}
	scope := models.Scope{Department: query.Department, Year: query.Year, Section: query.Section}
	h.writeExport(c)(h.exporter.Lookup(c.Request.Context(), session, scope, query.Format))
}

// Get godoc
// @Summary Permission detail
// @Description A visible request with its window label and approval form defaults
// @Tags Permissions
// @Produce json
// @Security BearerAuth
// @Param id path string true "Permission ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /permissions/{id} [get]
func (h *PermissionHandler) Get(c *gin.Context) {
	session, ok := sessionFromContext(c)
	if !ok {
		return
	}
	detail, err := h.service.Get(c.Request.Context(), session, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	respond(c, http.StatusOK, detail, detail.Degraded)
}

// Approve godoc
// @Summary Approve a permission request
// @Description Blank schedule fields default to the requested schedule, then to today 09:00-10:00
// @Tags Permissions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Permission ID"
// @Param payload body dto.DecisionRequest false "Confirmed schedule"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /permissions/{id}/approve [post]
func (h *PermissionHandler) Approve(c *gin.Context) {
	session, ok := sessionFromContext(c)
	if !ok {
		return
	}
	// An empty body, chunked or not, approves with the default schedule.
	var req dto.DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid decision payload"))
		return
	}
	view, err := h.service.Approve(c.Request.Context(), session, c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, view)
}

// Reject godoc
// @Summary Reject a permission request
// @Tags Permissions
// @Produce json
// @Security BearerAuth
// @Param id path string true "Permission ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /permissions/{id}/reject [post]
func (h *PermissionHandler) Reject(c *gin.Context) {
	session, ok := sessionFromContext(c)
	if !ok {
		return
	}
	view, err := h.service.Reject(c.Request.Context(), session, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, view)
}

func (h *PermissionHandler) writeList(c *gin.Context) func(*dto.PermissionList, error) {
	return func(list *dto.PermissionList, err error) {
		if err != nil {
			response.Error(c, err)
			return
		}
		respond(c, http.StatusOK, list.Items, list.Degraded)
	}
}

func (h *PermissionHandler) writeExport(c *gin.Context) func(*service.ExportResult, error) {
	return func(result *service.ExportResult, err error) {
		if err != nil {
			response.Error(c, err)
			return
		}
		middleware.SetDegraded(c, result.Degraded)
		response.Attachment(c, result.Filename, result.ContentType, result.Data)
	}
}
