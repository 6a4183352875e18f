package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fairdatahub/download-api/internal/dto"
	"github.com/fairdatahub/download-api/internal/repository"
	"github.com/fairdatahub/download-api/internal/service"
	appErrors "github.com/fairdatahub/download-api/pkg/errors"
	"github.com/fairdatahub/download-api/pkg/response"
)

// DownloadHandler exposes the user-facing download endpoints.
type DownloadHandler struct {
	builder   *service.BuilderService
	downloads *service.DownloadService
}

// NewDownloadHandler constructs DownloadHandler.
func NewDownloadHandler(builder *service.BuilderService, downloads *service.DownloadService) *DownloadHandler {
	return &DownloadHandler{builder: builder, downloads: downloads}
}

// QueueVisit queues an entire visit for download, split into parts as needed.
func (h *DownloadHandler) QueueVisit(c *gin.Context) {
	var req dto.QueueVisitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}

	downloads, err := h.builder.FromVisit(c.Request.Context(), service.QueueRequest{
		FacilityName: req.FacilityName,
		SessionID:    req.SessionID,
		Transport:    req.Transport,
		FileName:     req.FileName,
		Email:        req.Email,
	}, req.VisitID)
	if err != nil {
		response.Error(c, err)
		return
	}

	ids, err := h.downloads.Queue(c.Request.Context(), downloads)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, ids)
}

// QueueFiles queues datafiles by location, reporting locations that matched
// nothing.
func (h *DownloadHandler) QueueFiles(c *gin.Context) {
	var req dto.QueueFilesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}

	downloads, missing, err := h.builder.FromLocations(c.Request.Context(), service.QueueRequest{
		FacilityName: req.FacilityName,
		SessionID:    req.SessionID,
		Transport:    req.Transport,
		FileName:     req.FileName,
		Email:        req.Email,
	}, req.Files)
	if err != nil {
		response.Error(c, err)
		return
	}

	ids, err := h.downloads.Queue(c.Request.Context(), downloads)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.QueueFilesResponse{DownloadIDs: ids, NotFound: missing})
}

// QueueDataCollection queues the contents of a data collection, split into
// parts as needed.
func (h *DownloadHandler) QueueDataCollection(c *gin.Context) {
	var req dto.QueueDataCollectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}

	downloads, err := h.builder.FromDataCollection(c.Request.Context(), service.QueueRequest{
		FacilityName: req.FacilityName,
		SessionID:    req.SessionID,
		Transport:    req.Transport,
		FileName:     req.FileName,
		Email:        req.Email,
	}, req.DataCollectionID)
	if err != nil {
		response.Error(c, err)
		return
	}

	ids, err := h.downloads.Queue(c.Request.Context(), downloads)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, ids)
}

// QueueAllowed reports whether the session's user may queue downloads.
func (h *DownloadHandler) QueueAllowed(c *gin.Context) {
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "sessionId is required"))
		return
	}
	allowed, priority, err := h.builder.Allowed(c.Request.Context(), c.Query("facilityName"), sessionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.QueueAllowedResponse{Allowed: allowed, Priority: priority})
}

// List returns downloads matching the query filters.
func (h *DownloadHandler) List(c *gin.Context) {
	filter := repository.DownloadFilter{
		FacilityName: c.Query("facilityName"),
		UserName:     c.Query("userName"),
	}
	if status := c.Query("status"); status != "" {
		filter.Status = statusFromString(status)
	}
	if limit, err := strconv.Atoi(c.DefaultQuery("limit", "100")); err == nil {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(c.DefaultQuery("offset", "0")); err == nil {
		filter.Offset = offset
	}

	downloads, err := h.downloads.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, downloads)
}

// Get returns one download.
func (h *DownloadHandler) Get(c *gin.Context) {
	id, err := downloadID(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	download, err := h.downloads.Get(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, download)
}

// Delete soft-deletes a download.
func (h *DownloadHandler) Delete(c *gin.Context) {
	id, err := downloadID(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	if err := h.downloads.SetDeleted(c.Request.Context(), id, true); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// SetEmail updates the notification address of a download.
func (h *DownloadHandler) SetEmail(c *gin.Context) {
	id, err := downloadID(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	var req dto.SetEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	var email *string
	if req.Email != "" {
		email = &req.Email
	}
	download, err := h.downloads.SetEmail(c.Request.Context(), id, email)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, download)
}
