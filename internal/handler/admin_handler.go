package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fairdatahub/download-api/internal/dto"
	"github.com/fairdatahub/download-api/internal/repository"
	"github.com/fairdatahub/download-api/internal/service"
	appErrors "github.com/fairdatahub/download-api/pkg/errors"
	"github.com/fairdatahub/download-api/pkg/response"
)

// AdminHandler exposes administrative download management endpoints.
type AdminHandler struct {
	downloads *service.DownloadService
}

// NewAdminHandler constructs AdminHandler.
func NewAdminHandler(downloads *service.DownloadService) *AdminHandler {
	return &AdminHandler{downloads: downloads}
}

// List returns downloads including soft-deleted ones.
func (h *AdminHandler) List(c *gin.Context) {
	filter := repository.DownloadFilter{
		FacilityName:   c.Query("facilityName"),
		UserName:       c.Query("userName"),
		IncludeDeleted: true,
	}
	if status := c.Query("status"); status != "" {
		filter.Status = statusFromString(status)
	}

	downloads, err := h.downloads.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, downloads)
}

// SetStatus overrides a download's lifecycle status.
func (h *AdminHandler) SetStatus(c *gin.Context) {
	id, err := downloadID(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	var req dto.SetStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	download, err := h.downloads.SetStatus(c.Request.Context(), id, statusFromString(req.Status))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, download)
}

// Restore undoes a soft delete.
func (h *AdminHandler) Restore(c *gin.Context) {
	id, err := downloadID(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	if err := h.downloads.SetDeleted(c.Request.Context(), id, false); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Reprepare issues a fresh prepare request for a download.
func (h *AdminHandler) Reprepare(c *gin.Context) {
	id, err := downloadID(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	var req dto.ReprepareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	download, err := h.downloads.Reprepare(c.Request.Context(), id, req.SessionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, download)
}
