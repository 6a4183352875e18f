package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fairdatahub/download-api/internal/models"
	appErrors "github.com/fairdatahub/download-api/pkg/errors"
)

func downloadID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		return 0, appErrors.Clone(appErrors.ErrValidation, "invalid download id")
	}
	return id, nil
}

func statusFromString(status string) models.DownloadStatus {
	return models.DownloadStatus(status)
}
