package service

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"

	"github.com/fairdatahub/download-api/internal/models"
	"github.com/fairdatahub/download-api/internal/repository"
	appErrors "github.com/fairdatahub/download-api/pkg/errors"
)

// DownloadRepository abstracts download persistence for the request layer.
type DownloadRepository interface {
	Create(ctx context.Context, download *models.Download) error
	GetByID(ctx context.Context, id int64) (*models.Download, error)
	Save(ctx context.Context, download *models.Download) error
	List(ctx context.Context, filter repository.DownloadFilter) ([]models.Download, error)
	SoftDelete(ctx context.Context, id int64, deleted bool) error
}

// DownloadService serves download submission and management operations for
// the HTTP layer. Lifecycle transitions themselves belong to the scheduler;
// this service only persists, reads, and applies administrative edits.
type DownloadService struct {
	repo      DownloadRepository
	scheduler *SchedulerService
	logger    *zap.Logger
}

// NewDownloadService constructs the download service.
func NewDownloadService(repo DownloadRepository, scheduler *SchedulerService, logger *zap.Logger) *DownloadService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DownloadService{repo: repo, scheduler: scheduler, logger: logger}
}

// Queue persists the given downloads and returns their ids in order.
func (s *DownloadService) Queue(ctx context.Context, downloads []models.Download) ([]int64, error) {
	ids := make([]int64, 0, len(downloads))
	for i := range downloads {
		if err := s.repo.Create(ctx, &downloads[i]); err != nil {
			return ids, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status,
				"unable to store download")
		}
		ids = append(ids, downloads[i].ID)
	}
	return ids, nil
}

// Get returns one download, including soft-deleted ones.
func (s *DownloadService) Get(ctx context.Context, id int64) (*models.Download, error) {
	download, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "download not found")
		}
		return nil, err
	}
	return download, nil
}

// List returns downloads matching the filter.
func (s *DownloadService) List(ctx context.Context, filter repository.DownloadFilter) ([]models.Download, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown download status")
	}
	return s.repo.List(ctx, filter)
}

// SetStatus applies an administrative status override. Setting PREPARING on a
// download that holds a prepared id forces a re-prepare on the next tick.
func (s *DownloadService) SetStatus(ctx context.Context, id int64, status models.DownloadStatus) (*models.Download, error) {
	if !status.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown download status")
	}
	download, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.Sugar().Infow("overriding download status",
		"download", id, "from", download.Status, "to", status)
	download.Status = status
	if err := s.repo.Save(ctx, download); err != nil {
		return nil, err
	}
	return download, nil
}

// SetDeleted soft-deletes a download, or restores it when deleted is false.
func (s *DownloadService) SetDeleted(ctx context.Context, id int64, deleted bool) error {
	if err := s.repo.SoftDelete(ctx, id, deleted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "download not found")
		}
		return err
	}
	return nil
}

// SetEmail updates the notification address of a download and re-arms the
// notification when the download already completed.
func (s *DownloadService) SetEmail(ctx context.Context, id int64, email *string) (*models.Download, error) {
	download, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	download.Email = email
	if email != nil {
		download.IsEmailSent = false
	}
	if err := s.repo.Save(ctx, download); err != nil {
		return nil, err
	}
	return download, nil
}

// Reprepare issues a fresh prepare request for a download using the supplied
// session, bypassing the queue. Intended for administrators recovering a
// download whose prepared data expired upstream.
func (s *DownloadService) Reprepare(ctx context.Context, id int64, sessionID string) (*models.Download, error) {
	if s.scheduler == nil {
		return nil, appErrors.Clone(appErrors.ErrInternal, "scheduler is not available")
	}
	download, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.scheduler.PrepareDownload(ctx, download, sessionID); err != nil {
		return nil, err
	}
	return download, nil
}
