package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/fairdatahub/download-api/internal/client"
	"github.com/fairdatahub/download-api/internal/models"
	"github.com/fairdatahub/download-api/pkg/config"
	appErrors "github.com/fairdatahub/download-api/pkg/errors"
)

// MailPolicy answers whether a transport requires an e-mail address.
type MailPolicy interface {
	Required(transport string) bool
	ValidAddress(address string) bool
}

// BuilderService validates queue submissions, resolves the submitting user,
// and splits large requests into part downloads so that no part exceeds the
// configured file-count cap.
type BuilderService struct {
	clients    ClientFactory
	priority   *PriorityService
	transport  *TransportService
	cache      *CacheService
	mail       MailPolicy
	queue      config.QueueConfig
	facilities config.FacilitiesConfig
	validate   *validator.Validate
	logger     *zap.Logger
}

// NewBuilderService constructs the builder.
func NewBuilderService(clients ClientFactory, priority *PriorityService, transport *TransportService,
	cache *CacheService, mail MailPolicy, queue config.QueueConfig, facilities config.FacilitiesConfig,
	logger *zap.Logger) *BuilderService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BuilderService{
		clients:    clients,
		priority:   priority,
		transport:  transport,
		cache:      cache,
		mail:       mail,
		queue:      queue,
		facilities: facilities,
		validate:   validator.New(),
		logger:     logger,
	}
}

// QueueRequest carries the fields common to every queue submission.
type QueueRequest struct {
	FacilityName string
	SessionID    string
	Transport    string
	FileName     string
	Email        string
}

// submission is one validated queue request with its resolved identity.
type submission struct {
	req      QueueRequest
	catalog  CatalogClient
	userName string
	fullName string
	email    *string
	priority int
}

// begin validates the request, resolves the user through the catalog, and
// enforces the queue and transport policies.
func (s *BuilderService) begin(ctx context.Context, req QueueRequest) (*submission, error) {
	if strings.TrimSpace(req.Transport) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "transport is required")
	}
	facilityName, err := s.facilities.ValidateName(req.FacilityName)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	req.FacilityName = facilityName

	email, err := s.validateEmail(req.Transport, req.Email)
	if err != nil {
		return nil, err
	}

	catalog, err := s.clients.Catalog(req.FacilityName)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	userName, err := catalog.GetUserName(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	fullName, err := catalog.GetFullName(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	level, err := s.priority.CheckQueueAllowed(ctx, catalog, req.SessionID, userName)
	if err != nil {
		return nil, err
	}
	if err := s.transport.CheckAccess(ctx, catalog, req.SessionID, req.FacilityName, req.Transport, userName); err != nil {
		return nil, err
	}

	return &submission{
		req:      req,
		catalog:  catalog,
		userName: userName,
		fullName: fullName,
		email:    email,
		priority: level,
	}, nil
}

func (s *BuilderService) validateEmail(transport, email string) (*string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		if s.mail != nil && s.mail.Required(transport) {
			return nil, appErrors.Clone(appErrors.ErrValidation, "email is required for "+transport)
		}
		return nil, nil
	}
	if err := s.validate.Var(email, "email"); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "invalid email address")
	}
	return &email, nil
}

func (sub *submission) newDownload() models.Download {
	return models.Download{
		FacilityName: sub.req.FacilityName,
		SessionID:    sub.req.SessionID,
		UserName:     sub.userName,
		FullName:     sub.fullName,
		Transport:    sub.req.Transport,
		FileName:     sub.req.FileName,
		Email:        sub.email,
		Status:       models.StatusQueued,
	}
}

// Allowed reports whether the session's user may queue downloads at the
// facility, along with the resolved priority.
func (s *BuilderService) Allowed(ctx context.Context, facilityName, sessionID string) (bool, int, error) {
	facilityName, err := s.facilities.ValidateName(facilityName)
	if err != nil {
		return false, 0, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	catalog, err := s.clients.Catalog(facilityName)
	if err != nil {
		return false, 0, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	userName, err := catalog.GetUserName(ctx, sessionID)
	if err != nil {
		return false, 0, err
	}
	level, err := s.priority.Priority(ctx, catalog, sessionID, userName)
	if err != nil {
		return false, 0, err
	}
	return level > 0, level, nil
}

// FromVisit queues every dataset of the investigation with the given visit
// id, split into parts by the file-count cap.
func (s *BuilderService) FromVisit(ctx context.Context, req QueueRequest, visitID string) ([]models.Download, error) {
	if strings.TrimSpace(visitID) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "visitId is required")
	}
	sub, err := s.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	if sub.req.FileName == "" {
		sub.req.FileName = sub.req.FacilityName + "_" + visitID
	}

	s.logger.Sugar().Infow("queueing visit", "visit", visitID, "facility", sub.req.FacilityName, "user", sub.userName)
	datasets, err := sub.catalog.GetDatasets(ctx, sub.req.SessionID, visitID)
	if err != nil {
		return nil, err
	}
	if len(datasets) == 0 {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "no datasets found for "+visitID)
	}
	return s.buildParts(ctx, sub, datasets, nil)
}

// FromDataCollection queues the datasets and datafiles of a data collection,
// split into parts by the file-count cap.
func (s *BuilderService) FromDataCollection(ctx context.Context, req QueueRequest, dataCollectionID int64) ([]models.Download, error) {
	if dataCollectionID < 1 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "a valid dataCollectionId is required")
	}
	sub, err := s.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	if sub.req.FileName == "" {
		sub.req.FileName = sub.req.FacilityName + "_DataCollection" + strconv.FormatInt(dataCollectionID, 10)
	}

	s.logger.Sugar().Infow("queueing data collection", "dataCollection", dataCollectionID, "user", sub.userName)
	datasets, err := sub.catalog.GetDataCollectionDatasets(ctx, sub.req.SessionID, dataCollectionID)
	if err != nil {
		return nil, err
	}
	datafiles, err := sub.catalog.GetDataCollectionDatafiles(ctx, sub.req.SessionID, dataCollectionID)
	if err != nil {
		return nil, err
	}
	if len(datasets) == 0 && len(datafiles) == 0 {
		return nil, appErrors.Clone(appErrors.ErrNotFound,
			fmt.Sprintf("no data found for data collection %d", dataCollectionID))
	}
	return s.buildParts(ctx, sub, datasets, datafiles)
}

// FromLocations queues datafiles looked up by location. It returns a single
// download plus the locations that matched nothing.
func (s *BuilderService) FromLocations(ctx context.Context, req QueueRequest, locations []string) ([]models.Download, []string, error) {
	if len(locations) == 0 {
		return nil, nil, appErrors.Clone(appErrors.ErrValidation, "at least one file location is required")
	}
	if s.queue.FilesMaxFileCount > 0 && int64(len(locations)) > s.queue.FilesMaxFileCount {
		return nil, nil, appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("limit of %d files exceeded", s.queue.FilesMaxFileCount))
	}
	sub, err := s.begin(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	if sub.req.FileName == "" {
		sub.req.FileName = sub.req.FacilityName + "_files"
	}

	s.logger.Sugar().Infow("queueing files", "count", len(locations), "user", sub.userName)
	result, err := sub.catalog.GetDatafiles(ctx, sub.req.SessionID, locations)
	if err != nil {
		return nil, nil, err
	}
	if len(result.IDs) == 0 {
		return nil, result.Missing, appErrors.Clone(appErrors.ErrNotFound, "no datafiles found")
	}

	download := sub.newDownload()
	for _, id := range result.IDs {
		download.Items = append(download.Items, models.DownloadItem{EntityID: id, EntityType: models.EntityDatafile})
	}
	download.Size = result.TotalSize
	return []models.Download{download}, result.Missing, nil
}

// buildParts bin-packs datasets then datafiles into part downloads so that no
// part exceeds the configured file-count cap, and applies part filenames.
func (s *BuilderService) buildParts(ctx context.Context, sub *submission, datasets []client.Dataset, datafiles []client.Datafile) ([]models.Download, error) {
	maxFiles := s.queue.VisitMaxPartFileCount

	var parts []models.Download
	current := sub.newDownload()
	var fileCount, fileSize int64
	flush := func() {
		current.Size = fileSize
		parts = append(parts, current)
		current = sub.newDownload()
		fileCount, fileSize = 0, 0
	}

	for _, dataset := range datasets {
		count := dataset.FileCount
		size := dataset.FileSize
		var err error
		// Upstream triggers should have set these; query on demand when not.
		if count < 1 {
			if count, err = s.datasetFileCount(ctx, sub, dataset.ID); err != nil {
				return nil, err
			}
		}
		if size < 1 {
			if size, err = s.datasetFileSize(ctx, sub, dataset.ID); err != nil {
				return nil, err
			}
		}

		if fileCount > 0 && maxFiles > 0 && fileCount+count > maxFiles {
			flush()
		}
		current.Items = append(current.Items, models.DownloadItem{EntityID: dataset.ID, EntityType: models.EntityDataset})
		fileCount += count
		fileSize += size
	}

	for _, datafile := range datafiles {
		if maxFiles > 0 && fileCount >= maxFiles {
			flush()
		}
		current.Items = append(current.Items, models.DownloadItem{EntityID: datafile.ID, EntityType: models.EntityDatafile})
		fileCount++
		fileSize += datafile.FileSize
	}
	current.Size = fileSize
	parts = append(parts, current)

	for i := range parts {
		parts[i].FileName = partFileName(sub.req.FileName, i+1, len(parts))
	}
	return parts, nil
}

func (s *BuilderService) datasetFileCount(ctx context.Context, sub *submission, datasetID int64) (int64, error) {
	key := fmt.Sprintf("dataset:%s:%d:fileCount", sub.req.FacilityName, datasetID)
	var count int64
	if hit, err := s.cache.Get(ctx, key, &count); err == nil && hit {
		return count, nil
	}
	count, err := sub.catalog.GetDatasetFileCount(ctx, sub.req.SessionID, datasetID)
	if err != nil {
		return 0, err
	}
	_ = s.cache.Set(ctx, key, count, 0)
	return count, nil
}

func (s *BuilderService) datasetFileSize(ctx context.Context, sub *submission, datasetID int64) (int64, error) {
	key := fmt.Sprintf("dataset:%s:%d:fileSize", sub.req.FacilityName, datasetID)
	var size int64
	if hit, err := s.cache.Get(ctx, key, &size); err == nil && hit {
		return size, nil
	}
	size, err := sub.catalog.GetDatasetFileSize(ctx, sub.req.SessionID, datasetID)
	if err != nil {
		return 0, err
	}
	_ = s.cache.Set(ctx, key, size, 0)
	return size, nil
}

// partFileName numbers one part of a split request, zero-padding the part
// index to the width of the part count.
func partFileName(base string, part, count int) string {
	countString := strconv.Itoa(count)
	partString := strconv.Itoa(part)
	padding := strings.Repeat("0", len(countString)-len(partString))
	return base + "_part_" + padding + partString + "_of_" + countString
}
