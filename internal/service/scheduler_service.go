package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fairdatahub/download-api/internal/models"
	"github.com/fairdatahub/download-api/pkg/config"
	appErrors "github.com/fairdatahub/download-api/pkg/errors"
)

// DownloadStore is the persistence surface the scheduler drives. The
// scheduler assumes no other writer mutates a download's status concurrently.
type DownloadStore interface {
	FindActive(ctx context.Context) ([]models.Download, error)
	FindQueued(ctx context.Context) ([]models.Download, error)
	CountRestoring(ctx context.Context) (int, error)
	Save(ctx context.Context, download *models.Download) error
}

// Notifier delivers completion notifications.
type Notifier interface {
	DownloadReady(download *models.Download, downloadURL string)
}

// SchedulerService advances download lifecycles on a fixed tick: it prepares
// PREPARING downloads, checks whether restores finished, sends completion
// e-mails, and admits queued downloads by priority when no active work was
// done. Ticks are mutually exclusive; a tick that finds another in flight
// exits immediately.
type SchedulerService struct {
	store      DownloadStore
	clients    ClientFactory
	priority   *PriorityService
	notifier   Notifier
	metrics    *MetricsService
	facilities config.FacilitiesConfig
	poll       config.PollConfig
	queue      config.QueueConfig
	logger     *zap.Logger

	busy atomic.Bool

	// lastChecks records when each download was last checked or retried, so
	// an inconclusive or failed attempt is not repeated before IntervalWait
	// elapses. In-memory only: losing it on restart merely re-checks earlier.
	lastChecks map[int64]time.Time

	now func() time.Time
}

// NewSchedulerService constructs the scheduler.
func NewSchedulerService(store DownloadStore, clients ClientFactory, priority *PriorityService, notifier Notifier,
	metrics *MetricsService, facilities config.FacilitiesConfig, poll config.PollConfig, queue config.QueueConfig,
	logger *zap.Logger) *SchedulerService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SchedulerService{
		store:      store,
		clients:    clients,
		priority:   priority,
		notifier:   notifier,
		metrics:    metrics,
		facilities: facilities,
		poll:       poll,
		queue:      queue,
		logger:     logger,
		lastChecks: map[int64]time.Time{},
		now:        time.Now,
	}
}

// Run ticks on the configured interval until ctx is cancelled.
func (s *SchedulerService) Run(ctx context.Context) {
	interval := s.poll.TickInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Sugar().Infow("download scheduler started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Sugar().Infow("download scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass. Queued downloads are only admitted when the
// pass did no work for already-active downloads.
func (s *SchedulerService) Tick(ctx context.Context) {
	if !s.busy.CompareAndSwap(false, true) {
		return
	}
	defer s.busy.Store(false)

	if s.poll.Disabled {
		return
	}

	start := s.now()
	updated, err := s.UpdateStatuses(ctx, s.poll.Delay, s.poll.IntervalWait)
	if err != nil {
		s.logger.Sugar().Errorw("updating download statuses failed", "error", err)
	}
	if !updated {
		if err := s.StartQueuedDownloads(ctx, s.queue.MaxActiveDownloads); err != nil {
			s.logger.Sugar().Errorw("starting queued downloads failed", "error", err)
		}
	}
	s.metrics.ObserveSchedulerTick(s.now().Sub(start))
}

// UpdateStatuses advances every active download once: PREPARING downloads get
// a prepare request, prepared downloads older than pollDelay get a readiness
// check. A download is skipped while its last attempt is younger than
// pollIntervalWait. Returns whether any prepare was issued.
func (s *SchedulerService) UpdateStatuses(ctx context.Context, pollDelay, pollIntervalWait time.Duration) (bool, error) {
	downloads, err := s.store.FindActive(ctx)
	if err != nil {
		return false, err
	}

	updated := false
	for i := range downloads {
		download := &downloads[i]
		now := s.now()
		lastCheck, checked := s.lastChecks[download.ID]
		due := !checked || now.Sub(lastCheck) >= pollIntervalWait

		if download.Status == models.StatusPreparing {
			if due {
				s.prepare(ctx, download, download.SessionID)
				updated = true
			}
		} else if download.PreparedID != nil && now.Sub(download.CreatedAt) >= pollDelay {
			if due {
				s.performCheck(ctx, download)
			}
		}
	}
	return updated, nil
}

func (s *SchedulerService) prepare(ctx context.Context, download *models.Download, sessionID string) {
	if err := s.PrepareDownload(ctx, download, sessionID); err != nil {
		s.handleFailure(ctx, download, fmt.Sprintf("prepare failed: %v", err), appErrors.IsServiceError(err))
	}
}

// PrepareDownload issues the prepare request for a download and persists the
// outcome: RESTORING for two-level storage or non-HTTP transports, COMPLETE
// otherwise. A failed size lookup marks the size unknown (-1) but never fails
// the prepare. Exported so administrators can force a re-prepare.
func (s *SchedulerService) PrepareDownload(ctx context.Context, download *models.Download, sessionID string) error {
	archive, err := s.clients.Archive(download.FacilityName, download.Transport)
	if err != nil {
		return fmt.Errorf("resolve archive client: %w", err)
	}

	s.logger.Sugar().Infow("requesting prepare", "download", download.ID, "file", download.FileName)
	preparedID, err := archive.PrepareData(ctx, sessionID,
		download.InvestigationIDs(), download.DatasetIDs(), download.DatafileIDs())
	if err != nil {
		return err
	}
	download.PreparedID = &preparedID

	if download.Size <= 0 {
		size, err := archive.GetSize(ctx, sessionID,
			download.InvestigationIDs(), download.DatasetIDs(), download.DatafileIDs())
		if err != nil {
			s.logger.Sugar().Warnw("size lookup failed, marking size unknown",
				"download", download.ID, "error", err)
			download.Size = -1
		} else {
			download.Size = size
		}
	}

	twoLevel, err := archive.IsTwoLevel(ctx)
	if err != nil {
		return err
	}
	download.IsTwoLevel = twoLevel

	if twoLevel || !download.IsHTTPTransport() {
		s.logger.Sugar().Infow("download restoring", "download", download.ID, "file", download.FileName)
		download.Status = models.StatusRestoring
	} else {
		s.logger.Sugar().Infow("download complete", "download", download.ID, "file", download.FileName)
		now := s.now()
		download.Status = models.StatusComplete
		download.CompletedAt = &now
	}

	if err := s.store.Save(ctx, download); err != nil {
		return fmt.Errorf("save prepared download: %w", err)
	}
	s.metrics.IncDownloadsPrepared()
	return nil
}

// performCheck advances one prepared download: it sends the pending e-mail of
// a COMPLETE download, or completes an HTTP download whose restore finished.
// Anything inconclusive records a retry timestamp instead.
func (s *SchedulerService) performCheck(ctx context.Context, download *models.Download) {
	archive, err := s.clients.Archive(download.FacilityName, download.Transport)
	if err != nil {
		s.handleFailure(ctx, download, fmt.Sprintf("resolve archive client: %v", err), false)
		return
	}

	switch {
	case !download.IsEmailSent && download.Status == models.StatusComplete:
		download.IsEmailSent = true
		if err := s.store.Save(ctx, download); err != nil {
			s.handleFailure(ctx, download, fmt.Sprintf("save e-mail flag: %v", err), false)
			return
		}
		delete(s.lastChecks, download.ID)
		s.notify(download, archive)

	case download.IsHTTPTransport():
		prepared, err := archive.IsPrepared(ctx, *download.PreparedID)
		if err != nil {
			s.handleFailure(ctx, download, fmt.Sprintf("readiness check failed: %v", err), appErrors.IsServiceError(err))
			return
		}
		if !prepared {
			s.lastChecks[download.ID] = s.now()
			return
		}
		s.logger.Sugar().Infow("restore finished, download complete",
			"download", download.ID, "file", download.FileName)
		now := s.now()
		download.Status = models.StatusComplete
		download.CompletedAt = &now
		download.IsEmailSent = true
		if err := s.store.Save(ctx, download); err != nil {
			s.handleFailure(ctx, download, fmt.Sprintf("save completed download: %v", err), false)
			return
		}
		delete(s.lastChecks, download.ID)
		s.metrics.IncDownloadsCompleted()
		s.notify(download, archive)

	default:
		s.lastChecks[download.ID] = s.now()
	}
}

func (s *SchedulerService) notify(download *models.Download, archive ArchiveClient) {
	if s.notifier == nil || download.Email == nil || download.PreparedID == nil {
		return
	}
	s.notifier.DownloadReady(download, archive.DataURL(*download.PreparedID, download.FileName))
}

// handleFailure expires the download on a structured upstream rejection, or
// records a retry timestamp for everything else so the next attempt waits out
// the poll interval.
func (s *SchedulerService) handleFailure(ctx context.Context, download *models.Download, reason string, expire bool) {
	if !expire {
		s.logger.Sugar().Warnw("deferring download after failure", "download", download.ID, "reason", reason)
		s.lastChecks[download.ID] = s.now()
		return
	}

	s.logger.Sugar().Errorw("expiring download", "download", download.ID, "reason", reason)
	download.Status = models.StatusExpired
	if err := s.store.Save(ctx, download); err != nil {
		s.logger.Sugar().Errorw("saving expired download failed", "download", download.ID, "error", err)
	}
	delete(s.lastChecks, download.ID)
	s.metrics.IncDownloadsExpired()
}

// StartQueuedDownloads admits at most one queued download per pass, picking
// the oldest download of the best (lowest) priority level. maxActiveDownloads
// zero disables admission; negative means unlimited, admitting strictly in
// creation order without priority lookups.
func (s *SchedulerService) StartQueuedDownloads(ctx context.Context, maxActiveDownloads int) error {
	if maxActiveDownloads == 0 {
		return nil
	}

	if maxActiveDownloads > 0 {
		active, err := s.store.CountRestoring(ctx)
		if err != nil {
			return err
		}
		if active >= maxActiveDownloads {
			s.logger.Sugar().Debugw("restore capacity exhausted",
				"active", active, "max", maxActiveDownloads)
			return nil
		}
	}

	queued, err := s.store.FindQueued(ctx)
	if err != nil {
		return err
	}
	s.metrics.SetQueueDepth(len(queued))
	if len(queued) == 0 {
		return nil
	}

	sessions := map[string]string{}
	if maxActiveDownloads < 0 {
		return s.admit(ctx, &queued[0], sessions)
	}

	byLevel := map[int][]*models.Download{}
	for i := range queued {
		download := &queued[i]
		sessionID, err := s.queueSession(ctx, sessions, download.FacilityName)
		if err != nil {
			return err
		}
		catalog, err := s.clients.Catalog(download.FacilityName)
		if err != nil {
			return err
		}
		level, err := s.priority.Priority(ctx, catalog, sessionID, download.UserName)
		if err != nil {
			return fmt.Errorf("resolve priority for %s: %w", download.UserName, err)
		}
		if level < 1 {
			s.logger.Sugar().Warnw("skipping queued download, queuing disabled for owner",
				"download", download.ID, "user", download.UserName)
			continue
		}
		if level == 1 {
			// Highest priority, admit without ranking the rest.
			return s.admit(ctx, download, sessions)
		}
		byLevel[level] = append(byLevel[level], download)
	}
	if len(byLevel) == 0 {
		return nil
	}

	best := 0
	for level := range byLevel {
		if best == 0 || level < best {
			best = level
		}
	}
	return s.admit(ctx, byLevel[best][0], sessions)
}

func (s *SchedulerService) admit(ctx context.Context, download *models.Download, sessions map[string]string) error {
	sessionID, err := s.queueSession(ctx, sessions, download.FacilityName)
	if err != nil {
		return err
	}
	s.logger.Sugar().Infow("admitting queued download",
		"download", download.ID, "file", download.FileName, "user", download.UserName)
	download.Status = models.StatusPreparing
	if err := s.store.Save(ctx, download); err != nil {
		return fmt.Errorf("save admitted download: %w", err)
	}
	s.metrics.IncDownloadsAdmitted()
	s.prepare(ctx, download, sessionID)
	return nil
}

// queueSession returns a facility service session, logging in at most once
// per facility per pass.
func (s *SchedulerService) queueSession(ctx context.Context, sessions map[string]string, facilityName string) (string, error) {
	if sessionID, ok := sessions[facilityName]; ok {
		return sessionID, nil
	}
	facility, err := s.facilities.Get(facilityName)
	if err != nil {
		return "", err
	}
	catalog, err := s.clients.Catalog(facilityName)
	if err != nil {
		return "", err
	}
	sessionID, err := catalog.Login(ctx,
		facility.QueueAccount.Plugin, facility.QueueAccount.Username, facility.QueueAccount.Password)
	if err != nil {
		return "", fmt.Errorf("queue account login for %s: %w", facilityName, err)
	}
	sessions[facilityName] = sessionID
	return sessionID, nil
}
