package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairdatahub/download-api/internal/models"
	"github.com/fairdatahub/download-api/pkg/config"
	appErrors "github.com/fairdatahub/download-api/pkg/errors"
)

type storeStub struct {
	active    []models.Download
	queued    []models.Download
	restoring int
	saved     []models.Download
	saveErr   error
}

func (s *storeStub) FindActive(ctx context.Context) ([]models.Download, error) {
	return s.active, nil
}

func (s *storeStub) FindQueued(ctx context.Context) ([]models.Download, error) {
	return s.queued, nil
}

func (s *storeStub) CountRestoring(ctx context.Context) (int, error) {
	return s.restoring, nil
}

func (s *storeStub) Save(ctx context.Context, download *models.Download) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, *download)
	return nil
}

// lastSaved returns the most recent save of the given download.
func (s *storeStub) lastSaved(t *testing.T, id int64) models.Download {
	t.Helper()
	for i := len(s.saved) - 1; i >= 0; i-- {
		if s.saved[i].ID == id {
			return s.saved[i]
		}
	}
	t.Fatalf("download %d was never saved", id)
	return models.Download{}
}

type archiveStub struct {
	preparedID  string
	prepareErr  error
	size        int64
	sizeErr     error
	twoLevel    bool
	twoLevelErr error
	prepared    bool
	preparedErr error

	prepareCalls    int
	sizeCalls       int
	isPreparedCalls int
}

func (a *archiveStub) PrepareData(ctx context.Context, sessionID string, investigationIDs, datasetIDs, datafileIDs []int64) (string, error) {
	a.prepareCalls++
	return a.preparedID, a.prepareErr
}

func (a *archiveStub) IsPrepared(ctx context.Context, preparedID string) (bool, error) {
	a.isPreparedCalls++
	return a.prepared, a.preparedErr
}

func (a *archiveStub) GetSize(ctx context.Context, sessionID string, investigationIDs, datasetIDs, datafileIDs []int64) (int64, error) {
	a.sizeCalls++
	return a.size, a.sizeErr
}

func (a *archiveStub) IsTwoLevel(ctx context.Context) (bool, error) {
	return a.twoLevel, a.twoLevelErr
}

func (a *archiveStub) DataURL(preparedID, outname string) string {
	return "https://archive.example/getData?preparedId=" + preparedID + "&outname=" + outname
}

type notifierStub struct {
	downloads []int64
	urls      []string
}

func (n *notifierStub) DownloadReady(download *models.Download, downloadURL string) {
	n.downloads = append(n.downloads, download.ID)
	n.urls = append(n.urls, downloadURL)
}

func newTestScheduler(store *storeStub, catalog *catalogStub, archive *archiveStub,
	poll config.PollConfig, queue config.QueueConfig) (*SchedulerService, *notifierStub, func(time.Duration)) {
	facilities := config.NewFacilitiesConfig("LILS", config.Facility{
		Name:         "LILS",
		QueueAccount: config.QueueAccount{Plugin: "db", Username: "queue_reader", Password: "secret"},
	})
	priority := NewPriorityService(config.PriorityConfig{Default: 5}, nil)
	notifier := &notifierStub{}
	svc := NewSchedulerService(store, &factoryStub{catalog: catalog, archive: archive}, priority,
		notifier, nil, facilities, poll, queue, nil)

	current := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return current }
	return svc, notifier, func(d time.Duration) { current = current.Add(d) }
}

func preparingDownload(id int64, transport string) models.Download {
	return models.Download{
		ID:           id,
		FacilityName: "LILS",
		SessionID:    "sess-user",
		UserName:     "ldap/alice",
		Transport:    transport,
		FileName:     "LILS_CM-1234_part_1_of_1",
		Status:       models.StatusPreparing,
		Items:        []models.DownloadItem{{EntityID: 1, EntityType: models.EntityDataset}},
	}
}

func TestPrepareDownloadTwoLevelRestores(t *testing.T) {
	store := &storeStub{}
	archive := &archiveStub{preparedID: "prep-1", size: 1000, twoLevel: true}
	svc, _, _ := newTestScheduler(store, &catalogStub{}, archive, config.PollConfig{}, config.QueueConfig{})

	download := preparingDownload(1, "https")
	require.NoError(t, svc.PrepareDownload(context.Background(), &download, "sess-user"))

	saved := store.lastSaved(t, 1)
	require.Equal(t, models.StatusRestoring, saved.Status)
	require.NotNil(t, saved.PreparedID)
	require.Equal(t, "prep-1", *saved.PreparedID)
	require.Equal(t, int64(1000), saved.Size)
	require.True(t, saved.IsTwoLevel)
	require.Nil(t, saved.CompletedAt)
}

func TestPrepareDownloadSingleLevelHTTPCompletes(t *testing.T) {
	store := &storeStub{}
	archive := &archiveStub{preparedID: "prep-1", size: 1000}
	svc, _, _ := newTestScheduler(store, &catalogStub{}, archive, config.PollConfig{}, config.QueueConfig{})

	download := preparingDownload(1, "https")
	require.NoError(t, svc.PrepareDownload(context.Background(), &download, "sess-user"))

	saved := store.lastSaved(t, 1)
	require.Equal(t, models.StatusComplete, saved.Status)
	require.NotNil(t, saved.CompletedAt)
	require.Equal(t, svc.now(), *saved.CompletedAt)
}

func TestPrepareDownloadNonHTTPTransportRestores(t *testing.T) {
	store := &storeStub{}
	archive := &archiveStub{preparedID: "prep-1", size: 1000}
	svc, _, _ := newTestScheduler(store, &catalogStub{}, archive, config.PollConfig{}, config.QueueConfig{})

	download := preparingDownload(1, "globus")
	require.NoError(t, svc.PrepareDownload(context.Background(), &download, "sess-user"))
	require.Equal(t, models.StatusRestoring, store.lastSaved(t, 1).Status)
}

func TestPrepareDownloadSizeFailureMarksUnknown(t *testing.T) {
	store := &storeStub{}
	archive := &archiveStub{preparedID: "prep-1", sizeErr: errors.New("timeout")}
	svc, _, _ := newTestScheduler(store, &catalogStub{}, archive, config.PollConfig{}, config.QueueConfig{})

	download := preparingDownload(1, "https")
	require.NoError(t, svc.PrepareDownload(context.Background(), &download, "sess-user"))
	require.Equal(t, int64(-1), store.lastSaved(t, 1).Size)
}

func TestPrepareDownloadKeepsKnownSize(t *testing.T) {
	store := &storeStub{}
	archive := &archiveStub{preparedID: "prep-1"}
	svc, _, _ := newTestScheduler(store, &catalogStub{}, archive, config.PollConfig{}, config.QueueConfig{})

	download := preparingDownload(1, "https")
	download.Size = 512
	require.NoError(t, svc.PrepareDownload(context.Background(), &download, "sess-user"))
	require.Zero(t, archive.sizeCalls)
	require.Equal(t, int64(512), store.lastSaved(t, 1).Size)
}

func TestUpdateStatusesExpiresOnUpstreamRejection(t *testing.T) {
	store := &storeStub{active: []models.Download{preparingDownload(1, "https")}}
	archive := &archiveStub{prepareErr: appErrors.Clone(appErrors.ErrValidation, "bad id list")}
	svc, _, _ := newTestScheduler(store, &catalogStub{}, archive, config.PollConfig{}, config.QueueConfig{})

	updated, err := svc.UpdateStatuses(context.Background(), 0, time.Minute)
	require.NoError(t, err)
	require.True(t, updated)
	require.Equal(t, models.StatusExpired, store.lastSaved(t, 1).Status)
	require.NotContains(t, svc.lastChecks, int64(1))
}

func TestUpdateStatusesDefersRetryAfterTransportFailure(t *testing.T) {
	store := &storeStub{active: []models.Download{preparingDownload(1, "https")}}
	archive := &archiveStub{prepareErr: errors.New("connection refused")}
	svc, _, advance := newTestScheduler(store, &catalogStub{}, archive, config.PollConfig{}, config.QueueConfig{})

	updated, err := svc.UpdateStatuses(context.Background(), 0, 10*time.Minute)
	require.NoError(t, err)
	require.True(t, updated)
	require.Equal(t, 1, archive.prepareCalls)
	require.Empty(t, store.saved, "a transient failure must not change the stored state")
	require.Contains(t, svc.lastChecks, int64(1))

	// Within the wait interval nothing is retried.
	advance(time.Minute)
	updated, err = svc.UpdateStatuses(context.Background(), 0, 10*time.Minute)
	require.NoError(t, err)
	require.False(t, updated)
	require.Equal(t, 1, archive.prepareCalls)

	advance(10 * time.Minute)
	updated, err = svc.UpdateStatuses(context.Background(), 0, 10*time.Minute)
	require.NoError(t, err)
	require.True(t, updated)
	require.Equal(t, 2, archive.prepareCalls)
}

func TestUpdateStatusesHonoursPollDelay(t *testing.T) {
	preparedID := "prep-1"
	download := preparingDownload(1, "https")
	download.Status = models.StatusRestoring
	download.PreparedID = &preparedID

	store := &storeStub{active: []models.Download{download}}
	archive := &archiveStub{prepared: true}
	svc, _, _ := newTestScheduler(store, &catalogStub{}, archive, config.PollConfig{}, config.QueueConfig{})
	store.active[0].CreatedAt = svc.now().Add(-time.Minute)

	_, err := svc.UpdateStatuses(context.Background(), 5*time.Minute, 0)
	require.NoError(t, err)
	require.Zero(t, archive.isPreparedCalls, "downloads younger than the delay must not be checked")

	store.active[0].CreatedAt = svc.now().Add(-6 * time.Minute)
	_, err = svc.UpdateStatuses(context.Background(), 5*time.Minute, 0)
	require.NoError(t, err)
	require.Equal(t, 1, archive.isPreparedCalls)
}

func TestPerformCheckCompletesRestoredHTTPDownload(t *testing.T) {
	preparedID := "prep-1"
	email := "alice@example.com"
	download := preparingDownload(1, "https")
	download.Status = models.StatusRestoring
	download.PreparedID = &preparedID
	download.Email = &email

	store := &storeStub{}
	archive := &archiveStub{prepared: true}
	svc, notifier, _ := newTestScheduler(store, &catalogStub{}, archive, config.PollConfig{}, config.QueueConfig{})

	svc.performCheck(context.Background(), &download)

	saved := store.lastSaved(t, 1)
	require.Equal(t, models.StatusComplete, saved.Status)
	require.NotNil(t, saved.CompletedAt)
	require.True(t, saved.IsEmailSent)
	require.Equal(t, []int64{1}, notifier.downloads)
	require.Equal(t, []string{"https://archive.example/getData?preparedId=prep-1&outname=LILS_CM-1234_part_1_of_1"},
		notifier.urls)
	require.NotContains(t, svc.lastChecks, int64(1))
}

func TestPerformCheckRecordsInconclusiveAttempt(t *testing.T) {
	preparedID := "prep-1"
	download := preparingDownload(1, "https")
	download.Status = models.StatusRestoring
	download.PreparedID = &preparedID

	store := &storeStub{}
	archive := &archiveStub{prepared: false}
	svc, notifier, _ := newTestScheduler(store, &catalogStub{}, archive, config.PollConfig{}, config.QueueConfig{})

	svc.performCheck(context.Background(), &download)
	require.Empty(t, store.saved)
	require.Empty(t, notifier.downloads)
	require.Contains(t, svc.lastChecks, int64(1))
}

func TestPerformCheckSendsPendingEmail(t *testing.T) {
	preparedID := "prep-1"
	email := "alice@example.com"
	completedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	download := preparingDownload(1, "globus")
	download.Status = models.StatusComplete
	download.PreparedID = &preparedID
	download.Email = &email
	download.CompletedAt = &completedAt

	store := &storeStub{}
	svc, notifier, _ := newTestScheduler(store, &catalogStub{}, &archiveStub{}, config.PollConfig{}, config.QueueConfig{})

	svc.performCheck(context.Background(), &download)
	require.True(t, store.lastSaved(t, 1).IsEmailSent)
	require.Equal(t, []int64{1}, notifier.downloads)
}

func TestPerformCheckNonHTTPStaysRestoring(t *testing.T) {
	preparedID := "prep-1"
	download := preparingDownload(1, "globus")
	download.Status = models.StatusRestoring
	download.PreparedID = &preparedID
	download.IsEmailSent = true

	store := &storeStub{}
	svc, _, _ := newTestScheduler(store, &catalogStub{}, &archiveStub{}, config.PollConfig{}, config.QueueConfig{})

	svc.performCheck(context.Background(), &download)
	require.Empty(t, store.saved)
	require.Contains(t, svc.lastChecks, int64(1))
}

func TestPerformCheckExpiresOnUpstreamRejection(t *testing.T) {
	preparedID := "prep-bogus"
	download := preparingDownload(1, "https")
	download.Status = models.StatusRestoring
	download.PreparedID = &preparedID

	store := &storeStub{}
	archive := &archiveStub{preparedErr: appErrors.Clone(appErrors.ErrNotFound, "unknown preparedId")}
	svc, _, _ := newTestScheduler(store, &catalogStub{}, archive, config.PollConfig{}, config.QueueConfig{})

	svc.performCheck(context.Background(), &download)
	require.Equal(t, models.StatusExpired, store.lastSaved(t, 1).Status)
}

func queuedDownload(id int64, userName string) models.Download {
	return models.Download{
		ID:           id,
		FacilityName: "LILS",
		UserName:     userName,
		Transport:    "https",
		FileName:     "LILS_files",
		Status:       models.StatusQueued,
		Items:        []models.DownloadItem{{EntityID: id, EntityType: models.EntityDatafile}},
	}
}

func TestStartQueuedDownloadsDisabled(t *testing.T) {
	store := &storeStub{queued: []models.Download{queuedDownload(1, "ldap/alice")}}
	svc, _, _ := newTestScheduler(store, &catalogStub{}, &archiveStub{}, config.PollConfig{}, config.QueueConfig{})

	require.NoError(t, svc.StartQueuedDownloads(context.Background(), 0))
	require.Empty(t, store.saved)
}

func TestStartQueuedDownloadsRespectsCapacity(t *testing.T) {
	store := &storeStub{queued: []models.Download{queuedDownload(1, "ldap/alice")}, restoring: 2}
	svc, _, _ := newTestScheduler(store, &catalogStub{}, &archiveStub{}, config.PollConfig{}, config.QueueConfig{})

	require.NoError(t, svc.StartQueuedDownloads(context.Background(), 2))
	require.Empty(t, store.saved)
}

func TestStartQueuedDownloadsAdmitsBestPriorityLevel(t *testing.T) {
	store := &storeStub{queued: []models.Download{
		queuedDownload(1, "ldap/slow"),
		queuedDownload(2, "ldap/fast"),
		queuedDownload(3, "ldap/slow"),
	}}
	catalog := &catalogStub{loginSessionID: "queue-sess"}
	archive := &archiveStub{preparedID: "prep-2", size: 10, twoLevel: true}
	svc, _, _ := newTestScheduler(store, catalog, archive, config.PollConfig{}, config.QueueConfig{})
	svc.priority = NewPriorityService(config.PriorityConfig{
		Default: 5,
		Users:   map[string]int{"ldap/slow": 4, "ldap/fast": 3},
	}, nil)

	require.NoError(t, svc.StartQueuedDownloads(context.Background(), 10))

	require.Len(t, store.saved, 2, "expected the admission save and the prepare save")
	require.Equal(t, int64(2), store.saved[0].ID)
	require.Equal(t, models.StatusPreparing, store.saved[0].Status)
	require.Equal(t, models.StatusRestoring, store.saved[1].Status)
	require.Equal(t, 1, archive.prepareCalls, "only one download is admitted per pass")
}

func TestStartQueuedDownloadsTopPriorityShortCircuits(t *testing.T) {
	store := &storeStub{queued: []models.Download{
		queuedDownload(1, "ldap/normal"),
		queuedDownload(2, "ldap/urgent"),
		queuedDownload(3, "ldap/normal"),
	}}
	catalog := &catalogStub{loginSessionID: "queue-sess"}
	archive := &archiveStub{preparedID: "prep-2", twoLevel: true}
	svc, _, _ := newTestScheduler(store, catalog, archive, config.PollConfig{}, config.QueueConfig{})
	svc.priority = NewPriorityService(config.PriorityConfig{
		Default: 5,
		Users:   map[string]int{"ldap/urgent": 1},
	}, nil)

	require.NoError(t, svc.StartQueuedDownloads(context.Background(), 10))
	require.Equal(t, int64(2), store.saved[0].ID)
}

func TestStartQueuedDownloadsSameLevelIsFIFO(t *testing.T) {
	store := &storeStub{queued: []models.Download{
		queuedDownload(1, "ldap/alice"),
		queuedDownload(2, "ldap/bob"),
	}}
	catalog := &catalogStub{loginSessionID: "queue-sess"}
	archive := &archiveStub{preparedID: "prep-1", twoLevel: true}
	svc, _, _ := newTestScheduler(store, catalog, archive, config.PollConfig{}, config.QueueConfig{})

	require.NoError(t, svc.StartQueuedDownloads(context.Background(), 10))
	require.Equal(t, int64(1), store.saved[0].ID)
	require.Equal(t, 1, catalog.loginCalls, "one queue account login per pass")
}

func TestStartQueuedDownloadsSkipsDisabledOwners(t *testing.T) {
	store := &storeStub{queued: []models.Download{queuedDownload(1, "ldap/blocked")}}
	catalog := &catalogStub{loginSessionID: "queue-sess"}
	svc, _, _ := newTestScheduler(store, catalog, &archiveStub{}, config.PollConfig{}, config.QueueConfig{})
	svc.priority = NewPriorityService(config.PriorityConfig{
		Default: 5,
		Users:   map[string]int{"ldap/blocked": 0},
	}, nil)

	require.NoError(t, svc.StartQueuedDownloads(context.Background(), 10))
	require.Empty(t, store.saved)
}

func TestStartQueuedDownloadsUnlimitedAdmitsOldest(t *testing.T) {
	store := &storeStub{queued: []models.Download{
		queuedDownload(1, "ldap/alice"),
		queuedDownload(2, "ldap/bob"),
	}}
	catalog := &catalogStub{loginSessionID: "queue-sess"}
	archive := &archiveStub{preparedID: "prep-1", twoLevel: true}
	svc, _, _ := newTestScheduler(store, catalog, archive, config.PollConfig{}, config.QueueConfig{})

	require.NoError(t, svc.StartQueuedDownloads(context.Background(), -1))
	require.Equal(t, int64(1), store.saved[0].ID)
	require.Equal(t, models.StatusPreparing, store.saved[0].Status)
}

func TestStartQueuedDownloadsDrainsQueueInPriorityOrder(t *testing.T) {
	store := &storeStub{queued: []models.Download{
		queuedDownload(1, "ldap/low"),
		queuedDownload(2, "ldap/high"),
		queuedDownload(3, "ldap/mid"),
	}}
	catalog := &catalogStub{loginSessionID: "queue-sess"}
	archive := &archiveStub{preparedID: "prep-1", size: 10}
	svc, _, _ := newTestScheduler(store, catalog, archive, config.PollConfig{}, config.QueueConfig{})
	svc.priority = NewPriorityService(config.PriorityConfig{
		Default: 5,
		Users:   map[string]int{"ldap/low": 3, "ldap/high": 1, "ldap/mid": 2},
	}, nil)

	// Single-level https downloads complete as soon as they are prepared, so
	// each pass frees the restore slot for the next one.
	var admitted []int64
	for len(store.queued) > 0 {
		before := len(store.saved)
		require.NoError(t, svc.StartQueuedDownloads(context.Background(), 1))
		require.Greater(t, len(store.saved), before, "a pass over a non-empty queue admits a download")

		first := store.saved[before]
		require.Equal(t, models.StatusPreparing, first.Status)
		require.Equal(t, models.StatusComplete, store.lastSaved(t, first.ID).Status)
		admitted = append(admitted, first.ID)

		var remaining []models.Download
		for _, d := range store.queued {
			if d.ID != first.ID {
				remaining = append(remaining, d)
			}
		}
		store.queued = remaining
	}

	require.Equal(t, []int64{2, 3, 1}, admitted)
}

func TestTickSkipsAdmissionWhenStatusesUpdated(t *testing.T) {
	store := &storeStub{
		active: []models.Download{preparingDownload(1, "https")},
		queued: []models.Download{queuedDownload(2, "ldap/alice")},
	}
	catalog := &catalogStub{loginSessionID: "queue-sess"}
	archive := &archiveStub{preparedID: "prep-1", twoLevel: true}
	svc, _, _ := newTestScheduler(store, catalog, archive,
		config.PollConfig{IntervalWait: time.Minute}, config.QueueConfig{MaxActiveDownloads: 10})

	svc.Tick(context.Background())

	for _, saved := range store.saved {
		require.NotEqual(t, int64(2), saved.ID, "no admission on a tick that prepared a download")
	}
	require.Equal(t, models.StatusRestoring, store.lastSaved(t, 1).Status)
}

func TestTickAdmitsWhenNothingActive(t *testing.T) {
	store := &storeStub{queued: []models.Download{queuedDownload(2, "ldap/alice")}}
	catalog := &catalogStub{loginSessionID: "queue-sess"}
	archive := &archiveStub{preparedID: "prep-1", twoLevel: true}
	svc, _, _ := newTestScheduler(store, catalog, archive,
		config.PollConfig{IntervalWait: time.Minute}, config.QueueConfig{MaxActiveDownloads: 10})

	svc.Tick(context.Background())
	require.Equal(t, models.StatusRestoring, store.lastSaved(t, 2).Status)
}

func TestTickDisabled(t *testing.T) {
	store := &storeStub{queued: []models.Download{queuedDownload(1, "ldap/alice")}}
	svc, _, _ := newTestScheduler(store, &catalogStub{}, &archiveStub{},
		config.PollConfig{Disabled: true}, config.QueueConfig{MaxActiveDownloads: 10})

	svc.Tick(context.Background())
	require.Empty(t, store.saved)
}

func TestTickIsMutuallyExclusive(t *testing.T) {
	store := &storeStub{queued: []models.Download{queuedDownload(1, "ldap/alice")}}
	svc, _, _ := newTestScheduler(store, &catalogStub{loginSessionID: "queue-sess"}, &archiveStub{preparedID: "prep-1"},
		config.PollConfig{}, config.QueueConfig{MaxActiveDownloads: 10})

	svc.busy.Store(true)
	svc.Tick(context.Background())
	require.Empty(t, store.saved)

	svc.busy.Store(false)
	svc.Tick(context.Background())
	require.NotEmpty(t, store.saved)
}
