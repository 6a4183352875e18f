package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fairdatahub/download-api/internal/client"
	"github.com/fairdatahub/download-api/pkg/config"
)

// CatalogClient is the catalog surface the services depend on.
type CatalogClient interface {
	Login(ctx context.Context, plugin, username, password string) (string, error)
	GetUserName(ctx context.Context, sessionID string) (string, error)
	GetFullName(ctx context.Context, sessionID string) (string, error)
	GetDatasets(ctx context.Context, sessionID, visitID string) ([]client.Dataset, error)
	GetDatafiles(ctx context.Context, sessionID string, locations []string) (*client.DatafilesResult, error)
	GetDataCollectionDatasets(ctx context.Context, sessionID string, dataCollectionID int64) ([]client.Dataset, error)
	GetDataCollectionDatafiles(ctx context.Context, sessionID string, dataCollectionID int64) ([]client.Datafile, error)
	GetDatasetFileCount(ctx context.Context, sessionID string, datasetID int64) (int64, error)
	GetDatasetFileSize(ctx context.Context, sessionID string, datasetID int64) (int64, error)
	IsInvestigationUser(ctx context.Context, sessionID, userName string) (bool, error)
	HasInvestigationRole(ctx context.Context, sessionID, userName, role string) (bool, error)
	IsInstrumentScientist(ctx context.Context, sessionID, userName string) (bool, error)
	IsInstrumentScientistFor(ctx context.Context, sessionID, userName, instrument string) (bool, error)
	IsGroupMember(ctx context.Context, sessionID, userName, group string) (bool, error)
}

// ArchiveClient is the archival storage surface the services depend on.
type ArchiveClient interface {
	PrepareData(ctx context.Context, sessionID string, investigationIDs, datasetIDs, datafileIDs []int64) (string, error)
	IsPrepared(ctx context.Context, preparedID string) (bool, error)
	GetSize(ctx context.Context, sessionID string, investigationIDs, datasetIDs, datafileIDs []int64) (int64, error)
	IsTwoLevel(ctx context.Context) (bool, error)
	DataURL(preparedID, outname string) string
}

// ClientFactory resolves per-facility clients. Implementations may cache
// instances; the returned clients must be safe for concurrent use.
type ClientFactory interface {
	Catalog(facilityName string) (CatalogClient, error)
	Archive(facilityName, transport string) (ArchiveClient, error)
}

// RESTClientFactory builds HTTP clients from the facility registry, one per
// facility (catalog) or facility/transport pair (archive).
type RESTClientFactory struct {
	facilities config.FacilitiesConfig
	urlLimit   int
	timeout    time.Duration
	logger     *zap.Logger

	mu       sync.Mutex
	catalogs map[string]*client.Catalog
	archives map[string]*client.Archive
}

// NewRESTClientFactory constructs the factory.
func NewRESTClientFactory(facilities config.FacilitiesConfig, urlLimit int, timeout time.Duration, logger *zap.Logger) *RESTClientFactory {
	return &RESTClientFactory{
		facilities: facilities,
		urlLimit:   urlLimit,
		timeout:    timeout,
		logger:     logger,
		catalogs:   map[string]*client.Catalog{},
		archives:   map[string]*client.Archive{},
	}
}

// Catalog returns the catalog client for a facility.
func (f *RESTClientFactory) Catalog(facilityName string) (CatalogClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if catalog, ok := f.catalogs[facilityName]; ok {
		return catalog, nil
	}
	baseURL, err := f.facilities.CatalogURL(facilityName)
	if err != nil {
		return nil, err
	}
	catalog := client.NewCatalog(baseURL, f.urlLimit, f.timeout, f.logger)
	f.catalogs[facilityName] = catalog
	return catalog, nil
}

// Archive returns the archive client serving a transport at a facility.
func (f *RESTClientFactory) Archive(facilityName, transport string) (ArchiveClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := facilityName + "/" + transport
	if archive, ok := f.archives[key]; ok {
		return archive, nil
	}
	baseURL, err := f.facilities.DownloadURL(facilityName, transport)
	if err != nil {
		return nil, err
	}
	archive := client.NewArchive(baseURL, f.urlLimit, f.timeout, f.logger)
	f.archives[key] = archive
	return archive, nil
}
