package models

import (
	"strings"
	"time"
)

// DownloadStatus captures the download lifecycle states.
type DownloadStatus string

const (
	// StatusQueued means the download is waiting for queue admission.
	StatusQueued DownloadStatus = "QUEUED"
	// StatusPreparing means a prepare request is due or in flight.
	StatusPreparing DownloadStatus = "PREPARING"
	// StatusRestoring means the archive is staging data for retrieval.
	StatusRestoring DownloadStatus = "RESTORING"
	// StatusComplete means the data is retrievable.
	StatusComplete DownloadStatus = "COMPLETE"
	// StatusPaused is an alternate pre-admission state set on submission.
	StatusPaused DownloadStatus = "PAUSED"
	// StatusExpired is terminal: the upstream service rejected the download.
	StatusExpired DownloadStatus = "EXPIRED"
)

// Valid reports whether s is a known lifecycle state.
func (s DownloadStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusPreparing, StatusRestoring, StatusComplete, StatusPaused, StatusExpired:
		return true
	default:
		return false
	}
}

// EntityType enumerates the catalog entity kinds a download may reference.
type EntityType string

const (
	EntityInvestigation EntityType = "investigation"
	EntityDataset       EntityType = "dataset"
	EntityDatafile      EntityType = "datafile"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityInvestigation, EntityDataset, EntityDatafile:
		return true
	default:
		return false
	}
}

// Download is one bulk export job: a set of catalog items moving through the
// prepare/restore lifecycle against one facility's archive service.
type Download struct {
	ID           int64          `db:"id" json:"id"`
	FacilityName string         `db:"facility_name" json:"facilityName"`
	SessionID    string         `db:"session_id" json:"-"`
	UserName     string         `db:"user_name" json:"userName"`
	FullName     string         `db:"full_name" json:"fullName"`
	Transport    string         `db:"transport" json:"transport"`
	FileName     string         `db:"file_name" json:"fileName"`
	Email        *string        `db:"email" json:"email,omitempty"`
	IsEmailSent  bool           `db:"is_email_sent" json:"isEmailSent"`
	Status       DownloadStatus `db:"status" json:"status"`
	IsTwoLevel   bool           `db:"is_two_level" json:"isTwoLevel"`
	PreparedID   *string        `db:"prepared_id" json:"preparedId,omitempty"`
	Size         int64          `db:"size" json:"size"`
	IsDeleted    bool           `db:"is_deleted" json:"isDeleted"`
	CreatedAt    time.Time      `db:"created_at" json:"createdAt"`
	CompletedAt  *time.Time     `db:"completed_at" json:"completedAt,omitempty"`
	DeletedAt    *time.Time     `db:"deleted_at" json:"deletedAt,omitempty"`

	Items []DownloadItem `db:"-" json:"items,omitempty"`
}

// DownloadItem references one catalog entity belonging to a download.
type DownloadItem struct {
	ID         int64      `db:"id" json:"id"`
	DownloadID int64      `db:"download_id" json:"downloadId"`
	EntityID   int64      `db:"entity_id" json:"entityId"`
	EntityType EntityType `db:"entity_type" json:"entityType"`
}

// IsHTTPTransport reports whether the download is delivered over HTTP(S).
// Non-HTTP transports (globus, scp...) always pass through RESTORING.
func (d *Download) IsHTTPTransport() bool {
	return IsHTTPTransport(d.Transport)
}

// IsHTTPTransport reports whether transport is http or https.
func IsHTTPTransport(transport string) bool {
	return transport == "http" || transport == "https"
}

// InvestigationIDs returns the ids of the investigation items.
func (d *Download) InvestigationIDs() []int64 { return d.itemIDs(EntityInvestigation) }

// DatasetIDs returns the ids of the dataset items.
func (d *Download) DatasetIDs() []int64 { return d.itemIDs(EntityDataset) }

// DatafileIDs returns the ids of the datafile items.
func (d *Download) DatafileIDs() []int64 { return d.itemIDs(EntityDatafile) }

func (d *Download) itemIDs(entityType EntityType) []int64 {
	var ids []int64
	for _, item := range d.Items {
		if item.EntityType == entityType {
			ids = append(ids, item.EntityID)
		}
	}
	return ids
}

// AuthPrefix returns the authentication mechanism prefix of a user name of
// the form "prefix/user", or "" when the name carries no mechanism.
func AuthPrefix(userName string) string {
	index := strings.Index(userName, "/")
	if index < 0 {
		return ""
	}
	return userName[:index]
}
