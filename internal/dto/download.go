package dto

// QueueVisitRequest queues every dataset of an investigation visit.
type QueueVisitRequest struct {
	FacilityName string `json:"facilityName"`
	SessionID    string `json:"sessionId" binding:"required"`
	Transport    string `json:"transport" binding:"required"`
	FileName     string `json:"fileName"`
	Email        string `json:"email"`
	VisitID      string `json:"visitId" binding:"required"`
}

// QueueFilesRequest queues datafiles looked up by location.
type QueueFilesRequest struct {
	FacilityName string   `json:"facilityName"`
	SessionID    string   `json:"sessionId" binding:"required"`
	Transport    string   `json:"transport" binding:"required"`
	FileName     string   `json:"fileName"`
	Email        string   `json:"email"`
	Files        []string `json:"files" binding:"required"`
}

// QueueDataCollectionRequest queues the contents of a data collection.
type QueueDataCollectionRequest struct {
	FacilityName     string `json:"facilityName"`
	SessionID        string `json:"sessionId" binding:"required"`
	Transport        string `json:"transport" binding:"required"`
	FileName         string `json:"fileName"`
	Email            string `json:"email"`
	DataCollectionID int64  `json:"dataCollectionId" binding:"required"`
}

// QueueFilesResponse reports the created downloads and any locations that
// matched nothing.
type QueueFilesResponse struct {
	DownloadIDs []int64  `json:"downloadIds"`
	NotFound    []string `json:"notFound"`
}

// QueueAllowedResponse reports whether the user may queue downloads.
type QueueAllowedResponse struct {
	Allowed  bool `json:"allowed"`
	Priority int  `json:"priority"`
}

// SetStatusRequest overrides a download's lifecycle status.
type SetStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// SetEmailRequest updates a download's notification address. An empty value
// clears it.
type SetEmailRequest struct {
	Email string `json:"email"`
}

// ReprepareRequest forces a fresh prepare request for a download.
type ReprepareRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
}
