package models

import "time"

// SystemMetrics is a point-in-time aggregate of service activity, served from
// the admin status endpoint alongside the Prometheus exposition.
type SystemMetrics struct {
	CacheHitRatio         float64   `json:"cacheHitRatio"`
	CacheHits             uint64    `json:"cacheHits"`
	CacheMisses           uint64    `json:"cacheMisses"`
	RequestsTotal         uint64    `json:"requestsTotal"`
	SchedulerTicks        uint64    `json:"schedulerTicks"`
	AverageTickDurationMs float64   `json:"averageTickDurationMs"`
	DownloadsPrepared     uint64    `json:"downloadsPrepared"`
	DownloadsCompleted    uint64    `json:"downloadsCompleted"`
	DownloadsExpired      uint64    `json:"downloadsExpired"`
	DownloadsAdmitted     uint64    `json:"downloadsAdmitted"`
	QueueDepth            int64     `json:"queueDepth"`
	Goroutines            int       `json:"goroutines"`
	GeneratedAt           time.Time `json:"generatedAt"`
}
