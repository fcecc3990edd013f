package model

import "time"

// DownloadStatus is the lifecycle state of a download job.
type DownloadStatus string

const (
	DownloadStatusQueued    DownloadStatus = "queued"
	DownloadStatusRunning   DownloadStatus = "running"
	DownloadStatusCompleted DownloadStatus = "completed"
	DownloadStatusFailed    DownloadStatus = "failed"
)

// Terminal reports whether no further transitions can occur.
func (s DownloadStatus) Terminal() bool {
	return s == DownloadStatusCompleted || s == DownloadStatusFailed
}

// DownloadJob tracks one request to fetch an opportunity's missing
// attachments. A completed job may still carry FailedCount > 0.
type DownloadJob struct {
	JobID           string         `json:"job_id"`
	OpportunityID   string         `json:"opportunity_id"`
	Status          DownloadStatus `json:"status"`
	TotalCount      int            `json:"total_count"`
	DownloadedCount int            `json:"downloaded_count"`
	FailedCount     int            `json:"failed_count"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
}
