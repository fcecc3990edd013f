package model

import "time"

// Opportunity is a government solicitation. It is owned by the external
// search/sync subsystem; the pipeline only reads it.
type Opportunity struct {
	NoticeID     string     `json:"notice_id"`
	Title        string     `json:"title"`
	Agency       string     `json:"agency"`
	NAICSCode    string     `json:"naics_code"`
	Location     string     `json:"location"`
	PostedDate   *time.Time `json:"posted_date,omitempty"`
	ResponseDate *time.Time `json:"response_date,omitempty"`
	StartDate    *time.Time `json:"start_date,omitempty"`
	EndDate      *time.Time `json:"end_date,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Attachment is a document belonging to one opportunity. Rows are never
// deleted; the download manager only mutates fetch state.
type Attachment struct {
	ID            string    `json:"id"`
	OpportunityID string    `json:"opportunity_id"`
	Name          string    `json:"name"`
	SourceURL     string    `json:"source_url"`
	LocalPath     *string   `json:"local_path"`
	Downloaded    bool      `json:"downloaded"`
	SizeBytes     int64     `json:"size_bytes"`
	Attempts      int       `json:"attempts"`
	DownloadError string    `json:"download_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Pending reports whether the attachment still needs to be fetched.
func (a Attachment) Pending() bool {
	return a.LocalPath == nil || *a.LocalPath == ""
}
