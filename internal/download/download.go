// Package download fetches an opportunity's missing attachments with
// bounded concurrency and tracks each request as a DownloadJob.
package download

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/bid-intel/internal/config"
	"github.com/sells-group/bid-intel/internal/fetcher"
	"github.com/sells-group/bid-intel/internal/model"
	"github.com/sells-group/bid-intel/internal/resilience"
	"github.com/sells-group/bid-intel/internal/store"
)

// maxErrorSummary bounds how many failures are listed in a job's
// error_message.
const maxErrorSummary = 5

// Config controls the manager.
type Config struct {
	Dir     string
	Workers int
	Retry   resilience.RetryConfig
}

// FromConfig converts the download section of the app config.
func FromConfig(cfg config.DownloadConfig) Config {
	return Config{
		Dir:     cfg.Dir,
		Workers: cfg.Workers,
		Retry: resilience.RetryFromConfig(config.RetryConfig{
			MaxAttempts:      cfg.MaxAttempts,
			InitialBackoffMs: cfg.InitialBackoffMs,
			MaxBackoffMs:     cfg.MaxBackoffMs,
			Multiplier:       2,
			JitterFraction:   0.25,
		}),
	}
}

// Manager runs download jobs. Jobs for the same opportunity are serialised
// so a later job observes the attachments an earlier one fetched.
type Manager struct {
	store   store.Store
	fetcher fetcher.Fetcher
	cfg     Config

	mu    sync.Mutex
	locks map[string]*oppLock

	wg sync.WaitGroup
}

// NewManager creates a Manager.
func NewManager(st store.Store, f fetcher.Fetcher, cfg Config) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Dir == "" {
		cfg.Dir = "data/attachments"
	}
	if cfg.Retry.ShouldRetry == nil {
		cfg.Retry.ShouldRetry = resilience.IsTransient
	}
	return &Manager{
		store:   st,
		fetcher: f,
		cfg:     cfg,
		locks:   make(map[string]*oppLock),
	}
}

// StartDownload validates the request, records a queued job and runs it in
// the background. The returned job is the queued snapshot; poll
// GetJobStatus for progress.
func (m *Manager) StartDownload(ctx context.Context, opportunityID string) (*model.DownloadJob, error) {
	job, err := m.prepare(ctx, opportunityID)
	if err != nil {
		return nil, err
	}
	snapshot := *job

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.run(context.WithoutCancel(ctx), job); err != nil {
			zap.L().Error("download: job failed",
				zap.String("job_id", job.JobID),
				zap.String("opportunity_id", opportunityID),
				zap.Error(err),
			)
		}
	}()
	return &snapshot, nil
}

// Ensure is StartDownload run to completion. It returns the terminal job.
func (m *Manager) Ensure(ctx context.Context, opportunityID string) (*model.DownloadJob, error) {
	job, err := m.prepare(ctx, opportunityID)
	if err != nil {
		return nil, err
	}
	if err := m.run(ctx, job); err != nil {
		return job, err
	}
	return job, nil
}

// GetJobStatus returns the stored state of a job.
func (m *Manager) GetJobStatus(ctx context.Context, jobID string) (*model.DownloadJob, error) {
	return m.store.GetDownloadJob(ctx, jobID)
}

// Wait blocks until every background job has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) prepare(ctx context.Context, opportunityID string) (*model.DownloadJob, error) {
	if strings.TrimSpace(opportunityID) == "" {
		return nil, eris.Wrap(model.ErrValidation, "download: opportunity_id is required")
	}
	if _, err := m.store.GetOpportunity(ctx, opportunityID); err != nil {
		return nil, err
	}
	atts, err := m.store.ListAttachments(ctx, opportunityID)
	if err != nil {
		return nil, eris.Wrap(err, "download: list attachments")
	}
	if len(atts) == 0 {
		return nil, eris.Wrapf(model.ErrValidation, "download: opportunity %s has no attachments", opportunityID)
	}
	if err := validatePending(atts); err != nil {
		return nil, err
	}

	job := &model.DownloadJob{
		OpportunityID: opportunityID,
		Status:        model.DownloadStatusQueued,
		TotalCount:    len(pending(atts)),
	}
	if err := m.store.CreateDownloadJob(ctx, job); err != nil {
		return nil, eris.Wrap(err, "download: create job")
	}
	return job, nil
}

// validatePending rejects pending attachments that have no source URL; the
// caller has to re-sync metadata before anything can be fetched.
func validatePending(atts []model.Attachment) error {
	var missing []string
	for _, a := range pending(atts) {
		if strings.TrimSpace(a.SourceURL) == "" {
			missing = append(missing, fmt.Sprintf("%s (%s)", a.ID, a.Name))
		}
	}
	if len(missing) > 0 {
		return eris.Wrapf(model.ErrValidation, "download: attachments without source_url: %s", strings.Join(missing, ", "))
	}
	return nil
}

func pending(atts []model.Attachment) []model.Attachment {
	var out []model.Attachment
	for _, a := range atts {
		if a.Pending() {
			out = append(out, a)
		}
	}
	return out
}

// oppLock serialises the jobs of one opportunity. refs counts the jobs
// holding or waiting for it; the entry is dropped when it reaches zero.
type oppLock struct {
	sync.Mutex
	refs int
}

func (m *Manager) lock(opportunityID string) {
	m.mu.Lock()
	l, ok := m.locks[opportunityID]
	if !ok {
		l = &oppLock{}
		m.locks[opportunityID] = l
	}
	l.refs++
	m.mu.Unlock()
	l.Lock()
}

func (m *Manager) unlock(opportunityID string) {
	m.mu.Lock()
	l := m.locks[opportunityID]
	l.refs--
	if l.refs == 0 {
		delete(m.locks, opportunityID)
	}
	m.mu.Unlock()
	l.Unlock()
}

type outcome struct {
	attachment model.Attachment
	err        error
}

// run executes job, updating it in the store as it goes. job is updated in
// place to the terminal state.
func (m *Manager) run(ctx context.Context, job *model.DownloadJob) error {
	m.lock(job.OpportunityID)
	defer m.unlock(job.OpportunityID)

	log := zap.L().With(
		zap.String("job_id", job.JobID),
		zap.String("opportunity_id", job.OpportunityID),
	)

	// Re-read under the lock: an earlier job may have fetched some of these.
	atts, err := m.store.ListAttachments(ctx, job.OpportunityID)
	if err != nil {
		return m.finish(ctx, job, model.DownloadStatusFailed, 0, 0, eris.Wrap(err, "download: list attachments").Error())
	}
	work := pending(atts)

	now := time.Now().UTC()
	job.Status = model.DownloadStatusRunning
	job.TotalCount = len(work)
	job.StartedAt = &now
	if err := m.store.UpdateDownloadJob(ctx, job.JobID, store.DownloadJobUpdate{
		Status:     job.Status,
		TotalCount: job.TotalCount,
		StartedAt:  job.StartedAt,
	}); err != nil {
		return m.finish(ctx, job, model.DownloadStatusFailed, 0, 0, eris.Wrap(err, "download: mark job running").Error())
	}

	if len(work) == 0 {
		log.Debug("download: nothing to fetch")
		return m.finish(ctx, job, model.DownloadStatusCompleted, 0, 0, "")
	}

	log.Info("download: starting", zap.Int("attachments", len(work)), zap.Int("workers", m.cfg.Workers))

	outcomes := make([]outcome, len(work))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Workers)
	for i, att := range work {
		g.Go(func() error {
			outcomes[i] = outcome{attachment: att, err: m.fetchOne(gctx, att)}
			// Per-attachment failures are recorded, never propagated.
			return nil
		})
	}
	_ = g.Wait()

	var downloaded, failed int
	var failures []string
	for _, o := range outcomes {
		if o.err == nil {
			downloaded++
			continue
		}
		failed++
		if len(failures) < maxErrorSummary {
			failures = append(failures, fmt.Sprintf("%s: %v", o.attachment.Name, o.err))
		}
	}

	msg := ""
	if failed > 0 {
		msg = fmt.Sprintf("%d of %d attachments failed: %s", failed, len(work), strings.Join(failures, "; "))
		if failed > maxErrorSummary {
			msg += fmt.Sprintf("; and %d more", failed-maxErrorSummary)
		}
	}
	status := model.DownloadStatusCompleted
	if downloaded == 0 {
		status = model.DownloadStatusFailed
	}
	log.Info("download: finished",
		zap.String("status", string(status)),
		zap.Int("downloaded", downloaded),
		zap.Int("failed", failed),
	)
	return m.finish(ctx, job, status, downloaded, failed, msg)
}

func (m *Manager) finish(ctx context.Context, job *model.DownloadJob, status model.DownloadStatus, downloaded, failed int, msg string) error {
	now := time.Now().UTC()
	job.Status = status
	job.DownloadedCount = downloaded
	job.FailedCount = failed
	job.ErrorMessage = msg
	job.FinishedAt = &now
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	// Record the terminal state even if the caller's context is gone.
	err := m.store.UpdateDownloadJob(context.WithoutCancel(ctx), job.JobID, store.DownloadJobUpdate{
		Status:          status,
		TotalCount:      job.TotalCount,
		DownloadedCount: downloaded,
		FailedCount:     failed,
		ErrorMessage:    msg,
		StartedAt:       job.StartedAt,
		FinishedAt:      job.FinishedAt,
	})
	return eris.Wrap(err, "download: finish job")
}

// fetchOne downloads one attachment with retries and records the outcome on
// the attachment row.
func (m *Manager) fetchOne(ctx context.Context, att model.Attachment) error {
	path := LocalPath(m.cfg.Dir, att)
	retry := m.cfg.Retry
	retry.OnRetry = func(attempt int, err error) {
		zap.L().Warn("download: retrying attachment",
			zap.String("attachment_id", att.ID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	size, attempts, err := resilience.DoCount(ctx, retry, func(ctx context.Context) (int64, error) {
		return m.fetcher.DownloadToFile(ctx, att.SourceURL, path)
	})
	// Bookkeeping must land even when ctx was cancelled mid-fetch.
	bg := context.WithoutCancel(ctx)
	if err != nil {
		zap.L().Warn("download: attachment failed",
			zap.String("attachment_id", att.ID),
			zap.String("url", att.SourceURL),
			zap.Int("attempts", attempts),
			zap.String("class", resilience.ClassifyError(err)),
			zap.Error(err),
		)
		if merr := m.store.MarkAttachmentFailed(bg, att.ID, err.Error(), attempts); merr != nil {
			return eris.Wrapf(merr, "download: record failure of %s", att.ID)
		}
		return err
	}
	if err := m.store.MarkAttachmentDownloaded(bg, att.ID, path, size, attempts); err != nil {
		return eris.Wrapf(err, "download: record success of %s", att.ID)
	}
	return nil
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// LocalPath is where an attachment is stored under dir.
func LocalPath(dir string, att model.Attachment) string {
	name := unsafeName.ReplaceAllString(att.Name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		name = "attachment"
	}
	return filepath.Join(dir, safeSegment(att.OpportunityID), safeSegment(att.ID)+"_"+name)
}

func safeSegment(s string) string {
	s = unsafeName.ReplaceAllString(s, "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
