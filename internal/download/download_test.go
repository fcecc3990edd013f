package download

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bid-intel/internal/fetcher"
	"github.com/sells-group/bid-intel/internal/model"
	"github.com/sells-group/bid-intel/internal/resilience"
	"github.com/sells-group/bid-intel/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "bids.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seed(t *testing.T, st store.Store, oppID string, atts ...model.Attachment) {
	t.Helper()
	ctx := context.Background()
	_, err := st.UpsertOpportunities(ctx, []model.Opportunity{{NoticeID: oppID, Title: "Lodging", Location: "Denver, CO"}})
	require.NoError(t, err)
	for i := range atts {
		atts[i].OpportunityID = oppID
	}
	if len(atts) > 0 {
		_, err = st.UpsertAttachments(ctx, atts)
		require.NoError(t, err)
	}
}

// fileServer serves every path with a small body and counts requests.
func fileServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/missing.pdf" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("content of " + r.URL.Path)) //nolint:errcheck
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newManager(t *testing.T, st store.Store) *Manager {
	t.Helper()
	f := fetcher.NewMultiFetcher(fetcher.NewHTTPFetcher(fetcher.HTTPOptions{Timeout: 5 * time.Second}), nil)
	return NewManager(st, f, Config{
		Dir:     t.TempDir(),
		Workers: 2,
		Retry:   resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	})
}

func TestEnsure_DownloadsAll(t *testing.T) {
	st := newTestStore(t)
	srv, _ := fileServer(t)
	seed(t, st, "O1",
		model.Attachment{ID: "a1", Name: "SOW.pdf", SourceURL: srv.URL + "/sow.pdf"},
		model.Attachment{ID: "a2", Name: "Room Block.xlsx", SourceURL: srv.URL + "/block.xlsx"},
	)
	m := newManager(t, st)

	job, err := m.Ensure(context.Background(), "O1")
	require.NoError(t, err)
	assert.Equal(t, model.DownloadStatusCompleted, job.Status)
	assert.Equal(t, 2, job.TotalCount)
	assert.Equal(t, 2, job.DownloadedCount)
	assert.Zero(t, job.FailedCount)
	assert.NotNil(t, job.FinishedAt)

	atts, err := st.ListAttachments(context.Background(), "O1")
	require.NoError(t, err)
	for _, a := range atts {
		require.True(t, a.Downloaded, a.ID)
		require.NotNil(t, a.LocalPath)
		data, err := os.ReadFile(*a.LocalPath)
		require.NoError(t, err)
		assert.Contains(t, string(data), "content of")
		assert.Equal(t, 1, a.Attempts)
	}

	stored, err := m.GetJobStatus(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.DownloadStatusCompleted, stored.Status)
	assert.Equal(t, 2, stored.DownloadedCount)
}

func TestEnsure_IdempotentNoNetwork(t *testing.T) {
	st := newTestStore(t)
	srv, hits := fileServer(t)
	seed(t, st, "O1", model.Attachment{ID: "a1", Name: "sow.pdf", SourceURL: srv.URL + "/sow.pdf"})
	m := newManager(t, st)

	_, err := m.Ensure(context.Background(), "O1")
	require.NoError(t, err)
	require.Equal(t, int32(1), hits.Load())

	job, err := m.Ensure(context.Background(), "O1")
	require.NoError(t, err)
	assert.Equal(t, model.DownloadStatusCompleted, job.Status)
	assert.Zero(t, job.TotalCount)
	assert.Zero(t, job.DownloadedCount)
	assert.Equal(t, int32(1), hits.Load())
}

func TestEnsure_PartialFailure(t *testing.T) {
	st := newTestStore(t)
	srv, _ := fileServer(t)
	seed(t, st, "O1",
		model.Attachment{ID: "a1", Name: "sow.pdf", SourceURL: srv.URL + "/sow.pdf"},
		model.Attachment{ID: "a2", Name: "map.pdf", SourceURL: srv.URL + "/map.pdf"},
		model.Attachment{ID: "a3", Name: "bad.pdf", SourceURL: "::not a url"},
		model.Attachment{ID: "a4", Name: "gone.pdf", SourceURL: srv.URL + "/missing.pdf"},
	)
	m := newManager(t, st)

	job, err := m.Ensure(context.Background(), "O1")
	require.NoError(t, err)
	assert.Equal(t, model.DownloadStatusCompleted, job.Status)
	assert.Equal(t, 2, job.DownloadedCount)
	assert.Equal(t, 2, job.FailedCount)
	assert.Contains(t, job.ErrorMessage, "2 of 4 attachments failed")
	assert.Contains(t, job.ErrorMessage, "bad.pdf")

	atts, err := st.ListAttachments(context.Background(), "O1")
	require.NoError(t, err)
	byID := map[string]model.Attachment{}
	for _, a := range atts {
		byID[a.ID] = a
	}
	assert.True(t, byID["a1"].Downloaded)
	assert.True(t, byID["a2"].Downloaded)
	assert.False(t, byID["a3"].Downloaded)
	assert.False(t, byID["a4"].Downloaded)
	assert.NotEmpty(t, byID["a4"].DownloadError)
	// Permanent failures are not retried.
	assert.Equal(t, 1, byID["a4"].Attempts)
}

func TestEnsure_AllFailed(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, "O1", model.Attachment{ID: "a1", Name: "x.pdf", SourceURL: "gopher://old/x"})
	m := newManager(t, st)

	job, err := m.Ensure(context.Background(), "O1")
	require.NoError(t, err)
	assert.Equal(t, model.DownloadStatusFailed, job.Status)
	assert.Equal(t, 1, job.FailedCount)
	assert.Zero(t, job.DownloadedCount)
}

func TestEnsure_RetriesTransient(t *testing.T) {
	st := newTestStore(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok")) //nolint:errcheck
	}))
	defer srv.Close()
	seed(t, st, "O1", model.Attachment{ID: "a1", Name: "x.pdf", SourceURL: srv.URL + "/x.pdf"})
	m := newManager(t, st)

	job, err := m.Ensure(context.Background(), "O1")
	require.NoError(t, err)
	assert.Equal(t, 1, job.DownloadedCount)
	assert.Equal(t, int32(2), hits.Load())

	atts, err := st.ListAttachments(context.Background(), "O1")
	require.NoError(t, err)
	assert.Equal(t, 2, atts[0].Attempts)
}

func TestEnsure_Validation(t *testing.T) {
	st := newTestStore(t)
	m := newManager(t, st)
	ctx := context.Background()

	_, err := m.Ensure(ctx, "")
	assert.True(t, errors.Is(err, model.ErrValidation))

	_, err = m.Ensure(ctx, "nope")
	assert.True(t, errors.Is(err, model.ErrNotFound))

	seed(t, st, "EMPTY")
	_, err = m.Ensure(ctx, "EMPTY")
	assert.True(t, errors.Is(err, model.ErrValidation))

	seed(t, st, "NOURL",
		model.Attachment{ID: "a1", Name: "ok.pdf", SourceURL: "https://example.com/ok.pdf"},
		model.Attachment{ID: "a2", Name: "orphan.pdf"},
	)
	_, err = m.Ensure(ctx, "NOURL")
	require.True(t, errors.Is(err, model.ErrValidation))
	assert.Contains(t, err.Error(), "a2 (orphan.pdf)")
}

func TestStartDownload_Async(t *testing.T) {
	st := newTestStore(t)
	srv, _ := fileServer(t)
	seed(t, st, "O1", model.Attachment{ID: "a1", Name: "sow.pdf", SourceURL: srv.URL + "/sow.pdf"})
	m := newManager(t, st)

	ctx, cancel := context.WithCancel(context.Background())
	job, err := m.StartDownload(ctx, "O1")
	require.NoError(t, err)
	cancel()
	assert.NotEmpty(t, job.JobID)
	assert.Equal(t, model.DownloadStatusQueued, job.Status)

	m.Wait()
	got, err := m.GetJobStatus(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.DownloadStatusCompleted, got.Status)
	assert.Equal(t, 1, got.DownloadedCount)
}

func TestStartDownload_SameOpportunitySerialised(t *testing.T) {
	st := newTestStore(t)
	srv, hits := fileServer(t)
	seed(t, st, "O1",
		model.Attachment{ID: "a1", Name: "one.pdf", SourceURL: srv.URL + "/one.pdf"},
		model.Attachment{ID: "a2", Name: "two.pdf", SourceURL: srv.URL + "/two.pdf"},
	)
	m := newManager(t, st)

	var wg sync.WaitGroup
	jobs := make([]*model.DownloadJob, 4)
	for i := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j, err := m.StartDownload(context.Background(), "O1")
			assert.NoError(t, err)
			jobs[i] = j
		}()
	}
	wg.Wait()
	m.Wait()

	assert.Equal(t, int32(2), hits.Load())
	var downloaded int
	for _, j := range jobs {
		got, err := m.GetJobStatus(context.Background(), j.JobID)
		require.NoError(t, err)
		assert.Equal(t, model.DownloadStatusCompleted, got.Status)
		downloaded += got.DownloadedCount
	}
	assert.Equal(t, 2, downloaded)
	assert.Empty(t, m.locks)
}

// stuckStore fails the first update that moves a job to running.
type stuckStore struct {
	*store.SQLiteStore
	failed atomic.Bool
}

func (s *stuckStore) UpdateDownloadJob(ctx context.Context, jobID string, u store.DownloadJobUpdate) error {
	if u.Status == model.DownloadStatusRunning && s.failed.CompareAndSwap(false, true) {
		return errors.New("database is locked")
	}
	return s.SQLiteStore.UpdateDownloadJob(ctx, jobID, u)
}

func TestEnsure_MarkRunningFailureFinishesJob(t *testing.T) {
	st := &stuckStore{SQLiteStore: newTestStore(t)}
	srv, hits := fileServer(t)
	seed(t, st, "O1", model.Attachment{ID: "a1", Name: "sow.pdf", SourceURL: srv.URL + "/sow.pdf"})
	m := newManager(t, st)

	job, err := m.Ensure(context.Background(), "O1")
	require.NoError(t, err)
	assert.Equal(t, model.DownloadStatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "mark job running")
	assert.Zero(t, hits.Load())

	stored, err := m.GetJobStatus(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.DownloadStatusFailed, stored.Status)
	assert.NotNil(t, stored.FinishedAt)
	assert.Empty(t, m.locks)

	job, err = m.Ensure(context.Background(), "O1")
	require.NoError(t, err)
	assert.Equal(t, model.DownloadStatusCompleted, job.Status)
	assert.Equal(t, 1, job.DownloadedCount)
}

func TestGetJobStatus_NotFound(t *testing.T) {
	m := newManager(t, newTestStore(t))
	_, err := m.GetJobStatus(context.Background(), "missing")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestLocalPath(t *testing.T) {
	p := LocalPath("/data", model.Attachment{ID: "a/1", OpportunityID: "../O1", Name: "Statement of Work (v2).pdf"})
	assert.Equal(t, filepath.Join("/data", ".._O1", "a_1_Statement_of_Work_v2_.pdf"), p)

	p = LocalPath("/data", model.Attachment{ID: "a1", OpportunityID: "..", Name: "..."})
	assert.Equal(t, filepath.Join("/data", "_", "a1_attachment"), p)
}
