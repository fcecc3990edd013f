package bidclient

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bid-intel/internal/model"
)

// fakeClient implements Client for testing poll functions.
type fakeClient struct {
	resultFunc   func(ctx context.Context, id string) (*model.AnalysisResult, error)
	downloadFunc func(ctx context.Context, id string) (*model.DownloadJob, error)
}

func (f *fakeClient) StartRun(context.Context, RunRequest) (*StartRunResponse, error) {
	return nil, nil
}

func (f *fakeClient) GetResult(ctx context.Context, id string) (*model.AnalysisResult, error) {
	return f.resultFunc(ctx, id)
}

func (f *fakeClient) GetLogs(context.Context, string, int) ([]model.AgentMessage, error) {
	return nil, nil
}

func (f *fakeClient) CancelRun(context.Context, string) error { return nil }

func (f *fakeClient) StartDownload(context.Context, string) (*DownloadResponse, error) {
	return nil, nil
}

func (f *fakeClient) GetDownload(ctx context.Context, id string) (*model.DownloadJob, error) {
	return f.downloadFunc(ctx, id)
}

func fast() []PollOption {
	return []PollOption{WithPollInterval(time.Millisecond), WithPollCap(4 * time.Millisecond)}
}

func TestWaitForResult_UntilTerminal(t *testing.T) {
	var calls atomic.Int32
	var seen []string
	c := &fakeClient{resultFunc: func(ctx context.Context, id string) (*model.AnalysisResult, error) {
		switch calls.Add(1) {
		case 1:
			return &model.AnalysisResult{ID: id, Status: model.RunStatusPending}, nil
		case 2:
			return &model.AnalysisResult{ID: id, Status: model.RunStatusRunning}, nil
		default:
			return &model.AnalysisResult{ID: id, Status: model.RunStatusCompleted}, nil
		}
	}}

	opts := append(fast(), WithOnPoll(func(s string) { seen = append(seen, s) }))
	run, err := WaitForResult(context.Background(), c, "run-1", opts...)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, []string{"pending", "running", "completed"}, seen)
}

func TestWaitForResult_FailedRunIsNotAnError(t *testing.T) {
	c := &fakeClient{resultFunc: func(ctx context.Context, id string) (*model.AnalysisResult, error) {
		return &model.AnalysisResult{ID: id, Status: model.RunStatusFailed, FailureReason: model.FailureCancelled}, nil
	}}
	run, err := WaitForResult(context.Background(), c, "run-1", fast()...)
	require.NoError(t, err)
	assert.Equal(t, model.FailureCancelled, run.FailureReason)
}

func TestWaitForResult_ToleratesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	c := &fakeClient{resultFunc: func(ctx context.Context, id string) (*model.AnalysisResult, error) {
		if calls.Add(1) <= 2 {
			return nil, errors.New("connection reset")
		}
		return &model.AnalysisResult{ID: id, Status: model.RunStatusCompleted}, nil
	}}
	run, err := WaitForResult(context.Background(), c, "run-1", append(fast(), WithMaxConsecutiveErrors(3))...)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWaitForResult_GivesUpAfterConsecutiveErrors(t *testing.T) {
	var calls atomic.Int32
	c := &fakeClient{resultFunc: func(ctx context.Context, id string) (*model.AnalysisResult, error) {
		calls.Add(1)
		return nil, &APIError{StatusCode: 503, Message: "unavailable"}
	}}
	_, err := WaitForResult(context.Background(), c, "run-1", append(fast(), WithMaxConsecutiveErrors(3))...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3 consecutive poll failures")
	assert.Equal(t, int32(3), calls.Load())
}

func TestWaitForResult_NotFoundStopsImmediately(t *testing.T) {
	var calls atomic.Int32
	c := &fakeClient{resultFunc: func(ctx context.Context, id string) (*model.AnalysisResult, error) {
		calls.Add(1)
		return nil, &APIError{StatusCode: 404, Message: "not found"}
	}}
	_, err := WaitForResult(context.Background(), c, "nope", fast()...)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestWaitForResult_ContextCancelled(t *testing.T) {
	c := &fakeClient{resultFunc: func(ctx context.Context, id string) (*model.AnalysisResult, error) {
		return &model.AnalysisResult{ID: id, Status: model.RunStatusRunning}, nil
	}}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := WaitForResult(ctx, c, "run-1", fast()...)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitForDownload(t *testing.T) {
	var calls atomic.Int32
	c := &fakeClient{downloadFunc: func(ctx context.Context, id string) (*model.DownloadJob, error) {
		if calls.Add(1) < 3 {
			return &model.DownloadJob{JobID: id, Status: model.DownloadStatusRunning}, nil
		}
		return &model.DownloadJob{JobID: id, Status: model.DownloadStatusFailed, FailedCount: 2}, nil
	}}
	job, err := WaitForDownload(context.Background(), c, "job-1", fast()...)
	require.NoError(t, err)
	assert.Equal(t, model.DownloadStatusFailed, job.Status)
	assert.Equal(t, 2, job.FailedCount)
}
