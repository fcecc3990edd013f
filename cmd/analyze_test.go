//go:build !integration

package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bid-intel/pkg/bidclient"
)

func analyzeServer(t *testing.T, final string) *httptest.Server {
	t.Helper()
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/pipeline/run":
			w.WriteHeader(http.StatusAccepted)
			w.Write([]byte(`{"analysis_result_id":"run-1"}`)) //nolint:errcheck
		case "/pipeline/results/run-1":
			if polls.Add(1) < 2 {
				w.Write([]byte(`{"id":"run-1","status":"running"}`)) //nolint:errcheck
				return
			}
			w.Write([]byte(final)) //nolint:errcheck
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAnalyze_NoWait(t *testing.T) {
	srv := analyzeServer(t, "")
	var stdout, stderr bytes.Buffer

	err := analyze(context.Background(), bidclient.NewClient(srv.URL), &stdout, &stderr,
		bidclient.RunRequest{OpportunityID: "N1", AnalysisType: "sow_draft"}, false, time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "run-1\n", stdout.String())
}

func TestAnalyze_WaitCompleted(t *testing.T) {
	srv := analyzeServer(t, `{"id":"run-1","status":"completed","confidence":0.9}`)
	var stdout, stderr bytes.Buffer

	err := analyze(context.Background(), bidclient.NewClient(srv.URL), &stdout, &stderr,
		bidclient.RunRequest{OpportunityID: "N1", AnalysisType: "sow_draft"}, true, time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Contains(t, stderr.String(), "status: running")
	assert.Contains(t, stderr.String(), "status: completed")
	assert.Contains(t, stdout.String(), `"confidence": 0.9`)
}

func TestAnalyze_WaitFailed(t *testing.T) {
	srv := analyzeServer(t, `{"id":"run-1","status":"failed","failure_reason":"stage_failed","error_message":"stage requirements_extraction failed: boom"}`)
	var stdout, stderr bytes.Buffer

	err := analyze(context.Background(), bidclient.NewClient(srv.URL), &stdout, &stderr,
		bidclient.RunRequest{OpportunityID: "N1", AnalysisType: "sow_draft"}, true, time.Millisecond, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage requirements_extraction failed")
}

func TestAnalyze_Conflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"conflict"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	err := analyze(context.Background(), bidclient.NewClient(srv.URL), &bytes.Buffer{}, &bytes.Buffer{},
		bidclient.RunRequest{OpportunityID: "N1", AnalysisType: "sow_draft"}, true, time.Millisecond, time.Second)
	require.Error(t, err)
	assert.True(t, bidclient.IsConflict(err))
	assert.Contains(t, err.Error(), "already active")
}
