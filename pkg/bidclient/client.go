// Package bidclient is a Go client for the bid-intel HTTP API.
package bidclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bid-intel/internal/model"
)

const defaultBaseURL = "http://localhost:8080"

// Client defines the bid-intel API operations.
type Client interface {
	StartRun(ctx context.Context, req RunRequest) (*StartRunResponse, error)
	GetResult(ctx context.Context, id string) (*model.AnalysisResult, error)
	GetLogs(ctx context.Context, id string, limit int) ([]model.AgentMessage, error)
	CancelRun(ctx context.Context, id string) error
	StartDownload(ctx context.Context, opportunityID string) (*DownloadResponse, error)
	GetDownload(ctx context.Context, jobID string) (*model.DownloadJob, error)
}

// RunRequest is the body for POST /pipeline/run.
type RunRequest struct {
	OpportunityID string            `json:"opportunity_id"`
	AnalysisType  string            `json:"analysis_type"`
	AttachmentIDs []string          `json:"attachment_ids,omitempty"`
	Options       map[string]string `json:"options,omitempty"`
}

// StartRunResponse is the response from POST /pipeline/run.
type StartRunResponse struct {
	AnalysisResultID string `json:"analysis_result_id"`
}

// DownloadResponse is the response from POST /downloads.
type DownloadResponse struct {
	JobID  string               `json:"job_id"`
	Status model.DownloadStatus `json:"status"`
}

// APIError is returned when the server responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bidclient: HTTP %d: %s", e.StatusCode, e.Message)
}

// IsConflict reports whether err is a 409 from the server, e.g. a run of
// the same type already active for the opportunity.
func IsConflict(err error) bool { return hasStatus(err, http.StatusConflict) }

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

func hasStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the server at baseURL. An empty baseURL
// targets a local server.
func NewClient(baseURL string, opts ...Option) Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	c := &httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) StartRun(ctx context.Context, req RunRequest) (*StartRunResponse, error) {
	var resp StartRunResponse
	if err := c.do(ctx, http.MethodPost, "/pipeline/run", req, &resp); err != nil {
		return nil, eris.Wrap(err, "bidclient: start run")
	}
	return &resp, nil
}

func (c *httpClient) GetResult(ctx context.Context, id string) (*model.AnalysisResult, error) {
	var resp model.AnalysisResult
	if err := c.do(ctx, http.MethodGet, "/pipeline/results/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, eris.Wrapf(err, "bidclient: get result %s", id)
	}
	return &resp, nil
}

func (c *httpClient) GetLogs(ctx context.Context, id string, limit int) ([]model.AgentMessage, error) {
	path := "/pipeline/results/" + url.PathEscape(id) + "/logs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp []model.AgentMessage
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, eris.Wrapf(err, "bidclient: get logs %s", id)
	}
	return resp, nil
}

func (c *httpClient) CancelRun(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodPost, "/pipeline/results/"+url.PathEscape(id)+"/cancel", nil, nil); err != nil {
		return eris.Wrapf(err, "bidclient: cancel run %s", id)
	}
	return nil
}

func (c *httpClient) StartDownload(ctx context.Context, opportunityID string) (*DownloadResponse, error) {
	var resp DownloadResponse
	body := map[string]string{"opportunity_id": opportunityID}
	if err := c.do(ctx, http.MethodPost, "/downloads", body, &resp); err != nil {
		return nil, eris.Wrapf(err, "bidclient: start download %s", opportunityID)
	}
	return &resp, nil
}

func (c *httpClient) GetDownload(ctx context.Context, jobID string) (*model.DownloadJob, error) {
	var resp model.DownloadJob
	if err := c.do(ctx, http.MethodGet, "/downloads/"+url.PathEscape(jobID), nil, &resp); err != nil {
		return nil, eris.Wrapf(err, "bidclient: get download %s", jobID)
	}
	return &resp, nil
}

func (c *httpClient) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return eris.Wrap(err, "marshal request")
		}
		r = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "execute request")
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrap(err, "decode response")
	}
	return nil
}
