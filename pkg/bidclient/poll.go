package bidclient

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bid-intel/internal/model"
)

const (
	defaultPollInterval       = 2 * time.Second
	defaultPollCap            = 30 * time.Second
	defaultMaxConsecutiveErrs = 5
)

// PollOption configures polling behavior.
type PollOption func(*pollConfig)

type pollConfig struct {
	interval  time.Duration
	cap       time.Duration
	maxErrors int
	onPoll    func(status string)
}

func defaultPollConfig() pollConfig {
	return pollConfig{
		interval:  defaultPollInterval,
		cap:       defaultPollCap,
		maxErrors: defaultMaxConsecutiveErrs,
	}
}

// WithPollInterval sets the fixed interval between successful polls.
func WithPollInterval(d time.Duration) PollOption {
	return func(c *pollConfig) {
		c.interval = d
	}
}

// WithPollCap caps the backoff applied after transport errors.
func WithPollCap(d time.Duration) PollOption {
	return func(c *pollConfig) {
		c.cap = d
	}
}

// WithMaxConsecutiveErrors bounds how many failed polls in a row are
// tolerated before giving up.
func WithMaxConsecutiveErrors(n int) PollOption {
	return func(c *pollConfig) {
		c.maxErrors = n
	}
}

// WithOnPoll registers a callback invoked with the status after each
// successful poll.
func WithOnPoll(fn func(status string)) PollOption {
	return func(c *pollConfig) {
		c.onPoll = fn
	}
}

// WaitForResult polls GetResult until the run is completed or failed. The
// returned run is terminal; a failed run is not an error.
func WaitForResult(ctx context.Context, client Client, id string, opts ...PollOption) (*model.AnalysisResult, error) {
	var out *model.AnalysisResult
	err := poll(ctx, opts, func(ctx context.Context) (string, bool, error) {
		run, err := client.GetResult(ctx, id)
		if err != nil {
			return "", false, err
		}
		out = run
		return string(run.Status), run.Status.Terminal(), nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "bidclient: wait for result %s", id)
	}
	return out, nil
}

// WaitForDownload polls GetDownload until the job is completed or failed.
func WaitForDownload(ctx context.Context, client Client, jobID string, opts ...PollOption) (*model.DownloadJob, error) {
	var out *model.DownloadJob
	err := poll(ctx, opts, func(ctx context.Context) (string, bool, error) {
		job, err := client.GetDownload(ctx, jobID)
		if err != nil {
			return "", false, err
		}
		out = job
		return string(job.Status), job.Status.Terminal(), nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "bidclient: wait for download %s", jobID)
	}
	return out, nil
}

// poll calls check until it reports done. Transport failures double the
// wait up to the cap; a 4xx answer is returned at once.
func poll(ctx context.Context, opts []PollOption, check func(context.Context) (string, bool, error)) error {
	cfg := defaultPollConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxErrors <= 0 {
		cfg.maxErrors = defaultMaxConsecutiveErrs
	}
	if cfg.interval <= 0 {
		cfg.interval = defaultPollInterval
	}

	wait := cfg.interval
	failures := 0
	for {
		status, done, err := check(ctx)
		switch {
		case err == nil:
			failures = 0
			wait = cfg.interval
			if cfg.onPoll != nil {
				cfg.onPoll(status)
			}
			if done {
				return nil
			}
		case ctx.Err() != nil:
			return ctx.Err()
		case isClientError(err):
			return err
		default:
			failures++
			if failures >= cfg.maxErrors {
				return eris.Wrapf(err, "%d consecutive poll failures", failures)
			}
			wait *= 2
			if wait > cfg.cap {
				wait = cfg.cap
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func isClientError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 &&
		apiErr.StatusCode != 408 && apiErr.StatusCode != 429
}
