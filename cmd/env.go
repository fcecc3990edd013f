package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bid-intel/internal/agent"
	"github.com/sells-group/bid-intel/internal/docproc"
	"github.com/sells-group/bid-intel/internal/download"
	"github.com/sells-group/bid-intel/internal/fetcher"
	"github.com/sells-group/bid-intel/internal/ocr"
	"github.com/sells-group/bid-intel/internal/patterns"
	"github.com/sells-group/bid-intel/internal/pipeline"
	"github.com/sells-group/bid-intel/internal/store"
	"github.com/sells-group/bid-intel/pkg/anthropic"
)

// appEnv holds the store and services shared by serve and download.
type appEnv struct {
	Store     store.Store
	Downloads *download.Manager
	Pipeline  *pipeline.Orchestrator
	Patterns  *patterns.Cache
}

// Close cancels executing runs, waits for background work up to timeout
// and closes the store.
func (e *appEnv) Close(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if e.Pipeline != nil {
		if err := e.Pipeline.Shutdown(ctx); err != nil {
			zap.L().Warn("pipeline shutdown incomplete", zap.Error(err))
		}
	}
	if e.Downloads != nil {
		e.Downloads.Wait()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens and migrates the configured store.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// newFetcher builds the scheme-routing fetcher from the download config.
func newFetcher() fetcher.Fetcher {
	timeout := time.Duration(cfg.Download.TimeoutSecs) * time.Second
	return fetcher.NewMultiFetcher(
		fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			UserAgent:   cfg.Download.UserAgent,
			Timeout:     timeout,
			RatePerHost: cfg.Download.RatePerHost,
			MaxBytes:    cfg.Download.MaxBytes,
		}),
		fetcher.NewFTPFetcher(fetcher.FTPOptions{Timeout: timeout, MaxBytes: cfg.Download.MaxBytes}),
	)
}

// initDownloads sets up the store and the download manager only.
func initDownloads(ctx context.Context) (*appEnv, error) {
	if err := cfg.Validate("store"); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	return &appEnv{
		Store:     st,
		Downloads: download.NewManager(st, newFetcher(), download.FromConfig(cfg.Download)),
	}, nil
}

// initApp sets up the store, download manager, decision pattern cache and
// the pipeline orchestrator. Callers should defer env.Close.
func initApp(ctx context.Context) (*appEnv, error) {
	if err := cfg.Validate("serve"); err != nil {
		return nil, err
	}

	env, err := initDownloads(ctx)
	if err != nil {
		return nil, err
	}

	fallback, err := ocr.NewExtractor(cfg.OCR)
	if err != nil {
		env.Close(time.Second)
		return nil, err
	}
	extractor := docproc.New(fallback, docproc.Options{MaxChars: cfg.Pipeline.MaxDocumentChars})

	caps, err := pipeline.LoadCapabilities(cfg.Pipeline.CapabilitiesPath)
	if err != nil {
		env.Close(time.Second)
		return nil, err
	}

	backend := agent.NewAnthropicBackend(anthropic.NewClient(cfg.Anthropic.Key), agent.FromConfig(cfg))
	env.Patterns = patterns.New(env.Store)
	env.Pipeline = pipeline.New(env.Store, env.Downloads, env.Patterns, backend, extractor, caps, pipeline.FromConfig(cfg.Pipeline))

	zap.L().Info("app initialized",
		zap.String("store", cfg.Store.Driver),
		zap.String("model", cfg.Anthropic.Model),
		zap.Int("capabilities", len(caps.Capabilities)),
	)
	return env, nil
}
